package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/ethclient"
)

// waitForRPC dials url until it answers eth_blockNumber or attempts run out.
func waitForRPC(ctx context.Context, url string, attempts uint, delay time.Duration) (*ethclient.Client, error) {
	var client *ethclient.Client

	err := retry.Do(
		func() error {
			c, err := ethclient.DialContext(ctx, url)
			if err != nil {
				return err
			}
			if _, err := c.BlockNumber(ctx); err != nil {
				c.Close()
				return err
			}
			client = c
			return nil
		},
		retry.Attempts(max(attempts, 1)),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("timed out waiting for RPC at %s: %w", url, err)
	}

	return client, nil
}
