package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

var ErrInsufficientFunds = errors.New("deployer has no funds")

// Balance returns the deployer's balance at the latest block.
func (b *Backend) Balance(ctx context.Context) (*big.Int, error) {
	balance, err := b.client.BalanceAt(ctx, b.from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// EnsureFunded fails before any transaction is sent when the deployer cannot pay for gas.
func (b *Backend) EnsureFunded(ctx context.Context) error {
	balance, err := b.Balance(ctx)
	if err != nil {
		return err
	}

	b.logger.With("address", b.from.Hex()).Info(FormatETHBalance(balance))

	if balance.Sign() == 0 {
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, b.from.Hex())
	}
	return nil
}

// FormatETHBalance formats a wei amount for display
func FormatETHBalance(balance *big.Int) string {
	if balance == nil {
		return "balance unavailable"
	}

	eth := new(big.Float).Quo(
		new(big.Float).SetInt(balance),
		new(big.Float).SetInt(big.NewInt(1e18)),
	)

	return fmt.Sprintf("balance %.4f ETH (%s wei)", eth, balance.String())
}
