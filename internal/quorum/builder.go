// Package quorum computes the strategy weights handed to the stake registry.
package quorum

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/common"
)

// TotalMultiplier is the basis-point total every quorum must add up to.
const TotalMultiplier = 10_000

var ErrInvalidInput = errors.New("invalid quorum input")

type (
	// InvalidInputError reports configuration the builder refuses to turn into a quorum.
	InvalidInputError struct {
		Reason string
	}

	// StrategyParam mirrors the on-chain StrategyParams tuple (address strategy, uint96 multiplier).
	StrategyParam struct {
		Strategy   common.Address
		Multiplier *big.Int
	}

	// Config mirrors the on-chain Quorum tuple.
	Config struct {
		Strategies []StrategyParam
	}
)

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidInput, e.Reason)
}

func (e *InvalidInputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// Build splits TotalMultiplier evenly across strategies. Every entry but the last gets
// floor(TotalMultiplier/N); the last entry in input order absorbs the remainder. The result
// is then sorted ascending by address, which the stake registry requires.
func Build(strategies []common.Address) (Config, error) {
	n := len(strategies)
	if n == 0 {
		return Config{}, &InvalidInputError{Reason: "at least one strategy is required"}
	}

	share := TotalMultiplier / n
	seen := make(map[common.Address]struct{}, n)
	params := make([]StrategyParam, 0, n)

	for i, strategy := range strategies {
		if strategy == (common.Address{}) {
			return Config{}, &InvalidInputError{Reason: fmt.Sprintf("strategy %d has the zero address", i)}
		}
		if _, ok := seen[strategy]; ok {
			return Config{}, &InvalidInputError{Reason: fmt.Sprintf("strategy %s is listed more than once", strategy.Hex())}
		}
		seen[strategy] = struct{}{}

		multiplier := share
		if i == n-1 {
			multiplier = TotalMultiplier - share*(n-1)
		}

		params = append(params, StrategyParam{
			Strategy:   strategy,
			Multiplier: big.NewInt(int64(multiplier)),
		})
	}

	slices.SortStableFunc(params, func(a, b StrategyParam) int {
		return compareAddresses(a.Strategy, b.Strategy)
	})

	return Config{Strategies: params}, nil
}

// Total returns the sum of all multipliers.
func (c Config) Total() int64 {
	var total int64
	for _, param := range c.Strategies {
		if param.Multiplier != nil {
			total += param.Multiplier.Int64()
		}
	}
	return total
}

// Validate re-checks the invariants the stake registry enforces on initialization.
func (c Config) Validate() error {
	if len(c.Strategies) == 0 {
		return &InvalidInputError{Reason: "quorum has no strategies"}
	}

	for i, param := range c.Strategies {
		if param.Multiplier == nil || param.Multiplier.Sign() < 0 || param.Multiplier.Int64() > TotalMultiplier {
			return &InvalidInputError{Reason: fmt.Sprintf("strategy %s has multiplier outside [0, %d]", param.Strategy.Hex(), TotalMultiplier)}
		}
		if i > 0 && compareAddresses(c.Strategies[i-1].Strategy, param.Strategy) >= 0 {
			return &InvalidInputError{Reason: fmt.Sprintf("strategy %s is not in ascending order", param.Strategy.Hex())}
		}
	}

	if total := c.Total(); total != TotalMultiplier {
		return &InvalidInputError{Reason: fmt.Sprintf("multipliers sum to %d, want %d", total, TotalMultiplier)}
	}

	return nil
}

// compareAddresses orders by raw bytes, which matches lower-case hex ordering and so
// ignores checksum casing.
func compareAddresses(a, b common.Address) int {
	return bytes.Compare(a.Bytes(), b.Bytes())
}
