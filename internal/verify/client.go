// Package verify submits deployed contracts for source verification. Failures never abort
// a run: every outcome is reported back to the caller and logged.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
)

// ErrAlreadyVerified is returned by a Backend when the explorer already holds the source.
// The client counts it as a success.
var ErrAlreadyVerified = errors.New("contract source code already verified")

type (
	// Target is one implementation to verify, optionally linked to the proxy in front of it.
	Target struct {
		Contract        contracts.Name
		Address         common.Address
		Proxy           common.Address
		ConstructorArgs []any
	}

	Backend interface {
		SubmitVerification(ctx context.Context, target Target) error
	}

	VerificationError struct {
		Contract contracts.Name
		Address  common.Address
		Err      error
	}

	Outcome struct {
		Target   Target
		Verified bool
		Err      error
	}

	// Policy paces and retries submissions. InitialDelay is waited before the first
	// contract and Delay before every later one, so the explorer can index new code.
	// Attempts counts submissions per contract.
	Policy struct {
		InitialDelay time.Duration
		Delay        time.Duration
		Attempts     uint
		Backoff      time.Duration
		MaxJitter    time.Duration
	}

	Option func(*Client)

	Client struct {
		backend Backend
		policy  Policy
		sleep   func(ctx context.Context, d time.Duration) error
		logger  *slog.Logger
	}
)

func (e *VerificationError) Error() string {
	return fmt.Sprintf("failed to verify %s at %s: %v", e.Contract, e.Address.Hex(), e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 20 * time.Second,
		Delay:        5 * time.Second,
		Attempts:     1,
		Backoff:      10 * time.Second,
	}
}

// WithSleep replaces the pacing wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

func NewClient(backend Backend, policy Policy, opts ...Option) *Client {
	c := &Client{
		backend: backend,
		policy:  policy,
		sleep:   sleepContext,
		logger:  logger.Named("verification_client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Verify paces, then submits a single target.
func (c *Client) Verify(ctx context.Context, target Target) Outcome {
	return c.verify(ctx, target, c.policy.InitialDelay)
}

// VerifyAll verifies targets one after another. A failed target does not affect the rest.
func (c *Client) VerifyAll(ctx context.Context, targets []Target) []Outcome {
	outcomes := make([]Outcome, 0, len(targets))
	for i, target := range targets {
		pause := c.policy.Delay
		if i == 0 {
			pause = c.policy.InitialDelay
		}
		outcomes = append(outcomes, c.verify(ctx, target, pause))
	}
	return outcomes
}

func (c *Client) verify(ctx context.Context, target Target, pause time.Duration) Outcome {
	log := c.logger.
		With("contract", target.Contract).
		With("address", target.Address.Hex())

	if pause > 0 {
		log.With("delay", pause.String()).Info("waiting before verification")
		if err := c.sleep(ctx, pause); err != nil {
			return c.failed(log, target, err)
		}
	}

	err := retry.Do(
		func() error {
			return c.backend.SubmitVerification(ctx, target)
		},
		c.retryOptions(ctx, log)...,
	)

	switch {
	case err == nil:
		log.Info("contract verified")
		return Outcome{Target: target, Verified: true}
	case errors.Is(err, ErrAlreadyVerified):
		log.Info("contract was already verified")
		return Outcome{Target: target, Verified: true}
	default:
		return c.failed(log, target, err)
	}
}

func (c *Client) retryOptions(ctx context.Context, log *slog.Logger) []retry.Option {
	opts := []retry.Option{
		retry.Attempts(max(c.policy.Attempts, 1)),
		retry.Delay(c.policy.Backoff),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrAlreadyVerified)
		}),
		retry.OnRetry(func(n uint, err error) {
			log.With("attempt", n+1).With("err", err.Error()).Warn("verification attempt failed, retrying")
		}),
	}

	if c.policy.MaxJitter > 0 {
		opts = append(opts,
			retry.MaxJitter(c.policy.MaxJitter),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		)
	} else {
		opts = append(opts, retry.DelayType(retry.BackOffDelay))
	}

	return opts
}

func (c *Client) failed(log *slog.Logger, target Target, err error) Outcome {
	verr := &VerificationError{Contract: target.Contract, Address: target.Address, Err: err}
	log.With("err", err.Error()).Warn("contract verification failed")
	return Outcome{Target: target, Err: verr}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
