// Package sequencer drives an AVS deployment or upgrade as an explicit state machine.
// Each Step runs one state to completion; a failure is fatal and pins the machine in the
// failing state.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/muon-protocol/muon-avs-contracts/internal/chain"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
)

type (
	Backend interface {
		Deploy(ctx context.Context, name contracts.Name, constructorArgs ...any) (*chain.PendingTx, error)
		Call(ctx context.Context, to common.Address, signature string, args ...any) (*chain.PendingTx, error)
		EncodeCall(signature string, args ...any) ([]byte, error)
		ProxyAdmin(ctx context.Context, proxy common.Address) (common.Address, error)
		Track(hash common.Hash, address common.Address) *chain.PendingTx
	}

	Store interface {
		Load(ctx context.Context, key string, target any) (bool, error)
		Save(ctx context.Context, key string, value any) error
	}

	handler func(ctx context.Context) error

	Sequencer struct {
		backend  Backend
		store    Store
		key      string
		progress Progress
		handlers map[State]handler
		records  func() []Record
		inflight *chain.PendingTx
		err      error
		now      func() time.Time
		logger   *slog.Logger
	}
)

func newSequencer(backend Backend, store Store, flow Flow, network, key, digest string) *Sequencer {
	return &Sequencer{
		backend: backend,
		store:   store,
		key:     key,
		progress: Progress{
			RunID:       uuid.New(),
			Flow:        flow,
			Network:     network,
			InputDigest: digest,
			State:       StateStart,
		},
		now:    time.Now,
		logger: logger.Named("deployment_sequencer"),
	}
}

// Resume restores progress saved by an earlier run with the same key. It reports whether
// anything was restored. Progress saved for another flow or for different inputs is
// rejected with ErrProgressMismatch.
func (s *Sequencer) Resume(ctx context.Context) (bool, error) {
	var saved Progress
	found, err := s.store.Load(ctx, s.key, &saved)
	if err != nil {
		return false, fmt.Errorf("failed to load progress %s: %w", s.key, err)
	}
	if !found {
		return false, nil
	}

	if saved.Flow != s.progress.Flow {
		return false, fmt.Errorf("%w: %s belongs to a %s flow, not %s", ErrProgressMismatch, s.key, saved.Flow, s.progress.Flow)
	}
	if saved.InputDigest != "" && saved.InputDigest != s.progress.InputDigest {
		return false, fmt.Errorf("%w: %s was saved for different inputs (%s, now %s)",
			ErrProgressMismatch, s.key, saved.InputDigest, s.progress.InputDigest)
	}
	if _, ok := s.handlers[saved.State]; !ok && saved.State != StateComplete {
		return false, fmt.Errorf("progress %s is in unknown state %q", s.key, saved.State)
	}

	s.progress = saved
	s.logger.
		With("run_id", saved.RunID).
		With("state", saved.State).
		With("key", s.key).
		Info("resuming from saved progress")

	return true, nil
}

// Step runs the current state and advances to the next one.
func (s *Sequencer) Step(ctx context.Context) error {
	if s.err != nil {
		return s.err
	}

	current := s.progress.State
	if current == StateComplete {
		return nil
	}

	run, ok := s.handlers[current]
	if !ok {
		return s.fail(current, fmt.Errorf("no handler for state %q", current))
	}

	log := s.logger.With("run_id", s.progress.RunID).With("state", current)
	log.Info("running step")

	if err := run(ctx); err != nil {
		// a handler that rewinds leaves the machine in the state the rerun starts from
		return s.fail(s.progress.State, err)
	}

	following, ok := next(s.progress.Flow, current)
	if !ok {
		return s.fail(current, fmt.Errorf("state %q has no successor", current))
	}

	s.progress.State = following
	if err := s.save(ctx); err != nil {
		s.progress.State = current
		return s.fail(current, err)
	}

	log.With("next", following).Info("step completed")

	return nil
}

// Run steps until the machine completes or a step fails.
func (s *Sequencer) Run(ctx context.Context) ([]Record, error) {
	for !s.Done() {
		if err := s.Step(ctx); err != nil {
			return nil, err
		}
	}
	return s.Records(), nil
}

func (s *Sequencer) Done() bool {
	return s.progress.State == StateComplete
}

func (s *Sequencer) State() State {
	return s.progress.State
}

func (s *Sequencer) RunID() uuid.UUID {
	return s.progress.RunID
}

// Progress returns a copy of the current snapshot.
func (s *Sequencer) Progress() Progress {
	return s.progress
}

// Err returns the error that stopped the machine, if any.
func (s *Sequencer) Err() error {
	return s.err
}

// Records returns one record per deployed contract once the machine has completed.
func (s *Sequencer) Records() []Record {
	if !s.Done() || s.records == nil {
		return nil
	}
	return s.records()
}

func (s *Sequencer) fail(state State, err error) error {
	s.err = &StepError{State: state, Err: err}
	s.logger.
		With("run_id", s.progress.RunID).
		With("state", state).
		With("err", err.Error()).
		Error("step failed")
	return s.err
}

func (s *Sequencer) save(ctx context.Context) error {
	s.progress.UpdatedAt = s.now().UTC()
	if err := s.store.Save(ctx, s.key, s.progress); err != nil {
		return fmt.Errorf("failed to persist progress: %w", err)
	}
	return nil
}

// deployAndWait creates a contract and blocks until it is mined. The pending hash is
// saved first, so a rerun after a crash waits for the same transaction instead of
// deploying a second copy. A reverted deployment is forgotten so the rerun sends a new one.
func (s *Sequencer) deployAndWait(ctx context.Context, name contracts.Name, args ...any) (common.Address, error) {
	state := s.progress.State

	var pending *chain.PendingTx
	if ref := s.progress.Values.Pending; ref != nil && ref.State == state {
		s.logger.With("tx_hash", ref.Hash.Hex()).With("contract", name).Info("waiting for previously sent deployment")
		pending = s.backend.Track(ref.Hash, ref.Address)
	} else {
		sent, err := s.backend.Deploy(ctx, name, args...)
		if err != nil {
			return common.Address{}, err
		}
		pending = sent
		if err := s.markPending(ctx, state, pending); err != nil {
			return common.Address{}, err
		}
	}

	receipt, err := pending.AwaitConfirmation(ctx)
	if err != nil {
		if errors.Is(err, chain.ErrReverted) {
			s.progress.Values.Pending = nil
			if saveErr := s.save(ctx); saveErr != nil {
				return common.Address{}, errors.Join(err, saveErr)
			}
		}
		return common.Address{}, err
	}

	s.progress.Values.Pending = nil
	s.progress.Values.recordTx(state, pending.Hash)

	address := pending.Created(receipt)
	s.logger.With("contract", name).With("address", address.Hex()).Info("contract deployed")

	return address, nil
}

// send issues a call whose confirmation is awaited by StateAwaitConfirmation. A call
// already sent from the current state is left to StateAwaitConfirmation to track.
func (s *Sequencer) send(ctx context.Context, to common.Address, signature string, args ...any) error {
	if ref := s.progress.Values.Pending; ref != nil && ref.State == s.progress.State {
		s.logger.With("tx_hash", ref.Hash.Hex()).Info("call already sent, awaiting its confirmation")
		s.inflight = nil
		return nil
	}

	pending, err := s.backend.Call(ctx, to, signature, args...)
	if err != nil {
		return err
	}

	s.inflight = pending
	s.progress.Values.recordTx(s.progress.State, pending.Hash)
	return s.markPending(ctx, s.progress.State, pending)
}

func (s *Sequencer) awaitConfirmation(ctx context.Context) error {
	ref := s.progress.Values.Pending
	if ref == nil {
		return missing("pending transaction")
	}

	pending := s.inflight
	if pending == nil || pending.Hash != ref.Hash {
		pending = s.backend.Track(ref.Hash, ref.Address)
	}

	if _, err := pending.AwaitConfirmation(ctx); err != nil {
		err = fmt.Errorf("transaction sent in %s: %w", ref.State, err)
		if errors.Is(err, chain.ErrReverted) {
			// a rerun resends from the state that issued the reverted call
			s.inflight = nil
			s.progress.Values.Pending = nil
			s.progress.State = ref.State
			if saveErr := s.save(ctx); saveErr != nil {
				return errors.Join(err, saveErr)
			}
		}
		return err
	}

	s.inflight = nil
	s.progress.Values.Pending = nil
	s.logger.With("tx_hash", ref.Hash.Hex()).Info("transaction confirmed")

	return nil
}

func (s *Sequencer) markPending(ctx context.Context, state State, pending *chain.PendingTx) error {
	s.progress.Values.Pending = &PendingRef{
		State:   state,
		Hash:    pending.Hash,
		Address: pending.Address,
	}
	return s.save(ctx)
}

func requireAddress(value common.Address, what string) error {
	if value == (common.Address{}) {
		return missing(what)
	}
	return nil
}
