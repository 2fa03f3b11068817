package avs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
	"github.com/muon-protocol/muon-avs-contracts/internal/output"
	"github.com/muon-protocol/muon-avs-contracts/internal/quorum"
	"github.com/muon-protocol/muon-avs-contracts/internal/registry"
	"github.com/muon-protocol/muon-avs-contracts/internal/sequencer"
	"github.com/muon-protocol/muon-avs-contracts/internal/verify"
)

type (
	profileLookup interface {
		Lookup(networkID string) (registry.NetworkProfile, error)
	}

	// chainBackend is the deployer's connection to the target chain.
	chainBackend interface {
		sequencer.Backend
		From() common.Address
		ChainID() *big.Int
		EnsureFunded(ctx context.Context) error
	}

	progressStore interface {
		sequencer.Store
		Delete(ctx context.Context, key string) error
	}

	verifier interface {
		VerifyAll(ctx context.Context, targets []verify.Target) []verify.Outcome
	}

	summaryGenerator interface {
		Generate(ctx context.Context, summary output.Summary) (*output.Model, error)
	}

	// DeployRequest carries the run parameters. Zero addresses default to the deployer.
	DeployRequest struct {
		Network          string
		Admin            common.Address
		Owner            common.Address
		RewardsInitiator common.Address
		ThresholdWeight  int64
		Fresh            bool
		BrowserURL       string
	}

	UpgradeRequest struct {
		Network    string
		Contract   contracts.Name
		Proxy      common.Address
		ProxyAdmin common.Address
		CallData   []byte
		Fresh      bool
		BrowserURL string
	}

	// Service drives a deployment from network lookup to the final summary.
	Service struct {
		registry  profileLookup
		backend   chainBackend
		store     progressStore
		verifier  verifier
		generator summaryGenerator
		logger    *slog.Logger
	}
)

// NewService wires the deployment phases together. verifier may be nil to skip source
// verification.
func NewService(registry profileLookup, backend chainBackend, store progressStore, verifier verifier, generator summaryGenerator) *Service {
	return &Service{
		registry:  registry,
		backend:   backend,
		store:     store,
		verifier:  verifier,
		generator: generator,
		logger:    logger.Named("avs_service"),
	}
}

// Deploy runs the full stake registry and service manager deployment. A failed step aborts
// the run before verification; verification failures only add warnings to the summary.
func (s *Service) Deploy(ctx context.Context, req DeployRequest) (*output.Model, error) {
	s.logger.With("network", req.Network).Info("phase 1: resolving network profile")
	profile, err := s.registry.Lookup(req.Network)
	if err != nil {
		return nil, fmt.Errorf("phase 1 failed: %w", err)
	}

	s.logger.With("strategies", len(profile.Strategies)).Info("phase 2: building quorum")
	q, err := quorum.Build(profile.StrategyAddresses())
	if err != nil {
		return nil, fmt.Errorf("phase 2 failed: %w", err)
	}

	deployer := s.backend.From()
	s.logger.With("deployer", deployer.Hex()).Info("phase 3: deploying contracts")
	if err := s.backend.EnsureFunded(ctx); err != nil {
		return nil, fmt.Errorf("phase 3 failed: %w", err)
	}

	seq, err := sequencer.NewDeployment(s.backend, s.store, sequencer.DeployInput{
		Profile:          profile,
		Quorum:           q,
		Admin:            orDefault(req.Admin, deployer),
		Owner:            orDefault(req.Owner, deployer),
		RewardsInitiator: orDefault(req.RewardsInitiator, deployer),
		ThresholdWeight:  big.NewInt(req.ThresholdWeight),
	})
	if err != nil {
		return nil, fmt.Errorf("phase 3 failed: %w", err)
	}

	records, err := s.run(ctx, seq, sequencer.DeploymentKey(profile.NetworkID), req.Fresh)
	if err != nil {
		return nil, fmt.Errorf("phase 3 failed: %w", err)
	}

	s.logger.Info("phase 4: verifying contracts")
	records = s.verify(ctx, records)

	s.logger.Info("phase 5: writing summary")
	model, err := s.generator.Generate(ctx, output.Summary{
		RunID:           seq.RunID(),
		Flow:            sequencer.FlowDeploy,
		Network:         profile.NetworkID,
		ChainID:         s.chainID(),
		Deployer:        deployer,
		ThresholdWeight: req.ThresholdWeight,
		Quorum:          q,
		Records:         records,
		BrowserURL:      req.BrowserURL,
	})
	if err != nil {
		return nil, fmt.Errorf("phase 5 failed: %w", err)
	}

	return model, nil
}

// Upgrade deploys a new implementation behind an existing proxy.
func (s *Service) Upgrade(ctx context.Context, req UpgradeRequest) (*output.Model, error) {
	s.logger.With("network", req.Network).Info("phase 1: resolving network profile")
	profile, err := s.registry.Lookup(req.Network)
	if err != nil {
		return nil, fmt.Errorf("phase 1 failed: %w", err)
	}

	args, err := upgradeConstructorArgs(req.Contract, profile)
	if err != nil {
		return nil, fmt.Errorf("phase 1 failed: %w", err)
	}

	s.logger.
		With("contract", req.Contract).
		With("proxy", req.Proxy.Hex()).
		Info("phase 2: upgrading proxy")
	if err := s.backend.EnsureFunded(ctx); err != nil {
		return nil, fmt.Errorf("phase 2 failed: %w", err)
	}

	seq, err := sequencer.NewUpgrade(s.backend, s.store, sequencer.UpgradeInput{
		Profile:         profile,
		Contract:        req.Contract,
		ConstructorArgs: args,
		Proxy:           req.Proxy,
		ProxyAdmin:      req.ProxyAdmin,
		CallData:        req.CallData,
	})
	if err != nil {
		return nil, fmt.Errorf("phase 2 failed: %w", err)
	}

	records, err := s.run(ctx, seq, sequencer.UpgradeKey(profile.NetworkID, req.Proxy), req.Fresh)
	if err != nil {
		return nil, fmt.Errorf("phase 2 failed: %w", err)
	}

	s.logger.Info("phase 3: verifying contracts")
	records = s.verify(ctx, records)

	s.logger.Info("phase 4: writing summary")
	model, err := s.generator.Generate(ctx, output.Summary{
		RunID:      seq.RunID(),
		Flow:       sequencer.FlowUpgrade,
		Network:    profile.NetworkID,
		ChainID:    s.chainID(),
		Deployer:   s.backend.From(),
		Records:    records,
		BrowserURL: req.BrowserURL,
	})
	if err != nil {
		return nil, fmt.Errorf("phase 4 failed: %w", err)
	}

	return model, nil
}

// run restores or discards saved progress under key, then drives seq to completion.
func (s *Service) run(ctx context.Context, seq *sequencer.Sequencer, key string, fresh bool) ([]sequencer.Record, error) {
	if fresh {
		if err := s.store.Delete(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to discard saved progress: %w", err)
		}
	} else if resumed, err := seq.Resume(ctx); err != nil {
		return nil, err
	} else if resumed {
		s.logger.With("state", seq.State()).Info("continuing interrupted run")
	}

	records, err := seq.Run(ctx)
	if err != nil {
		var stepErr *sequencer.StepError
		if errors.As(err, &stepErr) {
			s.logger.
				With("state", stepErr.State).
				With("err", stepErr.Err.Error()).
				Error("deployment stopped")
		}
		return nil, err
	}

	return records, nil
}

// verify submits every record's implementation and stores the outcome on the record.
func (s *Service) verify(ctx context.Context, records []sequencer.Record) []sequencer.Record {
	if s.verifier == nil {
		s.logger.Info("verification disabled")
		return records
	}

	targets := make([]verify.Target, 0, len(records))
	for _, record := range records {
		targets = append(targets, verify.Target{
			Contract:        record.Contract,
			Address:         record.Implementation,
			Proxy:           record.Proxy,
			ConstructorArgs: record.ConstructorArgs,
		})
	}

	outcomes := s.verifier.VerifyAll(ctx, targets)
	for i := range records {
		if i >= len(outcomes) {
			break
		}
		records[i].Verified = outcomes[i].Verified
		if outcomes[i].Err != nil {
			records[i].VerificationError = outcomes[i].Err.Error()
		}
	}

	return records
}

func (s *Service) chainID() int64 {
	id := s.backend.ChainID()
	if id == nil {
		return 0
	}
	return id.Int64()
}

// upgradeConstructorArgs returns the immutable constructor arguments of contract on profile.
func upgradeConstructorArgs(contract contracts.Name, profile registry.NetworkProfile) ([]any, error) {
	switch contract {
	case contracts.NameStakeRegistry:
		return []any{profile.DelegationManager}, nil
	default:
		return nil, fmt.Errorf("upgrading %s is not supported", contract)
	}
}

func orDefault(value, fallback common.Address) common.Address {
	if value == (common.Address{}) {
		return fallback
	}
	return value
}
