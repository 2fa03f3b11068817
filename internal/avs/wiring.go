package avs

import (
	"context"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/muon-protocol/muon-avs-contracts/configs"
	"github.com/muon-protocol/muon-avs-contracts/internal/chain"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/crypto"
	"github.com/muon-protocol/muon-avs-contracts/internal/explorer"
	fsjson "github.com/muon-protocol/muon-avs-contracts/internal/infra/filesystem/json"
	"github.com/muon-protocol/muon-avs-contracts/internal/output"
	"github.com/muon-protocol/muon-avs-contracts/internal/registry"
	"github.com/muon-protocol/muon-avs-contracts/internal/store"
	"github.com/muon-protocol/muon-avs-contracts/internal/verify"
)

// newRegistry converts the networks table into the address registry.
func newRegistry(cfg configs.Config) (*registry.Registry, error) {
	entries := make(map[string]registry.Entry, len(cfg.Networks))
	for name, network := range cfg.Networks {
		strategies := make([]registry.StrategyEntry, 0, len(network.Strategies))
		for _, strategy := range network.Strategies {
			strategies = append(strategies, registry.StrategyEntry{Name: strategy.Name, Address: strategy.Address})
		}
		entries[string(name)] = registry.Entry{
			DelegationManager:  network.DelegationManager,
			AVSDirectory:       network.AVSDirectory,
			RewardsCoordinator: network.RewardsCoordinator,
			Strategies:         strategies,
		}
	}
	return registry.New(entries)
}

// dialChain connects to the selected network and checks the node serves the configured chain.
func dialChain(ctx context.Context, cfg configs.Config, catalog *contracts.Catalog) (*chain.Backend, error) {
	network, err := cfg.SelectedNetwork()
	if err != nil {
		return nil, err
	}

	key, _, err := crypto.ParsePrivateKey(cfg.Deployer.PrivateKey)
	if err != nil {
		return nil, err
	}

	backend, err := chain.Dial(ctx, network.RPCURL, key, catalog,
		chain.WithGasLimit(cfg.Deployer.GasLimit),
		chain.WithConfirmationTimeout(cfg.Deployer.ConfirmationTimeout),
		chain.WithRPCWaitAttempts(cfg.Deployer.RPCWaitAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Network, err)
	}

	if network.ChainID != 0 && backend.ChainID().Int64() != network.ChainID {
		backend.Close()
		return nil, fmt.Errorf("node reports chain ID %s, network %s expects %d", backend.ChainID(), cfg.Network, network.ChainID)
	}

	return backend, nil
}

// newService builds every component of a deploy or upgrade run from cfg. The returned
// cleanup closes the chain connection.
func newService(ctx context.Context, cfg configs.Config, required ...contracts.Name) (*Service, func(), error) {
	reg, err := newRegistry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid networks table: %w", err)
	}

	network, err := cfg.SelectedNetwork()
	if err != nil {
		return nil, nil, err
	}

	reader := fsjson.NewReader()
	writer := fsjson.NewWriter()

	catalog, err := contracts.Load(reader, cfg.Artifacts.Path)
	if err != nil {
		return nil, nil, err
	}
	if err := catalog.Require(required...); err != nil {
		return nil, nil, err
	}

	backend, err := dialChain(ctx, cfg, catalog)
	if err != nil {
		return nil, nil, err
	}

	var progress progressStore = store.NewMemoryStore()
	if cfg.State.Path != "" {
		progress = store.NewFileStore(cfg.State.Path, reader, writer)
	}

	var v verifier
	if cfg.Verification.Enabled {
		v = verify.NewClient(
			explorer.NewClient(explorer.Config{
				APIURL:       network.Explorer.APIURL,
				APIKey:       network.Explorer.APIKey,
				ChainID:      network.ChainID,
				HTTPRetries:  cfg.Verification.HTTPRetries,
				PollInterval: cfg.Verification.PollInterval,
				PollAttempts: cfg.Verification.PollAttempts,
			}, catalog),
			verify.Policy{
				InitialDelay: cfg.Verification.InitialDelay,
				Delay:        cfg.Verification.Delay,
				Attempts:     cfg.Verification.Attempts,
				Backoff:      cfg.Verification.Backoff,
				MaxJitter:    cfg.Verification.MaxJitter,
			},
		)
	}

	generator := output.NewGenerator(cfg.Output.Path, writer, os.Stdout, catalog)

	return NewService(reg, backend, progress, v, generator), backend.Close, nil
}

func parseAddress(value string) common.Address {
	if value == "" {
		return common.Address{}
	}
	return common.HexToAddress(value)
}
