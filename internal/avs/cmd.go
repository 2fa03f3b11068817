package avs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/muon-protocol/muon-avs-contracts/configs"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/crypto"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	DeployCMD = &cobra.Command{
		Use:   "deploy",
		Short: "Deploy the stake registry and service manager behind transparent proxies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configs.Values
			slog.With("network", cfg.Network).Info("starting deploy command. Validating config")

			if err := cfg.ValidateDeploy(); err != nil {
				return err
			}
			network, err := cfg.SelectedNetwork()
			if err != nil {
				return err
			}

			service, cleanup, err := newService(cmd.Context(), cfg, contracts.DeploymentSet...)
			if err != nil {
				return err
			}
			defer cleanup()

			model, err := service.Deploy(cmd.Context(), DeployRequest{
				Network:          string(cfg.Network),
				Admin:            parseAddress(cfg.AVS.ProxyAdmin),
				Owner:            parseAddress(cfg.AVS.Owner),
				RewardsInitiator: parseAddress(cfg.AVS.RewardsInitiator),
				ThresholdWeight:  cfg.AVS.ThresholdWeight,
				Fresh:            cfg.State.Fresh,
				BrowserURL:       network.Explorer.BrowserURL,
			})
			if err != nil {
				return fmt.Errorf("error occurred deploying AVS: %w", err)
			}

			slog.With("run_id", model.Deployment.RunID).
				With("warnings", len(model.Deployment.Warnings)).
				Info("deployment completed successfully")

			return nil
		},
	}

	UpgradeCMD = &cobra.Command{
		Use:   "upgrade",
		Short: "Deploy a new implementation and point an existing proxy at it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configs.Values
			slog.With("network", cfg.Network).
				With("proxy", cfg.Upgrade.Proxy).
				Info("starting upgrade command. Validating config")

			if err := cfg.ValidateUpgrade(); err != nil {
				return err
			}
			network, err := cfg.SelectedNetwork()
			if err != nil {
				return err
			}

			var callData []byte
			if cfg.Upgrade.CallData != "" {
				callData, err = hexutil.Decode(cfg.Upgrade.CallData)
				if err != nil {
					return fmt.Errorf("invalid upgrade.call-data: %w", err)
				}
			}

			contract := contracts.Name(cfg.Upgrade.Contract)
			service, cleanup, err := newService(cmd.Context(), cfg, contract)
			if err != nil {
				return err
			}
			defer cleanup()

			model, err := service.Upgrade(cmd.Context(), UpgradeRequest{
				Network:    string(cfg.Network),
				Contract:   contract,
				Proxy:      common.HexToAddress(cfg.Upgrade.Proxy),
				ProxyAdmin: parseAddress(cfg.Upgrade.ProxyAdmin),
				CallData:   callData,
				Fresh:      cfg.State.Fresh,
				BrowserURL: network.Explorer.BrowserURL,
			})
			if err != nil {
				return fmt.Errorf("error occurred upgrading %s: %w", contract, err)
			}

			slog.With("run_id", model.Deployment.RunID).Info("upgrade completed successfully")

			return nil
		},
	}

	PredictAddressCMD = &cobra.Command{
		Use:   "predict-address",
		Short: "Print the addresses the deployer's next CREATE transactions will produce",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configs.Values
			if err := cfg.ValidatePredict(); err != nil {
				return err
			}

			deployer, nonce, err := predictionStart(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			addresses := crypto.PredictSequence(deployer, nonce, cfg.Predict.Count)
			return printPredictions(cmd.OutOrStdout(), deployer, nonce, addresses)
		},
	}
)

type (
	prediction struct {
		Deployer  string             `yaml:"deployer"`
		Addresses []predictedAddress `yaml:"addresses"`
	}

	predictedAddress struct {
		Nonce   uint64 `yaml:"nonce"`
		Address string `yaml:"address"`
	}
)

// predictionStart resolves the deployer and the first nonce, asking the node for the
// pending nonce when none is configured.
func predictionStart(ctx context.Context, cfg configs.Config) (common.Address, uint64, error) {
	deployer := parseAddress(cfg.Predict.Deployer)
	if deployer == (common.Address{}) {
		address, err := crypto.AddressFromPrivateKey(cfg.Deployer.PrivateKey)
		if err != nil {
			return common.Address{}, 0, err
		}
		deployer = address
	}

	if cfg.Predict.Nonce >= 0 {
		return deployer, uint64(cfg.Predict.Nonce), nil
	}

	backend, err := dialChain(ctx, cfg, nil)
	if err != nil {
		return common.Address{}, 0, err
	}
	defer backend.Close()

	if backend.From() != deployer {
		return common.Address{}, 0, errors.New("predict.deployer must match the private key when the nonce is read from the node")
	}

	nonce, err := backend.PendingNonce(ctx)
	if err != nil {
		return common.Address{}, 0, err
	}
	return deployer, nonce, nil
}

func printPredictions(out io.Writer, deployer common.Address, nonce uint64, addresses []common.Address) error {
	result := prediction{Deployer: deployer.Hex()}
	for i, address := range addresses {
		result.Addresses = append(result.Addresses, predictedAddress{
			Nonce:   nonce + uint64(i),
			Address: address.Hex(),
		})
	}

	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("could not marshal predicted addresses: %w", err)
	}
	_, err = out.Write(data)
	return err
}
