package configs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var Values Config

type (
	NetworkName string

	Config struct {
		LogLevel       string                  `mapstructure:"log-level"`
		Network        NetworkName             `mapstructure:"network"`
		RPCURL         string                  `mapstructure:"rpc-url"`
		ExplorerAPIKey string                  `mapstructure:"explorer-api-key"`
		Networks       map[NetworkName]Network `mapstructure:"networks"`
		Deployer       Deployer                `mapstructure:"deployer"`
		Artifacts      Artifacts               `mapstructure:"artifacts"`
		AVS            AVS                     `mapstructure:"avs"`
		Upgrade        Upgrade                 `mapstructure:"upgrade"`
		Verification   Verification            `mapstructure:"verification"`
		State          State                   `mapstructure:"state"`
		Output         Output                  `mapstructure:"output"`
		Predict        Predict                 `mapstructure:"predict"`
	}

	Network struct {
		ChainID            int64      `mapstructure:"chain-id"`
		RPCURL             string     `mapstructure:"rpc-url"`
		DelegationManager  string     `mapstructure:"delegation-manager"`
		AVSDirectory       string     `mapstructure:"avs-directory"`
		RewardsCoordinator string     `mapstructure:"rewards-coordinator"`
		Strategies         []Strategy `mapstructure:"strategies"`
		Explorer           Explorer   `mapstructure:"explorer"`
	}

	Strategy struct {
		Name    string `mapstructure:"name"`
		Address string `mapstructure:"address"`
	}

	Explorer struct {
		APIURL     string `mapstructure:"api-url"`
		APIKey     string `mapstructure:"api-key"`
		BrowserURL string `mapstructure:"browser-url"`
	}

	Deployer struct {
		PrivateKey          string        `mapstructure:"private-key"`
		GasLimit            uint64        `mapstructure:"gas-limit"`
		ConfirmationTimeout time.Duration `mapstructure:"confirmation-timeout"`
		RPCWaitAttempts     uint          `mapstructure:"rpc-wait-attempts"`
	}

	Artifacts struct {
		Path string `mapstructure:"path"`
	}

	// AVS holds the deploy-time parameters. Empty addresses default to the deployer.
	AVS struct {
		ProxyAdmin       string `mapstructure:"proxy-admin"`
		Owner            string `mapstructure:"owner"`
		RewardsInitiator string `mapstructure:"rewards-initiator"`
		ThresholdWeight  int64  `mapstructure:"threshold-weight"`
	}

	Upgrade struct {
		Contract   string `mapstructure:"contract"`
		Proxy      string `mapstructure:"proxy"`
		ProxyAdmin string `mapstructure:"proxy-admin"`
		CallData   string `mapstructure:"call-data"`
	}

	Verification struct {
		Enabled      bool          `mapstructure:"enabled"`
		InitialDelay time.Duration `mapstructure:"initial-delay"`
		Delay        time.Duration `mapstructure:"delay"`
		Attempts     uint          `mapstructure:"attempts"`
		Backoff      time.Duration `mapstructure:"backoff"`
		MaxJitter    time.Duration `mapstructure:"max-jitter"`
		PollInterval time.Duration `mapstructure:"poll-interval"`
		PollAttempts uint          `mapstructure:"poll-attempts"`
		HTTPRetries  int           `mapstructure:"http-retries"`
	}

	// State enables resumable runs when Path is set. Fresh discards saved progress.
	State struct {
		Path  string `mapstructure:"path"`
		Fresh bool   `mapstructure:"fresh"`
	}

	Output struct {
		Path string `mapstructure:"path"`
	}

	// Predict configures predict-address. A negative nonce means the deployer's pending nonce.
	Predict struct {
		Deployer string `mapstructure:"deployer"`
		Nonce    int    `mapstructure:"nonce"`
		Count    int    `mapstructure:"count"`
	}
)

// SelectedNetwork returns the entry of the networks table chosen by the network key, with
// the top-level rpc-url and explorer-api-key overrides applied. Viper lower-cases map
// keys, so the lookup does the same.
func (c *Config) SelectedNetwork() (Network, error) {
	name := NetworkName(strings.ToLower(string(c.Network)))
	network, ok := c.Networks[name]
	if !ok {
		return Network{}, fmt.Errorf("network %q is not configured", c.Network)
	}
	if c.RPCURL != "" {
		network.RPCURL = c.RPCURL
	}
	if c.ExplorerAPIKey != "" {
		network.Explorer.APIKey = c.ExplorerAPIKey
	}
	return network, nil
}

// ValidateConnection checks what every command needs to talk to the chain.
func (c *Config) ValidateConnection() error {
	var errs []error

	if c.Network == "" {
		errs = append(errs, errors.New("network is required"))
	} else if network, err := c.SelectedNetwork(); err != nil {
		errs = append(errs, err)
	} else {
		if network.RPCURL == "" {
			errs = append(errs, fmt.Errorf("rpc-url or networks.%s.rpc-url is required", c.Network))
		}
		if network.ChainID == 0 {
			errs = append(errs, fmt.Errorf("networks.%s.chain-id is required", c.Network))
		}
	}
	if c.Deployer.PrivateKey == "" {
		errs = append(errs, errors.New("deployer.private-key is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection configuration validation failed: %w", errors.Join(errs...))
	}

	return nil
}

// ValidateDeploy checks the configuration of the full AVS deployment.
func (c *Config) ValidateDeploy() error {
	errs := []error{c.ValidateConnection()}

	if c.Artifacts.Path == "" {
		errs = append(errs, errors.New("artifacts.path is required"))
	}
	if c.AVS.ThresholdWeight <= 0 {
		errs = append(errs, errors.New("avs.threshold-weight must be positive"))
	}
	errs = append(errs,
		optionalAddress("avs.proxy-admin", c.AVS.ProxyAdmin),
		optionalAddress("avs.owner", c.AVS.Owner),
		optionalAddress("avs.rewards-initiator", c.AVS.RewardsInitiator),
	)
	errs = append(errs, c.validateVerification())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("deploy configuration validation failed: %w", err)
	}

	return nil
}

// ValidateUpgrade checks the configuration of the upgrade-only flow.
func (c *Config) ValidateUpgrade() error {
	errs := []error{c.ValidateConnection()}

	if c.Artifacts.Path == "" {
		errs = append(errs, errors.New("artifacts.path is required"))
	}
	if c.Upgrade.Proxy == "" {
		errs = append(errs, errors.New("upgrade.proxy is required"))
	} else {
		errs = append(errs, optionalAddress("upgrade.proxy", c.Upgrade.Proxy))
	}
	errs = append(errs, optionalAddress("upgrade.proxy-admin", c.Upgrade.ProxyAdmin))
	if c.Upgrade.CallData != "" && !strings.HasPrefix(c.Upgrade.CallData, "0x") {
		errs = append(errs, errors.New("upgrade.call-data must be 0x-prefixed hex"))
	}
	errs = append(errs, c.validateVerification())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("upgrade configuration validation failed: %w", err)
	}

	return nil
}

func (c *Config) validateVerification() error {
	if !c.Verification.Enabled {
		return nil
	}

	var errs []error
	network, err := c.SelectedNetwork()
	if err == nil && network.Explorer.APIURL == "" {
		errs = append(errs, fmt.Errorf("networks.%s.explorer.api-url is required when verification is enabled", c.Network))
	}
	if c.Verification.Attempts == 0 {
		errs = append(errs, errors.New("verification.attempts must be at least 1"))
	}

	return errors.Join(errs...)
}

// ValidatePredict checks the predict-address configuration.
func (c *Config) ValidatePredict() error {
	var errs []error

	if c.Predict.Count <= 0 {
		errs = append(errs, errors.New("predict.count must be positive"))
	}
	if c.Predict.Deployer == "" && c.Deployer.PrivateKey == "" {
		errs = append(errs, errors.New("predict.deployer or deployer.private-key is required"))
	}
	errs = append(errs, optionalAddress("predict.deployer", c.Predict.Deployer))
	if c.Predict.Nonce < 0 {
		errs = append(errs, c.ValidateConnection())
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("predict configuration validation failed: %w", err)
	}

	return nil
}

func optionalAddress(key, value string) error {
	if value == "" || common.IsHexAddress(value) {
		return nil
	}
	return fmt.Errorf("%s is not a valid address: %q", key, value)
}
