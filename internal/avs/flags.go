package avs

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// viperKeyAnnotation records on each flag the configuration key it overrides. Commands
// share flag names with different keys, so binding happens for the executing command only.
const viperKeyAnnotation = "viper-key"

// flagDef defines a command-line flag with its configuration.
type (
	flagType interface {
		string | int | bool
	}

	flagDef[T flagType] struct {
		name         string
		viperKey     string
		defaultValue T
		description  string
	}
)

var (
	connectionFlags = []flagDef[string]{
		{"network", "network", "", "Network to deploy to (mainnet, holesky)"},
		{"private-key", "deployer.private-key", "", "Deployer private key"},
		{"rpc-url", "rpc-url", "", "RPC URL overriding the network's configured endpoint"},
		{"log-level", "log-level", "", "Log level (debug, info, warn, error)"},
	}

	runStringFlags = []flagDef[string]{
		{"artifacts", "artifacts.path", "", "Path to the compiled contracts bundle"},
		{"explorer-api-key", "explorer-api-key", "", "Block explorer API key"},
		{"state-path", "state.path", "", "File that keeps progress so an interrupted run can resume"},
		{"output", "output.path", "", "Path of the deployment summary file"},
	}

	runBoolFlags = []flagDef[bool]{
		{"fresh", "state.fresh", false, "Discard saved progress and start over"},
		{"verify", "verification.enabled", true, "Verify contract sources on the block explorer"},
	}

	deployStringFlags = []flagDef[string]{
		{"owner", "avs.owner", "", "Service manager owner (default: deployer)"},
		{"rewards-initiator", "avs.rewards-initiator", "", "Service manager rewards initiator (default: deployer)"},
		{"proxy-admin", "avs.proxy-admin", "", "Admin passed to new proxies (default: deployer)"},
	}

	deployIntFlags = []flagDef[int]{
		{"threshold-weight", "avs.threshold-weight", 0, "Stake registry threshold weight"},
	}

	upgradeStringFlags = []flagDef[string]{
		{"contract", "upgrade.contract", "", "Artifact name of the new implementation"},
		{"proxy", "upgrade.proxy", "", "Proxy to upgrade"},
		{"proxy-admin", "upgrade.proxy-admin", "", "ProxyAdmin of the proxy (default: read from the proxy)"},
		{"call-data", "upgrade.call-data", "", "Calldata passed to upgradeAndCall, 0x-prefixed"},
	}

	predictStringFlags = []flagDef[string]{
		{"deployer", "predict.deployer", "", "Deployer address (default: address of the private key)"},
	}

	predictIntFlags = []flagDef[int]{
		{"nonce", "predict.nonce", -1, "First nonce; negative reads the pending nonce from the node"},
		{"count", "predict.count", 4, "Number of consecutive addresses to predict"},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{DeployCMD, UpgradeCMD, PredictAddressCMD} {
		must(declareFlags(cmd, connectionFlags))
	}
	for _, cmd := range []*cobra.Command{DeployCMD, UpgradeCMD} {
		must(declareFlags(cmd, runStringFlags))
		must(declareFlags(cmd, runBoolFlags))
	}

	must(declareFlags(DeployCMD, deployStringFlags))
	must(declareFlags(DeployCMD, deployIntFlags))
	must(declareFlags(UpgradeCMD, upgradeStringFlags))
	must(declareFlags(PredictAddressCMD, predictStringFlags))
	must(declareFlags(PredictAddressCMD, predictIntFlags))
}

// BindFlags binds the flags of the executing command to their viper keys. It must run
// before the configuration is unmarshalled.
func BindFlags(cmd *cobra.Command) error {
	var errs []error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		keys := flag.Annotations[viperKeyAnnotation]
		if len(keys) != 1 {
			return
		}
		if err := viper.BindPFlag(keys[0], flag); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

// declareFlags declares multiple flags on cmd and tags them with their viper keys.
func declareFlags[T flagType](cmd *cobra.Command, flags []flagDef[T]) error {
	for _, flag := range flags {
		if err := declareFlag(cmd, flag.name, flag.viperKey, flag.defaultValue, flag.description); err != nil {
			return err
		}
	}
	return nil
}

// declareFlag declares a single flag. The type parameter T determines the flag type.
func declareFlag[T flagType](cmd *cobra.Command, flagName, viperKey string, defaultValue T, description string) error {
	switch value := any(defaultValue).(type) {
	case string:
		cmd.Flags().String(flagName, value, description)
	case int:
		cmd.Flags().Int(flagName, value, description)
	case bool:
		cmd.Flags().Bool(flagName, value, description)
	}
	return cmd.Flags().SetAnnotation(flagName, viperKeyAnnotation, []string{viperKey})
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
