package sequencer

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/quorum"
	"github.com/muon-protocol/muon-avs-contracts/internal/registry"
)

const (
	ServiceManagerInitializer = "initialize(address initialOwner,address rewardsInitiator)"
	StakeRegistryInitializer  = "initialize(address serviceManager,uint256 thresholdWeight,((address strategy,uint96 multiplier)[] strategies) quorum)"
)

// DeployInput is everything the full deployment needs before the first transaction.
type DeployInput struct {
	Profile          registry.NetworkProfile
	Quorum           quorum.Config
	Admin            common.Address
	Owner            common.Address
	RewardsInitiator common.Address
	ThresholdWeight  *big.Int
}

type deployment struct {
	*Sequencer
	input DeployInput
}

// DeploymentKey is the store key of a network's deployment progress.
func DeploymentKey(network string) string {
	return "deploy/" + network
}

// NewDeployment builds the machine for a fresh stake registry and service manager deployment.
func NewDeployment(backend Backend, store Store, input DeployInput) (*Sequencer, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	fingerprint, err := digest(input)
	if err != nil {
		return nil, err
	}

	d := &deployment{
		Sequencer: newSequencer(backend, store, FlowDeploy, input.Profile.NetworkID, DeploymentKey(input.Profile.NetworkID), fingerprint),
		input:     input,
	}
	d.handlers = map[State]handler{
		StateStart:                       d.start,
		StateDeployImplementation:        d.deployImplementation,
		StateDeployAdminProxy:            d.deployAdminProxy,
		StateDeployServiceImplementation: d.deployServiceImplementation,
		StateEncodeInitializerCall:       d.encodeInitializerCall,
		StateDeployInitializedProxy:      d.deployInitializedProxy,
		StateInvokeInitialize:            d.invokeInitialize,
		StateAwaitConfirmation:           d.awaitConfirmation,
	}
	d.records = d.buildRecords

	return d.Sequencer, nil
}

func (in DeployInput) validate() error {
	var errs []error

	if in.Profile.NetworkID == "" {
		errs = append(errs, errors.New("network identifier is required"))
	}
	for _, required := range []struct {
		what    string
		address common.Address
	}{
		{"delegation manager", in.Profile.DelegationManager},
		{"AVS directory", in.Profile.AVSDirectory},
		{"rewards coordinator", in.Profile.RewardsCoordinator},
		{"proxy admin", in.Admin},
		{"owner", in.Owner},
		{"rewards initiator", in.RewardsInitiator},
	} {
		if required.address == (common.Address{}) {
			errs = append(errs, fmt.Errorf("%s address is required", required.what))
		}
	}
	if in.ThresholdWeight == nil || in.ThresholdWeight.Sign() <= 0 {
		errs = append(errs, errors.New("threshold weight must be positive"))
	}
	if err := in.Quorum.Validate(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func (d *deployment) start(_ context.Context) error {
	d.logger.
		With("run_id", d.progress.RunID).
		With("network", d.input.Profile.NetworkID).
		With("strategies", len(d.input.Quorum.Strategies)).
		With("threshold_weight", d.input.ThresholdWeight).
		Info("starting AVS deployment")
	return nil
}

func (d *deployment) deployImplementation(ctx context.Context) error {
	address, err := d.deployAndWait(ctx, contracts.NameStakeRegistry, d.input.Profile.DelegationManager)
	if err != nil {
		return err
	}
	d.progress.Values.StakeRegistryImplementation = address
	return nil
}

func (d *deployment) deployAdminProxy(ctx context.Context) error {
	values := &d.progress.Values
	if err := requireAddress(values.StakeRegistryImplementation, "stake registry implementation"); err != nil {
		return err
	}

	proxy, err := d.deployAndWait(ctx, contracts.NameTransparentProxy, values.StakeRegistryImplementation, d.input.Admin, []byte{})
	if err != nil {
		return err
	}
	values.StakeRegistryProxy = proxy

	// the configured admin owns the ProxyAdmin contract, it is not the ProxyAdmin itself
	admin, err := d.backend.ProxyAdmin(ctx, proxy)
	if err != nil {
		d.logger.With("proxy", proxy.Hex()).With("err", err.Error()).Warn("failed to read proxy admin, leaving it unrecorded")
		admin = common.Address{}
	}
	values.ProxyAdmin = admin

	return nil
}

func (d *deployment) deployServiceImplementation(ctx context.Context) error {
	values := &d.progress.Values
	if err := requireAddress(values.StakeRegistryProxy, "stake registry proxy"); err != nil {
		return err
	}

	address, err := d.deployAndWait(ctx, contracts.NameServiceManager, d.serviceManagerArgs()...)
	if err != nil {
		return err
	}
	values.ServiceManagerImplementation = address
	return nil
}

func (d *deployment) encodeInitializerCall(_ context.Context) error {
	data, err := d.backend.EncodeCall(ServiceManagerInitializer, d.input.Owner, d.input.RewardsInitiator)
	if err != nil {
		return err
	}
	d.progress.Values.InitializerData = data
	return nil
}

func (d *deployment) deployInitializedProxy(ctx context.Context) error {
	values := &d.progress.Values
	if err := requireAddress(values.ServiceManagerImplementation, "service manager implementation"); err != nil {
		return err
	}
	if len(values.InitializerData) == 0 {
		return missing("service manager initializer calldata")
	}

	proxy, err := d.deployAndWait(ctx, contracts.NameTransparentProxy, values.ServiceManagerImplementation, d.input.Admin, []byte(values.InitializerData))
	if err != nil {
		return err
	}
	values.ServiceManagerProxy = proxy
	return nil
}

func (d *deployment) invokeInitialize(ctx context.Context) error {
	values := &d.progress.Values
	if err := requireAddress(values.StakeRegistryProxy, "stake registry proxy"); err != nil {
		return err
	}
	if err := requireAddress(values.ServiceManagerProxy, "service manager proxy"); err != nil {
		return err
	}

	return d.send(ctx, values.StakeRegistryProxy, StakeRegistryInitializer,
		values.ServiceManagerProxy, d.input.ThresholdWeight, d.input.Quorum)
}

func (d *deployment) serviceManagerArgs() []any {
	return []any{
		d.input.Profile.AVSDirectory,
		d.progress.Values.StakeRegistryProxy,
		d.input.Profile.RewardsCoordinator,
		d.input.Profile.DelegationManager,
	}
}

func (d *deployment) buildRecords() []Record {
	values := d.progress.Values
	return []Record{
		{
			Contract:         contracts.NameStakeRegistry,
			Implementation:   values.StakeRegistryImplementation,
			Proxy:            values.StakeRegistryProxy,
			ProxyAdmin:       values.ProxyAdmin,
			InitializationTx: values.Transactions[StateInvokeInitialize],
			ConstructorArgs:  []any{d.input.Profile.DelegationManager},
		},
		{
			Contract:         contracts.NameServiceManager,
			Implementation:   values.ServiceManagerImplementation,
			Proxy:            values.ServiceManagerProxy,
			ProxyAdmin:       values.ProxyAdmin,
			InitializationTx: values.Transactions[StateDeployInitializedProxy],
			ConstructorArgs:  d.serviceManagerArgs(),
		},
	}
}
