package sequencer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/registry"
)

const UpgradeAndCall = "upgradeAndCall(address proxy,address implementation,bytes data)"

// UpgradeInput points an existing proxy at a freshly deployed implementation. A zero
// ProxyAdmin is looked up from the proxy's admin slot.
type UpgradeInput struct {
	Profile         registry.NetworkProfile
	Contract        contracts.Name
	ConstructorArgs []any
	Proxy           common.Address
	ProxyAdmin      common.Address
	CallData        []byte
}

type upgrade struct {
	*Sequencer
	input UpgradeInput
}

// UpgradeKey is the store key of an upgrade of proxy on network.
func UpgradeKey(network string, proxy common.Address) string {
	return "upgrade/" + network + "/" + strings.ToLower(proxy.Hex())
}

func NewUpgrade(backend Backend, store Store, input UpgradeInput) (*Sequencer, error) {
	if err := input.validate(); err != nil {
		return nil, err
	}

	fingerprint, err := digest(input)
	if err != nil {
		return nil, err
	}

	u := &upgrade{
		Sequencer: newSequencer(backend, store, FlowUpgrade, input.Profile.NetworkID, UpgradeKey(input.Profile.NetworkID, input.Proxy), fingerprint),
		input:     input,
	}
	u.handlers = map[State]handler{
		StateStart:                    u.start,
		StateDeployNewImplementation:  u.deployNewImplementation,
		StateLocateExistingProxyAdmin: u.locateExistingProxyAdmin,
		StateInvokeUpgradeAndCall:     u.invokeUpgradeAndCall,
		StateAwaitConfirmation:        u.awaitConfirmation,
	}
	u.records = u.buildRecords

	return u.Sequencer, nil
}

func (in UpgradeInput) validate() error {
	var errs []error

	if in.Profile.NetworkID == "" {
		errs = append(errs, errors.New("network identifier is required"))
	}
	if in.Contract == "" {
		errs = append(errs, errors.New("contract to upgrade is required"))
	}
	if in.Proxy == (common.Address{}) {
		errs = append(errs, errors.New("proxy address is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

func (u *upgrade) start(_ context.Context) error {
	u.logger.
		With("run_id", u.progress.RunID).
		With("network", u.input.Profile.NetworkID).
		With("contract", u.input.Contract).
		With("proxy", u.input.Proxy.Hex()).
		Info("starting implementation upgrade")
	return nil
}

func (u *upgrade) deployNewImplementation(ctx context.Context) error {
	address, err := u.deployAndWait(ctx, u.input.Contract, u.input.ConstructorArgs...)
	if err != nil {
		return err
	}
	u.progress.Values.NewImplementation = address
	return nil
}

func (u *upgrade) locateExistingProxyAdmin(ctx context.Context) error {
	if u.input.ProxyAdmin != (common.Address{}) {
		u.progress.Values.ProxyAdmin = u.input.ProxyAdmin
		return nil
	}

	admin, err := u.backend.ProxyAdmin(ctx, u.input.Proxy)
	if err != nil {
		return err
	}

	u.logger.With("proxy", u.input.Proxy.Hex()).With("proxy_admin", admin.Hex()).Info("proxy admin located")
	u.progress.Values.ProxyAdmin = admin

	return nil
}

func (u *upgrade) invokeUpgradeAndCall(ctx context.Context) error {
	values := &u.progress.Values
	if err := requireAddress(values.NewImplementation, "new implementation"); err != nil {
		return err
	}
	if err := requireAddress(values.ProxyAdmin, "proxy admin"); err != nil {
		return err
	}

	data := u.input.CallData
	if data == nil {
		data = []byte{}
	}

	return u.send(ctx, values.ProxyAdmin, UpgradeAndCall, u.input.Proxy, values.NewImplementation, data)
}

func (u *upgrade) buildRecords() []Record {
	values := u.progress.Values
	return []Record{{
		Contract:         u.input.Contract,
		Implementation:   values.NewImplementation,
		Proxy:            u.input.Proxy,
		ProxyAdmin:       values.ProxyAdmin,
		InitializationTx: values.Transactions[StateInvokeUpgradeAndCall],
		ConstructorArgs:  u.input.ConstructorArgs,
	}}
}
