package sequencer

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/muon-protocol/muon-avs-contracts/internal/chain"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/quorum"
	"github.com/muon-protocol/muon-avs-contracts/internal/registry"
	"github.com/muon-protocol/muon-avs-contracts/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	delegationManager  = common.HexToAddress("0xD4A7E1Bd8015057293f0D0A557088c286942e84b")
	avsDirectory       = common.HexToAddress("0x055733000064333CaDDbC92763c58BF0192fFeBf")
	rewardsCoordinator = common.HexToAddress("0xAcc1fb458a1317E886dB376Fc8141540537E68fE")
	admin              = common.HexToAddress("0x00000000000000000000000000000000000ad111")
	owner              = common.HexToAddress("0x0000000000000000000000000000000000000111")
	initiator          = common.HexToAddress("0x0000000000000000000000000000000000000222")
)

type fakeBackend struct {
	calls         []string
	nextAddr      int64
	nextHash      int64
	failDeploy    map[contracts.Name]error
	waitErr       map[contracts.Name]error
	revertDeploy  map[contracts.Name]bool
	failCall      error
	revertCall    bool
	revertTracked bool
	admin         common.Address
	adminErr      error
	deployArgs    map[contracts.Name][][]any
	callArgs      [][]any
}

func newFakeBackend(offset int64) *fakeBackend {
	return &fakeBackend{
		nextAddr:   offset,
		nextHash:   offset,
		failDeploy:   map[contracts.Name]error{},
		waitErr:      map[contracts.Name]error{},
		revertDeploy: map[contracts.Name]bool{},
		admin:        common.HexToAddress("0x00000000000000000000000000000000000a0a0a"),
		deployArgs:   map[contracts.Name][][]any{},
	}
}

func addr(n int64) common.Address {
	return common.BigToAddress(big.NewInt(0x1000 + n))
}

func hash(n int64) common.Hash {
	return common.BigToHash(big.NewInt(0x2000 + n))
}

func (f *fakeBackend) Deploy(_ context.Context, name contracts.Name, args ...any) (*chain.PendingTx, error) {
	f.calls = append(f.calls, "deploy:"+string(name))
	if err := f.failDeploy[name]; err != nil {
		return nil, err
	}
	f.deployArgs[name] = append(f.deployArgs[name], args)

	f.nextAddr++
	f.nextHash++
	created := addr(f.nextAddr)

	return chain.NewPendingTx(hash(f.nextHash), created, func(context.Context) (*types.Receipt, error) {
		f.calls = append(f.calls, "wait:"+string(name))
		if err := f.waitErr[name]; err != nil {
			return nil, err
		}
		if f.revertDeploy[name] {
			return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(1)}, nil
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(1)}, nil
	}), nil
}

func (f *fakeBackend) Call(_ context.Context, _ common.Address, signature string, args ...any) (*chain.PendingTx, error) {
	f.calls = append(f.calls, "call:"+signature)
	if f.failCall != nil {
		return nil, f.failCall
	}
	f.callArgs = append(f.callArgs, args)

	f.nextHash++
	return chain.NewPendingTx(hash(f.nextHash), common.Address{}, func(context.Context) (*types.Receipt, error) {
		f.calls = append(f.calls, "wait:call")
		status := types.ReceiptStatusSuccessful
		if f.revertCall {
			status = types.ReceiptStatusFailed
		}
		return &types.Receipt{Status: status, BlockNumber: big.NewInt(2)}, nil
	}), nil
}

func (f *fakeBackend) EncodeCall(signature string, args ...any) ([]byte, error) {
	f.calls = append(f.calls, "encode")
	return chain.EncodeCall(signature, args...)
}

func (f *fakeBackend) ProxyAdmin(context.Context, common.Address) (common.Address, error) {
	f.calls = append(f.calls, "proxy_admin")
	return f.admin, f.adminErr
}

func (f *fakeBackend) Track(h common.Hash, address common.Address) *chain.PendingTx {
	f.calls = append(f.calls, "track:"+h.Hex())
	return chain.NewPendingTx(h, address, func(context.Context) (*types.Receipt, error) {
		f.calls = append(f.calls, "wait:tracked")
		if f.revertTracked {
			return &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(3)}, nil
		}
		return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(3)}, nil
	})
}

func deployInput(t *testing.T) DeployInput {
	t.Helper()

	cfg, err := quorum.Build([]common.Address{
		common.HexToAddress("0x93c4b944D05dfe6df7645A86cd2206016c51564D"),
		common.HexToAddress("0x54945180dB7943c0ed0FEE7EdaB2Bd24620256bc"),
		common.HexToAddress("0xbeaC0eeEeeeeEEeEeEEEEeeEEeEeeeEeeEEBEaC0"),
	})
	require.NoError(t, err)

	return DeployInput{
		Profile: registry.NetworkProfile{
			NetworkID:          "holesky",
			DelegationManager:  delegationManager,
			AVSDirectory:       avsDirectory,
			RewardsCoordinator: rewardsCoordinator,
		},
		Quorum:           cfg,
		Admin:            admin,
		Owner:            owner,
		RewardsInitiator: initiator,
		ThresholdWeight:  big.NewInt(6667),
	}
}

func TestDeployment_Run(t *testing.T) {
	backend := newFakeBackend(0)
	input := deployInput(t)

	seq, err := NewDeployment(backend, store.NewMemoryStore(), input)
	require.NoError(t, err)

	records, err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"deploy:MuonStakeRegistry",
		"wait:MuonStakeRegistry",
		"deploy:TransparentUpgradeableProxy",
		"wait:TransparentUpgradeableProxy",
		"proxy_admin",
		"deploy:MuonServiceManager",
		"wait:MuonServiceManager",
		"encode",
		"deploy:TransparentUpgradeableProxy",
		"wait:TransparentUpgradeableProxy",
		"call:" + StakeRegistryInitializer,
		"wait:call",
	}, backend.calls)
	assert.Equal(t, StateComplete, seq.State())
	assert.True(t, seq.Done())

	t.Run("constructor arguments come from earlier states", func(t *testing.T) {
		assert.Equal(t, [][]any{{delegationManager}}, backend.deployArgs[contracts.NameStakeRegistry])
		assert.Equal(t, [][]any{{avsDirectory, addr(2), rewardsCoordinator, delegationManager}}, backend.deployArgs[contracts.NameServiceManager])

		proxies := backend.deployArgs[contracts.NameTransparentProxy]
		require.Len(t, proxies, 2)
		assert.Equal(t, []any{addr(1), admin, []byte{}}, proxies[0])

		initData, err := chain.EncodeCall(ServiceManagerInitializer, owner, initiator)
		require.NoError(t, err)
		assert.Equal(t, []any{addr(3), admin, initData}, proxies[1])
	})

	t.Run("stake registry is initialized with the service manager proxy", func(t *testing.T) {
		require.Len(t, backend.callArgs, 1)
		assert.Equal(t, []any{addr(4), big.NewInt(6667), input.Quorum}, backend.callArgs[0])
	})

	t.Run("records", func(t *testing.T) {
		require.Len(t, records, 2)

		assert.Equal(t, Record{
			Contract:         contracts.NameStakeRegistry,
			Implementation:   addr(1),
			Proxy:            addr(2),
			ProxyAdmin:       backend.admin,
			InitializationTx: hash(5),
			ConstructorArgs:  []any{delegationManager},
		}, records[0])

		assert.Equal(t, Record{
			Contract:         contracts.NameServiceManager,
			Implementation:   addr(3),
			Proxy:            addr(4),
			ProxyAdmin:       backend.admin,
			InitializationTx: hash(4),
			ConstructorArgs:  []any{avsDirectory, addr(2), rewardsCoordinator, delegationManager},
		}, records[1])
	})
}

func TestDeployment_Step(t *testing.T) {
	backend := newFakeBackend(0)

	seq, err := NewDeployment(backend, store.NewMemoryStore(), deployInput(t))
	require.NoError(t, err)
	assert.Equal(t, StateStart, seq.State())
	assert.Nil(t, seq.Records())

	require.NoError(t, seq.Step(context.Background()))
	assert.Equal(t, StateDeployImplementation, seq.State())
	assert.Empty(t, backend.calls)

	require.NoError(t, seq.Step(context.Background()))
	assert.Equal(t, StateDeployAdminProxy, seq.State())
	assert.Equal(t, []string{"deploy:MuonStakeRegistry", "wait:MuonStakeRegistry"}, backend.calls)
	assert.Equal(t, addr(1), seq.Progress().Values.StakeRegistryImplementation)
	assert.Nil(t, seq.Progress().Values.Pending)
}

func TestDeployment_FailureAtInvokeInitialize(t *testing.T) {
	backend := newFakeBackend(0)
	backend.failCall = errors.New("execution reverted: Initializable: contract is already initialized")

	seq, err := NewDeployment(backend, store.NewMemoryStore(), deployInput(t))
	require.NoError(t, err)

	records, err := seq.Run(context.Background())

	require.Error(t, err)
	assert.Nil(t, records)
	assert.ErrorIs(t, err, ErrDeploymentStep)
	assert.Contains(t, err.Error(), string(StateInvokeInitialize))

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateInvokeInitialize, stepErr.State)
	assert.ErrorIs(t, err, backend.failCall)

	assert.Equal(t, "call:"+StakeRegistryInitializer, backend.calls[len(backend.calls)-1])
	assert.NotContains(t, backend.calls, "wait:call")

	t.Run("machine stays failed", func(t *testing.T) {
		calls := len(backend.calls)

		again := seq.Step(context.Background())

		assert.Same(t, stepErr, again)
		assert.Len(t, backend.calls, calls)
		assert.Equal(t, StateInvokeInitialize, seq.State())
		assert.Nil(t, seq.Records())
	})
}

func TestDeployment_FailureStopsLaterStates(t *testing.T) {
	backend := newFakeBackend(0)
	backend.failDeploy[contracts.NameServiceManager] = errors.New("insufficient funds for gas")

	seq, err := NewDeployment(backend, store.NewMemoryStore(), deployInput(t))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeployServiceImplementation, stepErr.State)
	assert.NotContains(t, backend.calls, "encode")
	assert.Empty(t, backend.callArgs)
}

func TestDeployment_RevertedInitializeRewinds(t *testing.T) {
	backend := newFakeBackend(0)
	backend.revertCall = true
	progress := store.NewMemoryStore()

	seq, err := NewDeployment(backend, progress, deployInput(t))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateInvokeInitialize, stepErr.State)
	assert.Equal(t, stepErr.State, seq.State())
	assert.ErrorIs(t, err, chain.ErrReverted)

	retry := newFakeBackend(100)
	resumed, err := NewDeployment(retry, progress, deployInput(t))
	require.NoError(t, err)

	ok, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	_, err = resumed.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"call:" + StakeRegistryInitializer, "wait:call"}, retry.calls)
}

func TestDeployment_Resume(t *testing.T) {
	progress := store.NewMemoryStore()

	first := newFakeBackend(0)
	first.failCall = errors.New("connection refused")
	seq, err := NewDeployment(first, progress, deployInput(t))
	require.NoError(t, err)
	_, err = seq.Run(context.Background())
	require.Error(t, err)

	second := newFakeBackend(100)
	resumed, err := NewDeployment(second, progress, deployInput(t))
	require.NoError(t, err)

	ok, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StateInvokeInitialize, resumed.State())
	assert.Equal(t, seq.RunID(), resumed.RunID())

	records, err := resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"call:" + StakeRegistryInitializer, "wait:call"}, second.calls)
	require.Len(t, records, 2)
	assert.Equal(t, addr(1), records[0].Implementation)
	assert.Equal(t, addr(4), records[1].Proxy)
	assert.Equal(t, hash(101), records[0].InitializationTx)
	assert.Equal(t, []any{addr(4), big.NewInt(6667), deployInput(t).Quorum}, second.callArgs[0])
}

func TestDeployment_ResumeWaitsForSentDeployment(t *testing.T) {
	progress := store.NewMemoryStore()

	first := newFakeBackend(0)
	first.waitErr[contracts.NameStakeRegistry] = context.DeadlineExceeded
	seq, err := NewDeployment(first, progress, deployInput(t))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeployImplementation, stepErr.State)

	second := newFakeBackend(100)
	resumed, err := NewDeployment(second, progress, deployInput(t))
	require.NoError(t, err)
	ok, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	records, err := resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"track:" + hash(1).Hex(), "wait:tracked"}, second.calls[:2])
	assert.NotContains(t, second.calls, "deploy:MuonStakeRegistry")
	assert.Equal(t, addr(1), records[0].Implementation)
}

func TestDeployment_RevertedDeploymentIsResent(t *testing.T) {
	progress := store.NewMemoryStore()

	first := newFakeBackend(0)
	first.revertDeploy[contracts.NameStakeRegistry] = true
	seq, err := NewDeployment(first, progress, deployInput(t))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeployImplementation, stepErr.State)
	assert.ErrorIs(t, err, chain.ErrReverted)

	var saved Progress
	found, err := progress.Load(context.Background(), DeploymentKey("holesky"), &saved)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StateDeployImplementation, saved.State)
	assert.Nil(t, saved.Values.Pending)

	// the node keeps reporting the reverted receipt for the old hash
	second := newFakeBackend(100)
	second.revertTracked = true
	resumed, err := NewDeployment(second, progress, deployInput(t))
	require.NoError(t, err)
	ok, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	records, err := resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "deploy:MuonStakeRegistry", second.calls[0])
	assert.NotContains(t, second.calls, "track:"+hash(1).Hex())
	assert.Equal(t, addr(101), records[0].Implementation)
}

// crashingStore fails the first save of a snapshot in failAt, like a process that dies
// between two saves.
type crashingStore struct {
	*store.MemoryStore
	failAt State
	failed bool
}

func (s *crashingStore) Save(ctx context.Context, key string, value any) error {
	if progress, ok := value.(Progress); ok && progress.State == s.failAt && !s.failed {
		s.failed = true
		return errors.New("no space left on device")
	}
	return s.MemoryStore.Save(ctx, key, value)
}

func TestDeployment_ResumeTracksSentInitialize(t *testing.T) {
	progress := &crashingStore{MemoryStore: store.NewMemoryStore(), failAt: StateAwaitConfirmation}

	first := newFakeBackend(0)
	seq, err := NewDeployment(first, progress, deployInput(t))
	require.NoError(t, err)

	_, err = seq.Run(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateInvokeInitialize, stepErr.State)
	assert.Equal(t, StateInvokeInitialize, seq.State())
	assert.Equal(t, "call:"+StakeRegistryInitializer, first.calls[len(first.calls)-1])

	second := newFakeBackend(100)
	resumed, err := NewDeployment(second, progress, deployInput(t))
	require.NoError(t, err)
	ok, err := resumed.Resume(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	records, err := resumed.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"track:" + hash(5).Hex(), "wait:tracked"}, second.calls)
	assert.Empty(t, second.callArgs)
	assert.Equal(t, hash(5), records[0].InitializationTx)
}

func TestDeployment_MissingInput(t *testing.T) {
	progress := store.NewMemoryStore()
	require.NoError(t, progress.Save(context.Background(), DeploymentKey("holesky"), Progress{
		RunID:   uuid.New(),
		Flow:    FlowDeploy,
		Network: "holesky",
		State:   StateDeployInitializedProxy,
	}))

	backend := newFakeBackend(0)
	seq, err := NewDeployment(backend, progress, deployInput(t))
	require.NoError(t, err)
	_, err = seq.Resume(context.Background())
	require.NoError(t, err)

	err = seq.Step(context.Background())

	assert.ErrorIs(t, err, ErrMissingInput)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateDeployInitializedProxy, stepErr.State)
	assert.Empty(t, backend.calls)
}

func TestDeployment_ResumeRejectsOtherFlow(t *testing.T) {
	progress := store.NewMemoryStore()
	require.NoError(t, progress.Save(context.Background(), DeploymentKey("holesky"), Progress{
		Flow:  FlowUpgrade,
		State: StateInvokeUpgradeAndCall,
	}))

	seq, err := NewDeployment(newFakeBackend(0), progress, deployInput(t))
	require.NoError(t, err)

	_, err = seq.Resume(context.Background())
	assert.ErrorIs(t, err, ErrProgressMismatch)
}

func TestDeployment_ResumeRejectsChangedInput(t *testing.T) {
	progress := store.NewMemoryStore()

	first := newFakeBackend(0)
	first.failCall = errors.New("connection refused")
	seq, err := NewDeployment(first, progress, deployInput(t))
	require.NoError(t, err)
	_, err = seq.Run(context.Background())
	require.Error(t, err)

	tests := []struct {
		name   string
		mutate func(*testing.T, *DeployInput)
	}{
		{"owner", func(_ *testing.T, in *DeployInput) {
			in.Owner = common.HexToAddress("0x0000000000000000000000000000000000000333")
		}},
		{"threshold", func(_ *testing.T, in *DeployInput) { in.ThresholdWeight = big.NewInt(5000) }},
		{"strategies", func(t *testing.T, in *DeployInput) {
			fewer, err := quorum.Build([]common.Address{in.Quorum.Strategies[0].Strategy, in.Quorum.Strategies[1].Strategy})
			require.NoError(t, err)
			in.Quorum = fewer
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := deployInput(t)
			tt.mutate(t, &input)

			changed, err := NewDeployment(newFakeBackend(100), progress, input)
			require.NoError(t, err)

			ok, err := changed.Resume(context.Background())

			assert.ErrorIs(t, err, ErrProgressMismatch)
			assert.False(t, ok)
			assert.Equal(t, StateStart, changed.State())
		})
	}

	t.Run("same input resumes", func(t *testing.T) {
		same, err := NewDeployment(newFakeBackend(100), progress, deployInput(t))
		require.NoError(t, err)

		ok, err := same.Resume(context.Background())

		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, seq.RunID(), same.RunID())
	})
}

func TestDeployment_ProxyAdminUnreadable(t *testing.T) {
	backend := newFakeBackend(0)
	backend.adminErr = errors.New("method not found")

	seq, err := NewDeployment(backend, store.NewMemoryStore(), deployInput(t))
	require.NoError(t, err)

	records, err := seq.Run(context.Background())
	require.NoError(t, err)
	for _, record := range records {
		assert.Equal(t, common.Address{}, record.ProxyAdmin, "the configured admin is not the ProxyAdmin contract")
	}
}

type failingStore struct{}

func (failingStore) Load(context.Context, string, any) (bool, error) { return false, nil }
func (failingStore) Save(context.Context, string, any) error         { return errors.New("read-only file system") }

func TestDeployment_PersistFailure(t *testing.T) {
	seq, err := NewDeployment(newFakeBackend(0), failingStore{}, deployInput(t))
	require.NoError(t, err)

	err = seq.Step(context.Background())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StateStart, stepErr.State)
	assert.Contains(t, err.Error(), "read-only file system")
}

func TestNewDeployment_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*DeployInput)
	}{
		{"empty quorum", func(in *DeployInput) { in.Quorum = quorum.Config{} }},
		{"no owner", func(in *DeployInput) { in.Owner = common.Address{} }},
		{"no admin", func(in *DeployInput) { in.Admin = common.Address{} }},
		{"no delegation manager", func(in *DeployInput) { in.Profile.DelegationManager = common.Address{} }},
		{"zero threshold", func(in *DeployInput) { in.ThresholdWeight = big.NewInt(0) }},
		{"no network", func(in *DeployInput) { in.Profile.NetworkID = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := deployInput(t)
			tt.mutate(&input)

			_, err := NewDeployment(newFakeBackend(0), store.NewMemoryStore(), input)

			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}

	t.Run("quorum errors keep their type", func(t *testing.T) {
		input := deployInput(t)
		input.Quorum = quorum.Config{}

		_, err := NewDeployment(newFakeBackend(0), store.NewMemoryStore(), input)

		assert.ErrorIs(t, err, quorum.ErrInvalidInput)
	})
}

func TestStates(t *testing.T) {
	assert.Equal(t, StateStart, States(FlowDeploy)[0])
	assert.Equal(t, StateComplete, States(FlowDeploy)[len(States(FlowDeploy))-1])
	assert.Equal(t, []State{
		StateStart,
		StateDeployNewImplementation,
		StateLocateExistingProxyAdmin,
		StateInvokeUpgradeAndCall,
		StateAwaitConfirmation,
		StateComplete,
	}, States(FlowUpgrade))
	assert.Nil(t, States("unknown"))
}
