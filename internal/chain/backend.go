// Package chain submits deployments and calls to an EVM node with a single signing key.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/lmittmann/w3"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
)

// AdminSlot is the ERC-1967 storage slot holding a transparent proxy's admin.
var AdminSlot = common.HexToHash("0xb53127684a568b3173ae13b9f8a6016e243e63b6e8ee1178d6a717850b5d6103")

type (
	Option func(*Backend)

	Backend struct {
		client              *ethclient.Client
		key                 *ecdsa.PrivateKey
		from                common.Address
		chainID             *big.Int
		catalog             *contracts.Catalog
		gasLimit            uint64
		confirmationTimeout time.Duration
		rpcWaitAttempts     uint
		pollInterval        time.Duration
		logger              *slog.Logger
	}
)

// WithGasLimit pins the gas limit of every transaction. Zero lets the node estimate.
func WithGasLimit(limit uint64) Option {
	return func(b *Backend) { b.gasLimit = limit }
}

func WithConfirmationTimeout(timeout time.Duration) Option {
	return func(b *Backend) {
		if timeout > 0 {
			b.confirmationTimeout = timeout
		}
	}
}

func WithRPCWaitAttempts(attempts uint) Option {
	return func(b *Backend) { b.rpcWaitAttempts = attempts }
}

func WithPollInterval(interval time.Duration) Option {
	return func(b *Backend) {
		if interval > 0 {
			b.pollInterval = interval
		}
	}
}

// Dial waits for the node at rpcURL and prepares a backend signing with key.
func Dial(ctx context.Context, rpcURL string, key *ecdsa.PrivateKey, catalog *contracts.Catalog, opts ...Option) (*Backend, error) {
	b := &Backend{
		key:                 key,
		from:                crypto.PubkeyToAddress(key.PublicKey),
		catalog:             catalog,
		confirmationTimeout: 5 * time.Minute,
		rpcWaitAttempts:     30,
		pollInterval:        2 * time.Second,
		logger:              logger.Named("chain_backend"),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.logger.With("url", rpcURL).Info("waiting for RPC")
	client, err := waitForRPC(ctx, rpcURL, b.rpcWaitAttempts, time.Second)
	if err != nil {
		return nil, err
	}
	b.client = client

	b.logger.Info("fetching chain ID")
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	b.chainID = chainID
	b.logger.With("chain_id", chainID).With("from", b.from.Hex()).Info("chain ID was fetched")

	return b, nil
}

func (b *Backend) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

func (b *Backend) From() common.Address {
	return b.from
}

func (b *Backend) ChainID() *big.Int {
	return new(big.Int).Set(b.chainID)
}

// Deploy sends the creation transaction for a catalog contract.
func (b *Backend) Deploy(ctx context.Context, name contracts.Name, constructorArgs ...any) (*PendingTx, error) {
	contract, err := b.catalog.Get(name)
	if err != nil {
		return nil, err
	}

	auth, err := b.transactor(ctx)
	if err != nil {
		return nil, err
	}

	address, tx, _, err := bind.DeployContract(auth, contract.ABI, contract.Bytecode, b.client, constructorArgs...)
	if err != nil {
		return nil, fmt.Errorf("failed to deploy %s: %w", name, err)
	}

	b.logger.
		With("contract", name).
		With("address", address.Hex()).
		With("tx_hash", tx.Hash().Hex()).
		Info("contract deployment transaction sent")

	return NewPendingTx(tx.Hash(), address, b.waitMined(tx)), nil
}

// Call sends a transaction invoking signature on to.
func (b *Backend) Call(ctx context.Context, to common.Address, signature string, args ...any) (*PendingTx, error) {
	data, err := b.EncodeCall(signature, args...)
	if err != nil {
		return nil, err
	}

	auth, err := b.transactor(ctx)
	if err != nil {
		return nil, err
	}

	bound := bind.NewBoundContract(to, abi.ABI{}, b.client, b.client, b.client)
	tx, err := bound.RawTransact(auth, data)
	if err != nil {
		return nil, fmt.Errorf("failed to send %s to %s: %w", signature, to.Hex(), err)
	}

	b.logger.
		With("to", to.Hex()).
		With("method", signature).
		With("tx_hash", tx.Hash().Hex()).
		Info("call transaction sent")

	return NewPendingTx(tx.Hash(), common.Address{}, b.waitMined(tx)), nil
}

// EncodeCall builds calldata from a human-readable signature such as
// "initialize(address owner,address rewardsInitiator)".
func (b *Backend) EncodeCall(signature string, args ...any) ([]byte, error) {
	return EncodeCall(signature, args...)
}

func EncodeCall(signature string, args ...any) ([]byte, error) {
	fn, err := w3.NewFunc(signature, "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature %q: %w", signature, err)
	}

	data, err := fn.EncodeArgs(args...)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q: %w", signature, err)
	}
	return data, nil
}

// ProxyAdmin reads the admin of a transparent proxy from its ERC-1967 slot.
func (b *Backend) ProxyAdmin(ctx context.Context, proxy common.Address) (common.Address, error) {
	value, err := b.client.StorageAt(ctx, proxy, AdminSlot, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to read admin slot of %s: %w", proxy.Hex(), err)
	}

	admin := adminFromSlot(value)
	if admin == (common.Address{}) {
		return common.Address{}, fmt.Errorf("proxy %s has no admin recorded", proxy.Hex())
	}
	return admin, nil
}

// Track rebuilds a PendingTx for a hash submitted by an earlier process.
func (b *Backend) Track(hash common.Hash, address common.Address) *PendingTx {
	return NewPendingTx(hash, address, func(ctx context.Context) (*types.Receipt, error) {
		ctx, cancel := context.WithTimeout(ctx, b.confirmationTimeout)
		defer cancel()
		return b.pollReceipt(ctx, hash)
	})
}

func (b *Backend) PendingNonce(ctx context.Context) (uint64, error) {
	nonce, err := b.client.PendingNonceAt(ctx, b.from)
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	return nonce, nil
}

func (b *Backend) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(b.key, b.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}

	auth.Context = ctx
	auth.GasLimit = b.gasLimit

	return auth, nil
}

func (b *Backend) waitMined(tx *types.Transaction) waitFunc {
	return func(ctx context.Context) (*types.Receipt, error) {
		ctx, cancel := context.WithTimeout(ctx, b.confirmationTimeout)
		defer cancel()
		return bind.WaitMined(ctx, b.client, tx)
	}
}

func (b *Backend) pollReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			b.logger.With("tx_hash", hash.Hex()).With("err", err.Error()).Debug("receipt query failed")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func adminFromSlot(value []byte) common.Address {
	return common.BytesToAddress(value)
}
