package chain

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var ErrReverted = errors.New("transaction reverted")

type (
	waitFunc func(ctx context.Context) (*types.Receipt, error)

	// PendingTx is a submitted transaction. Address is set for contract creations.
	PendingTx struct {
		Hash    common.Hash
		Address common.Address
		wait    waitFunc
	}
)

func NewPendingTx(hash common.Hash, address common.Address, wait func(ctx context.Context) (*types.Receipt, error)) *PendingTx {
	return &PendingTx{
		Hash:    hash,
		Address: address,
		wait:    wait,
	}
}

// AwaitConfirmation blocks until the transaction is mined. A receipt with a failed status
// is returned together with an error wrapping ErrReverted.
func (p *PendingTx) AwaitConfirmation(ctx context.Context) (*types.Receipt, error) {
	if p.wait == nil {
		return nil, fmt.Errorf("transaction %s cannot be awaited", p.Hash.Hex())
	}

	receipt, err := p.wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to wait for transaction %s: %w", p.Hash.Hex(), err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s (status %d, block %s)", ErrReverted, p.Hash.Hex(), receipt.Status, receipt.BlockNumber)
	}

	return receipt, nil
}

// Created reports the deployed contract address, preferring the receipt's value.
func (p *PendingTx) Created(receipt *types.Receipt) common.Address {
	if receipt != nil && receipt.ContractAddress != (common.Address{}) {
		return receipt.ContractAddress
	}
	return p.Address
}
