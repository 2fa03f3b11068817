package sequencer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
)

type (
	// Progress is the durable snapshot saved after every step.
	Progress struct {
		RunID       uuid.UUID `json:"runId"`
		Flow        Flow      `json:"flow"`
		Network     string    `json:"network"`
		InputDigest string    `json:"inputDigest,omitempty"`
		State       State     `json:"state"`
		Values      Values    `json:"values"`
		UpdatedAt   time.Time `json:"updatedAt"`
	}

	// Values holds what earlier states produced. Later states only read from here.
	Values struct {
		StakeRegistryImplementation  common.Address        `json:"stakeRegistryImplementation"`
		StakeRegistryProxy           common.Address        `json:"stakeRegistryProxy"`
		ServiceManagerImplementation common.Address        `json:"serviceManagerImplementation"`
		ServiceManagerProxy          common.Address        `json:"serviceManagerProxy"`
		NewImplementation            common.Address        `json:"newImplementation"`
		ProxyAdmin                   common.Address        `json:"proxyAdmin"`
		InitializerData              hexutil.Bytes         `json:"initializerData,omitempty"`
		Transactions                 map[State]common.Hash `json:"transactions,omitempty"`
		Pending                      *PendingRef           `json:"pending,omitempty"`
	}

	// PendingRef is a transaction that was sent but not yet confirmed.
	PendingRef struct {
		State   State          `json:"state"`
		Hash    common.Hash    `json:"hash"`
		Address common.Address `json:"address"`
	}

	// Record describes one deployed (or upgraded) contract.
	Record struct {
		Contract          contracts.Name `json:"contract" yaml:"contract"`
		Implementation    common.Address `json:"implementation" yaml:"implementation"`
		Proxy             common.Address `json:"proxy" yaml:"proxy"`
		ProxyAdmin        common.Address `json:"proxyAdmin" yaml:"proxy_admin"`
		InitializationTx  common.Hash    `json:"initializationTx" yaml:"initialization_tx"`
		ConstructorArgs   []any          `json:"-" yaml:"-"`
		Verified          bool           `json:"verified" yaml:"verified"`
		VerificationError string         `json:"verificationError,omitempty" yaml:"verification_error,omitempty"`
	}
)

func (v *Values) recordTx(state State, hash common.Hash) {
	if v.Transactions == nil {
		v.Transactions = make(map[State]common.Hash)
	}
	v.Transactions[state] = hash
}

// digest fingerprints the inputs a run was started with.
func digest(input any) (string, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("failed to fingerprint sequencer input: %w", err)
	}
	return crypto.Keccak256Hash(data).Hex(), nil
}
