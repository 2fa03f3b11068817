package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/muon-protocol/muon-avs-contracts/internal/infra/filesystem"
)

var ErrUnknownContract = errors.New("unknown contract")

// Catalog holds the compiled artifacts available to a run, keyed by contract name.
type Catalog struct {
	contracts map[Name]CompiledContract
}

// Load reads the compiled contracts bundle at path.
func Load(reader filesystem.Reader, path string) (*Catalog, error) {
	data, err := reader.ReadBytes(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compiled contracts: %w", err)
	}

	return Parse(data)
}

// Parse decodes a bundle of the form {"<Name>": {"abi": [...], "bytecode": "0x..", ...}}.
func Parse(data []byte) (*Catalog, error) {
	var result map[string]struct {
		ABI      json.RawMessage `json:"abi"`
		Bytecode string          `json:"bytecode"`
		Source
	}

	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to parse compiled contracts: %w", err)
	}

	loaded := make(map[Name]CompiledContract, len(result))

	for name, contract := range result {
		parsedABI, err := abi.JSON(strings.NewReader(string(contract.ABI)))
		if err != nil {
			return nil, fmt.Errorf("failed to parse ABI for %s: %w", name, err)
		}

		bytecode, err := hexutil.Decode(ensurePrefix(contract.Bytecode))
		if err != nil {
			return nil, fmt.Errorf("failed to decode bytecode for %s: %w", name, err)
		}

		loaded[Name(name)] = CompiledContract{
			Name:     Name(name),
			ABI:      parsedABI,
			RawABI:   string(contract.ABI),
			Bytecode: bytecode,
			Source:   contract.Source,
		}
	}

	return &Catalog{contracts: loaded}, nil
}

func (c *Catalog) Get(name Name) (CompiledContract, error) {
	contract, ok := c.contracts[name]
	if !ok {
		return CompiledContract{}, fmt.Errorf("%w: %s", ErrUnknownContract, name)
	}
	return contract, nil
}

// Require fails unless every named artifact is present and has deployable bytecode.
func (c *Catalog) Require(names ...Name) error {
	var errs []error
	for _, name := range names {
		contract, err := c.Get(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(contract.Bytecode) == 0 {
			errs = append(errs, fmt.Errorf("contract %s has no bytecode", name))
		}
	}
	return errors.Join(errs...)
}

// Names returns the catalog's contract names in sorted order.
func (c *Catalog) Names() []Name {
	names := make([]Name, 0, len(c.contracts))
	for name := range c.contracts {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// PackConstructor ABI-encodes constructor arguments without the creation bytecode, the
// form explorers expect.
func (c *Catalog) PackConstructor(name Name, args ...any) ([]byte, error) {
	contract, err := c.Get(name)
	if err != nil {
		return nil, err
	}

	packed, err := contract.ABI.Pack("", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack constructor arguments for %s: %w", name, err)
	}
	return packed, nil
}

func ensurePrefix(hex string) string {
	if strings.HasPrefix(hex, "0x") || strings.HasPrefix(hex, "0X") {
		return hex
	}
	return "0x" + hex
}
