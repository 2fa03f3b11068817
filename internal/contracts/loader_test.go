package contracts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	fsjson "github.com/muon-protocol/muon-avs-contracts/internal/infra/filesystem/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bundle = `{
  "MuonStakeRegistry": {
    "abi": [
      {"type": "constructor", "inputs": [{"name": "delegationManager", "type": "address"}], "stateMutability": "nonpayable"},
      {"type": "function", "name": "owner", "inputs": [], "outputs": [{"name": "", "type": "address"}], "stateMutability": "view"}
    ],
    "bytecode": "0x6080604052",
    "fullyQualifiedName": "src/MuonStakeRegistry.sol:MuonStakeRegistry",
    "compilerVersion": "v0.8.12+commit.f00d7308",
    "standardJsonInput": {"language": "Solidity", "sources": {}}
  },
  "ProxyAdmin": {
    "abi": [],
    "bytecode": "6080"
  }
}`

func TestParse(t *testing.T) {
	catalog, err := Parse([]byte(bundle))
	require.NoError(t, err)

	assert.Equal(t, []Name{NameStakeRegistry, NameProxyAdmin}, catalog.Names())

	registry, err := catalog.Get(NameStakeRegistry)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80, 0x60, 0x40, 0x52}, registry.Bytecode)
	assert.Contains(t, registry.ABI.Methods, "owner")
	assert.Equal(t, "src/MuonStakeRegistry.sol:MuonStakeRegistry", registry.Source.FullyQualifiedName)
	assert.True(t, registry.Verifiable())

	admin, err := catalog.Get(NameProxyAdmin)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x60, 0x80}, admin.Bytecode)
	assert.False(t, admin.Verifiable())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "{"},
		{"bad abi", `{"X": {"abi": {"type": 1}, "bytecode": "0x"}}`},
		{"bad bytecode", `{"X": {"abi": [], "bytecode": "0xzz"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestCatalog_Require(t *testing.T) {
	catalog, err := Parse([]byte(bundle))
	require.NoError(t, err)

	require.NoError(t, catalog.Require(NameStakeRegistry, NameProxyAdmin))

	err = catalog.Require(DeploymentSet...)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownContract)
	assert.Contains(t, err.Error(), string(NameServiceManager))
	assert.Contains(t, err.Error(), string(NameTransparentProxy))
}

func TestCatalog_PackConstructor(t *testing.T) {
	catalog, err := Parse([]byte(bundle))
	require.NoError(t, err)

	dm := common.HexToAddress("0x39053D51B77DC0d36036Fc1fCc8Cb819df8Ef37A")
	packed, err := catalog.PackConstructor(NameStakeRegistry, dm)

	require.NoError(t, err)
	assert.Equal(t, common.LeftPadBytes(dm.Bytes(), 32), packed)

	_, err = catalog.PackConstructor(NameStakeRegistry, "not an address")
	assert.Error(t, err)

	_, err = catalog.PackConstructor(NameServiceManager)
	assert.ErrorIs(t, err, ErrUnknownContract)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contracts.json")
	require.NoError(t, os.WriteFile(path, []byte(bundle), 0644))

	catalog, err := Load(fsjson.NewReader(), path)
	require.NoError(t, err)
	assert.Len(t, catalog.Names(), 2)

	_, err = Load(fsjson.NewReader(), filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
