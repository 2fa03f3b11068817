package contracts

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

type (
	Name string

	// Source is the metadata an explorer needs to reproduce the build of a contract.
	Source struct {
		FullyQualifiedName string          `json:"fullyQualifiedName"`
		CompilerVersion    string          `json:"compilerVersion"`
		StandardJSONInput  json.RawMessage `json:"standardJsonInput,omitempty"`
	}

	CompiledContract struct {
		Name     Name
		ABI      abi.ABI
		RawABI   string
		Bytecode []byte
		Source   Source
	}
)

const (
	NameStakeRegistry    Name = "MuonStakeRegistry"
	NameServiceManager   Name = "MuonServiceManager"
	NameTransparentProxy Name = "TransparentUpgradeableProxy"
	NameProxyAdmin       Name = "ProxyAdmin"
)

// DeploymentSet lists the artifacts the full deployment flow cannot run without.
var DeploymentSet = []Name{
	NameStakeRegistry,
	NameServiceManager,
	NameTransparentProxy,
}

// Verifiable reports whether the artifact carries enough metadata for source verification.
func (c CompiledContract) Verifiable() bool {
	return c.Source.CompilerVersion != "" && len(c.Source.StandardJSONInput) > 0
}
