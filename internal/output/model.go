package output

import (
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

type (
	Model struct {
		Deployment Deployment `yaml:"deployment"`
	}

	Deployment struct {
		RunID           string                    `yaml:"run-id"`
		Flow            string                    `yaml:"flow"`
		Network         string                    `yaml:"network"`
		ChainID         int64                     `yaml:"chain-id"`
		Deployer        common.Address            `yaml:"deployer"`
		ThresholdWeight int64                     `yaml:"threshold-weight,omitempty"`
		Quorum          []QuorumEntry             `yaml:"quorum,omitempty"`
		Contracts       map[string]ContractConfig `yaml:"contracts"`
		Warnings        []string                  `yaml:"warnings,omitempty"`
	}

	QuorumEntry struct {
		Strategy   common.Address `yaml:"strategy"`
		Multiplier int64          `yaml:"multiplier"`
	}

	ContractConfig struct {
		Implementation   common.Address     `yaml:"implementation"`
		Proxy            common.Address     `yaml:"proxy"`
		ProxyAdmin       common.Address     `yaml:"proxy-admin"`
		InitializationTx common.Hash        `yaml:"initialization-tx"`
		Verified         bool               `yaml:"verified"`
		ExplorerURL      string             `yaml:"explorer-url,omitempty"`
		ABI              SingleQuotedString `yaml:"abi,omitempty"`
	}

	SingleQuotedString string
)

func (s SingleQuotedString) MarshalYAML() (any, error) {
	node := &yaml.Node{
		Kind:  yaml.ScalarNode,
		Style: yaml.SingleQuotedStyle,
		Value: string(s),
	}
	return node, nil
}
