package output

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/infra/filesystem"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
	"github.com/muon-protocol/muon-avs-contracts/internal/quorum"
	"github.com/muon-protocol/muon-avs-contracts/internal/sequencer"
	"gopkg.in/yaml.v3"
)

type (
	// Summary is everything a finished run reports.
	Summary struct {
		RunID           uuid.UUID
		Flow            sequencer.Flow
		Network         string
		ChainID         int64
		Deployer        common.Address
		ThresholdWeight int64
		Quorum          quorum.Config
		Records         []sequencer.Record
		BrowserURL      string
	}

	Generator struct {
		path    string
		writer  filesystem.Writer
		out     io.Writer
		catalog *contracts.Catalog
		logger  *slog.Logger
	}
)

// NewGenerator renders summaries to out and, when path is set, to a file. catalog may be
// nil, in which case ABIs are left out.
func NewGenerator(path string, writer filesystem.Writer, out io.Writer, catalog *contracts.Catalog) *Generator {
	return &Generator{
		path:    path,
		writer:  writer,
		out:     out,
		catalog: catalog,
		logger:  logger.Named("output_generator"),
	}
}

func (g *Generator) Generate(_ context.Context, summary Summary) (*Model, error) {
	model := g.build(summary)

	data, err := yaml.Marshal(model)
	if err != nil {
		return nil, fmt.Errorf("could not marshal output model: %w", err)
	}

	if g.out != nil {
		if _, err := g.out.Write(data); err != nil {
			return nil, fmt.Errorf("could not print output: %w", err)
		}
	}

	if g.path != "" {
		if err := g.writer.WriteBytes(g.path, data); err != nil {
			return nil, fmt.Errorf("could not write output file: %w", err)
		}
		g.logger.With("path", g.path).Info("deployment summary written")
	}

	return model, nil
}

func (g *Generator) build(summary Summary) *Model {
	deployment := Deployment{
		RunID:           summary.RunID.String(),
		Flow:            string(summary.Flow),
		Network:         summary.Network,
		ChainID:         summary.ChainID,
		Deployer:        summary.Deployer,
		ThresholdWeight: summary.ThresholdWeight,
		Contracts:       make(map[string]ContractConfig, len(summary.Records)),
	}

	for _, param := range summary.Quorum.Strategies {
		deployment.Quorum = append(deployment.Quorum, QuorumEntry{
			Strategy:   param.Strategy,
			Multiplier: param.Multiplier.Int64(),
		})
	}

	for _, record := range summary.Records {
		contract := ContractConfig{
			Implementation:   record.Implementation,
			Proxy:            record.Proxy,
			ProxyAdmin:       record.ProxyAdmin,
			InitializationTx: record.InitializationTx,
			Verified:         record.Verified,
			ExplorerURL:      addressURL(summary.BrowserURL, record.Proxy),
		}
		if g.catalog != nil {
			if compiled, err := g.catalog.Get(record.Contract); err == nil {
				contract.ABI = SingleQuotedString(compactJSON(compiled.RawABI))
			}
		}
		deployment.Contracts[strings.ToLower(string(record.Contract))] = contract

		if record.ProxyAdmin == (common.Address{}) && record.Proxy != (common.Address{}) {
			deployment.Warnings = append(deployment.Warnings, fmt.Sprintf(
				"proxy admin of %s at %s could not be read and is not recorded", record.Contract, record.Proxy.Hex()))
		}
		if record.VerificationError != "" {
			deployment.Warnings = append(deployment.Warnings, fmt.Sprintf(
				"%s at %s was not verified: %s", record.Contract, record.Implementation.Hex(), record.VerificationError))
		}
	}

	return &Model{Deployment: deployment}
}

func addressURL(browserURL string, address common.Address) string {
	if browserURL == "" || address == (common.Address{}) {
		return ""
	}
	link, err := url.JoinPath(browserURL, "address", address.Hex())
	if err != nil {
		return ""
	}
	return link
}

func compactJSON(jsonStr string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(jsonStr)); err != nil {
		return jsonStr
	}
	return buf.String()
}
