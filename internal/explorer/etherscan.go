// Package explorer verifies contract sources against an Etherscan-compatible API.
package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/muon-protocol/muon-avs-contracts/internal/contracts"
	"github.com/muon-protocol/muon-avs-contracts/internal/logger"
	"github.com/muon-protocol/muon-avs-contracts/internal/verify"
)

var (
	ErrPending        = errors.New("verification pending")
	ErrNotVerifiable  = errors.New("artifact has no verification metadata")
	ErrVerifyRejected = errors.New("explorer rejected verification")
)

type (
	Config struct {
		APIURL       string
		APIKey       string
		ChainID      int64
		HTTPRetries  int
		RetryWaitMin time.Duration
		PollInterval time.Duration
		PollAttempts uint
	}

	// Client implements verify.Backend for Etherscan and its API clones.
	Client struct {
		cfg     Config
		catalog *contracts.Catalog
		http    *retryablehttp.Client
		logger  *slog.Logger
	}

	response struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
)

func NewClient(cfg Config, catalog *contracts.Catalog) *Client {
	log := logger.Named("explorer_client")

	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = max(cfg.HTTPRetries, 0)
	if cfg.RetryWaitMin > 0 {
		httpClient.RetryWaitMin = cfg.RetryWaitMin
		httpClient.RetryWaitMax = 4 * cfg.RetryWaitMin
	}
	httpClient.Logger = log

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.PollAttempts == 0 {
		cfg.PollAttempts = 12
	}

	return &Client{
		cfg:     cfg,
		catalog: catalog,
		http:    httpClient,
		logger:  log,
	}
}

// SubmitVerification uploads the implementation source, waits for the explorer's verdict,
// and links target.Proxy to the implementation when set.
func (c *Client) SubmitVerification(ctx context.Context, target verify.Target) error {
	contract, err := c.catalog.Get(target.Contract)
	if err != nil {
		return err
	}
	if !contract.Verifiable() {
		return fmt.Errorf("%w: %s", ErrNotVerifiable, target.Contract)
	}

	packed, err := c.catalog.PackConstructor(target.Contract, target.ConstructorArgs...)
	if err != nil {
		return err
	}

	log := c.logger.With("contract", target.Contract).With("address", target.Address.Hex())

	verifyErr := c.verifySource(ctx, contract, target.Address, packed)
	if verifyErr != nil && !errors.Is(verifyErr, verify.ErrAlreadyVerified) {
		return verifyErr
	}
	log.Info("implementation source accepted")

	if target.Proxy != (common.Address{}) {
		if err := c.linkProxy(ctx, target.Proxy, target.Address); err != nil {
			return err
		}
		log.With("proxy", target.Proxy.Hex()).Info("proxy linked to implementation")
	}

	return verifyErr
}

func (c *Client) verifySource(ctx context.Context, contract contracts.CompiledContract, address common.Address, constructorArgs []byte) error {
	form := url.Values{}
	form.Set("module", "contract")
	form.Set("action", "verifysourcecode")
	form.Set("codeformat", "solidity-standard-json-input")
	form.Set("sourceCode", string(contract.Source.StandardJSONInput))
	form.Set("contractaddress", address.Hex())
	form.Set("contractname", contractName(contract))
	form.Set("compilerversion", contract.Source.CompilerVersion)
	// the misspelling is part of the API
	form.Set("constructorArguements", strings.TrimPrefix(hexutil.Encode(constructorArgs), "0x"))

	guid, err := c.submit(ctx, form)
	if err != nil {
		return err
	}

	c.logger.With("address", address.Hex()).With("guid", guid).Debug("verification submitted")

	return c.poll(ctx, "checkverifystatus", guid, func(status, result string) error {
		lower := strings.ToLower(result)
		switch {
		case strings.Contains(lower, "already verified"):
			return verify.ErrAlreadyVerified
		case strings.Contains(lower, "pending"), strings.Contains(lower, "in queue"):
			return ErrPending
		case status == "1" || strings.HasPrefix(lower, "pass"):
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrVerifyRejected, result)
		}
	})
}

func (c *Client) linkProxy(ctx context.Context, proxy, implementation common.Address) error {
	form := url.Values{}
	form.Set("module", "contract")
	form.Set("action", "verifyproxycontract")
	form.Set("address", proxy.Hex())
	form.Set("expectedimplementation", implementation.Hex())

	guid, err := c.submit(ctx, form)
	if err != nil {
		return fmt.Errorf("failed to link proxy %s: %w", proxy.Hex(), err)
	}

	return c.poll(ctx, "checkproxyverification", guid, func(status, result string) error {
		lower := strings.ToLower(result)
		switch {
		case status == "1":
			return nil
		case strings.Contains(lower, "pending"), strings.Contains(lower, "in queue"):
			return ErrPending
		default:
			return fmt.Errorf("%w: proxy %s: %s", ErrVerifyRejected, proxy.Hex(), result)
		}
	})
}

// submit posts form and returns the GUID the explorer hands back.
func (c *Client) submit(ctx context.Context, form url.Values) (string, error) {
	form.Set("apikey", c.cfg.APIKey)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(nil), strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}

	result := resp.result()
	if resp.Status != "1" {
		if strings.Contains(strings.ToLower(result), "already verified") {
			return "", verify.ErrAlreadyVerified
		}
		return "", fmt.Errorf("%w: %s: %s", ErrVerifyRejected, resp.Message, result)
	}

	return result, nil
}

// poll queries action for guid until judge stops returning ErrPending.
func (c *Client) poll(ctx context.Context, action, guid string, judge func(status, result string) error) error {
	return retry.Do(
		func() error {
			req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(url.Values{
				"module": {"contract"},
				"action": {action},
				"guid":   {guid},
				"apikey": {c.cfg.APIKey},
			}), nil)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("failed to build request: %w", err))
			}

			resp, err := c.do(req)
			if err != nil {
				return retry.Unrecoverable(err)
			}

			if err := judge(resp.Status, resp.result()); err != nil {
				if errors.Is(err, ErrPending) {
					return err
				}
				return retry.Unrecoverable(err)
			}
			return nil
		},
		retry.Attempts(c.cfg.PollAttempts),
		retry.Delay(c.cfg.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
}

func (c *Client) do(req *retryablehttp.Request) (*response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call explorer API: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read explorer response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("explorer API returned HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode explorer response: %w", err)
	}
	return &decoded, nil
}

// endpoint appends query to the API URL, adding chainid for multichain APIs.
func (c *Client) endpoint(query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if c.cfg.ChainID != 0 {
		query.Set("chainid", strconv.FormatInt(c.cfg.ChainID, 10))
	}

	encoded := query.Encode()
	if encoded == "" {
		return c.cfg.APIURL
	}
	separator := "?"
	if strings.Contains(c.cfg.APIURL, "?") {
		separator = "&"
	}
	return c.cfg.APIURL + separator + encoded
}

func (r *response) result() string {
	var text string
	if err := json.Unmarshal(r.Result, &text); err == nil {
		return text
	}
	return string(r.Result)
}

func contractName(contract contracts.CompiledContract) string {
	if contract.Source.FullyQualifiedName != "" {
		return contract.Source.FullyQualifiedName
	}
	return string(contract.Name)
}
