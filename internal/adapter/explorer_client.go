// Package adapter talks to the block explorer APIs of the supported networks.
package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sale-settlement/internal/circuitbreaker"
	"github.com/sale-settlement/internal/config"
	apperrors "github.com/sale-settlement/internal/errors"
	"github.com/sale-settlement/internal/logging"
	"github.com/sale-settlement/internal/retry"
	"github.com/sale-settlement/internal/types"
)

// ErrUnknownNetwork is returned for a network with no configured explorer
var ErrUnknownNetwork = stderrors.New("no explorer configured for network")

// ExplorerClient queries Etherscan-compatible explorers, one endpoint per network.
// Each network has its own rate limiter and circuit breaker so a failing
// explorer never slows down the others.
type ExplorerClient struct {
	endpoints map[types.Network]*endpoint
	client    *http.Client
	retry     *retry.RetryConfig
	breakers  *circuitbreaker.Manager
}

type endpoint struct {
	network types.Network
	baseURL string
	apiKey  string
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker
}

// LogQuery selects Transfer logs of one token contract within a block range
type LogQuery struct {
	ContractAddress string
	Topic0          string
	Topic2          string
	FromBlock       uint64
	ToBlock         uint64
}

// explorerResponse is the envelope of module=logs/account calls
type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// proxyResponse is the envelope of module=proxy calls, which mirror JSON-RPC
type proxyResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
	// Explorers answer throttled proxy calls with the account envelope
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

type proxyBlock struct {
	Number    string `json:"number"`
	Hash      string `json:"hash"`
	Timestamp string `json:"timestamp"`
}

type proxyTransaction struct {
	Hash  string `json:"hash"`
	Input string `json:"input"`
}

// NewExplorerClient creates a client for every configured network
func NewExplorerClient(networks map[types.Network]config.NetworkConfig, timeout time.Duration) *ExplorerClient {
	c := &ExplorerClient{
		endpoints: make(map[types.Network]*endpoint, len(networks)),
		client:    &http.Client{Timeout: timeout},
		retry:     retry.DefaultRetryConfig(),
		breakers:  circuitbreaker.NewManager(),
	}
	c.retry.ShouldRetry = apperrors.IsRetryable

	for network, nc := range networks {
		rps := nc.RequestsPerSecond
		if rps <= 0 {
			rps = 5
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.endpoints[network] = &endpoint{
			network: network,
			baseURL: nc.ExplorerURL,
			apiKey:  nc.APIKey,
			limiter: rate.NewLimiter(rate.Limit(rps), burst),
			breaker: c.breakers.GetOrCreate(string(network), nil),
		}
	}
	return c
}

// BreakerStates reports the circuit state of every explorer
func (c *ExplorerClient) BreakerStates() map[string]circuitbreaker.State {
	return c.breakers.States()
}

// LatestBlock returns the newest block number known to the network's explorer
func (c *ExplorerClient) LatestBlock(ctx context.Context, network types.Network) (uint64, error) {
	ep, err := c.endpoint(network)
	if err != nil {
		return 0, err
	}

	raw, err := c.proxy(ctx, ep, url.Values{"action": {"eth_blockNumber"}})
	if err != nil {
		return 0, err
	}

	var hexNum string
	if err := json.Unmarshal(raw, &hexNum); err != nil {
		return 0, fmt.Errorf("failed to decode block number: %w", err)
	}
	n, err := hexutil.DecodeUint64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %w", hexNum, err)
	}
	return n, nil
}

// FetchLogs returns the event logs matching q. An empty result is not an error.
func (c *ExplorerClient) FetchLogs(ctx context.Context, network types.Network, q LogQuery) ([]types.RawLog, error) {
	ep, err := c.endpoint(network)
	if err != nil {
		return nil, err
	}

	params := url.Values{
		"module":    {"logs"},
		"action":    {"getLogs"},
		"fromBlock": {hexutil.EncodeUint64(q.FromBlock)},
		"toBlock":   {hexutil.EncodeUint64(q.ToBlock)},
		"address":   {q.ContractAddress},
	}
	if q.Topic0 != "" {
		params.Set("topic0", q.Topic0)
	}
	if q.Topic2 != "" {
		params.Set("topic2", q.Topic2)
		if q.Topic0 != "" {
			params.Set("topic0_2_opr", "and")
		}
	}

	body, err := c.doRequest(ctx, ep, params)
	if err != nil {
		return nil, err
	}

	var resp explorerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewProviderError(string(network), fmt.Errorf("failed to decode logs response: %w", err))
	}

	if resp.Status != "1" {
		if isNoRecords(resp.Message, resp.Result) {
			return []types.RawLog{}, nil
		}
		if isRateLimited(resp.Message, resp.Result) {
			return nil, apperrors.NewProviderRateLimitError(string(network))
		}
		return nil, apperrors.NewProviderError(string(network), fmt.Errorf("explorer error: %s %s", resp.Message, string(resp.Result)))
	}

	var logs []types.RawLog
	if err := json.Unmarshal(resp.Result, &logs); err != nil {
		return nil, apperrors.NewProviderError(string(network), fmt.Errorf("failed to decode logs: %w", err))
	}
	return logs, nil
}

// FetchBlockAndTx looks up the block timestamp and the transaction input
// concurrently. blockNumber is the hex-encoded number carried by the log.
func (c *ExplorerClient) FetchBlockAndTx(ctx context.Context, network types.Network, blockNumber, txHash string) (*types.BlockAndTx, error) {
	ep, err := c.endpoint(network)
	if err != nil {
		return nil, err
	}

	var (
		block proxyBlock
		tx    proxyTransaction
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		raw, err := c.proxy(gctx, ep, url.Values{
			"action":  {"eth_getBlockByNumber"},
			"tag":     {blockNumber},
			"boolean": {"false"},
		})
		if err != nil {
			return fmt.Errorf("get block %s: %w", blockNumber, err)
		}
		return decodeProxyObject(raw, &block, "block "+blockNumber)
	})
	g.Go(func() error {
		raw, err := c.proxy(gctx, ep, url.Values{
			"action": {"eth_getTransactionByHash"},
			"txhash": {txHash},
		})
		if err != nil {
			return fmt.Errorf("get transaction %s: %w", txHash, err)
		}
		return decodeProxyObject(raw, &tx, "transaction "+txHash)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ts, err := hexutil.DecodeUint64(block.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("invalid block timestamp %q: %w", block.Timestamp, err)
	}

	return &types.BlockAndTx{
		Timestamp: time.Unix(int64(ts), 0).UTC(),
		Input:     tx.Input,
	}, nil
}

func (c *ExplorerClient) endpoint(network types.Network) (*endpoint, error) {
	ep, ok := c.endpoints[network]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNetwork, network)
	}
	return ep, nil
}

// proxy runs a module=proxy call and returns the raw result field
func (c *ExplorerClient) proxy(ctx context.Context, ep *endpoint, params url.Values) (json.RawMessage, error) {
	params.Set("module", "proxy")

	body, err := c.doRequest(ctx, ep, params)
	if err != nil {
		return nil, err
	}

	var resp proxyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewProviderError(string(ep.network), fmt.Errorf("failed to decode proxy response: %w", err))
	}
	if resp.Error != nil {
		return nil, apperrors.NewProviderError(string(ep.network), fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message))
	}
	if resp.Status == "0" {
		if isRateLimited(resp.Message, resp.Result) {
			return nil, apperrors.NewProviderRateLimitError(string(ep.network))
		}
		return nil, apperrors.NewProviderError(string(ep.network), fmt.Errorf("explorer error: %s %s", resp.Message, string(resp.Result)))
	}
	return resp.Result, nil
}

// doRequest performs one explorer call under the network's limiter, breaker
// and retry policy.
func (c *ExplorerClient) doRequest(ctx context.Context, ep *endpoint, params url.Values) ([]byte, error) {
	if ep.apiKey != "" {
		params.Set("apikey", ep.apiKey)
	}
	reqURL := ep.baseURL + "?" + params.Encode()

	var body []byte
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := ep.limiter.Wait(ctx); err != nil {
			return err
		}
		return ep.breaker.Execute(ctx, func() error {
			b, err := c.get(ctx, ep, reqURL)
			if err != nil {
				return err
			}
			body = b
			return nil
		})
	})
	if err != nil {
		logging.FromContext(ctx).WithFields(map[string]interface{}{
			"network": ep.network,
			"action":  params.Get("action"),
		}).WithError(err).Debug("Explorer request failed")
		return nil, err
	}
	return body, nil
}

func (c *ExplorerClient) get(ctx context.Context, ep *endpoint, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return nil, apperrors.NewProviderTimeoutError(string(ep.network))
		}
		return nil, apperrors.NewProviderError(string(ep.network), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewProviderError(string(ep.network), fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderRateLimitError(string(ep.network))
	case resp.StatusCode >= 500:
		return nil, apperrors.NewProviderError(string(ep.network), fmt.Errorf("HTTP error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		// 4xx will not improve on retry
		return nil, fmt.Errorf("explorer %s HTTP error: %d - %s", ep.network, resp.StatusCode, string(body))
	}
	return body, nil
}

func decodeProxyObject(raw json.RawMessage, v interface{}, what string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return fmt.Errorf("%s not found", what)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", what, err)
	}
	return nil
}

func isNoRecords(message string, result json.RawMessage) bool {
	if strings.EqualFold(message, "No records found") {
		return true
	}
	var arr []json.RawMessage
	return json.Unmarshal(result, &arr) == nil && len(arr) == 0
}

func isRateLimited(message string, result json.RawMessage) bool {
	text := strings.ToLower(message + " " + string(result))
	return strings.Contains(text, "rate limit")
}
