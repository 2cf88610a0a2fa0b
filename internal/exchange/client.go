// Package exchange provides the REST adapter for the exchange's public spot
// API: symbol metadata from exchangeInfo and candlestick history from the
// klines endpoint. Every call is issued through the request executor so rate
// limiting and retry policy apply uniformly.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tradelab/go-listing-backfill/internal/models"
	"github.com/tradelab/go-listing-backfill/internal/request"
)

const (
	defaultBaseURL = "https://api.binance.com"

	exchangeInfoEndpoint = "/api/v3/exchangeInfo"
	klinesEndpoint       = "/api/v3/klines"
	pingEndpoint         = "/api/v3/ping"

	// Endpoint weight costs published by the provider.
	exchangeInfoWeight = 10
	pingWeight         = 1

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second

	// MaxKlinesPerRequest is the server-side page size ceiling.
	MaxKlinesPerRequest = 1000
)

// Client is the exchange API adapter. All methods are safe for concurrent
// use; shared quota state lives in the executor's rate limiter, not here.
type Client struct {
	httpClient *http.Client
	exec       *request.Executor
	baseURL    string
	logger     *slog.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host (test servers).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an exchange client that issues all calls through exec.
func NewClient(exec *request.Executor, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		exec:    exec,
		baseURL: defaultBaseURL,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ExchangeInfo fetches metadata for all listed symbols, including the
// onboarding timestamp when the exchange publishes one.
func (c *Client) ExchangeInfo(ctx context.Context) ([]SymbolInfo, error) {
	var resp exchangeInfoResponse
	err := c.get(ctx, "exchange_info", exchangeInfoEndpoint, nil, exchangeInfoWeight, &resp)
	if err != nil {
		return nil, fmt.Errorf("fetch exchange info: %w", err)
	}
	c.logger.Debug("fetched exchange info", "symbols", len(resp.Symbols))
	return resp.Symbols, nil
}

// KlineQuery describes one klines page request.
type KlineQuery struct {
	Symbol   string
	Interval string
	Start    time.Time
	End      time.Time
	Limit    int
}

// Klines fetches up to Limit candles for the query window. Rows come back as
// fixed-position arrays and are converted to models.Kline with SymbolID
// unset; the caller owns symbol identity.
func (c *Client) Klines(ctx context.Context, q KlineQuery) ([]models.Kline, error) {
	if q.Limit <= 0 || q.Limit > MaxKlinesPerRequest {
		q.Limit = MaxKlinesPerRequest
	}

	params := url.Values{}
	params.Set("symbol", q.Symbol)
	params.Set("interval", q.Interval)
	params.Set("limit", strconv.Itoa(q.Limit))
	if !q.Start.IsZero() {
		params.Set("startTime", strconv.FormatInt(q.Start.UnixMilli(), 10))
	}
	if !q.End.IsZero() {
		params.Set("endTime", strconv.FormatInt(q.End.UnixMilli(), 10))
	}

	var rows []rawKline
	name := "klines_" + q.Interval
	if err := c.get(ctx, name, klinesEndpoint, params, KlinesWeight(q.Limit), &rows); err != nil {
		return nil, fmt.Errorf("fetch klines %s %s: %w", q.Symbol, q.Interval, err)
	}

	klines := make([]models.Kline, 0, len(rows))
	for i, row := range rows {
		k, err := row.toKline()
		if err != nil {
			return nil, fmt.Errorf("parse kline row %d for %s: %w", i, q.Symbol, err)
		}
		klines = append(klines, k)
	}
	return klines, nil
}

// HealthCheck verifies connectivity with the lightweight ping endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	var resp struct{}
	if err := c.get(ctx, "ping", pingEndpoint, nil, pingWeight, &resp); err != nil {
		return fmt.Errorf("exchange health check: %w", err)
	}
	return nil
}

// KlinesWeight returns the provider's weight cost for a klines call with the
// given page size.
func KlinesWeight(limit int) int {
	switch {
	case limit <= 100:
		return 1
	case limit <= 500:
		return 2
	case limit <= 1000:
		return 5
	default:
		return 10
	}
}

// get runs one GET operation through the executor and decodes the JSON body
// into out on success.
func (c *Client) get(ctx context.Context, name, endpoint string, params url.Values, weight int, out interface{}) error {
	requestURL := c.baseURL + endpoint
	if len(params) > 0 {
		requestURL += "?" + params.Encode()
	}

	return c.exec.Do(ctx, name, weight, func(ctx context.Context) (http.Header, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.Header, fmt.Errorf("read response body: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return resp.Header, newHTTPError(resp, body)
		}

		if err := json.Unmarshal(body, out); err != nil {
			return resp.Header, fmt.Errorf("decode %s response: %w", endpoint, err)
		}
		return resp.Header, nil
	})
}

// newHTTPError converts a non-200 response into the typed error the executor
// classifies. The provider reports machine-readable codes in the body.
func newHTTPError(resp *http.Response, body []byte) *request.HTTPError {
	httpErr := &request.HTTPError{
		Status:  resp.StatusCode,
		Message: string(body),
	}

	var apiErr struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Msg != "" {
		httpErr.Code = apiErr.Code
		httpErr.Message = apiErr.Msg
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			httpErr.RetryAfter = time.Duration(seconds) * time.Second
		}
	}
	return httpErr
}
