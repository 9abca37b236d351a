// Package broker implements the typed HTTP client for one upstream
// broker-API instance.
//
// Every endpoint speaks the uniform envelope {status, data?, message?,
// error?}. Idempotent reads (ping, funds, orderbook, tradebook,
// positionbook, analyzer, quotes) are retried with exponential backoff;
// writes (placesmartorder, cancelorder, cancelallorder, closeposition,
// analyzer/toggle) are never retried on network ambiguity — the caller
// reconciles through the orderbook and positionbook.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-resty/resty/v2"

	"control_plane/internal/core"
	"control_plane/pkg/apperrors"
)

// Options tune the client; zero values fall back to sane defaults.
type Options struct {
	Timeout          time.Duration
	MaxRetries       int
	RetryDelay       time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 2 * time.Second
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	return o
}

// Client binds to one instance's host URL and credential.
type Client struct {
	http   *resty.Client
	apiKey string
	reads  failsafe.Executor[*envelope]
	logger core.ILogger
}

var _ core.IBrokerClient = (*Client)(nil)

// NewClient creates a broker client for one instance.
func NewClient(hostURL, apiKey string, opts Options, logger core.ILogger) *Client {
	opts = opts.withDefaults()

	httpClient := resty.New().
		SetBaseURL(hostURL).
		SetTimeout(opts.Timeout).
		SetHeader("Content-Type", "application/json")

	// Reads retry on transient failures only; 4xx and broker rejections
	// stop immediately.
	readPolicy := retrypolicy.NewBuilder[*envelope]().
		HandleIf(func(_ *envelope, err error) bool {
			return err != nil && retryable(err)
		}).
		WithBackoff(opts.RetryDelay, 30*time.Second).
		WithMaxRetries(opts.MaxRetries).
		Build()

	// The breaker sits inside the retry policy. Once consecutive
	// transient failures hit the threshold it fails reads fast until the
	// cooldown elapses, so a dead instance does not eat a full
	// timeout-and-backoff cycle on every sweep.
	breaker := circuitbreaker.NewBuilder[*envelope]().
		HandleIf(func(_ *envelope, err error) bool {
			return err != nil && retryable(err)
		}).
		WithFailureThreshold(uint(opts.BreakerThreshold)).
		WithDelay(opts.BreakerCooldown).
		Build()

	return &Client{
		http:   httpClient,
		apiKey: apiKey,
		reads:  failsafe.With[*envelope](readPolicy, breaker),
		logger: logger.WithField("component", "broker_client"),
	}
}

// envelope is the uniform upstream response shape.
type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	ErrMsg  string          `json:"error"`
	OrderID string          `json:"orderid"`
	Mode    string          `json:"mode"`
}

// post executes one POST with the apikey injected into the body and
// classifies any failure. It does not retry.
func (c *Client) post(ctx context.Context, path string, body map[string]interface{}) (*envelope, error) {
	if body == nil {
		body = map[string]interface{}{}
	}
	body["apikey"] = c.apiKey

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		Post(path)
	if err != nil {
		return nil, classifyTransport(path, err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 500:
		return nil, fmt.Errorf("%s: status %d: %w", path, code, ErrHTTPServer)
	case code >= 400:
		return nil, fmt.Errorf("%s: status %d: %w", path, code, ErrHTTPClient)
	}

	var env envelope
	if err := json.Unmarshal(resp.Body(), &env); err != nil {
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrDecode)
	}

	if env.Status != "success" {
		msg := env.ErrMsg
		if msg == "" {
			msg = env.Message
		}
		return nil, fmt.Errorf("%s: %s: %w", path, msg, ErrBrokerRejected)
	}

	return &env, nil
}

// read wraps post with the retry pipeline for idempotent endpoints.
func (c *Client) read(ctx context.Context, path string, body map[string]interface{}) (*envelope, error) {
	env, err := c.reads.GetWithExecution(func(_ failsafe.Execution[*envelope]) (*envelope, error) {
		return c.post(ctx, path, cloneBody(body))
	})
	if err != nil {
		return nil, wrap(path, err)
	}
	return env, nil
}

// write dispatches a non-idempotent call exactly once.
func (c *Client) write(ctx context.Context, path string, body map[string]interface{}) (*envelope, error) {
	env, err := c.post(ctx, path, body)
	if err != nil {
		return nil, wrap(path, err)
	}
	return env, nil
}

func cloneBody(body map[string]interface{}) map[string]interface{} {
	if body == nil {
		return nil
	}
	out := make(map[string]interface{}, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

func classifyTransport(path string, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), os.IsTimeout(err):
		return fmt.Errorf("%s: %w", path, ErrTimeout)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%s: %w", path, ErrTimeout)
	default:
		return fmt.Errorf("%s: %v: %w", path, err, ErrNetwork)
	}
}

// wrap maps a classified broker failure into the service taxonomy.
func wrap(path string, err error) error {
	switch {
	case errors.Is(err, ErrBrokerRejected), errors.Is(err, ErrHTTPClient):
		return apperrors.E(apperrors.KindUpstreamRejected, path, err)
	default:
		return apperrors.E(apperrors.KindUpstreamUnavailable, path, err)
	}
}

// Ping verifies the instance is reachable and the API key valid.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.read(ctx, "/api/v1/ping", nil)
	return err
}

// Funds fetches the account balance snapshot.
func (c *Client) Funds(ctx context.Context) (*core.Funds, error) {
	env, err := c.read(ctx, "/api/v1/funds", nil)
	if err != nil {
		return nil, err
	}
	var funds core.Funds
	if err := json.Unmarshal(env.Data, &funds); err != nil {
		return nil, wrap("/api/v1/funds", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	return &funds, nil
}

// Orderbook fetches all orders known to the instance for the day.
func (c *Client) Orderbook(ctx context.Context) ([]core.BrokerOrder, error) {
	env, err := c.read(ctx, "/api/v1/orderbook", nil)
	if err != nil {
		return nil, err
	}

	// Some upstream versions nest orders under data.orders, older ones
	// return a bare array.
	var nested struct {
		Orders []core.BrokerOrder `json:"orders"`
	}
	if err := json.Unmarshal(env.Data, &nested); err == nil && nested.Orders != nil {
		return nested.Orders, nil
	}
	var flat []core.BrokerOrder
	if err := json.Unmarshal(env.Data, &flat); err != nil {
		return nil, wrap("/api/v1/orderbook", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	return flat, nil
}

// Tradebook fetches the day's executed trades.
func (c *Client) Tradebook(ctx context.Context) ([]core.BrokerTrade, error) {
	env, err := c.read(ctx, "/api/v1/tradebook", nil)
	if err != nil {
		return nil, err
	}
	var trades []core.BrokerTrade
	if err := json.Unmarshal(env.Data, &trades); err != nil {
		return nil, wrap("/api/v1/tradebook", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	return trades, nil
}

// Positionbook fetches the instance's open positions.
func (c *Client) Positionbook(ctx context.Context) ([]core.BrokerPosition, error) {
	env, err := c.read(ctx, "/api/v1/positionbook", nil)
	if err != nil {
		return nil, err
	}
	var positions []core.BrokerPosition
	if err := json.Unmarshal(env.Data, &positions); err != nil {
		return nil, wrap("/api/v1/positionbook", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	return positions, nil
}

// AnalyzerStatus returns the instance's current mode ("analyze" or "live").
func (c *Client) AnalyzerStatus(ctx context.Context) (string, error) {
	env, err := c.read(ctx, "/api/v1/analyzer", nil)
	if err != nil {
		return "", err
	}
	var data struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return "", wrap("/api/v1/analyzer", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	if data.Mode == "" {
		return env.Mode, nil
	}
	return data.Mode, nil
}

// ToggleAnalyzer switches the instance into (true) or out of (false)
// analyzer mode. Not retried; the broker is the source of truth.
func (c *Client) ToggleAnalyzer(ctx context.Context, mode bool) error {
	_, err := c.write(ctx, "/api/v1/analyzer/toggle", map[string]interface{}{"mode": mode})
	return err
}

// Quotes fetches the latest quote for one contract.
func (c *Client) Quotes(ctx context.Context, exchange, symbol string) (*core.Quote, error) {
	env, err := c.read(ctx, "/api/v1/quotes", map[string]interface{}{
		"exchange": exchange,
		"symbol":   symbol,
	})
	if err != nil {
		return nil, err
	}
	var quote core.Quote
	if err := json.Unmarshal(env.Data, &quote); err != nil {
		return nil, wrap("/api/v1/quotes", fmt.Errorf("%v: %w", err, ErrDecode))
	}
	if quote.Exchange == "" {
		quote.Exchange = exchange
	}
	if quote.Symbol == "" {
		quote.Symbol = symbol
	}
	return &quote, nil
}

// PlaceSmartOrder places one order and returns the broker-assigned id.
func (c *Client) PlaceSmartOrder(ctx context.Context, req *core.PlaceOrderRequest) (string, error) {
	body := map[string]interface{}{
		"exchange":      req.Exchange,
		"symbol":        req.Symbol,
		"action":        req.Action,
		"quantity":      fmt.Sprintf("%d", req.Quantity),
		"position_size": fmt.Sprintf("%d", req.PositionSize),
		"product":       req.Product,
		"pricetype":     req.PriceType,
	}
	if req.Strategy != "" {
		body["strategy"] = req.Strategy
	}
	if !req.Price.IsZero() {
		body["price"] = req.Price.String()
	}
	if !req.TriggerPrice.IsZero() {
		body["trigger_price"] = req.TriggerPrice.String()
	}

	env, err := c.write(ctx, "/api/v1/placesmartorder", body)
	if err != nil {
		return "", err
	}

	if env.OrderID != "" {
		return env.OrderID, nil
	}
	var data struct {
		OrderID string `json:"orderid"`
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err == nil {
			return data.OrderID, nil
		}
	}
	return "", nil
}

// CancelOrder cancels one order by its broker-assigned id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.write(ctx, "/api/v1/cancelorder", map[string]interface{}{"orderid": orderID})
	return err
}

// CancelAllOrders cancels every open order, optionally scoped to a strategy.
func (c *Client) CancelAllOrders(ctx context.Context, strategy string) error {
	body := map[string]interface{}{}
	if strategy != "" {
		body["strategy"] = strategy
	}
	_, err := c.write(ctx, "/api/v1/cancelallorder", body)
	return err
}

// ClosePosition flattens positions, optionally scoped by strategy or
// narrowed to one contract.
func (c *Client) ClosePosition(ctx context.Context, req *core.ClosePositionRequest) error {
	body := map[string]interface{}{}
	if req != nil {
		if req.Strategy != "" {
			body["strategy"] = req.Strategy
		}
		if req.Symbol != "" {
			body["symbol"] = req.Symbol
		}
		if req.Exchange != "" {
			body["exchange"] = req.Exchange
		}
	}
	_, err := c.write(ctx, "/api/v1/closeposition", body)
	return err
}

// Factory returns a BrokerClientFactory using the given options.
//
// Clients are cached per (hostURL, apiKey) so the circuit breaker and
// retry state survive across sweeps. Editing an instance's credential
// yields a fresh client under the new key.
func Factory(opts Options, logger core.ILogger) core.BrokerClientFactory {
	var mu sync.Mutex
	clients := make(map[string]*Client)
	return func(hostURL, apiKey string) core.IBrokerClient {
		key := hostURL + "\x00" + apiKey
		mu.Lock()
		defer mu.Unlock()
		c, ok := clients[key]
		if !ok {
			c = NewClient(hostURL, apiKey, opts, logger)
			clients[key] = c
		}
		return c
	}
}
