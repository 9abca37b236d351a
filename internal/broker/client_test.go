package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/core"
	"control_plane/pkg/apperrors"
	"control_plane/pkg/logging"
)

type upstream struct {
	t        *testing.T
	mux      *http.ServeMux
	server   *httptest.Server
	requests map[string]*atomic.Int64
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{t: t, mux: http.NewServeMux(), requests: make(map[string]*atomic.Int64)}
	u.server = httptest.NewServer(u.mux)
	t.Cleanup(u.server.Close)
	return u
}

// handle registers a path and counts its hits. The handler receives the
// decoded request body.
func (u *upstream) handle(path string, fn func(body map[string]interface{}) (int, string)) {
	counter := &atomic.Int64{}
	u.requests[path] = counter
	u.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		counter.Add(1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		status, resp := fn(body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(resp))
	})
}

func (u *upstream) hits(path string) int64 {
	return u.requests[path].Load()
}

func fastOptions() Options {
	return Options{Timeout: 2 * time.Second, MaxRetries: 2, RetryDelay: 10 * time.Millisecond}
}

func TestPingInjectsAPIKey(t *testing.T) {
	u := newUpstream(t)
	var gotKey string
	u.handle("/api/v1/ping", func(body map[string]interface{}) (int, string) {
		gotKey, _ = body["apikey"].(string)
		return 200, `{"status":"success"}`
	})

	c := NewClient(u.server.URL, "key-123", fastOptions(), logging.NewNop())
	require.NoError(t, c.Ping(context.Background()))
	assert.Equal(t, "key-123", gotKey)
}

func TestReadRetriesOnServerError(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/funds", func(map[string]interface{}) (int, string) {
		if u.hits("/api/v1/funds") < 3 {
			return 500, `{"status":"error"}`
		}
		return 200, `{"status":"success","data":{"availablecash":"100000"}}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	funds, err := c.Funds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "100000", funds.AvailableCash.String())
	assert.Equal(t, int64(3), u.hits("/api/v1/funds"))
}

func TestReadDoesNotRetryBrokerRejection(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/funds", func(map[string]interface{}) (int, string) {
		return 200, `{"status":"error","message":"invalid api key"}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	_, err := c.Funds(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUpstreamRejected))
	assert.Equal(t, int64(1), u.hits("/api/v1/funds"))
}

func TestWriteNeverRetries(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/placesmartorder", func(map[string]interface{}) (int, string) {
		return 500, `{"status":"error"}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	_, err := c.PlaceSmartOrder(context.Background(), &core.PlaceOrderRequest{
		Exchange: "NSE", Symbol: "SBIN", Action: "BUY", Quantity: 1, Product: "MIS", PriceType: "MARKET",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUpstreamUnavailable))
	assert.Equal(t, int64(1), u.hits("/api/v1/placesmartorder"))
}

func TestPlaceSmartOrderReturnsOrderID(t *testing.T) {
	u := newUpstream(t)
	var got map[string]interface{}
	u.handle("/api/v1/placesmartorder", func(body map[string]interface{}) (int, string) {
		got = body
		return 200, `{"status":"success","orderid":"240001"}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	id, err := c.PlaceSmartOrder(context.Background(), &core.PlaceOrderRequest{
		Strategy: "alpha", Exchange: "NSE", Symbol: "SBIN", Action: "BUY",
		Quantity: 10, PositionSize: 10, Product: "MIS", PriceType: "MARKET",
	})
	require.NoError(t, err)
	assert.Equal(t, "240001", id)
	assert.Equal(t, "10", got["quantity"])
	assert.Equal(t, "alpha", got["strategy"])
}

func TestOrderbookAcceptsNestedAndFlatShapes(t *testing.T) {
	nestedBody := `{"status":"success","data":{"orders":[{"orderid":"1","symbol":"SBIN","order_status":"open"}]}}`
	flatBody := `{"status":"success","data":[{"orderid":"2","symbol":"INFY","order_status":"complete"}]}`

	for name, body := range map[string]string{"nested": nestedBody, "flat": flatBody} {
		t.Run(name, func(t *testing.T) {
			u := newUpstream(t)
			resp := body
			u.handle("/api/v1/orderbook", func(map[string]interface{}) (int, string) { return 200, resp })

			c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
			orders, err := c.Orderbook(context.Background())
			require.NoError(t, err)
			require.Len(t, orders, 1)
		})
	}
}

func TestAnalyzerStatusReadsMode(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/analyzer", func(map[string]interface{}) (int, string) {
		return 200, `{"status":"success","data":{"mode":"analyze"}}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	mode, err := c.AnalyzerStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "analyze", mode)
}

func TestClosePositionScopesBody(t *testing.T) {
	u := newUpstream(t)
	var got map[string]interface{}
	u.handle("/api/v1/closeposition", func(body map[string]interface{}) (int, string) {
		got = body
		return 200, `{"status":"success"}`
	})

	c := NewClient(u.server.URL, "k", fastOptions(), logging.NewNop())
	require.NoError(t, c.ClosePosition(context.Background(), &core.ClosePositionRequest{
		Strategy: "alpha", Exchange: "NSE", Symbol: "SBIN",
	}))
	assert.Equal(t, "alpha", got["strategy"])
	assert.Equal(t, "SBIN", got["symbol"])
	assert.Equal(t, "NSE", got["exchange"])
}

func TestBreakerShortCircuitsAfterRepeatedFailures(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/funds", func(map[string]interface{}) (int, string) {
		return 500, `{"status":"error"}`
	})

	opts := fastOptions()
	opts.BreakerThreshold = 3
	c := NewClient(u.server.URL, "k", opts, logging.NewNop())

	// First call exhausts its retries and trips the breaker.
	_, err := c.Funds(context.Background())
	require.Error(t, err)
	assert.Equal(t, int64(3), u.hits("/api/v1/funds"))

	// Subsequent reads fail fast without touching the wire.
	_, err = c.Funds(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUpstreamUnavailable))
	assert.Equal(t, int64(3), u.hits("/api/v1/funds"))
}

func TestFactoryReusesClientPerInstance(t *testing.T) {
	factory := Factory(fastOptions(), logging.NewNop())

	a := factory("http://a:5000", "key-a")
	b := factory("http://a:5000", "key-a")
	// Same instance, same client, so breaker state accumulates across
	// sweeps instead of resetting on every call.
	assert.Same(t, a, b)

	assert.NotSame(t, a, factory("http://b:5000", "key-a"))
	assert.NotSame(t, a, factory("http://a:5000", "key-b"))
}

func TestTimeoutClassifiedUnavailable(t *testing.T) {
	u := newUpstream(t)
	u.handle("/api/v1/ping", func(map[string]interface{}) (int, string) {
		time.Sleep(200 * time.Millisecond)
		return 200, `{"status":"success"}`
	})

	c := NewClient(u.server.URL, "k", Options{Timeout: 50 * time.Millisecond, MaxRetries: 1, RetryDelay: 10 * time.Millisecond}, logging.NewNop())
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindUpstreamUnavailable))
}
