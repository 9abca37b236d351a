package safeswitch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/store"
	"control_plane/pkg/logging"
)

type mockClient struct {
	mu    sync.Mutex
	calls []string

	positions      []core.BrokerPosition
	positionsErr   error
	closeErr       error
	cancelAllErr   error
	toggleErr      error
	analyzerMode   string
	analyzerErr    error
	cancelStrategy string
}

func (m *mockClient) record(call string) {
	m.mu.Lock()
	m.calls = append(m.calls, call)
	m.mu.Unlock()
}

func (m *mockClient) callList() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockClient) Ping(context.Context) error                          { m.record("ping"); return nil }
func (m *mockClient) Funds(context.Context) (*core.Funds, error)          { m.record("funds"); return &core.Funds{}, nil }
func (m *mockClient) Orderbook(context.Context) ([]core.BrokerOrder, error) {
	m.record("orderbook")
	return nil, nil
}
func (m *mockClient) Tradebook(context.Context) ([]core.BrokerTrade, error) {
	m.record("tradebook")
	return nil, nil
}
func (m *mockClient) Positionbook(context.Context) ([]core.BrokerPosition, error) {
	m.record("positionbook")
	return m.positions, m.positionsErr
}
func (m *mockClient) AnalyzerStatus(context.Context) (string, error) {
	m.record("analyzerstatus")
	return m.analyzerMode, m.analyzerErr
}
func (m *mockClient) ToggleAnalyzer(_ context.Context, mode bool) error {
	m.record("toggle")
	return m.toggleErr
}
func (m *mockClient) Quotes(context.Context, string, string) (*core.Quote, error) {
	m.record("quotes")
	return nil, nil
}
func (m *mockClient) PlaceSmartOrder(context.Context, *core.PlaceOrderRequest) (string, error) {
	m.record("placesmartorder")
	return "", nil
}
func (m *mockClient) CancelOrder(context.Context, string) error { m.record("cancelorder"); return nil }
func (m *mockClient) CancelAllOrders(_ context.Context, strategy string) error {
	m.record("cancelallorder")
	m.mu.Lock()
	m.cancelStrategy = strategy
	m.mu.Unlock()
	return m.cancelAllErr
}
func (m *mockClient) ClosePosition(context.Context, *core.ClosePositionRequest) error {
	m.record("closeposition")
	return m.closeErr
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []*models.SystemAlert
}

func (r *recordingSink) Record(_ context.Context, a *models.SystemAlert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func (r *recordingSink) last() *models.SystemAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return nil
	}
	return r.alerts[len(r.alerts)-1]
}

func setup(t *testing.T, client *mockClient) (*Coordinator, *store.Store, *recordingSink, int64) {
	t.Helper()
	st, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, st.MigrateUp())
	t.Cleanup(func() { _ = st.Close() })

	id, err := st.CreateInstance(context.Background(), &models.Instance{
		Name: "a", HostURL: "http://a:5000", APIKey: "k",
		StrategyTag: "alpha", IsActive: true,
	})
	require.NoError(t, err)

	sink := &recordingSink{}
	factory := func(hostURL, apiKey string) core.IBrokerClient { return client }
	return NewCoordinator(st, factory, sink, logging.NewNop()), st, sink, id
}

func TestSwitchHappyPath(t *testing.T) {
	client := &mockClient{analyzerMode: "analyze"}
	coord, st, sink, id := setup(t, client)

	out := coord.Switch(context.Background(), id, "target profit reached")
	require.True(t, out.Success)

	assert.Equal(t,
		[]string{"closeposition", "cancelallorder", "positionbook", "toggle", "analyzerstatus"},
		client.callList())
	assert.Equal(t, "alpha", client.cancelStrategy)

	inst, err := st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, inst.IsAnalyzerMode)

	a := sink.last()
	require.NotNil(t, a)
	assert.Equal(t, models.AlertAnalyzerAutoSwitch, a.AlertType)
	assert.Equal(t, models.SeverityInfo, a.Severity)
}

func TestSwitchAlreadyInAnalyzerModeIsNoOp(t *testing.T) {
	client := &mockClient{}
	coord, st, _, id := setup(t, client)
	require.NoError(t, st.SetInstanceAnalyzerMode(context.Background(), id, true))

	out := coord.Switch(context.Background(), id, "manual")
	assert.True(t, out.Success)
	assert.Empty(t, client.callList())
}

func TestSwitchStopsWhenBookNotFlat(t *testing.T) {
	client := &mockClient{
		positions: []core.BrokerPosition{
			{Symbol: "SBIN", NetQty: decimal.NewFromInt(10)},
			{Symbol: "TCS", NetQty: decimal.Zero},
		},
	}
	coord, st, sink, id := setup(t, client)

	out := coord.Switch(context.Background(), id, "target loss breached")
	require.False(t, out.Success)
	assert.Contains(t, out.Error, "1 positions still open after close attempt")

	// Never toggles a book that is not flat.
	assert.NotContains(t, client.callList(), "toggle")

	inst, err := st.GetInstance(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, inst.IsAnalyzerMode)

	a := sink.last()
	require.NotNil(t, a)
	assert.Equal(t, models.AlertAnalyzerSwitchFail, a.AlertType)
	assert.Equal(t, models.SeverityError, a.Severity)
}

func TestSwitchFailsWhenToggleNotConfirmed(t *testing.T) {
	client := &mockClient{analyzerMode: "live"}
	coord, _, sink, id := setup(t, client)

	out := coord.Switch(context.Background(), id, "manual")
	require.False(t, out.Success)
	assert.Contains(t, out.Error, "analyzer mode not confirmed")
	assert.Equal(t, models.AlertAnalyzerSwitchFail, sink.last().AlertType)
}

func TestSwitchFailsWhenCloseFails(t *testing.T) {
	client := &mockClient{closeErr: errors.New("upstream timeout")}
	coord, _, sink, id := setup(t, client)

	out := coord.Switch(context.Background(), id, "manual")
	require.False(t, out.Success)
	assert.Contains(t, out.Error, "close positions failed")
	assert.Equal(t, []string{"closeposition"}, client.callList())
	assert.Equal(t, models.SeverityWarning, sink.last().Severity)
}
