package alert

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"control_plane/internal/models"
	"control_plane/internal/store"
	"control_plane/pkg/logging"
)

type mockNotifier struct {
	mu     sync.Mutex
	sent   []*models.SystemAlert
	sendFn func(ctx context.Context, alert *models.SystemAlert) error
}

func (m *mockNotifier) Name() string { return "mock" }

func (m *mockNotifier) Send(ctx context.Context, alert *models.SystemAlert) error {
	m.mu.Lock()
	m.sent = append(m.sent, alert)
	m.mu.Unlock()
	if m.sendFn != nil {
		return m.sendFn(ctx, alert)
	}
	return nil
}

func (m *mockNotifier) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:", logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.MigrateUp())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordPersistsAlert(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, logging.NewNop())

	a := &models.SystemAlert{
		AlertType: models.AlertOrderRejected,
		Severity:  models.SeverityError,
		Title:     "Order rejected",
	}
	sink.Record(context.Background(), a)
	assert.NotZero(t, a.ID)

	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, models.AlertOrderRejected, alerts[0].AlertType)
}

func TestCriticalAlertsReachNotifiers(t *testing.T) {
	st := newTestStore(t)
	n := &mockNotifier{}
	sink := NewSink(st, logging.NewNop(), n)

	sink.Record(context.Background(), &models.SystemAlert{
		AlertType: models.AlertInstanceOffline,
		Severity:  models.SeverityCritical,
		Title:     "Instance offline",
	})
	sink.Drain()
	assert.Equal(t, 1, n.count())
}

func TestNonCriticalAlertsSkipNotifiers(t *testing.T) {
	st := newTestStore(t)
	n := &mockNotifier{}
	sink := NewSink(st, logging.NewNop(), n)

	sink.Record(context.Background(), &models.SystemAlert{
		AlertType: models.AlertOrderCompleted,
		Severity:  models.SeverityInfo,
		Title:     "Order completed",
	})
	sink.Drain()
	assert.Zero(t, n.count())
}

func TestNotifierFailureDoesNotPropagate(t *testing.T) {
	st := newTestStore(t)
	n := &mockNotifier{
		sendFn: func(context.Context, *models.SystemAlert) error {
			return errors.New("gateway down")
		},
	}
	sink := NewSink(st, logging.NewNop(), n)

	sink.Record(context.Background(), &models.SystemAlert{
		AlertType: models.AlertAnalyzerSwitchFail,
		Severity:  models.SeverityCritical,
		Title:     "Switch failed",
	})
	sink.Drain()

	alerts, err := st.ListAlerts(context.Background(), true, 10)
	require.NoError(t, err)
	assert.Len(t, alerts, 1)
}

func TestHookFiresForEveryAlert(t *testing.T) {
	st := newTestStore(t)
	sink := NewSink(st, logging.NewNop())

	var got []*models.SystemAlert
	sink.SetHook(func(a *models.SystemAlert) { got = append(got, a) })

	sink.Record(context.Background(), &models.SystemAlert{
		AlertType: models.AlertTrailingActivated,
		Severity:  models.SeverityInfo,
		Title:     "Trailing stop armed",
	})
	require.Len(t, got, 1)
	assert.Equal(t, models.AlertTrailingActivated, got[0].AlertType)
}
