// Package alert records operator events and forwards critical ones to
// external notification channels.
package alert

import (
	"context"
	"sync"
	"time"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/store"
)

const notifyTimeout = 10 * time.Second

// Sink persists alerts and fans critical ones out to notifiers. Record
// never blocks the caller on notifier latency.
type Sink struct {
	store     *store.Store
	logger    core.ILogger
	notifiers []core.INotifier

	mu   sync.RWMutex
	hook func(*models.SystemAlert)

	wg sync.WaitGroup
}

// NewSink builds a sink over the given notification channels.
func NewSink(st *store.Store, logger core.ILogger, notifiers ...core.INotifier) *Sink {
	return &Sink{
		store:     st,
		logger:    logger.WithField("component", "alert"),
		notifiers: notifiers,
	}
}

// SetHook registers a callback invoked for every recorded alert. The
// event stream uses this to push alerts to connected operators.
func (s *Sink) SetHook(hook func(*models.SystemAlert)) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// Record persists the alert and dispatches it. A persistence failure is
// logged, never propagated; alerting must not break the calling loop.
func (s *Sink) Record(ctx context.Context, alert *models.SystemAlert) {
	id, err := s.store.InsertAlert(ctx, alert)
	if err != nil {
		s.logger.Error("Failed to persist alert",
			"alert_type", alert.AlertType, "error", err)
	} else {
		alert.ID = id
	}

	s.logger.Info("Alert recorded",
		"alert_type", alert.AlertType,
		"severity", alert.Severity,
		"title", alert.Title,
		"instance_id", alert.InstanceID)

	s.mu.RLock()
	hook := s.hook
	s.mu.RUnlock()
	if hook != nil {
		hook(alert)
	}

	if alert.Severity != models.SeverityCritical {
		return
	}
	for _, n := range s.notifiers {
		n := n
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			nctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := n.Send(nctx, alert); err != nil {
				s.logger.Warn("Notifier delivery failed",
					"channel", n.Name(), "alert_type", alert.AlertType, "error", err)
			}
		}()
	}
}

// Drain waits for in-flight notifier sends, used on shutdown.
func (s *Sink) Drain() {
	s.wg.Wait()
}
