// Package safeswitch moves an upstream instance from live trading into
// analyzer mode without leaving exposure behind.
//
// The sequence is close positions, cancel working orders, verify the
// book is flat, toggle the mode, then confirm the toggle took. A switch
// that cannot verify a flat book stops before toggling; the instance
// stays live and the failure is alerted.
package safeswitch

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"

	"control_plane/internal/core"
	"control_plane/internal/models"
	"control_plane/internal/store"
)

// Coordinator implements core.ISafeSwitcher. Concurrent switches for the
// same instance coalesce into one upstream sequence.
type Coordinator struct {
	store   *store.Store
	factory core.BrokerClientFactory
	alerts  core.IAlertSink
	logger  core.ILogger
	group   singleflight.Group
}

// NewCoordinator wires the coordinator.
func NewCoordinator(st *store.Store, factory core.BrokerClientFactory, alerts core.IAlertSink, logger core.ILogger) *Coordinator {
	return &Coordinator{
		store:   st,
		factory: factory,
		alerts:  alerts,
		logger:  logger.WithField("component", "safeswitch"),
	}
}

// Switch runs the safe transition for one instance. Switching an
// instance already in analyzer mode is a successful no-op.
func (c *Coordinator) Switch(ctx context.Context, instanceID int64, reason string) core.SwitchOutcome {
	v, _, _ := c.group.Do(strconv.FormatInt(instanceID, 10), func() (interface{}, error) {
		return c.run(ctx, instanceID, reason), nil
	})
	return v.(core.SwitchOutcome)
}

func (c *Coordinator) run(ctx context.Context, instanceID int64, reason string) core.SwitchOutcome {
	log := c.logger.WithField("instance_id", instanceID)

	inst, err := c.store.GetInstance(ctx, instanceID)
	if err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("failed to load instance: %v", err))
	}
	if inst.IsAnalyzerMode {
		log.Info("Instance already in analyzer mode, nothing to do", "reason", reason)
		return core.SwitchOutcome{Success: true, Reason: reason}
	}

	log.Info("Starting safe switch to analyzer mode", "reason", reason)
	client := c.factory(inst.HostURL, inst.APIKey)
	strategy := strings.TrimSpace(inst.StrategyTag)

	closeReq := &core.ClosePositionRequest{}
	if strategy != "" {
		closeReq.Strategy = strategy
	}
	if err := client.ClosePosition(ctx, closeReq); err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityWarning,
			fmt.Sprintf("close positions failed: %v", err))
	}

	if err := client.CancelAllOrders(ctx, strategy); err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityWarning,
			fmt.Sprintf("cancel all orders failed: %v", err))
	}

	positions, err := client.Positionbook(ctx)
	if err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("positionbook verification failed: %v", err))
	}
	openCount := 0
	for _, p := range positions {
		if !p.NetQty.IsZero() {
			openCount++
		}
	}
	if openCount > 0 {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("%d positions still open after close attempt", openCount))
	}

	if err := client.ToggleAnalyzer(ctx, true); err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("analyzer toggle failed: %v", err))
	}

	// No compensating toggle on verification failure, the broker is the
	// source of truth for its own mode.
	mode, err := client.AnalyzerStatus(ctx)
	if err != nil {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("analyzer verification failed: %v", err))
	}
	if mode != "analyze" {
		return c.failed(ctx, instanceID, reason, models.SeverityError,
			fmt.Sprintf("analyzer mode not confirmed, upstream reports %q", mode))
	}

	if err := c.store.SetInstanceAnalyzerMode(ctx, instanceID, true); err != nil {
		log.Error("Failed to persist analyzer flag", "error", err)
	}

	log.Info("Safe switch completed", "reason", reason)
	c.alerts.Record(ctx, &models.SystemAlert{
		AlertType:  models.AlertAnalyzerAutoSwitch,
		Severity:   models.SeverityInfo,
		Title:      "Instance switched to analyzer mode",
		Message:    reason,
		InstanceID: instanceID,
	})
	return core.SwitchOutcome{Success: true, Reason: reason}
}

func (c *Coordinator) failed(ctx context.Context, instanceID int64, reason string, severity models.AlertSeverity, detail string) core.SwitchOutcome {
	c.logger.Error("Safe switch failed",
		"instance_id", instanceID, "reason", reason, "error", detail)
	c.alerts.Record(ctx, &models.SystemAlert{
		AlertType:  models.AlertAnalyzerSwitchFail,
		Severity:   severity,
		Title:      "Safe switch to analyzer mode failed",
		Message:    detail,
		Details:    map[string]string{"trigger": reason},
		InstanceID: instanceID,
	})
	return core.SwitchOutcome{Success: false, Reason: reason, Error: detail}
}
