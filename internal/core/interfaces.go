// Package core defines the core interfaces for the control plane
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"control_plane/internal/models"
)

// IBrokerClient is the typed client for one upstream broker-API instance.
// Idempotent reads retry internally; writes never retry on network
// ambiguity, the caller reconciles via Orderbook/Positionbook.
type IBrokerClient interface {
	Ping(ctx context.Context) error
	Funds(ctx context.Context) (*Funds, error)
	Orderbook(ctx context.Context) ([]BrokerOrder, error)
	Tradebook(ctx context.Context) ([]BrokerTrade, error)
	Positionbook(ctx context.Context) ([]BrokerPosition, error)
	AnalyzerStatus(ctx context.Context) (string, error)
	ToggleAnalyzer(ctx context.Context, mode bool) error
	Quotes(ctx context.Context, exchange, symbol string) (*Quote, error)

	PlaceSmartOrder(ctx context.Context, req *PlaceOrderRequest) (orderID string, err error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAllOrders(ctx context.Context, strategy string) error
	ClosePosition(ctx context.Context, req *ClosePositionRequest) error
}

// BrokerClientFactory builds a client bound to one instance's endpoint
// and credential. Services depend on the factory, not on concrete clients,
// so tests substitute a double without changing call sites.
type BrokerClientFactory func(hostURL, apiKey string) IBrokerClient

// IAlertSink records categorized operator events.
type IAlertSink interface {
	Record(ctx context.Context, alert *models.SystemAlert)
}

// ISafeSwitcher transitions an instance from LIVE to ANALYZER mode.
type ISafeSwitcher interface {
	Switch(ctx context.Context, instanceID int64, reason string) SwitchOutcome
}

// SwitchOutcome is the result of a Safe-Switch attempt.
type SwitchOutcome struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Error   string `json:"error,omitempty"`
}

// IQuoteCache is the process-wide latest-value cache keyed by
// (exchange, symbol). Readers never block writers.
type IQuoteCache interface {
	Get(exchange, symbol string) (models.MarketDataRow, bool)
	LTP(exchange, symbol string) (decimal.Decimal, bool)
	Put(row models.MarketDataRow)
	Snapshot() []models.MarketDataRow
}

// IContractResolver resolves an option contract symbol from an underlying
// and a strike offset. It is an external collaborator; legs whose
// resolution fails are not placed.
type IContractResolver interface {
	Resolve(ctx context.Context, underlying, exchange, optionType, strikeOffset, expiryMode string) (string, error)
}

// IOrderBroadcaster fans one logical order out to every instance bound to
// a watchlist.
type IOrderBroadcaster interface {
	Broadcast(ctx context.Context, req BroadcastRequest) (*BroadcastResult, error)
}

// BroadcastRequest is one operator click.
type BroadcastRequest struct {
	WatchlistID int64              `json:"watchlist_id"`
	SymbolIDs   []int64            `json:"symbol_ids"`
	Action      models.OrderAction `json:"action"`
	OptionType  string             `json:"option_type,omitempty"`
	ProductType string             `json:"product_type,omitempty"`
	OrderType   string             `json:"order_type,omitempty"`
	Price       decimal.Decimal    `json:"price,omitempty"`
}

// LegResult is the outcome of one per-instance leg.
type LegResult struct {
	InstanceID    int64  `json:"instance_id"`
	InstanceName  string `json:"instance_name"`
	SymbolID      int64  `json:"symbol_id"`
	Symbol        string `json:"symbol"`
	Quantity      int64  `json:"quantity"`
	OrderRowID    int64  `json:"order_row_id,omitempty"`
	BrokerOrderID string `json:"order_id,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
}

// BroadcastSummary counts leg outcomes.
type BroadcastSummary struct {
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// BroadcastResult is returned per watchlist call.
type BroadcastResult struct {
	Legs    []LegResult      `json:"results"`
	Errors  []string         `json:"errors"`
	Summary BroadcastSummary `json:"summary"`
}

// INotifier forwards critical alerts to an external gateway.
type INotifier interface {
	Send(ctx context.Context, alert *models.SystemAlert) error
	Name() string
}

// IScheduler owns the periodic loops and supports pause/resume/stop.
type IScheduler interface {
	Start(ctx context.Context) error
	Stop() error
	PauseInstancePolling()
	ResumeInstancePolling()
	PauseMarketData(watchlistID int64)
	ResumeMarketData(watchlistID int64)
	Status() SchedulerStatus
}

// SchedulerStatus is the polling control read model.
type SchedulerStatus struct {
	Running           bool      `json:"running"`
	InstancePolling   bool      `json:"instance_polling"`
	MarketDataPolling bool      `json:"market_data_polling"`
	LastHealthPass    time.Time `json:"last_health_pass"`
	LastPnLPass       time.Time `json:"last_pnl_pass"`
	LastReconcilePass time.Time `json:"last_reconcile_pass"`
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
