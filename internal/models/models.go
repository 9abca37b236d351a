// Package models defines the persisted entities of the control plane.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HealthStatus is the last observed health of an upstream instance.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// MarketDataRole marks which instance feeds the quote cache.
type MarketDataRole string

const (
	MarketDataNone      MarketDataRole = "none"
	MarketDataPrimary   MarketDataRole = "primary"
	MarketDataSecondary MarketDataRole = "secondary"
)

// Instance is a registered upstream broker-API endpoint.
type Instance struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	HostURL         string          `json:"host_url"`
	APIKey          string          `json:"-"` // write-only from the operator boundary
	StrategyTag     string          `json:"strategy_tag,omitempty"`
	TargetProfit    decimal.Decimal `json:"target_profit"`
	TargetLoss      decimal.Decimal `json:"target_loss"`
	IsActive        bool            `json:"is_active"`
	IsAnalyzerMode  bool            `json:"is_analyzer_mode"`
	HealthStatus    HealthStatus    `json:"health_status"`
	LastHealthCheck time.Time       `json:"last_health_check"`
	CurrentBalance  decimal.Decimal `json:"current_balance"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL        decimal.Decimal `json:"total_pnl"`
	MarketDataRole  MarketDataRole  `json:"market_data_role"`
	LastUpdated     time.Time       `json:"last_updated"`
}

// Watchlist groups symbols and is bound to zero or more instances.
type Watchlist struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
}

// QtyMode selects how a leg quantity is derived.
type QtyMode string

const (
	QtyFixed        QtyMode = "fixed"
	QtyCapital      QtyMode = "capital"
	QtyFundsPercent QtyMode = "funds_percent"
)

// QtyUnits applies only when QtyMode is fixed.
type QtyUnits string

const (
	UnitsRaw  QtyUnits = "units"
	UnitsLots QtyUnits = "lots"
)

// LotRounding picks the rounding direction against lot size.
type LotRounding string

const (
	RoundFloorToLot LotRounding = "floor_to_lot"
	RoundNearestLot LotRounding = "nearest_lot"
	RoundCeilToLot  LotRounding = "ceil_to_lot"
)

// ExitRuleType parameterizes target / stop-loss / trailing rules.
type ExitRuleType string

const (
	ExitRuleNone       ExitRuleType = "NONE"
	ExitRulePercentage ExitRuleType = "PERCENTAGE"
	ExitRulePoints     ExitRuleType = "POINTS"
)

// TrailingActivation controls when a trailing stop arms.
type TrailingActivation string

const (
	ActivateImmediate   TrailingActivation = "IMMEDIATE"
	ActivateAfterTarget TrailingActivation = "AFTER_TARGET"
	ActivateAfterMove   TrailingActivation = "AFTER_MOVE"
)

// WatchlistSymbol is a tradable symbol with its sizing and exit rules.
type WatchlistSymbol struct {
	ID          int64  `json:"id"`
	WatchlistID int64  `json:"watchlist_id"`
	Exchange    string `json:"exchange"`
	Symbol      string `json:"symbol"`
	Token       string `json:"token,omitempty"`
	LotSize     int64  `json:"lot_size"`

	QtyMode                QtyMode         `json:"qty_mode"`
	QtyValue               decimal.Decimal `json:"qty_value"`
	QtyUnits               QtyUnits        `json:"qty_units,omitempty"`
	MinQtyPerClick         int64           `json:"min_qty_per_click,omitempty"`
	MaxQtyPerClick         int64           `json:"max_qty_per_click,omitempty"`
	CapitalCeilingPerTrade decimal.Decimal `json:"capital_ceiling_per_trade,omitempty"`
	ContractMultiplier     decimal.Decimal `json:"contract_multiplier"`
	Rounding               LotRounding     `json:"rounding"`

	ProductType string `json:"product_type"`
	OrderType   string `json:"order_type"`

	CanTradeEquity  bool `json:"can_trade_equity"`
	CanTradeFutures bool `json:"can_trade_futures"`
	CanTradeOptions bool `json:"can_trade_options"`

	OptionsStrikeOffset string `json:"options_strike_offset,omitempty"`
	OptionsExpiryMode   string `json:"options_expiry_mode,omitempty"`

	TargetType              ExitRuleType       `json:"target_type"`
	TargetValue             decimal.Decimal    `json:"target_value"`
	SLType                  ExitRuleType       `json:"sl_type"`
	SLValue                 decimal.Decimal    `json:"sl_value"`
	TSType                  ExitRuleType       `json:"ts_type"`
	TSValue                 decimal.Decimal    `json:"ts_value"`
	TrailingActivationType  TrailingActivation `json:"trailing_activation_type"`
	TrailingActivationValue decimal.Decimal    `json:"trailing_activation_value"`

	MaxPositionSize int64 `json:"max_position_size,omitempty"`
	MaxInstances    int64 `json:"max_instances,omitempty"`
	IsEnabled       bool  `json:"is_enabled"`
}

// DerivativeExchanges are exchanges whose quantities must respect lot size.
var DerivativeExchanges = map[string]bool{
	"NFO": true,
	"BFO": true,
	"MCX": true,
}

// IsDerivative reports whether the symbol trades on a lot-sized exchange.
func (s *WatchlistSymbol) IsDerivative() bool {
	return DerivativeExchanges[s.Exchange]
}

// OrderAction is the operator-level intent of a broadcast.
type OrderAction string

const (
	ActionBuy   OrderAction = "BUY"
	ActionSell  OrderAction = "SELL"
	ActionShort OrderAction = "SHORT"
	ActionCover OrderAction = "COVER"
	ActionExit  OrderAction = "EXIT"
)

// OrderStatus is the local view of an order leg's lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderOpen      OrderStatus = "open"
	OrderComplete  OrderStatus = "complete"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// Terminal reports whether the status can no longer advance.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderComplete, OrderRejected, OrderCancelled:
		return true
	}
	return false
}

// WatchlistOrder is one per-instance leg of a fan-out order.
type WatchlistOrder struct {
	ID             int64           `json:"id"`
	WatchlistID    int64           `json:"watchlist_id"`
	InstanceID     int64           `json:"instance_id"`
	SymbolID       int64           `json:"symbol_id"`
	Action         OrderAction     `json:"action"`
	Quantity       int64           `json:"quantity"`
	OrderType      string          `json:"order_type"`
	ProductType    string          `json:"product_type"`
	Price          decimal.Decimal `json:"price"`
	TriggerPrice   decimal.Decimal `json:"trigger_price"`
	Status         OrderStatus     `json:"status"`
	BrokerOrderID  string          `json:"order_id,omitempty"`
	FilledQuantity int64           `json:"filled_quantity"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	PositionID     int64           `json:"position_id,omitempty"`
	Message        string          `json:"message,omitempty"`
	PlacedAt       time.Time       `json:"placed_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// IsEntry reports whether the leg opens exposure.
func (o *WatchlistOrder) IsEntry() bool {
	return o.Action == ActionBuy || o.Action == ActionShort
}

// Direction of an open position.
type Direction string

const (
	DirLong  Direction = "LONG"
	DirShort Direction = "SHORT"
)

// PositionStatus is the lifecycle of a tracked position.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
)

// ExitReason records why a position was closed.
type ExitReason string

const (
	ExitManual        ExitReason = "MANUAL"
	ExitTargetHit     ExitReason = "TARGET_HIT"
	ExitStopLoss      ExitReason = "STOP_LOSS"
	ExitTrailingStop  ExitReason = "TRAILING_STOP"
	ExitOrderRejected ExitReason = "ORDER_REJECTED"
	ExitSystemAuto    ExitReason = "SYSTEM_AUTO"
)

// WatchlistPosition tracks one instance's exposure for a watchlist symbol.
type WatchlistPosition struct {
	ID                int64           `json:"id"`
	WatchlistID       int64           `json:"watchlist_id"`
	InstanceID        int64           `json:"instance_id"`
	SymbolID          int64           `json:"symbol_id"`
	Direction         Direction       `json:"direction"`
	Quantity          int64           `json:"quantity"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	CurrentPrice      decimal.Decimal `json:"current_price"`
	ExitPrice         decimal.Decimal `json:"exit_price"`
	TargetPrice       decimal.Decimal `json:"target_price"`
	SLPrice           decimal.Decimal `json:"sl_price"`
	TrailingStopPrice decimal.Decimal `json:"trailing_stop_price"`
	TrailingActivated bool            `json:"trailing_activated"`
	HighestPriceSeen  decimal.Decimal `json:"highest_price_seen"`
	LowestPriceSeen   decimal.Decimal `json:"lowest_price_seen"`
	Status            PositionStatus  `json:"status"`
	IsClosed          bool            `json:"is_closed"`
	ExitReason        ExitReason      `json:"exit_reason,omitempty"`
	PnL               decimal.Decimal `json:"pnl"`
	EnteredAt         time.Time       `json:"entered_at"`
	ExitedAt          time.Time       `json:"exited_at"`
}

// MarketDataRow is the latest quote for (exchange, symbol).
type MarketDataRow struct {
	Exchange    string          `json:"exchange"`
	Symbol      string          `json:"symbol"`
	Token       string          `json:"token,omitempty"`
	LTP         decimal.Decimal `json:"ltp"`
	Open        decimal.Decimal `json:"open"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	Close       decimal.Decimal `json:"close"`
	Volume      int64           `json:"volume"`
	BidPrice    decimal.Decimal `json:"bid_price"`
	BidQty      int64           `json:"bid_qty"`
	AskPrice    decimal.Decimal `json:"ask_price"`
	AskQty      int64           `json:"ask_qty"`
	LastUpdated time.Time       `json:"last_updated"`
	DataSource  string          `json:"data_source,omitempty"`
}

// AlertSeverity ranks operator attention.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityError    AlertSeverity = "ERROR"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// Alert types emitted by the control plane.
const (
	AlertInstanceOffline     = "INSTANCE_OFFLINE"
	AlertAnalyzerAutoSwitch  = "ANALYZER_AUTO_SWITCH"
	AlertAnalyzerSwitchFail  = "ANALYZER_SWITCH_FAILED"
	AlertPartialOrderFailure = "PARTIAL_ORDER_FAILURE"
	AlertOrderCompleted      = "ORDER_COMPLETED"
	AlertOrderRejected       = "ORDER_REJECTED"
	AlertPositionClosed      = "POSITION_CLOSED"
	AlertTrailingActivated   = "TRAILING_STOP_ACTIVATED"
)

// SystemAlert is an append-only operator event, patched on resolution.
type SystemAlert struct {
	ID          int64             `json:"id"`
	AlertType   string            `json:"alert_type"`
	Severity    AlertSeverity     `json:"severity"`
	Title       string            `json:"title"`
	Message     string            `json:"message"`
	Details     map[string]string `json:"details,omitempty"`
	InstanceID  int64             `json:"instance_id,omitempty"`
	WatchlistID int64             `json:"watchlist_id,omitempty"`
	IsResolved  bool              `json:"is_resolved"`
	CreatedAt   time.Time         `json:"created_at"`
	ResolvedAt  time.Time         `json:"resolved_at,omitempty"`
	ResolvedBy  string            `json:"resolved_by,omitempty"`
}
