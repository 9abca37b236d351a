package core

import "github.com/shopspring/decimal"

// Funds is the relevant slice of an upstream funds response.
type Funds struct {
	AvailableCash decimal.Decimal `json:"availablecash"`
	Collateral    decimal.Decimal `json:"collateral"`
	M2MRealized   decimal.Decimal `json:"m2mrealized"`
	M2MUnrealized decimal.Decimal `json:"m2munrealized"`
	UtilisedDebit decimal.Decimal `json:"utiliseddebits"`
}

// BrokerOrder is one row of an upstream orderbook.
type BrokerOrder struct {
	OrderID      string          `json:"orderid"`
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Action       string          `json:"action"`
	Status       string          `json:"order_status"`
	Quantity     int64           `json:"quantity"`
	FilledShares int64           `json:"fillshares"`
	AveragePrice decimal.Decimal `json:"avgprice"`
	Price        decimal.Decimal `json:"price"`
	TriggerPrice decimal.Decimal `json:"trigger_price"`
	Product      string          `json:"product"`
	OrderType    string          `json:"pricetype"`
	Timestamp    string          `json:"timestamp"`
}

// BrokerTrade is one row of an upstream tradebook.
type BrokerTrade struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Action       string          `json:"action"`
	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	TradeValue   decimal.Decimal `json:"trade_value"`
	OrderID      string          `json:"orderid"`
	Timestamp    string          `json:"timestamp"`
}

// BrokerPosition is one row of an upstream positionbook.
type BrokerPosition struct {
	Symbol       string          `json:"symbol"`
	Exchange     string          `json:"exchange"`
	Product      string          `json:"product"`
	NetQty       decimal.Decimal `json:"netqty"`
	AveragePrice decimal.Decimal `json:"average_price"`
	LTP          decimal.Decimal `json:"ltp"`
	PnL          decimal.Decimal `json:"pnl"`
}

// Quote is the relevant slice of an upstream quotes response.
type Quote struct {
	Exchange string          `json:"exchange"`
	Symbol   string          `json:"symbol"`
	LTP      decimal.Decimal `json:"ltp"`
	Open     decimal.Decimal `json:"open"`
	High     decimal.Decimal `json:"high"`
	Low      decimal.Decimal `json:"low"`
	Close    decimal.Decimal `json:"prev_close"`
	Volume   int64           `json:"volume"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
}

// PlaceOrderRequest is the payload for an upstream placesmartorder call.
type PlaceOrderRequest struct {
	Strategy     string          `json:"strategy,omitempty"`
	Exchange     string          `json:"exchange"`
	Symbol       string          `json:"symbol"`
	Action       string          `json:"action"`
	Quantity     int64           `json:"quantity"`
	PositionSize int64           `json:"position_size"`
	Product      string          `json:"product"`
	PriceType    string          `json:"pricetype"`
	Price        decimal.Decimal `json:"price,omitempty"`
	TriggerPrice decimal.Decimal `json:"trigger_price,omitempty"`
}

// ClosePositionRequest scopes an upstream closeposition call.
// Symbol narrows the close to one contract; empty closes the whole strategy.
type ClosePositionRequest struct {
	Strategy string `json:"strategy,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Symbol   string `json:"symbol,omitempty"`
}
