package exchange

// Side is the order side sent to the venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide tags an order or position in hedge mode.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// ReduceSide returns the order side that reduces the position: a LONG is
// reduced by selling, a SHORT by buying.
func (ps PositionSide) ReduceSide() Side {
	if ps == PositionSideLong {
		return SideSell
	}
	return SideBuy
}

// OrderType is the venue order type.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeStopLimit        OrderType = "STOP"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTakeProfitLimit  OrderType = "TAKE_PROFIT"
)

// OrderStatus is the venue order status.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// TimeInForce controls how long an order rests on the book.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderParams is the order request sent to the venue. In hedge mode the
// venue derives reduce semantics from PositionSide; ReduceOnly must never
// be set alongside it.
type OrderParams struct {
	Symbol        string       `json:"symbol"`
	Side          Side         `json:"side"`
	PositionSide  PositionSide `json:"positionSide"`
	Type          OrderType    `json:"type"`
	Quantity      float64      `json:"quantity"`
	Price         float64      `json:"price,omitempty"`
	StopPrice     float64      `json:"stopPrice,omitempty"`
	TimeInForce   TimeInForce  `json:"timeInForce,omitempty"`
	ClientOrderID string       `json:"newClientOrderId,omitempty"`
}

// OrderAck is the venue acknowledgement of a placed order.
type OrderAck struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	AvgFillPrice float64     `json:"avg_fill_price"`
	Commission   float64     `json:"commission"`
}

// Order is a venue order as returned by query and open-order listings.
type Order struct {
	OrderID      string       `json:"order_id"`
	Symbol       string       `json:"symbol"`
	Side         Side         `json:"side"`
	PositionSide PositionSide `json:"position_side"`
	Type         OrderType    `json:"type"`
	Status       OrderStatus  `json:"status"`
	Price        float64      `json:"price"`
	StopPrice    float64      `json:"stop_price"`
	OrigQty      float64      `json:"orig_qty"`
	FilledQty    float64      `json:"filled_qty"`
	AvgFillPrice float64      `json:"avg_fill_price"`
	UpdateTime   int64        `json:"update_time"`
}

// SymbolInfo carries the venue filters for a tradable symbol.
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	Status      string  `json:"status"`
	PriceTick   float64 `json:"price_tick"`
	QtyStep     float64 `json:"quantity_step"`
	MinQty      float64 `json:"min_quantity"`
	MinNotional float64 `json:"min_notional"`
}

// Tradable reports whether orders may be placed on the symbol.
func (si SymbolInfo) Tradable() bool {
	return si.Status == "TRADING"
}

// AssetBalance is a single asset entry of the account snapshot.
type AssetBalance struct {
	Asset            string  `json:"asset"`
	WalletBalance    float64 `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	UnrealizedPnL    float64 `json:"unrealized_pnl"`
}

// AccountInfo is the venue account snapshot backing GET /account.
type AccountInfo struct {
	TotalWalletBalance float64        `json:"total_wallet_balance"`
	TotalUnrealizedPnL float64        `json:"total_unrealized_pnl"`
	AvailableBalance   float64        `json:"available_balance"`
	Assets             []AssetBalance `json:"assets"`
}
