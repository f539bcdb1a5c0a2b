// Package orders defines the concrete trade order the dispatcher builds
// from an accepted signal and hands to the exchange adapter.
package orders

import (
	"time"

	"github.com/google/uuid"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/signal"
)

// Status tracks an order through its lifecycle.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusPartial   Status = "PARTIALLY_FILLED"
	StatusFilled    Status = "FILLED"
	StatusRejected  Status = "REJECTED"
	StatusCanceled  Status = "CANCELED"
)

// SignalMeta is the slice of the originating signal carried on the order
// for attribution and audit.
type SignalMeta struct {
	StrategyID   string              `json:"strategy_id" bson:"strategy_id"`
	Timeframe    signal.Timeframe    `json:"timeframe" bson:"timeframe"`
	Confidence   float64             `json:"confidence" bson:"confidence"`
	StrategyMode signal.StrategyMode `json:"strategy_mode" bson:"strategy_mode"`
	Rationale    string              `json:"rationale,omitempty" bson:"rationale,omitempty"`
	ReceivedAt   time.Time           `json:"received_at" bson:"received_at"`
}

// TradeOrder is a concrete order built from an accepted signal. PositionID
// is unique to the strategy position this order opens; it becomes the
// strategy_position_id once the fill is booked.
type TradeOrder struct {
	OrderID      string                `json:"order_id" bson:"order_id"`
	Symbol       string                `json:"symbol" bson:"symbol"`
	Side         exchange.Side         `json:"side" bson:"side"`
	Type         exchange.OrderType    `json:"type" bson:"type"`
	Quantity     float64               `json:"quantity" bson:"quantity"`
	TargetPrice  float64               `json:"target_price" bson:"target_price"`
	StopPrice    float64               `json:"stop_price,omitempty" bson:"stop_price,omitempty"`
	TimeInForce  exchange.TimeInForce  `json:"time_in_force" bson:"time_in_force"`
	PositionID   string                `json:"position_id" bson:"position_id"`
	PositionSide exchange.PositionSide `json:"position_side" bson:"position_side"`
	ReduceOnly   bool                  `json:"reduce_only" bson:"reduce_only"`
	StopLoss     float64               `json:"stop_loss,omitempty" bson:"stop_loss,omitempty"`
	TakeProfit   float64               `json:"take_profit,omitempty" bson:"take_profit,omitempty"`
	Status       Status                `json:"status" bson:"status"`
	Signal       SignalMeta            `json:"signal" bson:"signal"`
	CreatedAt    time.Time             `json:"created_at" bson:"created_at"`
}

// NewID generates an order or position identifier.
func NewID() string {
	return uuid.NewString()
}

// PositionSideFor maps a signal action to its hedge-mode position side:
// buy opens LONG, sell opens SHORT.
func PositionSideFor(action signal.Action) exchange.PositionSide {
	if action == signal.ActionSell {
		return exchange.PositionSideShort
	}
	return exchange.PositionSideLong
}

// SideFor maps a signal action to the venue order side.
func SideFor(action signal.Action) exchange.Side {
	if action == signal.ActionSell {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// OrderTypeFor maps a signal order-type hint to the venue order type.
func OrderTypeFor(hint signal.OrderTypeHint) exchange.OrderType {
	switch hint {
	case signal.OrderTypeLimit:
		return exchange.OrderTypeLimit
	case signal.OrderTypeStop:
		return exchange.OrderTypeStopMarket
	case signal.OrderTypeStopLimit:
		return exchange.OrderTypeStopLimit
	case signal.OrderTypeTakeProfit:
		return exchange.OrderTypeTakeProfitMarket
	case signal.OrderTypeTakeProfitLimit:
		return exchange.OrderTypeTakeProfitLimit
	default:
		return exchange.OrderTypeMarket
	}
}

// Terminal reports whether the order has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusRejected || s == StatusCanceled
}
