// Package oco places and supervises the stop-loss / take-profit order pairs
// that protect strategy positions. One pair per strategy position; several
// pairs can coexist on the same (symbol, position_side).
package oco

import (
	"context"
	"time"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/position"
)

// PairStatus is the lifecycle state of a protection pair.
type PairStatus string

const (
	PairActive    PairStatus = "active"
	PairOneFilled PairStatus = "one_filled"
	PairCancelled PairStatus = "cancelled"
	PairCompleted PairStatus = "completed"
)

// Terminal reports whether the pair needs no further monitoring.
func (s PairStatus) Terminal() bool {
	return s == PairCancelled || s == PairCompleted
}

// Pair is one stop-loss / take-profit pair bound to a strategy position.
// Filling either side cancels the other and closes only the owning
// strategy position.
type Pair struct {
	ID                 string                `json:"id" bson:"_id"`
	StrategyPositionID string                `json:"strategy_position_id" bson:"strategy_position_id"`
	Symbol             string                `json:"symbol" bson:"symbol"`
	PositionSide       exchange.PositionSide `json:"position_side" bson:"position_side"`
	Quantity           float64               `json:"quantity" bson:"quantity"`
	StopLossOrderID    string                `json:"sl_order_id" bson:"sl_order_id"`
	TakeProfitOrderID  string                `json:"tp_order_id" bson:"tp_order_id"`
	StopLossPrice      float64               `json:"sl_price" bson:"sl_price"`
	TakeProfitPrice    float64               `json:"tp_price" bson:"tp_price"`
	Status             PairStatus            `json:"status" bson:"status"`
	CloseReason        position.CloseReason  `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
	CreatedAt          time.Time             `json:"created_at" bson:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at" bson:"updated_at"`
}

// Key returns the exchange position key the pair protects.
func (p *Pair) Key() position.Key {
	return position.Key{Symbol: p.Symbol, Side: p.PositionSide}
}

// Repository persists pairs across restarts so the monitor can rebuild
// its working set.
type Repository interface {
	SavePair(ctx context.Context, pair *Pair) error
	LoadActivePairs(ctx context.Context) ([]*Pair, error)
}
