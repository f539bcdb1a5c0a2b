// Package position maintains the aggregate exchange positions and the
// per-strategy virtual positions that share them.
package position

import (
	"context"
	"time"

	"petrosa-tradeengine/internal/exchange"
)

// Key identifies an aggregate exchange position. In hedge mode a LONG and
// a SHORT on the same symbol are distinct keys and never offset.
type Key struct {
	Symbol string                `json:"symbol" bson:"symbol"`
	Side   exchange.PositionSide `json:"side" bson:"side"`
}

func (k Key) String() string {
	return k.Symbol + ":" + string(k.Side)
}

// PositionStatus is the lifecycle state of a position record.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// CloseReason records why a strategy position was closed.
type CloseReason string

const (
	CloseTakeProfit  CloseReason = "take_profit"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseManual      CloseReason = "manual"
	CloseLiquidation CloseReason = "liquidation"
)

// ExchangePosition is the aggregate venue position for a key. AvgEntryPrice
// is volume-weighted across contributing fills; it is never used for
// per-strategy PnL.
type ExchangePosition struct {
	Key           Key            `json:"key" bson:"key"`
	Quantity      float64        `json:"quantity" bson:"quantity"`
	AvgEntryPrice float64        `json:"avg_entry_price" bson:"avg_entry_price"`
	RealizedPnL   float64        `json:"realized_pnl" bson:"realized_pnl"`
	Status        PositionStatus `json:"status" bson:"status"`
	StrategyIDs   []string       `json:"strategy_position_ids" bson:"strategy_position_ids"`
	OpenedAt      time.Time      `json:"opened_at" bson:"opened_at"`
	UpdatedAt     time.Time      `json:"updated_at" bson:"updated_at"`
}

// StrategyPosition is a virtual per-strategy position. PnL always uses its
// own EntryPrice, never the aggregate weighted average.
type StrategyPosition struct {
	ID          string                `json:"strategy_position_id" bson:"strategy_position_id"`
	StrategyID  string                `json:"strategy_id" bson:"strategy_id"`
	Symbol      string                `json:"symbol" bson:"symbol"`
	Side        exchange.PositionSide `json:"side" bson:"side"`
	EntryPrice  float64               `json:"entry_price" bson:"entry_price"`
	Quantity    float64               `json:"quantity" bson:"quantity"`
	TakeProfit  float64               `json:"take_profit,omitempty" bson:"take_profit,omitempty"`
	StopLoss    float64               `json:"stop_loss,omitempty" bson:"stop_loss,omitempty"`
	Status      PositionStatus        `json:"status" bson:"status"`
	CloseReason CloseReason           `json:"close_reason,omitempty" bson:"close_reason,omitempty"`
	RealizedPnL float64               `json:"realized_pnl" bson:"realized_pnl"`
	ExitPrice   float64               `json:"exit_price,omitempty" bson:"exit_price,omitempty"`
	Unprotected bool                  `json:"unprotected,omitempty" bson:"unprotected,omitempty"`
	OpenedAt    time.Time             `json:"opened_at" bson:"opened_at"`
	ClosedAt    *time.Time            `json:"closed_at,omitempty" bson:"closed_at,omitempty"`
	Duration    time.Duration         `json:"duration,omitempty" bson:"duration,omitempty"`
}

// ExchangeKey returns the aggregate position key the strategy contributes to.
func (sp *StrategyPosition) ExchangeKey() Key {
	return Key{Symbol: sp.Symbol, Side: sp.Side}
}

// Contribution is one append-only ledger record per strategy contribution
// to an aggregate position.
type Contribution struct {
	StrategyPositionID string    `json:"strategy_position_id" bson:"strategy_position_id"`
	Key                Key       `json:"key" bson:"key"`
	Sequence           int64     `json:"sequence" bson:"sequence"`
	QtyDelta           float64   `json:"qty_delta" bson:"qty_delta"`
	Price              float64   `json:"price" bson:"price"`
	Time               time.Time `json:"time" bson:"time"`
	PnLAtClose         float64   `json:"contribution_pnl_at_close,omitempty" bson:"contribution_pnl_at_close,omitempty"`
}

// Repository persists position state. Implementations are best-effort from
// the manager's point of view: failures are logged and counted, the
// in-memory books stay authoritative within the process.
type Repository interface {
	SaveExchangePosition(ctx context.Context, pos *ExchangePosition) error
	SaveStrategyPosition(ctx context.Context, sp *StrategyPosition) error
	AppendContribution(ctx context.Context, c *Contribution) error
	RecordDailyPnL(ctx context.Context, day string, pnl float64) error
	LoadOpenExchangePositions(ctx context.Context) ([]*ExchangePosition, error)
	LoadOpenStrategyPositions(ctx context.Context) ([]*StrategyPosition, error)
}

// PnL computes realized profit for a closed quantity, hedge-aware:
// LONG profits when exit > entry, SHORT when entry > exit.
func PnL(side exchange.PositionSide, entryPrice, exitPrice, qty, commission float64) float64 {
	if side == exchange.PositionSideShort {
		return (entryPrice-exitPrice)*qty - commission
	}
	return (exitPrice-entryPrice)*qty - commission
}
