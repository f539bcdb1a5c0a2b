// Package signal defines the trading signal model shared by the HTTP API,
// the message bus consumer, the aggregator and the dispatcher.
package signal

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is the intent a strategy expresses for a symbol.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Strength is an optional qualitative tag on a signal.
type Strength string

const (
	StrengthWeak     Strength = "weak"
	StrengthModerate Strength = "moderate"
	StrengthStrong   Strength = "strong"
)

// StrategyMode describes how the producing strategy reached its decision.
type StrategyMode string

const (
	ModeDeterministic StrategyMode = "deterministic"
	ModeLLMReasoning  StrategyMode = "llm_reasoning"
	ModeMLModel       StrategyMode = "ml_model"
)

// ModeMultiplier returns the score multiplier for a strategy mode.
// LLM-driven strategies are slightly discounted, ML models slightly boosted,
// matching how the aggregation scoring treats source reliability.
func ModeMultiplier(mode StrategyMode) float64 {
	switch mode {
	case ModeLLMReasoning:
		return 0.9
	case ModeMLModel:
		return 1.1
	default:
		return 1.0
	}
}

// Timeframe is the chart interval the signal was produced on.
type Timeframe string

const (
	TimeframeTick Timeframe = "tick"
	Timeframe1m   Timeframe = "1m"
	Timeframe3m   Timeframe = "3m"
	Timeframe5m   Timeframe = "5m"
	Timeframe15m  Timeframe = "15m"
	Timeframe30m  Timeframe = "30m"
	Timeframe1h   Timeframe = "1h"
	Timeframe2h   Timeframe = "2h"
	Timeframe4h   Timeframe = "4h"
	Timeframe6h   Timeframe = "6h"
	Timeframe8h   Timeframe = "8h"
	Timeframe12h  Timeframe = "12h"
	Timeframe1d   Timeframe = "1d"
	Timeframe3d   Timeframe = "3d"
	Timeframe1w   Timeframe = "1w"
	Timeframe1M   Timeframe = "1M"
)

// timeframeWeights maps each timeframe to its resolution weight.
// Higher timeframes carry more weight when signals conflict.
var timeframeWeights = map[Timeframe]float64{
	TimeframeTick: 0.3,
	Timeframe1m:   0.4,
	Timeframe3m:   0.5,
	Timeframe5m:   0.6,
	Timeframe15m:  0.7,
	Timeframe30m:  0.8,
	Timeframe1h:   1.0,
	Timeframe2h:   1.1,
	Timeframe4h:   1.3,
	Timeframe6h:   1.4,
	Timeframe8h:   1.5,
	Timeframe12h:  1.6,
	Timeframe1d:   1.8,
	Timeframe3d:   1.9,
	Timeframe1w:   2.0,
	Timeframe1M:   2.0,
}

// Weight returns the resolution weight of the timeframe, or 0 for an
// unknown timeframe.
func (tf Timeframe) Weight() float64 {
	return timeframeWeights[tf]
}

// Valid reports whether the timeframe is one of the supported intervals.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeWeights[tf]
	return ok
}

// OrderTypeHint is the order type the strategy suggests for execution.
type OrderTypeHint string

const (
	OrderTypeMarket          OrderTypeHint = "market"
	OrderTypeLimit           OrderTypeHint = "limit"
	OrderTypeStop            OrderTypeHint = "stop"
	OrderTypeStopLimit       OrderTypeHint = "stop_limit"
	OrderTypeTakeProfit      OrderTypeHint = "take_profit"
	OrderTypeTakeProfitLimit OrderTypeHint = "take_profit_limit"
)

// Signal is a strategy-produced trading intent. Signals are immutable once
// received; identity is (StrategyID, Symbol, Timeframe, ReceivedAt).
type Signal struct {
	StrategyID      string                 `json:"strategy_id"`
	Symbol          string                 `json:"symbol"`
	Action          Action                 `json:"action"`
	Confidence      float64                `json:"confidence"`
	Strength        Strength               `json:"strength,omitempty"`
	Timeframe       Timeframe              `json:"timeframe"`
	CurrentPrice    float64                `json:"current_price"`
	OrderType       OrderTypeHint          `json:"order_type,omitempty"`
	TimeInForce     string                 `json:"time_in_force,omitempty"`
	StrategyMode    StrategyMode           `json:"strategy_mode,omitempty"`
	PositionSizePct float64                `json:"position_size_pct,omitempty"`
	Quantity        float64                `json:"quantity,omitempty"`
	StopLoss        float64                `json:"stop_loss,omitempty"`
	TakeProfit      float64                `json:"take_profit,omitempty"`
	StopLossPct     float64                `json:"stop_loss_pct,omitempty"`
	TakeProfitPct   float64                `json:"take_profit_pct,omitempty"`
	Immediate       bool                   `json:"immediate,omitempty"`
	Rationale       string                 `json:"rationale,omitempty"`
	Meta            map[string]interface{} `json:"meta,omitempty"`
	ReceivedAt      time.Time              `json:"received_at"`
}

// Validation errors.
var (
	ErrMissingStrategyID = errors.New("missing strategy_id")
	ErrMissingSymbol     = errors.New("missing symbol")
	ErrInvalidAction     = errors.New("action must be buy, sell or hold")
	ErrInvalidConfidence = errors.New("confidence must be in [0,1]")
	ErrInvalidTimeframe  = errors.New("missing or unknown timeframe")
	ErrInvalidPrice      = errors.New("current_price must be positive")
)

// Normalize canonicalises fields after decoding. Execution hints
// (OrderType, TimeInForce) are left empty when the strategy did not choose;
// the dispatcher fills them from the resolved trading config.
func (s *Signal) Normalize() {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	if s.StrategyMode == "" {
		s.StrategyMode = ModeDeterministic
	}
	if s.ReceivedAt.IsZero() {
		s.ReceivedAt = time.Now().UTC()
	}
}

// Validate checks the required fields. A failing signal is reported as
// malformed and never reaches the aggregation window.
func (s *Signal) Validate() error {
	if s.StrategyID == "" {
		return ErrMissingStrategyID
	}
	if s.Symbol == "" {
		return ErrMissingSymbol
	}
	switch s.Action {
	case ActionBuy, ActionSell, ActionHold:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, s.Action)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidConfidence, s.Confidence)
	}
	if !s.Timeframe.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTimeframe, s.Timeframe)
	}
	if s.CurrentPrice <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidPrice, s.CurrentPrice)
	}
	return nil
}

// Score returns the weighted aggregation score of the signal:
// confidence x timeframe weight x strategy weight x mode multiplier.
// The strategy weight defaults to 1.0 when the registry has no entry.
func (s *Signal) Score(strategyWeight float64) float64 {
	if strategyWeight <= 0 {
		strategyWeight = 1.0
	}
	return s.Confidence * s.Timeframe.Weight() * strategyWeight * ModeMultiplier(s.StrategyMode)
}
