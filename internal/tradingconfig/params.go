// Package tradingconfig manages the hierarchical trading parameter tree.
// Resolution order is symbol-side over symbol over global over compiled
// defaults; resolved trees are cached with a short TTL and every write is
// appended to an audit trail.
package tradingconfig

import "time"

// Params is the full resolved parameter set the engine trades with.
type Params struct {
	// Signal aggregation.
	ConflictResolution      string             `json:"conflict_resolution" bson:"conflict_resolution"`
	SameDirectionResolution string             `json:"same_direction_conflict_resolution" bson:"same_direction_conflict_resolution"`
	AggregationWindowMS     int                `json:"aggregation_window_ms" bson:"aggregation_window_ms"`
	QuorumThreshold         float64            `json:"quorum_threshold" bson:"quorum_threshold"`
	MinConfidence           float64            `json:"min_confidence" bson:"min_confidence"`
	StrategyWeights         map[string]float64 `json:"strategy_weights,omitempty" bson:"strategy_weights,omitempty"`

	// Position sizing.
	PositionSizePct    float64 `json:"position_size_pct" bson:"position_size_pct"`
	MinPositionSizeUSD float64 `json:"min_position_size_usd" bson:"min_position_size_usd"`
	MaxPositionSizeUSD float64 `json:"max_position_size_usd" bson:"max_position_size_usd"`
	Leverage           int     `json:"leverage" bson:"leverage"`
	MarginType         string  `json:"margin_type" bson:"margin_type"`

	// Risk limits.
	DailyLossLimitUSD       float64 `json:"daily_loss_limit_usd" bson:"daily_loss_limit_usd"`
	MaxPortfolioExposureUSD float64 `json:"max_portfolio_exposure_usd" bson:"max_portfolio_exposure_usd"`
	MaxOpenPositions        int     `json:"max_open_positions" bson:"max_open_positions"`
	MaxPositionsPerSymbol   int     `json:"max_positions_per_symbol" bson:"max_positions_per_symbol"`
	RiskPerTradePct         float64 `json:"risk_per_trade_pct" bson:"risk_per_trade_pct"`
	AllowShorts             bool    `json:"allow_shorts" bson:"allow_shorts"`
	AllowLongs              bool    `json:"allow_longs" bson:"allow_longs"`
	TradingEnabled          bool    `json:"trading_enabled" bson:"trading_enabled"`

	// Protection orders.
	DefaultStopLossPct   float64 `json:"default_stop_loss_pct" bson:"default_stop_loss_pct"`
	DefaultTakeProfitPct float64 `json:"default_take_profit_pct" bson:"default_take_profit_pct"`
	RequireProtection    bool    `json:"require_protection" bson:"require_protection"`
	AutoCloseUnprotected bool    `json:"auto_close_unprotected" bson:"auto_close_unprotected"`
	TrailingStopEnabled  bool    `json:"trailing_stop_enabled" bson:"trailing_stop_enabled"`
	TrailingStopPct      float64 `json:"trailing_stop_pct" bson:"trailing_stop_pct"`

	// Execution.
	DefaultOrderType   string  `json:"default_order_type" bson:"default_order_type"`
	DefaultTimeInForce string  `json:"default_time_in_force" bson:"default_time_in_force"`
	LockTimeoutSeconds int     `json:"lock_timeout_seconds" bson:"lock_timeout_seconds"`
	SlippageTolerance  float64 `json:"slippage_tolerance_pct" bson:"slippage_tolerance_pct"`
	MonitorIntervalMS  int     `json:"monitor_interval_ms" bson:"monitor_interval_ms"`
	CooldownSeconds    int     `json:"cooldown_seconds" bson:"cooldown_seconds"`
	SimulationMode     bool    `json:"simulation_mode" bson:"simulation_mode"`
}

// Defaults returns the compiled-in parameter set, the bottom of the
// override hierarchy.
func Defaults() Params {
	return Params{
		ConflictResolution:      "timeframe_weighted",
		SameDirectionResolution: "accumulate",
		AggregationWindowMS:     200,
		QuorumThreshold:         0.3,
		MinConfidence:           0.5,

		PositionSizePct:    0.02,
		MinPositionSizeUSD: 10,
		MaxPositionSizeUSD: 5000,
		Leverage:           1,
		MarginType:         "ISOLATED",

		DailyLossLimitUSD:       500,
		MaxPortfolioExposureUSD: 25000,
		MaxOpenPositions:        20,
		MaxPositionsPerSymbol:   5,
		RiskPerTradePct:         0.01,
		AllowShorts:             true,
		AllowLongs:              true,
		TradingEnabled:          true,

		DefaultStopLossPct:   0.02,
		DefaultTakeProfitPct: 0.04,
		RequireProtection:    false,
		AutoCloseUnprotected: false,
		TrailingStopEnabled:  false,
		TrailingStopPct:      0.01,

		DefaultOrderType:   "market",
		DefaultTimeInForce: "GTC",
		LockTimeoutSeconds: 60,
		SlippageTolerance:  0.005,
		MonitorIntervalMS:  2000,
		CooldownSeconds:    0,
		SimulationMode:     false,
	}
}

// Override is a sparse parameter set stored at one level of the tree.
// Nil fields inherit from the level below.
type Override struct {
	ConflictResolution      *string            `json:"conflict_resolution,omitempty" bson:"conflict_resolution,omitempty"`
	SameDirectionResolution *string            `json:"same_direction_conflict_resolution,omitempty" bson:"same_direction_conflict_resolution,omitempty"`
	AggregationWindowMS     *int               `json:"aggregation_window_ms,omitempty" bson:"aggregation_window_ms,omitempty"`
	QuorumThreshold         *float64           `json:"quorum_threshold,omitempty" bson:"quorum_threshold,omitempty"`
	MinConfidence           *float64           `json:"min_confidence,omitempty" bson:"min_confidence,omitempty"`
	StrategyWeights         map[string]float64 `json:"strategy_weights,omitempty" bson:"strategy_weights,omitempty"`

	PositionSizePct    *float64 `json:"position_size_pct,omitempty" bson:"position_size_pct,omitempty"`
	MinPositionSizeUSD *float64 `json:"min_position_size_usd,omitempty" bson:"min_position_size_usd,omitempty"`
	MaxPositionSizeUSD *float64 `json:"max_position_size_usd,omitempty" bson:"max_position_size_usd,omitempty"`
	Leverage           *int     `json:"leverage,omitempty" bson:"leverage,omitempty"`
	MarginType         *string  `json:"margin_type,omitempty" bson:"margin_type,omitempty"`

	DailyLossLimitUSD       *float64 `json:"daily_loss_limit_usd,omitempty" bson:"daily_loss_limit_usd,omitempty"`
	MaxPortfolioExposureUSD *float64 `json:"max_portfolio_exposure_usd,omitempty" bson:"max_portfolio_exposure_usd,omitempty"`
	MaxOpenPositions        *int     `json:"max_open_positions,omitempty" bson:"max_open_positions,omitempty"`
	MaxPositionsPerSymbol   *int     `json:"max_positions_per_symbol,omitempty" bson:"max_positions_per_symbol,omitempty"`
	RiskPerTradePct         *float64 `json:"risk_per_trade_pct,omitempty" bson:"risk_per_trade_pct,omitempty"`
	AllowShorts             *bool    `json:"allow_shorts,omitempty" bson:"allow_shorts,omitempty"`
	AllowLongs              *bool    `json:"allow_longs,omitempty" bson:"allow_longs,omitempty"`
	TradingEnabled          *bool    `json:"trading_enabled,omitempty" bson:"trading_enabled,omitempty"`

	DefaultStopLossPct   *float64 `json:"default_stop_loss_pct,omitempty" bson:"default_stop_loss_pct,omitempty"`
	DefaultTakeProfitPct *float64 `json:"default_take_profit_pct,omitempty" bson:"default_take_profit_pct,omitempty"`
	RequireProtection    *bool    `json:"require_protection,omitempty" bson:"require_protection,omitempty"`
	AutoCloseUnprotected *bool    `json:"auto_close_unprotected,omitempty" bson:"auto_close_unprotected,omitempty"`
	TrailingStopEnabled  *bool    `json:"trailing_stop_enabled,omitempty" bson:"trailing_stop_enabled,omitempty"`
	TrailingStopPct      *float64 `json:"trailing_stop_pct,omitempty" bson:"trailing_stop_pct,omitempty"`

	DefaultOrderType   *string  `json:"default_order_type,omitempty" bson:"default_order_type,omitempty"`
	DefaultTimeInForce *string  `json:"default_time_in_force,omitempty" bson:"default_time_in_force,omitempty"`
	LockTimeoutSeconds *int     `json:"lock_timeout_seconds,omitempty" bson:"lock_timeout_seconds,omitempty"`
	SlippageTolerance  *float64 `json:"slippage_tolerance_pct,omitempty" bson:"slippage_tolerance_pct,omitempty"`
	MonitorIntervalMS  *int     `json:"monitor_interval_ms,omitempty" bson:"monitor_interval_ms,omitempty"`
	CooldownSeconds    *int     `json:"cooldown_seconds,omitempty" bson:"cooldown_seconds,omitempty"`
	SimulationMode     *bool    `json:"simulation_mode,omitempty" bson:"simulation_mode,omitempty"`
}

// apply overlays the override onto p in place.
func (o *Override) apply(p *Params) {
	if o == nil {
		return
	}
	if o.ConflictResolution != nil {
		p.ConflictResolution = *o.ConflictResolution
	}
	if o.SameDirectionResolution != nil {
		p.SameDirectionResolution = *o.SameDirectionResolution
	}
	if o.AggregationWindowMS != nil {
		p.AggregationWindowMS = *o.AggregationWindowMS
	}
	if o.QuorumThreshold != nil {
		p.QuorumThreshold = *o.QuorumThreshold
	}
	if o.MinConfidence != nil {
		p.MinConfidence = *o.MinConfidence
	}
	if len(o.StrategyWeights) > 0 {
		if p.StrategyWeights == nil {
			p.StrategyWeights = make(map[string]float64, len(o.StrategyWeights))
		}
		for k, v := range o.StrategyWeights {
			p.StrategyWeights[k] = v
		}
	}
	if o.PositionSizePct != nil {
		p.PositionSizePct = *o.PositionSizePct
	}
	if o.MinPositionSizeUSD != nil {
		p.MinPositionSizeUSD = *o.MinPositionSizeUSD
	}
	if o.MaxPositionSizeUSD != nil {
		p.MaxPositionSizeUSD = *o.MaxPositionSizeUSD
	}
	if o.Leverage != nil {
		p.Leverage = *o.Leverage
	}
	if o.MarginType != nil {
		p.MarginType = *o.MarginType
	}
	if o.DailyLossLimitUSD != nil {
		p.DailyLossLimitUSD = *o.DailyLossLimitUSD
	}
	if o.MaxPortfolioExposureUSD != nil {
		p.MaxPortfolioExposureUSD = *o.MaxPortfolioExposureUSD
	}
	if o.MaxOpenPositions != nil {
		p.MaxOpenPositions = *o.MaxOpenPositions
	}
	if o.MaxPositionsPerSymbol != nil {
		p.MaxPositionsPerSymbol = *o.MaxPositionsPerSymbol
	}
	if o.RiskPerTradePct != nil {
		p.RiskPerTradePct = *o.RiskPerTradePct
	}
	if o.AllowShorts != nil {
		p.AllowShorts = *o.AllowShorts
	}
	if o.AllowLongs != nil {
		p.AllowLongs = *o.AllowLongs
	}
	if o.TradingEnabled != nil {
		p.TradingEnabled = *o.TradingEnabled
	}
	if o.DefaultStopLossPct != nil {
		p.DefaultStopLossPct = *o.DefaultStopLossPct
	}
	if o.DefaultTakeProfitPct != nil {
		p.DefaultTakeProfitPct = *o.DefaultTakeProfitPct
	}
	if o.RequireProtection != nil {
		p.RequireProtection = *o.RequireProtection
	}
	if o.AutoCloseUnprotected != nil {
		p.AutoCloseUnprotected = *o.AutoCloseUnprotected
	}
	if o.TrailingStopEnabled != nil {
		p.TrailingStopEnabled = *o.TrailingStopEnabled
	}
	if o.TrailingStopPct != nil {
		p.TrailingStopPct = *o.TrailingStopPct
	}
	if o.DefaultOrderType != nil {
		p.DefaultOrderType = *o.DefaultOrderType
	}
	if o.DefaultTimeInForce != nil {
		p.DefaultTimeInForce = *o.DefaultTimeInForce
	}
	if o.LockTimeoutSeconds != nil {
		p.LockTimeoutSeconds = *o.LockTimeoutSeconds
	}
	if o.SlippageTolerance != nil {
		p.SlippageTolerance = *o.SlippageTolerance
	}
	if o.MonitorIntervalMS != nil {
		p.MonitorIntervalMS = *o.MonitorIntervalMS
	}
	if o.CooldownSeconds != nil {
		p.CooldownSeconds = *o.CooldownSeconds
	}
	if o.SimulationMode != nil {
		p.SimulationMode = *o.SimulationMode
	}
}

// AuditEntry records one configuration write.
type AuditEntry struct {
	Scope     string    `json:"scope" bson:"scope"`
	Symbol    string    `json:"symbol,omitempty" bson:"symbol,omitempty"`
	Side      string    `json:"side,omitempty" bson:"side,omitempty"`
	Action    string    `json:"action" bson:"action"`
	Override  *Override `json:"override,omitempty" bson:"override,omitempty"`
	Actor     string    `json:"actor,omitempty" bson:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}
