// Package dispatcher turns accepted signals into venue orders. The pipeline
// is validate, hold filter, risk gate, order conversion, lock, execute,
// post-trade bookkeeping; the execution lock is released on every path.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/events"
	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/lock"
	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/orders"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/signal"
	"petrosa-tradeengine/internal/tradingconfig"
)

// Status is the outcome class of one dispatch.
type Status string

const (
	StatusExecuted             Status = "executed"
	StatusSimulated            Status = "simulated"
	StatusFiltered             Status = "filtered"
	StatusRejectedByRisk       Status = "rejected_by_risk"
	StatusRejectedByValidation Status = "rejected_by_validation"
	StatusFailed               Status = "failed"
)

// Result is what dispatch returns to the caller.
type Result struct {
	Status  Status `json:"status"`
	OrderID string `json:"order_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Dispatcher errors.
var (
	ErrHedgeModeMismatch = errors.New("venue reports one-way position mode while hedge mode is required")
	ErrPrimaryStoreDown  = errors.New("primary store unavailable")
)

// HealthFunc reports whether the primary store accepts writes. Dispatch
// refuses new signals while it returns false.
type HealthFunc func() bool

// Dispatcher executes signals against the venue and keeps the position
// books consistent.
type Dispatcher struct {
	client  exchange.Client
	filters *exchange.Filters
	locks   *lock.Service
	manager *position.Manager
	tracker *position.Tracker
	pairs   *oco.Manager
	cfg     *tradingconfig.Service
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	primaryHealthy HealthFunc
	venueTimeout   time.Duration
}

// New creates a dispatcher. primaryHealthy may be nil when the engine runs
// without a primary store.
func New(client exchange.Client, filters *exchange.Filters, locks *lock.Service,
	manager *position.Manager, tracker *position.Tracker, pairs *oco.Manager,
	cfg *tradingconfig.Service, bus *events.Bus, m *metrics.Metrics,
	primaryHealthy HealthFunc, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		client:         client,
		filters:        filters,
		locks:          locks,
		manager:        manager,
		tracker:        tracker,
		pairs:          pairs,
		cfg:            cfg,
		bus:            bus,
		metrics:        m,
		logger:         logger.With().Str("component", "Dispatcher").Logger(),
		primaryHealthy: primaryHealthy,
		venueTimeout:   10 * time.Second,
	}
}

// VerifyHedgeMode checks the venue position mode at startup. The engine
// must not run against a one-way account.
func (d *Dispatcher) VerifyHedgeMode(ctx context.Context) error {
	hedged, err := d.client.VerifyHedgeMode(ctx)
	if err != nil {
		return fmt.Errorf("verify hedge mode: %w", err)
	}
	if !hedged {
		return ErrHedgeModeMismatch
	}
	d.logger.Info().Msg("Venue confirmed hedge position mode")
	return nil
}

// Dispatch runs one signal through the pipeline.
func (d *Dispatcher) Dispatch(ctx context.Context, sig *signal.Signal) Result {
	orderTypeExplicit := sig.OrderType != ""
	tifExplicit := sig.TimeInForce != ""
	sig.Normalize()

	// Hold never reaches the venue.
	if sig.Action == signal.ActionHold {
		return d.finish(Result{Status: StatusFiltered, Reason: "hold_filtered"})
	}

	positionSide := orders.PositionSideFor(sig.Action)
	params, err := d.cfg.Resolve(ctx, sig.Symbol, string(positionSide))
	if err != nil {
		d.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Config resolve failed; using defaults")
		params = tradingconfig.Defaults()
	}

	// The config tree's execution defaults apply only where the signal
	// did not choose; an explicit hint always wins.
	if !orderTypeExplicit && params.DefaultOrderType != "" {
		sig.OrderType = signal.OrderTypeHint(params.DefaultOrderType)
	}
	if !tifExplicit && params.DefaultTimeInForce != "" {
		sig.TimeInForce = params.DefaultTimeInForce
	}

	if reason, ok := d.validate(sig, &params); !ok {
		return d.finish(Result{Status: StatusRejectedByValidation, Reason: reason})
	}
	if d.primaryHealthy != nil && !d.primaryHealthy() {
		d.alertPrimaryDown(sig)
		return d.finish(Result{Status: StatusFailed, Reason: "primary_store_unavailable"})
	}

	order, err := d.convert(sig, positionSide, &params)
	if err != nil {
		return d.finish(Result{Status: StatusRejectedByValidation, Reason: err.Error()})
	}

	if reason, ok := d.riskCheck(order, sig.CurrentPrice, &params); !ok {
		if d.metrics != nil {
			d.metrics.RiskRejections.WithLabelValues(reason).Inc()
		}
		if d.bus != nil {
			d.bus.Emit(events.EventRiskRejection, map[string]interface{}{
				"strategy_id": sig.StrategyID,
				"symbol":      sig.Symbol,
				"reason":      reason,
			})
		}
		return d.finish(Result{Status: StatusRejectedByRisk, Reason: reason})
	}

	if params.SimulationMode {
		d.logger.Info().
			Str("symbol", order.Symbol).
			Str("position_side", string(order.PositionSide)).
			Float64("quantity", order.Quantity).
			Msg("Simulation mode; order not sent")
		return d.finish(Result{Status: StatusSimulated, OrderID: order.OrderID})
	}

	lockName := lock.ExecutionLockName(order.Symbol, string(order.PositionSide))
	lockTimeout := time.Duration(params.LockTimeoutSeconds) * time.Second
	if err := d.locks.Acquire(ctx, lockName, lockTimeout); err != nil {
		if errors.Is(err, lock.ErrAcquireTimeout) {
			if d.metrics != nil {
				d.metrics.LockTimeouts.Inc()
			}
			return d.finish(Result{Status: StatusFailed, Reason: "lock_timeout"})
		}
		return d.finish(Result{Status: StatusFailed, Reason: fmt.Sprintf("lock acquire: %v", err)})
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.locks.Release(releaseCtx, lockName); err != nil {
			d.logger.Error().Err(err).Str("lock", lockName).Msg("Failed to release execution lock")
		}
	}()

	return d.finish(d.execute(ctx, sig, order))
}

// execute places the order and, on any fill-capable status, runs the
// post-trade bookkeeping. Caller holds the execution lock.
func (d *Dispatcher) execute(ctx context.Context, sig *signal.Signal, order *orders.TradeOrder) Result {
	venueCtx, cancel := context.WithTimeout(ctx, d.venueTimeout*4)
	defer cancel()

	ack, err := d.client.PlaceOrder(venueCtx, exchange.OrderParams{
		Symbol:        order.Symbol,
		Side:          order.Side,
		PositionSide:  order.PositionSide,
		Type:          order.Type,
		Quantity:      order.Quantity,
		Price:         order.TargetPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: order.OrderID,
	})
	if err != nil {
		if d.metrics != nil {
			d.metrics.VenueAPIFailures.Inc()
		}
		d.logger.Error().Err(err).
			Str("symbol", order.Symbol).
			Str("position_side", string(order.PositionSide)).
			Msg("Order placement failed")
		return Result{Status: StatusFailed, Reason: fmt.Sprintf("venue: %v", err)}
	}

	switch ack.Status {
	case exchange.OrderStatusRejected:
		return Result{Status: StatusFailed, OrderID: ack.OrderID, Reason: "order_rejected"}
	case exchange.OrderStatusNew, exchange.OrderStatusPartiallyFilled, exchange.OrderStatusFilled:
	default:
		return Result{Status: StatusFailed, OrderID: ack.OrderID, Reason: fmt.Sprintf("unexpected order status %s", ack.Status)}
	}

	order.Status = orders.StatusFilled
	if ack.Status != exchange.OrderStatusFilled {
		order.Status = orders.StatusSubmitted
	}

	d.postTrade(ctx, sig, order, ack)
	if d.bus != nil {
		d.bus.Emit(events.EventOrderFilled, map[string]interface{}{
			"order_id":    ack.OrderID,
			"symbol":      order.Symbol,
			"quantity":    ack.FilledQty,
			"avg_price":   ack.AvgFillPrice,
			"strategy_id": sig.StrategyID,
		})
	}
	return Result{Status: StatusExecuted, OrderID: ack.OrderID}
}

// postTrade books the fill, opens the strategy position and places its
// protection pair.
func (d *Dispatcher) postTrade(ctx context.Context, sig *signal.Signal, order *orders.TradeOrder, ack *exchange.OrderAck) {
	fillQty := ack.FilledQty
	fillPrice := ack.AvgFillPrice
	if fillQty <= 0 {
		// Resting order not yet filled; book at requested terms so the
		// position exists for monitoring. Reconciled on fill.
		fillQty = order.Quantity
		fillPrice = order.TargetPrice
		if fillPrice <= 0 {
			fillPrice = sig.CurrentPrice
		}
	}
	booked := *ack
	booked.FilledQty = fillQty
	booked.AvgFillPrice = fillPrice

	pos := d.manager.ApplyFill(ctx, order, &booked)
	if d.metrics != nil {
		d.metrics.OpenPositions.Set(float64(len(d.manager.Snapshot())))
	}

	sp, err := d.tracker.Open(ctx, &position.StrategyPosition{
		ID:         order.PositionID,
		StrategyID: sig.StrategyID,
		Symbol:     order.Symbol,
		Side:       order.PositionSide,
		EntryPrice: fillPrice,
		Quantity:   fillQty,
		StopLoss:   order.StopLoss,
		TakeProfit: order.TakeProfit,
	})
	if err != nil {
		d.logger.Error().Err(err).Str("position_id", order.PositionID).Msg("Failed to open strategy position")
		return
	}

	if d.bus != nil {
		d.bus.Emit(events.EventPositionOpened, map[string]interface{}{
			"strategy_position_id": sp.ID,
			"key":                  pos.Key.String(),
			"entry_price":          sp.EntryPrice,
			"quantity":             sp.Quantity,
		})
	}

	if d.pairs != nil && (sp.StopLoss > 0 || sp.TakeProfit > 0) {
		if _, err := d.pairs.PlacePair(ctx, sp); err != nil {
			// Position already flagged unprotected and alerted inside the
			// OCO manager; nothing more to do on this path.
			d.logger.Warn().Err(err).Str("strategy_position_id", sp.ID).Msg("Protection pair not placed")
		}
	}
}

// validate applies the pre-trade checks that do not touch the books.
func (d *Dispatcher) validate(sig *signal.Signal, params *tradingconfig.Params) (string, bool) {
	if err := sig.Validate(); err != nil {
		return err.Error(), false
	}
	if sig.Confidence < params.MinConfidence {
		return fmt.Sprintf("confidence %.2f below minimum %.2f", sig.Confidence, params.MinConfidence), false
	}
	if d.filters != nil {
		info, ok := d.filters.Lookup(sig.Symbol)
		if !ok {
			return fmt.Sprintf("unknown symbol %s", sig.Symbol), false
		}
		if !info.Tradable() {
			return fmt.Sprintf("symbol %s not tradable", sig.Symbol), false
		}
	}
	return "", true
}

// convert builds the TradeOrder, sizing and formatting the quantity to the
// venue filters.
func (d *Dispatcher) convert(sig *signal.Signal, positionSide exchange.PositionSide, params *tradingconfig.Params) (*orders.TradeOrder, error) {
	qty := sig.Quantity
	if qty <= 0 {
		sizePct := sig.PositionSizePct
		if sizePct <= 0 {
			sizePct = params.PositionSizePct
		}
		notional := params.MaxPortfolioExposureUSD * sizePct
		if notional > params.MaxPositionSizeUSD {
			notional = params.MaxPositionSizeUSD
		}
		if notional < params.MinPositionSizeUSD {
			notional = params.MinPositionSizeUSD
		}
		qty = notional / sig.CurrentPrice
	}

	if d.filters != nil {
		qty = d.filters.FormatQuantity(sig.Symbol, qty)
		minQty := d.filters.CalcMinQuantity(sig.Symbol, sig.CurrentPrice)
		if qty < minQty {
			qty = minQty
		}
	}
	if qty <= 0 {
		return nil, errors.New("computed order quantity is zero")
	}

	stopLoss := sig.StopLoss
	takeProfit := sig.TakeProfit
	if stopLoss <= 0 && sig.StopLossPct > 0 {
		stopLoss = protectionPrice(sig.CurrentPrice, sig.StopLossPct, positionSide, true)
	}
	if takeProfit <= 0 && sig.TakeProfitPct > 0 {
		takeProfit = protectionPrice(sig.CurrentPrice, sig.TakeProfitPct, positionSide, false)
	}
	if params.RequireProtection {
		if stopLoss <= 0 {
			stopLoss = protectionPrice(sig.CurrentPrice, params.DefaultStopLossPct, positionSide, true)
		}
		if takeProfit <= 0 {
			takeProfit = protectionPrice(sig.CurrentPrice, params.DefaultTakeProfitPct, positionSide, false)
		}
	}
	if d.filters != nil {
		if stopLoss > 0 {
			stopLoss = d.filters.FormatPrice(sig.Symbol, stopLoss)
		}
		if takeProfit > 0 {
			takeProfit = d.filters.FormatPrice(sig.Symbol, takeProfit)
		}
	}

	order := &orders.TradeOrder{
		OrderID:      orders.NewID(),
		PositionID:   orders.NewID(),
		Symbol:       sig.Symbol,
		Side:         orders.SideFor(sig.Action),
		PositionSide: positionSide,
		Type:         orders.OrderTypeFor(sig.OrderType),
		Quantity:     qty,
		TimeInForce:  exchange.TimeInForce(sig.TimeInForce),
		StopLoss:     stopLoss,
		TakeProfit:   takeProfit,
		Status:       orders.StatusPending,
		CreatedAt:    time.Now().UTC(),
		Signal: orders.SignalMeta{
			StrategyID:   sig.StrategyID,
			Timeframe:    sig.Timeframe,
			Confidence:   sig.Confidence,
			StrategyMode: sig.StrategyMode,
			Rationale:    sig.Rationale,
			ReceivedAt:   sig.ReceivedAt,
		},
	}
	if order.Type == exchange.OrderTypeLimit {
		price := sig.CurrentPrice
		if d.filters != nil {
			price = d.filters.FormatPrice(sig.Symbol, price)
		}
		order.TargetPrice = price
	}
	return order, nil
}

// riskCheck gates the order on the configured limits. refPrice is the
// signal's current price, used to project the order's notional.
func (d *Dispatcher) riskCheck(order *orders.TradeOrder, refPrice float64, params *tradingconfig.Params) (string, bool) {
	if !params.TradingEnabled {
		return "trading_disabled", false
	}
	if order.PositionSide == exchange.PositionSideLong && !params.AllowLongs {
		return "longs_disabled", false
	}
	if order.PositionSide == exchange.PositionSideShort && !params.AllowShorts {
		return "shorts_disabled", false
	}

	if params.DailyLossLimitUSD > 0 && d.manager.DailyPnL() <= -params.DailyLossLimitUSD {
		return "daily_loss_limit", false
	}

	price := order.TargetPrice
	if price <= 0 {
		price = refPrice
	}
	notional := order.Quantity * price

	key := position.Key{Symbol: order.Symbol, Side: order.PositionSide}
	if params.MaxPositionSizeUSD > 0 && d.manager.OpenNotional(key)+notional > params.MaxPositionSizeUSD {
		return "position_size_limit", false
	}
	if params.MaxPortfolioExposureUSD > 0 && d.manager.TotalExposure()+notional > params.MaxPortfolioExposureUSD {
		return "portfolio_exposure_limit", false
	}
	if params.MaxPositionsPerSymbol > 0 && len(d.tracker.ByExchangeKey(key)) >= params.MaxPositionsPerSymbol {
		return "max_positions_per_symbol", false
	}
	if params.MaxOpenPositions > 0 && len(d.manager.Snapshot()) >= params.MaxOpenPositions {
		return "max_open_positions", false
	}
	return "", true
}

// ClosePosition closes one strategy position at market. The protection pair
// is cancelled before the reducing order is sent, so its orders cannot fill
// against quantity that is about to disappear.
func (d *Dispatcher) ClosePosition(ctx context.Context, strategyPositionID string, reason position.CloseReason) (*position.StrategyPosition, error) {
	sp, ok := d.tracker.Get(strategyPositionID)
	if !ok {
		return nil, position.ErrStrategyPositionNotFound
	}
	if sp.Status == position.StatusClosed {
		return nil, position.ErrAlreadyClosed
	}

	if d.pairs != nil {
		if err := d.pairs.CancelForStrategy(ctx, strategyPositionID); err != nil && !errors.Is(err, oco.ErrPairNotFound) {
			return nil, fmt.Errorf("cancel protection pair: %w", err)
		}
	}

	lockName := lock.ExecutionLockName(sp.Symbol, string(sp.Side))
	if err := d.locks.Acquire(ctx, lockName, time.Minute); err != nil {
		return nil, fmt.Errorf("acquire execution lock: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.locks.Release(releaseCtx, lockName); err != nil {
			d.logger.Error().Err(err).Str("lock", lockName).Msg("Failed to release execution lock")
		}
	}()

	ack, err := d.client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:       sp.Symbol,
		Side:         sp.Side.ReduceSide(),
		PositionSide: sp.Side,
		Type:         exchange.OrderTypeMarket,
		Quantity:     sp.Quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("close order: %w", err)
	}

	exitPrice := ack.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice, _ = d.client.CurrentPrice(ctx, sp.Symbol)
	}
	if reason == "" {
		reason = position.CloseManual
	}
	closed, err := d.tracker.Close(ctx, strategyPositionID, exitPrice, reason, ack.Commission)
	if err != nil {
		return nil, err
	}
	d.tracker.GC(strategyPositionID)

	if d.bus != nil {
		d.bus.Emit(events.EventPositionClosed, map[string]interface{}{
			"strategy_position_id": strategyPositionID,
			"reason":               string(reason),
			"exit_price":           exitPrice,
			"pnl":                  closed.RealizedPnL,
		})
	}
	if d.metrics != nil {
		d.metrics.DailyPnL.Set(d.manager.DailyPnL())
	}
	return closed, nil
}

func (d *Dispatcher) alertPrimaryDown(sig *signal.Signal) {
	if d.metrics != nil {
		d.metrics.PersistenceFailures.WithLabelValues("primary").Inc()
	}
	if d.bus != nil {
		d.bus.Emit(events.AlertPersistencePrimary, map[string]interface{}{
			"strategy_id": sig.StrategyID,
			"symbol":      sig.Symbol,
		})
	}
}

func (d *Dispatcher) finish(res Result) Result {
	if d.metrics != nil {
		d.metrics.OrdersExecuted.WithLabelValues(string(res.Status)).Inc()
	}
	return res
}

// protectionPrice derives an absolute SL/TP price from a percentage
// distance. A LONG's stop sits below entry and its target above; SHORT is
// mirrored.
func protectionPrice(entry, pct float64, side exchange.PositionSide, isStop bool) float64 {
	below := isStop
	if side == exchange.PositionSideShort {
		below = !isStop
	}
	if below {
		return entry * (1 - pct)
	}
	return entry * (1 + pct)
}
