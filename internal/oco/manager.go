package oco

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/events"
	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/tradingconfig"
)

// Manager errors.
var (
	ErrPairNotFound  = errors.New("oco pair not found")
	ErrNoProtection  = errors.New("strategy position has neither stop loss nor take profit")
	ErrPairNotActive = errors.New("oco pair is not active")
)

// Manager places protection pairs and runs the fill monitor. The monitor
// acts only while this instance holds leadership, so a multi-instance
// deployment has exactly one active monitor.
type Manager struct {
	mu         sync.Mutex
	pairs      map[string]*Pair
	byStrategy map[string]string

	client  exchange.Client
	filters *exchange.Filters
	tracker *position.Tracker
	repo    Repository
	cfg     *tradingconfig.Service
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  zerolog.Logger

	pollInterval time.Duration
	leader       atomic.Bool
}

// NewManager creates an OCO manager. repo may be nil in dry-run mode; cfg
// may be nil, in which case the compiled defaults govern the monitor.
func NewManager(client exchange.Client, filters *exchange.Filters, tracker *position.Tracker, repo Repository, cfg *tradingconfig.Service, bus *events.Bus, m *metrics.Metrics, logger zerolog.Logger) *Manager {
	mgr := &Manager{
		pairs:        make(map[string]*Pair),
		byStrategy:   make(map[string]string),
		client:       client,
		filters:      filters,
		tracker:      tracker,
		repo:         repo,
		cfg:          cfg,
		bus:          bus,
		metrics:      m,
		logger:       logger.With().Str("component", "OCOManager").Logger(),
		pollInterval: 2 * time.Second,
	}
	mgr.leader.Store(true)
	return mgr
}

// SetLeader enables or disables the monitor loop. Placement and manual
// cancellation work regardless; only polling is leader-gated.
func (m *Manager) SetLeader(leader bool) {
	m.leader.Store(leader)
}

// PlacePair places the stop-loss and take-profit orders protecting one
// strategy position. Both orders are reduce-side for the position side and
// carry the position side, so the venue books them against the hedge leg.
// If the second order fails the first is cancelled and the strategy
// position is flagged unprotected; it stays open for manual handling.
func (m *Manager) PlacePair(ctx context.Context, sp *position.StrategyPosition) (*Pair, error) {
	if sp.StopLoss <= 0 && sp.TakeProfit <= 0 {
		return nil, ErrNoProtection
	}

	side := sp.Side.ReduceSide()
	qty := sp.Quantity
	slPrice := sp.StopLoss
	tpPrice := sp.TakeProfit
	if m.filters != nil {
		qty = m.filters.FormatQuantity(sp.Symbol, qty)
		if slPrice > 0 {
			slPrice = m.filters.FormatPrice(sp.Symbol, slPrice)
		}
		if tpPrice > 0 {
			tpPrice = m.filters.FormatPrice(sp.Symbol, tpPrice)
		}
	}

	pair := &Pair{
		ID:                 uuid.NewString(),
		StrategyPositionID: sp.ID,
		Symbol:             sp.Symbol,
		PositionSide:       sp.Side,
		Quantity:           qty,
		StopLossPrice:      slPrice,
		TakeProfitPrice:    tpPrice,
		Status:             PairActive,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}

	if slPrice > 0 {
		ack, err := m.client.PlaceOrder(ctx, exchange.OrderParams{
			Symbol:       sp.Symbol,
			Side:         side,
			PositionSide: sp.Side,
			Type:         exchange.OrderTypeStopMarket,
			Quantity:     qty,
			StopPrice:    slPrice,
		})
		if err != nil {
			return nil, m.abandonPlacement(ctx, sp, fmt.Errorf("place stop loss: %w", err))
		}
		pair.StopLossOrderID = ack.OrderID
	}

	if tpPrice > 0 {
		ack, err := m.client.PlaceOrder(ctx, exchange.OrderParams{
			Symbol:       sp.Symbol,
			Side:         side,
			PositionSide: sp.Side,
			Type:         exchange.OrderTypeTakeProfitMarket,
			Quantity:     qty,
			StopPrice:    tpPrice,
		})
		if err != nil {
			if pair.StopLossOrderID != "" {
				if cErr := m.cancelOrder(ctx, sp.Symbol, pair.StopLossOrderID); cErr != nil {
					m.logger.Error().Err(cErr).Str("order_id", pair.StopLossOrderID).Msg("Failed to roll back stop loss order")
				}
			}
			return nil, m.abandonPlacement(ctx, sp, fmt.Errorf("place take profit: %w", err))
		}
		pair.TakeProfitOrderID = ack.OrderID
	}

	m.mu.Lock()
	m.pairs[pair.ID] = pair
	m.byStrategy[sp.ID] = pair.ID
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.logger.Info().
		Str("pair_id", pair.ID).
		Str("strategy_position_id", sp.ID).
		Str("symbol", sp.Symbol).
		Str("position_side", string(sp.Side)).
		Float64("sl_price", slPrice).
		Float64("tp_price", tpPrice).
		Float64("quantity", qty).
		Msg("OCO pair placed")

	m.persist(ctx, pair)
	if m.metrics != nil {
		m.metrics.OCOPairsActive.Set(float64(active))
	}
	if m.bus != nil {
		m.bus.Emit(events.EventPairPlaced, map[string]interface{}{
			"pair_id":              pair.ID,
			"strategy_position_id": sp.ID,
			"symbol":               sp.Symbol,
		})
	}
	return pair, nil
}

// abandonPlacement records the unprotected state and raises the alert.
func (m *Manager) abandonPlacement(ctx context.Context, sp *position.StrategyPosition, cause error) error {
	m.logger.Error().Err(cause).
		Str("strategy_position_id", sp.ID).
		Str("symbol", sp.Symbol).
		Msg("OCO pair placement failed; position left unprotected")

	if err := m.tracker.MarkUnprotected(ctx, sp.ID); err != nil {
		m.logger.Error().Err(err).Str("strategy_position_id", sp.ID).Msg("Failed to flag unprotected position")
	}
	if m.metrics != nil {
		m.metrics.StrategyUnprotected.Inc()
	}
	if m.bus != nil {
		m.bus.Emit(events.AlertStrategyUnprotected, map[string]interface{}{
			"strategy_position_id": sp.ID,
			"symbol":               sp.Symbol,
			"error":                cause.Error(),
		})
	}

	if m.resolveParams(ctx, sp.Symbol, string(sp.Side)).AutoCloseUnprotected {
		m.closeUnprotected(ctx, sp)
	}
	return cause
}

// closeUnprotected flats a position whose protection could not be placed.
// The dispatcher still holds the execution lock for this key, so the
// reducing order is serialised with other entries.
func (m *Manager) closeUnprotected(ctx context.Context, sp *position.StrategyPosition) {
	ack, err := m.client.PlaceOrder(ctx, exchange.OrderParams{
		Symbol:       sp.Symbol,
		Side:         sp.Side.ReduceSide(),
		PositionSide: sp.Side,
		Type:         exchange.OrderTypeMarket,
		Quantity:     sp.Quantity,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("strategy_position_id", sp.ID).Msg("Failed to flat unprotected position")
		return
	}
	exitPrice := ack.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice, _ = m.client.CurrentPrice(ctx, sp.Symbol)
	}

	closed, err := m.tracker.Close(ctx, sp.ID, exitPrice, position.CloseManual, ack.Commission)
	if err != nil {
		m.logger.Error().Err(err).Str("strategy_position_id", sp.ID).Msg("Failed to close unprotected position")
		return
	}
	m.tracker.GC(sp.ID)

	m.logger.Warn().
		Str("strategy_position_id", sp.ID).
		Str("symbol", sp.Symbol).
		Float64("exit_price", exitPrice).
		Float64("pnl", closed.RealizedPnL).
		Msg("Unprotected position flatted")
	if m.bus != nil {
		m.bus.Emit(events.EventPositionClosed, map[string]interface{}{
			"strategy_position_id": sp.ID,
			"reason":               string(position.CloseManual),
			"exit_price":           exitPrice,
			"pnl":                  closed.RealizedPnL,
		})
	}
}

// CancelPair cancels both live sides of a pair and marks it cancelled.
// Orders already gone on the venue count as cancelled.
func (m *Manager) CancelPair(ctx context.Context, pairID string) error {
	m.mu.Lock()
	pair, ok := m.pairs[pairID]
	if !ok {
		m.mu.Unlock()
		return ErrPairNotFound
	}
	if pair.Status.Terminal() {
		m.mu.Unlock()
		return ErrPairNotActive
	}
	snapshot := *pair
	m.mu.Unlock()

	var firstErr error
	for _, orderID := range []string{snapshot.StopLossOrderID, snapshot.TakeProfitOrderID} {
		if orderID == "" {
			continue
		}
		if err := m.cancelOrder(ctx, snapshot.Symbol, orderID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	m.finishPair(ctx, pairID, PairCancelled, "")
	if m.bus != nil {
		m.bus.Emit(events.EventPairCancelled, map[string]interface{}{
			"pair_id":              pairID,
			"strategy_position_id": snapshot.StrategyPositionID,
		})
	}
	return nil
}

// CancelForStrategy cancels the pair protecting a strategy position. The
// manual close flow calls this before sending the reducing market order.
func (m *Manager) CancelForStrategy(ctx context.Context, strategyPositionID string) error {
	m.mu.Lock()
	pairID, ok := m.byStrategy[strategyPositionID]
	m.mu.Unlock()
	if !ok {
		return ErrPairNotFound
	}
	return m.CancelPair(ctx, pairID)
}

// PairForStrategy returns a copy of the pair protecting a strategy position.
func (m *Manager) PairForStrategy(strategyPositionID string) (*Pair, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pairID, ok := m.byStrategy[strategyPositionID]
	if !ok {
		return nil, false
	}
	pair, ok := m.pairs[pairID]
	if !ok {
		return nil, false
	}
	cp := *pair
	return &cp, true
}

// ActivePairs returns copies of all non-terminal pairs.
func (m *Manager) ActivePairs() []*Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Pair, 0, len(m.pairs))
	for _, pair := range m.pairs {
		if !pair.Status.Terminal() {
			cp := *pair
			out = append(out, &cp)
		}
	}
	return out
}

// Rebuild reloads the active pairs from the repository after a restart.
// The next monitor poll reconciles them against the venue, so fills that
// happened while the engine was down are detected and settled.
func (m *Manager) Rebuild(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	loaded, err := m.repo.LoadActivePairs(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	for _, pair := range loaded {
		m.pairs[pair.ID] = pair
		m.byStrategy[pair.StrategyPositionID] = pair.ID
	}
	active := m.activeCountLocked()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.OCOPairsActive.Set(float64(active))
	}
	m.logger.Info().Int("count", len(loaded)).Msg("Rebuilt OCO pairs")
	return nil
}

// Run polls the venue until ctx is cancelled. Open orders are listed once
// per symbol per poll rather than per pair. The interval follows the
// resolved monitor_interval_ms parameter, re-read after each poll so a
// config change takes effect without a restart.
func (m *Manager) Run(ctx context.Context) {
	interval := m.monitorInterval(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info().Dur("interval", interval).Msg("OCO monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("OCO monitor stopped")
			return
		case <-ticker.C:
			if !m.leader.Load() {
				continue
			}
			start := time.Now()
			m.Poll(ctx)
			m.noteOverrun(time.Since(start), interval)
			if next := m.monitorInterval(ctx); next != interval {
				interval = next
				ticker.Reset(interval)
				m.logger.Info().Dur("interval", interval).Msg("OCO monitor interval updated")
			}
		}
	}
}

// monitorInterval resolves the configured poll interval, falling back to
// the compiled default when the tree is silent.
func (m *Manager) monitorInterval(ctx context.Context) time.Duration {
	params := m.resolveParams(ctx, "", "")
	if params.MonitorIntervalMS > 0 {
		return time.Duration(params.MonitorIntervalMS) * time.Millisecond
	}
	return m.pollInterval
}

// noteOverrun counts polls that ran longer than the interval. The ticker
// coalesces the missed ticks, so polls never overlap; the gauge makes the
// lost ticks visible.
func (m *Manager) noteOverrun(elapsed, interval time.Duration) {
	if elapsed <= interval {
		return
	}
	m.logger.Warn().Dur("elapsed", elapsed).Dur("interval", interval).Msg("Monitor poll overran its interval")
	if m.metrics != nil {
		m.metrics.MonitorBacklog.Inc()
	}
}

func (m *Manager) resolveParams(ctx context.Context, symbol, side string) tradingconfig.Params {
	if m.cfg == nil {
		return tradingconfig.Defaults()
	}
	params, err := m.cfg.Resolve(ctx, symbol, side)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Config resolve failed; using defaults")
		return tradingconfig.Defaults()
	}
	return params
}

// Poll runs one reconciliation pass over all active pairs.
func (m *Manager) Poll(ctx context.Context) {
	pairs := m.ActivePairs()
	if len(pairs) == 0 {
		return
	}

	bySymbol := make(map[string][]*Pair)
	for _, pair := range pairs {
		bySymbol[pair.Symbol] = append(bySymbol[pair.Symbol], pair)
	}

	for symbol, symbolPairs := range bySymbol {
		open, err := m.client.ListOpenOrders(ctx, symbol)
		if err != nil {
			m.logger.Warn().Err(err).Str("symbol", symbol).Msg("Open order listing failed; pairs kept active")
			continue
		}
		openIDs := make(map[string]bool, len(open))
		for _, o := range open {
			openIDs[o.OrderID] = true
		}
		for _, pair := range symbolPairs {
			m.reconcilePair(ctx, pair, openIDs)
		}
	}
}

// reconcilePair classifies one pair against the open-order set and settles
// any detected fill. A pair only leaves the active state on confirmed
// venue evidence; transient query errors leave it untouched.
func (m *Manager) reconcilePair(ctx context.Context, pair *Pair, openIDs map[string]bool) {
	slOpen := pair.StopLossOrderID == "" || openIDs[pair.StopLossOrderID]
	tpOpen := pair.TakeProfitOrderID == "" || openIDs[pair.TakeProfitOrderID]
	if slOpen && tpOpen {
		return
	}

	var slOrder, tpOrder *exchange.Order
	var err error
	if !slOpen {
		slOrder, err = m.client.QueryOrder(ctx, pair.Symbol, pair.StopLossOrderID)
		if err != nil && !exchange.IsOrderGone(err) {
			m.logger.Warn().Err(err).Str("pair_id", pair.ID).Msg("Stop loss query failed; pair kept active")
			return
		}
	}
	if !tpOpen {
		tpOrder, err = m.client.QueryOrder(ctx, pair.Symbol, pair.TakeProfitOrderID)
		if err != nil && !exchange.IsOrderGone(err) {
			m.logger.Warn().Err(err).Str("pair_id", pair.ID).Msg("Take profit query failed; pair kept active")
			return
		}
	}

	slFilled := slOrder != nil && slOrder.Status == exchange.OrderStatusFilled
	tpFilled := tpOrder != nil && tpOrder.Status == exchange.OrderStatusFilled

	switch {
	case slFilled && tpFilled:
		// Both protection orders filled before either cancel landed. The
		// venue has overshot the intended exit; settle as take profit and
		// surface the anomaly for manual review of the surplus fill.
		m.logger.Error().
			Str("pair_id", pair.ID).
			Str("strategy_position_id", pair.StrategyPositionID).
			Msg("Both OCO sides filled")
		if m.metrics != nil {
			m.metrics.OCOAnomalies.Inc()
		}
		if m.bus != nil {
			m.bus.Emit(events.AlertAnomaly, map[string]interface{}{
				"pair_id":              pair.ID,
				"strategy_position_id": pair.StrategyPositionID,
				"detail":               "both protection orders filled",
			})
		}
		m.settleFill(ctx, pair, tpOrder, position.CloseTakeProfit)

	case slFilled:
		m.settleFill(ctx, pair, slOrder, position.CloseStopLoss)

	case tpFilled:
		m.settleFill(ctx, pair, tpOrder, position.CloseTakeProfit)

	default:
		// Gone from the book but not filled: cancelled or expired outside
		// the engine. The position has lost its protection.
		m.handleExternalCancel(ctx, pair)
	}
}

// settleFill cancels the surviving side, closes the owning strategy
// position at the fill price and completes the pair.
func (m *Manager) settleFill(ctx context.Context, pair *Pair, filled *exchange.Order, reason position.CloseReason) {
	other := pair.TakeProfitOrderID
	if reason == position.CloseTakeProfit {
		other = pair.StopLossOrderID
	}
	if other != "" {
		if err := m.cancelOrder(ctx, pair.Symbol, other); err != nil {
			m.logger.Error().Err(err).Str("pair_id", pair.ID).Str("order_id", other).Msg("Failed to cancel surviving OCO side")
		}
	}

	exitPrice := filled.AvgFillPrice
	if exitPrice <= 0 {
		exitPrice = filled.StopPrice
	}

	m.setStatus(pair.ID, PairOneFilled, reason)
	sp, err := m.tracker.Close(ctx, pair.StrategyPositionID, exitPrice, reason, 0)
	if err != nil && !errors.Is(err, position.ErrAlreadyClosed) {
		m.logger.Error().Err(err).
			Str("pair_id", pair.ID).
			Str("strategy_position_id", pair.StrategyPositionID).
			Msg("Failed to close strategy position on protection fill")
	}

	m.finishPair(ctx, pair.ID, PairCompleted, reason)
	m.tracker.GC(pair.StrategyPositionID)

	evt := map[string]interface{}{
		"pair_id":              pair.ID,
		"strategy_position_id": pair.StrategyPositionID,
		"reason":               string(reason),
		"exit_price":           exitPrice,
	}
	if sp != nil {
		evt["pnl"] = sp.RealizedPnL
	}
	m.logger.Info().
		Str("pair_id", pair.ID).
		Str("strategy_position_id", pair.StrategyPositionID).
		Str("reason", string(reason)).
		Float64("exit_price", exitPrice).
		Msg("OCO pair settled")
	if m.bus != nil {
		m.bus.Emit(events.EventPairCompleted, evt)
	}
}

// handleExternalCancel marks the pair cancelled and flags the position.
func (m *Manager) handleExternalCancel(ctx context.Context, pair *Pair) {
	m.logger.Warn().
		Str("pair_id", pair.ID).
		Str("strategy_position_id", pair.StrategyPositionID).
		Msg("Protection orders gone without fill; position unprotected")

	for _, orderID := range []string{pair.StopLossOrderID, pair.TakeProfitOrderID} {
		if orderID == "" {
			continue
		}
		if err := m.cancelOrder(ctx, pair.Symbol, orderID); err != nil {
			m.logger.Error().Err(err).Str("order_id", orderID).Msg("Failed to cancel remaining OCO side")
		}
	}

	m.finishPair(ctx, pair.ID, PairCancelled, "")
	if err := m.tracker.MarkUnprotected(ctx, pair.StrategyPositionID); err != nil && !errors.Is(err, position.ErrStrategyPositionNotFound) {
		m.logger.Error().Err(err).Str("strategy_position_id", pair.StrategyPositionID).Msg("Failed to flag unprotected position")
	}
	if m.metrics != nil {
		m.metrics.StrategyUnprotected.Inc()
	}
	if m.bus != nil {
		m.bus.Emit(events.AlertStrategyUnprotected, map[string]interface{}{
			"pair_id":              pair.ID,
			"strategy_position_id": pair.StrategyPositionID,
			"detail":               "protection orders cancelled outside the engine",
		})
	}
}

// cancelOrder cancels on the venue, treating already-gone orders as done.
func (m *Manager) cancelOrder(ctx context.Context, symbol, orderID string) error {
	err := m.client.CancelOrder(ctx, symbol, orderID)
	if err == nil || exchange.IsOrderGone(err) {
		return nil
	}
	return err
}

func (m *Manager) setStatus(pairID string, status PairStatus, reason position.CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pair, ok := m.pairs[pairID]
	if !ok {
		return
	}
	pair.Status = status
	if reason != "" {
		pair.CloseReason = reason
	}
	pair.UpdatedAt = time.Now().UTC()
}

// finishPair moves a pair to a terminal state, persists it and drops the
// strategy index entry.
func (m *Manager) finishPair(ctx context.Context, pairID string, status PairStatus, reason position.CloseReason) {
	m.mu.Lock()
	pair, ok := m.pairs[pairID]
	if !ok {
		m.mu.Unlock()
		return
	}
	pair.Status = status
	if reason != "" {
		pair.CloseReason = reason
	}
	pair.UpdatedAt = time.Now().UTC()
	delete(m.byStrategy, pair.StrategyPositionID)
	snapshot := *pair
	active := m.activeCountLocked()
	m.mu.Unlock()

	m.persist(ctx, &snapshot)
	if m.metrics != nil {
		m.metrics.OCOPairsActive.Set(float64(active))
	}
}

func (m *Manager) activeCountLocked() int {
	count := 0
	for _, pair := range m.pairs {
		if !pair.Status.Terminal() {
			count++
		}
	}
	return count
}

func (m *Manager) persist(ctx context.Context, pair *Pair) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SavePair(ctx, pair); err != nil {
		m.logger.Error().Err(err).Str("pair_id", pair.ID).Msg("Failed to persist OCO pair")
	}
}
