package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/orders"
)

// Manager owns the (symbol, position_side) -> ExchangePosition map.
// Writers are the dispatcher (entry fills) and the OCO manager (protection
// fills); the API and metrics read snapshots.
type Manager struct {
	mu        sync.RWMutex
	positions map[Key]*ExchangePosition
	repo      Repository
	logger    zerolog.Logger

	dailyPnL   float64
	dailyReset time.Time
}

// Manager errors.
var (
	ErrPositionNotFound = errors.New("exchange position not found")
	ErrReduceTooLarge   = errors.New("reduce quantity exceeds position quantity")
)

// NewManager creates an exchange position manager.
func NewManager(repo Repository, logger zerolog.Logger) *Manager {
	return &Manager{
		positions:  make(map[Key]*ExchangePosition),
		repo:       repo,
		logger:     logger.With().Str("component", "PositionManager").Logger(),
		dailyReset: time.Now().UTC().Truncate(24 * time.Hour),
	}
}

// ApplyFill books an entry fill against the aggregate position for the
// order's key, creating it on first fill and otherwise accumulating with a
// volume-weighted average entry price.
func (m *Manager) ApplyFill(ctx context.Context, order *orders.TradeOrder, fill *exchange.OrderAck) *ExchangePosition {
	key := Key{Symbol: order.Symbol, Side: order.PositionSide}

	m.mu.Lock()
	pos, exists := m.positions[key]
	if !exists || pos.Status == StatusClosed {
		pos = &ExchangePosition{
			Key:      key,
			Status:   StatusOpen,
			OpenedAt: time.Now().UTC(),
		}
		m.positions[key] = pos
	}

	oldQty := pos.Quantity
	pos.Quantity = oldQty + fill.FilledQty
	if pos.Quantity > 0 {
		pos.AvgEntryPrice = (oldQty*pos.AvgEntryPrice + fill.FilledQty*fill.AvgFillPrice) / pos.Quantity
	}
	pos.StrategyIDs = append(pos.StrategyIDs, order.PositionID)
	pos.UpdatedAt = time.Now().UTC()
	snapshot := *pos
	m.mu.Unlock()

	m.logger.Info().
		Str("key", key.String()).
		Float64("fill_qty", fill.FilledQty).
		Float64("fill_price", fill.AvgFillPrice).
		Float64("total_qty", snapshot.Quantity).
		Float64("avg_entry", snapshot.AvgEntryPrice).
		Msg("Fill applied to exchange position")

	m.persist(ctx, &snapshot)
	return &snapshot
}

// ApplyReduce books a reducing fill (protection fill or manual close) for a
// strategy's share. Realized PnL accumulates on the aggregate and on the
// daily gauge; quantity reaching zero closes the position.
func (m *Manager) ApplyReduce(ctx context.Context, key Key, strategyPositionID string, qty, pnl float64) error {
	m.mu.Lock()
	pos, exists := m.positions[key]
	if !exists || pos.Status == StatusClosed {
		m.mu.Unlock()
		return ErrPositionNotFound
	}
	if qty > pos.Quantity+1e-12 {
		m.mu.Unlock()
		return ErrReduceTooLarge
	}

	pos.Quantity -= qty
	if pos.Quantity < 1e-12 {
		pos.Quantity = 0
	}
	pos.RealizedPnL += pnl
	pos.StrategyIDs = removeID(pos.StrategyIDs, strategyPositionID)
	if pos.Quantity == 0 {
		pos.Status = StatusClosed
	}
	pos.UpdatedAt = time.Now().UTC()

	m.rollDaily()
	m.dailyPnL += pnl
	snapshot := *pos
	m.mu.Unlock()

	m.logger.Info().
		Str("key", key.String()).
		Str("strategy_position_id", strategyPositionID).
		Float64("reduce_qty", qty).
		Float64("pnl", pnl).
		Float64("remaining_qty", snapshot.Quantity).
		Str("status", string(snapshot.Status)).
		Msg("Exchange position reduced")

	m.persist(ctx, &snapshot)
	if m.repo != nil {
		day := time.Now().UTC().Format("2006-01-02")
		if err := m.repo.RecordDailyPnL(ctx, day, pnl); err != nil {
			m.logger.Warn().Err(err).Str("day", day).Msg("Failed to record daily pnl")
		}
	}
	return nil
}

// Close force-closes the aggregate position for a key regardless of
// remaining quantity. Used when the last contributing strategy closes.
func (m *Manager) Close(ctx context.Context, key Key) error {
	m.mu.Lock()
	pos, exists := m.positions[key]
	if !exists {
		m.mu.Unlock()
		return ErrPositionNotFound
	}
	pos.Quantity = 0
	pos.Status = StatusClosed
	pos.UpdatedAt = time.Now().UTC()
	snapshot := *pos
	m.mu.Unlock()

	m.logger.Info().Str("key", key.String()).Msg("Exchange position closed")
	m.persist(ctx, &snapshot)
	return nil
}

// Get returns a copy of the position for a key.
func (m *Manager) Get(key Key) (*ExchangePosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[key]
	if !ok {
		return nil, false
	}
	cp := *pos
	return &cp, true
}

// Snapshot returns copies of all tracked positions.
func (m *Manager) Snapshot() []*ExchangePosition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ExchangePosition, 0, len(m.positions))
	for _, pos := range m.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// DailyPnL returns the realized PnL accumulated since UTC midnight.
func (m *Manager) DailyPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollDaily()
	return m.dailyPnL
}

// TotalExposure returns the summed notional of all open positions at their
// average entry prices.
func (m *Manager) TotalExposure() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0.0
	for _, pos := range m.positions {
		if pos.Status == StatusOpen {
			total += pos.Quantity * pos.AvgEntryPrice
		}
	}
	return total
}

// OpenNotional returns the open notional for one key.
func (m *Manager) OpenNotional(key Key) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[key]
	if !ok || pos.Status != StatusOpen {
		return 0
	}
	return pos.Quantity * pos.AvgEntryPrice
}

// Rehydrate reloads open positions from the repository after a restart.
func (m *Manager) Rehydrate(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	loaded, err := m.repo.LoadOpenExchangePositions(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pos := range loaded {
		m.positions[pos.Key] = pos
	}
	m.logger.Info().Int("count", len(loaded)).Msg("Rehydrated exchange positions")
	return nil
}

// rollDaily resets the daily gauge at UTC midnight. Caller holds the lock.
func (m *Manager) rollDaily() {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if today.After(m.dailyReset) {
		m.dailyPnL = 0
		m.dailyReset = today
	}
}

func (m *Manager) persist(ctx context.Context, pos *ExchangePosition) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SaveExchangePosition(ctx, pos); err != nil {
		m.logger.Error().Err(err).Str("key", pos.Key.String()).Msg("Failed to persist exchange position")
	}
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
