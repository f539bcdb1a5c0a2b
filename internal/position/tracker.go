package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Tracker owns the strategy_position_id -> StrategyPosition map plus the
// reverse index from exchange key to contributing strategy positions.
// Closing a strategy position reduces the aggregate through the Manager and
// closes the aggregate when the last contributor leaves.
type Tracker struct {
	mu      sync.RWMutex
	byID    map[string]*StrategyPosition
	byKey   map[Key][]string
	seq     int64
	manager *Manager
	repo    Repository
	logger  zerolog.Logger
}

// Tracker errors.
var (
	ErrStrategyPositionNotFound = errors.New("strategy position not found")
	ErrAlreadyClosed            = errors.New("strategy position already closed")
)

// NewTracker creates a strategy position tracker bound to a manager.
func NewTracker(manager *Manager, repo Repository, logger zerolog.Logger) *Tracker {
	return &Tracker{
		byID:    make(map[string]*StrategyPosition),
		byKey:   make(map[Key][]string),
		manager: manager,
		repo:    repo,
		logger:  logger.With().Str("component", "StrategyTracker").Logger(),
	}
}

// Open records a new strategy position with the strategy's own fill price
// as entry and appends the opening contribution to the ledger.
func (t *Tracker) Open(ctx context.Context, sp *StrategyPosition) (*StrategyPosition, error) {
	if sp.ID == "" || sp.StrategyID == "" || sp.Symbol == "" {
		return nil, errors.New("strategy position requires id, strategy_id and symbol")
	}
	if sp.Quantity <= 0 || sp.EntryPrice <= 0 {
		return nil, errors.New("strategy position requires positive entry price and quantity")
	}

	sp.Status = StatusOpen
	if sp.OpenedAt.IsZero() {
		sp.OpenedAt = time.Now().UTC()
	}
	key := sp.ExchangeKey()

	t.mu.Lock()
	t.byID[sp.ID] = sp
	t.byKey[key] = append(t.byKey[key], sp.ID)
	t.seq++
	seq := t.seq
	snapshot := *sp
	t.mu.Unlock()

	t.logger.Info().
		Str("strategy_position_id", sp.ID).
		Str("strategy_id", sp.StrategyID).
		Str("key", key.String()).
		Float64("entry_price", sp.EntryPrice).
		Float64("quantity", sp.Quantity).
		Msg("Strategy position opened")

	t.persist(ctx, &snapshot)
	t.appendContribution(ctx, &Contribution{
		StrategyPositionID: sp.ID,
		Key:                key,
		Sequence:           seq,
		QtyDelta:           sp.Quantity,
		Price:              sp.EntryPrice,
		Time:               snapshot.OpenedAt,
	})
	return &snapshot, nil
}

// Close closes one strategy position at the given exit price. PnL uses the
// strategy's own entry price. The aggregate position is reduced by this
// strategy's quantity; other strategies on the same key remain open, and
// the aggregate is closed when the last contributor closes.
func (t *Tracker) Close(ctx context.Context, id string, exitPrice float64, reason CloseReason, commission float64) (*StrategyPosition, error) {
	t.mu.Lock()
	sp, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrStrategyPositionNotFound
	}
	if sp.Status == StatusClosed {
		t.mu.Unlock()
		return nil, ErrAlreadyClosed
	}

	now := time.Now().UTC()
	sp.Status = StatusClosed
	sp.CloseReason = reason
	sp.ExitPrice = exitPrice
	sp.RealizedPnL = PnL(sp.Side, sp.EntryPrice, exitPrice, sp.Quantity, commission)
	sp.ClosedAt = &now
	sp.Duration = now.Sub(sp.OpenedAt)

	key := sp.ExchangeKey()
	t.byKey[key] = removeID(t.byKey[key], id)
	remaining := t.openCountLocked(key)
	t.seq++
	seq := t.seq
	snapshot := *sp
	t.mu.Unlock()

	t.logger.Info().
		Str("strategy_position_id", id).
		Str("key", key.String()).
		Str("reason", string(reason)).
		Float64("entry_price", snapshot.EntryPrice).
		Float64("exit_price", exitPrice).
		Float64("pnl", snapshot.RealizedPnL).
		Int("remaining_strategies", remaining).
		Msg("Strategy position closed")

	if err := t.manager.ApplyReduce(ctx, key, id, snapshot.Quantity, snapshot.RealizedPnL); err != nil {
		t.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to reduce exchange position")
	}
	if remaining == 0 {
		if pos, ok := t.manager.Get(key); ok && pos.Status == StatusOpen {
			if err := t.manager.Close(ctx, key); err != nil {
				t.logger.Error().Err(err).Str("key", key.String()).Msg("Failed to close exchange position")
			}
		}
	}

	t.persist(ctx, &snapshot)
	t.appendContribution(ctx, &Contribution{
		StrategyPositionID: id,
		Key:                key,
		Sequence:           seq,
		QtyDelta:           -snapshot.Quantity,
		Price:              exitPrice,
		Time:               now,
		PnLAtClose:         snapshot.RealizedPnL,
	})
	return &snapshot, nil
}

// MarkUnprotected flags a strategy position whose OCO pair could not be
// placed. The position stays open; the caller raises the alert.
func (t *Tracker) MarkUnprotected(ctx context.Context, id string) error {
	t.mu.Lock()
	sp, ok := t.byID[id]
	if !ok {
		t.mu.Unlock()
		return ErrStrategyPositionNotFound
	}
	sp.Unprotected = true
	snapshot := *sp
	t.mu.Unlock()

	t.persist(ctx, &snapshot)
	return nil
}

// Get returns a copy of one strategy position.
func (t *Tracker) Get(id string) (*StrategyPosition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sp, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	cp := *sp
	return &cp, true
}

// ByExchangeKey returns copies of the open strategy positions for a key.
func (t *Tracker) ByExchangeKey(key Key) []*StrategyPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*StrategyPosition, 0, len(t.byKey[key]))
	for _, id := range t.byKey[key] {
		if sp, ok := t.byID[id]; ok && sp.Status == StatusOpen {
			cp := *sp
			out = append(out, &cp)
		}
	}
	return out
}

// ByStrategy returns copies of all positions opened by a strategy.
func (t *Tracker) ByStrategy(strategyID string) []*StrategyPosition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*StrategyPosition
	for _, sp := range t.byID {
		if sp.StrategyID == strategyID {
			cp := *sp
			out = append(out, &cp)
		}
	}
	return out
}

// OpenQuantity sums the open strategy quantity for a key; at quiescence it
// equals the aggregate exchange position quantity.
func (t *Tracker) OpenQuantity(key Key) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	total := 0.0
	for _, id := range t.byKey[key] {
		if sp, ok := t.byID[id]; ok && sp.Status == StatusOpen {
			total += sp.Quantity
		}
	}
	return total
}

// Rehydrate reloads open strategy positions from the repository after a
// restart and rebuilds the reverse index.
func (t *Tracker) Rehydrate(ctx context.Context) error {
	if t.repo == nil {
		return nil
	}
	loaded, err := t.repo.LoadOpenStrategyPositions(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sp := range loaded {
		t.byID[sp.ID] = sp
		key := sp.ExchangeKey()
		t.byKey[key] = append(t.byKey[key], sp.ID)
	}
	t.logger.Info().Int("count", len(loaded)).Msg("Rehydrated strategy positions")
	return nil
}

// GC drops closed strategy positions from memory. The OCO manager calls it
// once the owning pair is terminal; persisted records remain queryable.
func (t *Tracker) GC(ids ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		if sp, ok := t.byID[id]; ok && sp.Status == StatusClosed {
			delete(t.byID, id)
		}
	}
}

func (t *Tracker) openCountLocked(key Key) int {
	count := 0
	for _, id := range t.byKey[key] {
		if sp, ok := t.byID[id]; ok && sp.Status == StatusOpen {
			count++
		}
	}
	return count
}

func (t *Tracker) persist(ctx context.Context, sp *StrategyPosition) {
	if t.repo == nil {
		return
	}
	if err := t.repo.SaveStrategyPosition(ctx, sp); err != nil {
		t.logger.Error().Err(err).Str("strategy_position_id", sp.ID).Msg("Failed to persist strategy position")
	}
}

func (t *Tracker) appendContribution(ctx context.Context, c *Contribution) {
	if t.repo == nil {
		return
	}
	if err := t.repo.AppendContribution(ctx, c); err != nil {
		t.logger.Error().Err(err).Str("strategy_position_id", c.StrategyPositionID).Msg("Failed to append contribution")
	}
}
