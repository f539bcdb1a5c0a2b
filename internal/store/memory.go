package store

import (
	"context"
	"sync"

	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/position"
)

// MemoryRepository keeps all persisted state in process memory. Used in
// tests and when the engine runs without a database.
type MemoryRepository struct {
	mu            sync.Mutex
	positions     map[string]*position.ExchangePosition
	strategies    map[string]*position.StrategyPosition
	contributions []*position.Contribution
	pairs         map[string]*oco.Pair
	dailyPnL      map[string]float64
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		positions:  make(map[string]*position.ExchangePosition),
		strategies: make(map[string]*position.StrategyPosition),
		pairs:      make(map[string]*oco.Pair),
		dailyPnL:   make(map[string]float64),
	}
}

func (r *MemoryRepository) SaveExchangePosition(_ context.Context, pos *position.ExchangePosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pos
	r.positions[pos.Key.String()] = &cp
	return nil
}

func (r *MemoryRepository) SaveStrategyPosition(_ context.Context, sp *position.StrategyPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sp
	r.strategies[sp.ID] = &cp
	return nil
}

func (r *MemoryRepository) AppendContribution(_ context.Context, c *position.Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.contributions = append(r.contributions, &cp)
	return nil
}

func (r *MemoryRepository) RecordDailyPnL(_ context.Context, day string, pnl float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dailyPnL[day] += pnl
	return nil
}

func (r *MemoryRepository) LoadOpenExchangePositions(_ context.Context) ([]*position.ExchangePosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*position.ExchangePosition
	for _, pos := range r.positions {
		if pos.Status == position.StatusOpen {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) LoadOpenStrategyPositions(_ context.Context) ([]*position.StrategyPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*position.StrategyPosition
	for _, sp := range r.strategies {
		if sp.Status == position.StatusOpen {
			cp := *sp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *MemoryRepository) SavePair(_ context.Context, pair *oco.Pair) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pair
	r.pairs[pair.ID] = &cp
	return nil
}

func (r *MemoryRepository) LoadActivePairs(_ context.Context) ([]*oco.Pair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*oco.Pair
	for _, pair := range r.pairs {
		if !pair.Status.Terminal() {
			cp := *pair
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Contributions returns a copy of the ledger for assertions.
func (r *MemoryRepository) Contributions() []*position.Contribution {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*position.Contribution, len(r.contributions))
	copy(out, r.contributions)
	return out
}

// StrategyPosition returns the persisted record for one id.
func (r *MemoryRepository) StrategyPosition(id string) (*position.StrategyPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.strategies[id]
	if !ok {
		return nil, false
	}
	cp := *sp
	return &cp, true
}

// DailyPnL returns the recorded realized PnL for one day.
func (r *MemoryRepository) DailyPnL(day string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dailyPnL[day]
}

var (
	_ position.Repository = (*MemoryRepository)(nil)
	_ oco.Repository      = (*MemoryRepository)(nil)
)
