package position

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/orders"
)

// memRepo is an in-package repository fake capturing persisted state.
type memRepo struct {
	mu            sync.Mutex
	positions     map[string]*ExchangePosition
	strategies    map[string]*StrategyPosition
	contributions []*Contribution
	dailyPnL      map[string]float64
}

func newMemRepo() *memRepo {
	return &memRepo{
		positions:  make(map[string]*ExchangePosition),
		strategies: make(map[string]*StrategyPosition),
		dailyPnL:   make(map[string]float64),
	}
}

func (r *memRepo) SaveExchangePosition(_ context.Context, pos *ExchangePosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *pos
	r.positions[pos.Key.String()] = &cp
	return nil
}

func (r *memRepo) SaveStrategyPosition(_ context.Context, sp *StrategyPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sp
	r.strategies[sp.ID] = &cp
	return nil
}

func (r *memRepo) AppendContribution(_ context.Context, c *Contribution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *c
	r.contributions = append(r.contributions, &cp)
	return nil
}

func (r *memRepo) RecordDailyPnL(_ context.Context, day string, pnl float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dailyPnL[day] += pnl
	return nil
}

func (r *memRepo) LoadOpenExchangePositions(_ context.Context) ([]*ExchangePosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ExchangePosition
	for _, pos := range r.positions {
		if pos.Status == StatusOpen {
			cp := *pos
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) LoadOpenStrategyPositions(_ context.Context) ([]*StrategyPosition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*StrategyPosition
	for _, sp := range r.strategies {
		if sp.Status == StatusOpen {
			cp := *sp
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) strategy(id string) (*StrategyPosition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sp, ok := r.strategies[id]
	if !ok {
		return nil, false
	}
	cp := *sp
	return &cp, true
}

var _ Repository = (*memRepo)(nil)

func entryOrder(positionID, symbol string, side exchange.PositionSide) *orders.TradeOrder {
	return &orders.TradeOrder{
		OrderID:      orders.NewID(),
		PositionID:   positionID,
		Symbol:       symbol,
		Side:         exchange.SideBuy,
		PositionSide: side,
		Type:         exchange.OrderTypeMarket,
	}
}

func fill(qty, price float64) *exchange.OrderAck {
	return &exchange.OrderAck{
		OrderID:      orders.NewID(),
		Status:       exchange.OrderStatusFilled,
		FilledQty:    qty,
		AvgFillPrice: price,
	}
}

func TestApplyFillAccumulatesWeightedAverage(t *testing.T) {
	m := NewManager(newMemRepo(), zerolog.Nop())
	ctx := context.Background()

	m.ApplyFill(ctx, entryOrder("sp-a", "BTCUSDT", exchange.PositionSideLong), fill(0.001, 45000))
	pos := m.ApplyFill(ctx, entryOrder("sp-b", "BTCUSDT", exchange.PositionSideLong), fill(0.002, 46000))

	if math.Abs(pos.Quantity-0.003) > 1e-12 {
		t.Errorf("Quantity = %v, want 0.003", pos.Quantity)
	}
	wantAvg := (0.001*45000 + 0.002*46000) / 0.003
	if math.Abs(pos.AvgEntryPrice-wantAvg) > 1e-6 {
		t.Errorf("AvgEntryPrice = %v, want %v", pos.AvgEntryPrice, wantAvg)
	}
	if len(pos.StrategyIDs) != 2 {
		t.Errorf("StrategyIDs = %v, want two contributors", pos.StrategyIDs)
	}
}

func TestHedgeKeysAreIndependent(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	ctx := context.Background()

	m.ApplyFill(ctx, entryOrder("sp-l", "ETHUSDT", exchange.PositionSideLong), fill(1, 3000))
	m.ApplyFill(ctx, entryOrder("sp-s", "ETHUSDT", exchange.PositionSideShort), fill(2, 3010))

	long, ok := m.Get(Key{Symbol: "ETHUSDT", Side: exchange.PositionSideLong})
	if !ok || long.Quantity != 1 {
		t.Fatalf("LONG position = %+v, ok=%v", long, ok)
	}
	short, ok := m.Get(Key{Symbol: "ETHUSDT", Side: exchange.PositionSideShort})
	if !ok || short.Quantity != 2 {
		t.Fatalf("SHORT position = %+v, ok=%v", short, ok)
	}
	if len(m.Snapshot()) != 2 {
		t.Errorf("Snapshot = %d positions, want 2", len(m.Snapshot()))
	}
}

func TestApplyReduce(t *testing.T) {
	repo := newMemRepo()
	m := NewManager(repo, zerolog.Nop())
	ctx := context.Background()
	key := Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong}

	m.ApplyFill(ctx, entryOrder("sp-a", "BTCUSDT", exchange.PositionSideLong), fill(0.003, 45000))

	if err := m.ApplyReduce(ctx, key, "sp-a", 0.001, 3.0); err != nil {
		t.Fatalf("ApplyReduce: %v", err)
	}
	pos, _ := m.Get(key)
	if math.Abs(pos.Quantity-0.002) > 1e-12 {
		t.Errorf("Quantity = %v, want 0.002", pos.Quantity)
	}
	if pos.Status != StatusOpen {
		t.Errorf("Status = %v, want open", pos.Status)
	}
	if pos.RealizedPnL != 3.0 {
		t.Errorf("RealizedPnL = %v, want 3.0", pos.RealizedPnL)
	}
	if m.DailyPnL() != 3.0 {
		t.Errorf("DailyPnL = %v, want 3.0", m.DailyPnL())
	}

	// Reducing the remainder closes the position.
	if err := m.ApplyReduce(ctx, key, "sp-b", 0.002, -1.0); err != nil {
		t.Fatalf("ApplyReduce remainder: %v", err)
	}
	pos, _ = m.Get(key)
	if pos.Status != StatusClosed || pos.Quantity != 0 {
		t.Errorf("position = %+v, want closed with zero quantity", pos)
	}
	if m.DailyPnL() != 2.0 {
		t.Errorf("DailyPnL = %v, want 2.0", m.DailyPnL())
	}
}

func TestApplyReduceErrors(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	ctx := context.Background()
	key := Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong}

	if err := m.ApplyReduce(ctx, key, "sp", 1, 0); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("reduce missing = %v, want ErrPositionNotFound", err)
	}
	m.ApplyFill(ctx, entryOrder("sp", "BTCUSDT", exchange.PositionSideLong), fill(0.001, 45000))
	if err := m.ApplyReduce(ctx, key, "sp", 0.002, 0); !errors.Is(err, ErrReduceTooLarge) {
		t.Errorf("oversized reduce = %v, want ErrReduceTooLarge", err)
	}
}

func TestTotalExposureAndOpenNotional(t *testing.T) {
	m := NewManager(nil, zerolog.Nop())
	ctx := context.Background()

	m.ApplyFill(ctx, entryOrder("sp-a", "BTCUSDT", exchange.PositionSideLong), fill(0.01, 45000))
	m.ApplyFill(ctx, entryOrder("sp-b", "ETHUSDT", exchange.PositionSideShort), fill(1, 3000))

	if got := m.OpenNotional(Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong}); math.Abs(got-450) > 1e-9 {
		t.Errorf("OpenNotional = %v, want 450", got)
	}
	if got := m.TotalExposure(); math.Abs(got-3450) > 1e-9 {
		t.Errorf("TotalExposure = %v, want 3450", got)
	}
}

func TestRehydrateRestoresOpenPositions(t *testing.T) {
	repo := newMemRepo()
	ctx := context.Background()

	first := NewManager(repo, zerolog.Nop())
	first.ApplyFill(ctx, entryOrder("sp-a", "BTCUSDT", exchange.PositionSideLong), fill(0.002, 44000))

	second := NewManager(repo, zerolog.Nop())
	if err := second.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}
	pos, ok := second.Get(Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong})
	if !ok || pos.Quantity != 0.002 {
		t.Errorf("rehydrated position = %+v, ok=%v", pos, ok)
	}
}

func TestPnLIsHedgeAware(t *testing.T) {
	tests := []struct {
		name        string
		side        exchange.PositionSide
		entry, exit float64
		qty, comm   float64
		want        float64
	}{
		{"long profit", exchange.PositionSideLong, 45000, 48000, 0.001, 0, 3.0},
		{"long loss", exchange.PositionSideLong, 45000, 43000, 0.001, 0, -2.0},
		{"short profit", exchange.PositionSideShort, 3000, 2900, 1, 0, 100},
		{"short loss", exchange.PositionSideShort, 3000, 3100, 1, 0, -100},
		{"commission deducted", exchange.PositionSideLong, 45000, 48000, 0.001, 0.5, 2.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PnL(tt.side, tt.entry, tt.exit, tt.qty, tt.comm)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("PnL = %v, want %v", got, tt.want)
			}
		})
	}
}
