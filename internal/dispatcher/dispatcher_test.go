package dispatcher

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/exchange"
	"petrosa-tradeengine/internal/lock"
	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/orders"
	"petrosa-tradeengine/internal/position"
	"petrosa-tradeengine/internal/signal"
	"petrosa-tradeengine/internal/store"
	"petrosa-tradeengine/internal/tradingconfig"
)

type env struct {
	client    *exchange.MockClient
	filters   *exchange.Filters
	repo      *store.MemoryRepository
	lockStore *lock.MemoryStore
	locks     *lock.Service
	manager   *position.Manager
	tracker   *position.Tracker
	pairs     *oco.Manager
	cfgStore  *tradingconfig.MemoryStore
	cfg       *tradingconfig.Service
	healthy   bool
	d         *Dispatcher
}

func newEnv(t *testing.T) *env {
	t.Helper()
	client := exchange.NewMockClient()
	symbols, err := client.LoadSymbolInfo(context.Background())
	if err != nil {
		t.Fatalf("LoadSymbolInfo: %v", err)
	}
	filters := exchange.NewFilters(symbols)
	repo := store.NewMemoryRepository()
	lockStore := lock.NewMemoryStore()
	locks := lock.NewService(lockStore, time.Minute, zerolog.Nop())
	manager := position.NewManager(repo, zerolog.Nop())
	tracker := position.NewTracker(manager, repo, zerolog.Nop())
	cfgStore := tradingconfig.NewMemoryStore()
	cfg := tradingconfig.NewService(cfgStore, nil, zerolog.Nop())
	pairs := oco.NewManager(client, filters, tracker, repo, cfg, nil, nil, zerolog.Nop())

	e := &env{
		client:    client,
		filters:   filters,
		repo:      repo,
		lockStore: lockStore,
		locks:     locks,
		manager:   manager,
		tracker:   tracker,
		pairs:     pairs,
		cfgStore:  cfgStore,
		cfg:       cfg,
		healthy:   true,
	}
	e.d = New(client, filters, locks, manager, tracker, pairs, cfg, nil, nil,
		func() bool { return e.healthy }, zerolog.Nop())
	return e
}

func (e *env) setGlobal(t *testing.T, o *tradingconfig.Override) {
	t.Helper()
	if err := e.cfg.SetOverride(context.Background(), "", "", "test", o); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }
func boolPtr(v bool) *bool        { return &v }

func buySignal(symbol string, price float64) *signal.Signal {
	return &signal.Signal{
		StrategyID:   "momentum_v1",
		Symbol:       symbol,
		Action:       signal.ActionBuy,
		Confidence:   0.8,
		Timeframe:    signal.Timeframe15m,
		CurrentPrice: price,
	}
}

func sellSignal(symbol string, price float64) *signal.Signal {
	sig := buySignal(symbol, price)
	sig.StrategyID = "meanrev_v2"
	sig.Action = signal.ActionSell
	return sig
}

func TestDispatchExecutedPlacesEntryAndProtection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sig := buySignal("BTCUSDT", 45000)
	sig.StopLoss = 43000
	sig.TakeProfit = 48000

	res := e.d.Dispatch(ctx, sig)
	if res.Status != StatusExecuted {
		t.Fatalf("Status = %v (%s), want executed", res.Status, res.Reason)
	}
	if res.OrderID == "" {
		t.Error("executed result should carry the venue order id")
	}

	placed := e.client.PlacedOrders()
	if len(placed) != 3 {
		t.Fatalf("placed orders = %d, want entry + stop loss + take profit", len(placed))
	}
	entry := placed[0]
	if entry.Type != exchange.OrderTypeMarket || entry.Side != exchange.SideBuy || entry.PositionSide != exchange.PositionSideLong {
		t.Errorf("entry = %+v, want MARKET BUY LONG", entry)
	}
	// Default sizing: 25000 * 0.02 = 500 USD at 45000, floored to the step.
	if math.Abs(entry.Quantity-0.011) > 1e-12 {
		t.Errorf("entry quantity = %v, want 0.011", entry.Quantity)
	}
	sl, tp := placed[1], placed[2]
	if sl.Type != exchange.OrderTypeStopMarket || sl.Side != exchange.SideSell || sl.PositionSide != exchange.PositionSideLong || sl.StopPrice != 43000 {
		t.Errorf("stop loss = %+v", sl)
	}
	if tp.Type != exchange.OrderTypeTakeProfitMarket || tp.Side != exchange.SideSell || tp.PositionSide != exchange.PositionSideLong || tp.StopPrice != 48000 {
		t.Errorf("take profit = %+v", tp)
	}

	key := position.Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong}
	pos, ok := e.manager.Get(key)
	if !ok || pos.Status != position.StatusOpen {
		t.Fatalf("aggregate position = %+v, ok=%v", pos, ok)
	}
	if math.Abs(pos.Quantity-0.011) > 1e-12 || pos.AvgEntryPrice != 45000 {
		t.Errorf("aggregate = qty %v @ %v, want 0.011 @ 45000", pos.Quantity, pos.AvgEntryPrice)
	}

	sps := e.tracker.ByExchangeKey(key)
	if len(sps) != 1 {
		t.Fatalf("strategy positions = %d, want 1", len(sps))
	}
	if _, ok := e.pairs.PairForStrategy(sps[0].ID); !ok {
		t.Error("protection pair should be registered for the strategy position")
	}

	if e.lockStore.Held(lock.ExecutionLockName("BTCUSDT", "LONG")) {
		t.Error("execution lock must be released after dispatch")
	}
}

func TestDispatchHoldFiltered(t *testing.T) {
	e := newEnv(t)
	sig := buySignal("BTCUSDT", 45000)
	sig.Action = signal.ActionHold

	res := e.d.Dispatch(context.Background(), sig)
	if res.Status != StatusFiltered || res.Reason != "hold_filtered" {
		t.Errorf("result = %+v, want filtered/hold_filtered", res)
	}
	if len(e.client.PlacedOrders()) != 0 {
		t.Error("hold must never reach the venue")
	}
}

func TestDispatchValidationRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*signal.Signal)
	}{
		{"low confidence", func(s *signal.Signal) { s.Confidence = 0.4 }},
		{"unknown symbol", func(s *signal.Signal) { s.Symbol = "DOGEUSDT" }},
		{"missing price", func(s *signal.Signal) { s.CurrentPrice = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			sig := buySignal("BTCUSDT", 45000)
			tt.mutate(sig)

			res := e.d.Dispatch(context.Background(), sig)
			if res.Status != StatusRejectedByValidation {
				t.Errorf("Status = %v (%s), want rejected_by_validation", res.Status, res.Reason)
			}
			if len(e.client.PlacedOrders()) != 0 {
				t.Error("rejected signal must not place orders")
			}
		})
	}
}

func TestDispatchRiskGates(t *testing.T) {
	tests := []struct {
		name     string
		override *tradingconfig.Override
		sell     bool
		reason   string
	}{
		{"trading disabled", &tradingconfig.Override{TradingEnabled: boolPtr(false)}, false, "trading_disabled"},
		{"longs disabled", &tradingconfig.Override{AllowLongs: boolPtr(false)}, false, "longs_disabled"},
		{"shorts disabled", &tradingconfig.Override{AllowShorts: boolPtr(false)}, true, "shorts_disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			e.setGlobal(t, tt.override)

			sig := buySignal("BTCUSDT", 45000)
			if tt.sell {
				sig = sellSignal("BTCUSDT", 45000)
			}
			res := e.d.Dispatch(context.Background(), sig)
			if res.Status != StatusRejectedByRisk || res.Reason != tt.reason {
				t.Errorf("result = %+v, want rejected_by_risk/%s", res, tt.reason)
			}
			if len(e.client.PlacedOrders()) != 0 {
				t.Error("risk-rejected signal must not place orders")
			}
		})
	}
}

func TestDailyLossLimitBlocksNewTrades(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Book a 600 USD realized loss against the default 500 limit.
	key := position.Key{Symbol: "ETHUSDT", Side: exchange.PositionSideLong}
	e.manager.ApplyFill(ctx, &orders.TradeOrder{
		OrderID:      orders.NewID(),
		PositionID:   "sp-loss",
		Symbol:       "ETHUSDT",
		Side:         exchange.SideBuy,
		PositionSide: exchange.PositionSideLong,
		Type:         exchange.OrderTypeMarket,
	}, &exchange.OrderAck{Status: exchange.OrderStatusFilled, FilledQty: 1, AvgFillPrice: 3000})
	if err := e.manager.ApplyReduce(ctx, key, "sp-loss", 1, -600); err != nil {
		t.Fatalf("ApplyReduce: %v", err)
	}

	res := e.d.Dispatch(ctx, buySignal("BTCUSDT", 45000))
	if res.Status != StatusRejectedByRisk || res.Reason != "daily_loss_limit" {
		t.Errorf("result = %+v, want rejected_by_risk/daily_loss_limit", res)
	}
}

func TestMaxPositionsPerSymbol(t *testing.T) {
	e := newEnv(t)
	e.setGlobal(t, &tradingconfig.Override{MaxPositionsPerSymbol: intPtr(1)})
	ctx := context.Background()

	if res := e.d.Dispatch(ctx, buySignal("BTCUSDT", 45000)); res.Status != StatusExecuted {
		t.Fatalf("first dispatch = %+v", res)
	}
	sig := buySignal("BTCUSDT", 45000)
	sig.StrategyID = "breakout_v1"
	res := e.d.Dispatch(ctx, sig)
	if res.Status != StatusRejectedByRisk || res.Reason != "max_positions_per_symbol" {
		t.Errorf("second dispatch = %+v, want rejected_by_risk/max_positions_per_symbol", res)
	}
}

func TestSimulationModeSkipsVenue(t *testing.T) {
	e := newEnv(t)
	e.setGlobal(t, &tradingconfig.Override{SimulationMode: boolPtr(true)})

	res := e.d.Dispatch(context.Background(), buySignal("BTCUSDT", 45000))
	if res.Status != StatusSimulated {
		t.Fatalf("Status = %v (%s), want simulated", res.Status, res.Reason)
	}
	if len(e.client.PlacedOrders()) != 0 {
		t.Error("simulation must not place venue orders")
	}
	if len(e.manager.Snapshot()) != 0 {
		t.Error("simulation must not open positions")
	}
}

func TestLockContentionFailsFast(t *testing.T) {
	e := newEnv(t)
	e.setGlobal(t, &tradingconfig.Override{LockTimeoutSeconds: intPtr(0)})
	ctx := context.Background()

	// Another engine instance holds the execution lock for the same key.
	other := lock.NewService(e.lockStore, time.Minute, zerolog.Nop())
	name := lock.ExecutionLockName("BTCUSDT", "LONG")
	if err := other.Acquire(ctx, name, 0); err != nil {
		t.Fatalf("rival acquire: %v", err)
	}

	res := e.d.Dispatch(ctx, buySignal("BTCUSDT", 45000))
	if res.Status != StatusFailed || res.Reason != "lock_timeout" {
		t.Errorf("result = %+v, want failed/lock_timeout", res)
	}
	if len(e.client.PlacedOrders()) != 0 {
		t.Error("contended dispatch must not place orders")
	}
	if !e.lockStore.Held(name) {
		t.Error("rival's lock must survive the failed dispatch")
	}
}

func TestLockReleasedOnVenueFailure(t *testing.T) {
	e := newEnv(t)
	e.client.FailNextPlace = errors.New("venue unreachable")

	res := e.d.Dispatch(context.Background(), buySignal("BTCUSDT", 45000))
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if e.lockStore.Held(lock.ExecutionLockName("BTCUSDT", "LONG")) {
		t.Error("execution lock must be released when the venue call fails")
	}
	if len(e.manager.Snapshot()) != 0 {
		t.Error("failed placement must not open a position")
	}
}

func TestHedgeModeBothDirectionsCoexist(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if res := e.d.Dispatch(ctx, buySignal("ETHUSDT", 3000)); res.Status != StatusExecuted {
		t.Fatalf("buy = %+v", res)
	}
	if res := e.d.Dispatch(ctx, sellSignal("ETHUSDT", 3000)); res.Status != StatusExecuted {
		t.Fatalf("sell = %+v", res)
	}

	long, ok := e.manager.Get(position.Key{Symbol: "ETHUSDT", Side: exchange.PositionSideLong})
	if !ok || long.Status != position.StatusOpen {
		t.Errorf("LONG position = %+v, ok=%v", long, ok)
	}
	short, ok := e.manager.Get(position.Key{Symbol: "ETHUSDT", Side: exchange.PositionSideShort})
	if !ok || short.Status != position.StatusOpen {
		t.Errorf("SHORT position = %+v, ok=%v", short, ok)
	}

	placed := e.client.PlacedOrders()
	if len(placed) != 2 {
		t.Fatalf("placed orders = %d, want 2", len(placed))
	}
	if placed[0].PositionSide != exchange.PositionSideLong || placed[1].PositionSide != exchange.PositionSideShort {
		t.Errorf("position sides = %v, %v", placed[0].PositionSide, placed[1].PositionSide)
	}
}

func TestClosePositionManual(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sig := buySignal("BTCUSDT", 45000)
	sig.StopLoss = 43000
	sig.TakeProfit = 48000
	if res := e.d.Dispatch(ctx, sig); res.Status != StatusExecuted {
		t.Fatalf("dispatch = %+v", res)
	}
	key := position.Key{Symbol: "BTCUSDT", Side: exchange.PositionSideLong}
	sp := e.tracker.ByExchangeKey(key)[0]

	e.client.SetPrice("BTCUSDT", 46000)
	closed, err := e.d.ClosePosition(ctx, sp.ID, position.CloseManual)
	if err != nil {
		t.Fatalf("ClosePosition: %v", err)
	}
	if closed.ExitPrice != 46000 {
		t.Errorf("ExitPrice = %v, want 46000", closed.ExitPrice)
	}
	want := (46000.0 - 45000.0) * 0.011
	if math.Abs(closed.RealizedPnL-want) > 1e-9 {
		t.Errorf("RealizedPnL = %v, want %v", closed.RealizedPnL, want)
	}
	if closed.CloseReason != position.CloseManual {
		t.Errorf("CloseReason = %v", closed.CloseReason)
	}

	if _, ok := e.pairs.PairForStrategy(sp.ID); ok {
		t.Error("protection pair must be cancelled before the reducing order")
	}
	pos, _ := e.manager.Get(key)
	if pos.Status != position.StatusClosed {
		t.Errorf("aggregate = %+v, want closed after last contributor", pos)
	}
	if e.lockStore.Held(lock.ExecutionLockName("BTCUSDT", "LONG")) {
		t.Error("execution lock must be released after close")
	}
}

func TestPrimaryStoreDownRefusesSignals(t *testing.T) {
	e := newEnv(t)
	e.healthy = false

	res := e.d.Dispatch(context.Background(), buySignal("BTCUSDT", 45000))
	if res.Status != StatusFailed || res.Reason != "primary_store_unavailable" {
		t.Errorf("result = %+v, want failed/primary_store_unavailable", res)
	}
	if len(e.client.PlacedOrders()) != 0 {
		t.Error("dispatch must not trade while the primary store is down")
	}
}

func TestVerifyHedgeMode(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if err := e.d.VerifyHedgeMode(ctx); err != nil {
		t.Errorf("hedge account: %v", err)
	}
	e.client.SetHedgeMode(false)
	if err := e.d.VerifyHedgeMode(ctx); !errors.Is(err, ErrHedgeModeMismatch) {
		t.Errorf("one-way account = %v, want ErrHedgeModeMismatch", err)
	}
}

func TestExplicitQuantityIsFlooredToStep(t *testing.T) {
	e := newEnv(t)
	sig := buySignal("BTCUSDT", 45000)
	sig.Quantity = 0.0105

	res := e.d.Dispatch(context.Background(), sig)
	if res.Status != StatusExecuted {
		t.Fatalf("dispatch = %+v", res)
	}
	entry := e.client.PlacedOrders()[0]
	if math.Abs(entry.Quantity-0.010) > 1e-12 {
		t.Errorf("quantity = %v, want 0.010", entry.Quantity)
	}
}

func TestConfigExecutionDefaultsApply(t *testing.T) {
	e := newEnv(t)
	e.setGlobal(t, &tradingconfig.Override{
		DefaultOrderType:   strPtr("limit"),
		DefaultTimeInForce: strPtr("IOC"),
	})
	ctx := context.Background()

	// A signal with no execution hints inherits the configured defaults.
	res := e.d.Dispatch(ctx, buySignal("BTCUSDT", 45000))
	if res.Status != StatusExecuted {
		t.Fatalf("dispatch = %+v", res)
	}
	entry := e.client.PlacedOrders()[0]
	if entry.Type != exchange.OrderTypeLimit {
		t.Errorf("order type = %v, want LIMIT from config", entry.Type)
	}
	if entry.Price != 45000 {
		t.Errorf("limit price = %v, want 45000", entry.Price)
	}
	if entry.TimeInForce != exchange.TimeInForce("IOC") {
		t.Errorf("time in force = %v, want IOC from config", entry.TimeInForce)
	}

	// An explicit hint on the signal beats the tree.
	sig := buySignal("ETHUSDT", 3000)
	sig.OrderType = signal.OrderTypeMarket
	sig.TimeInForce = "GTC"
	if res := e.d.Dispatch(ctx, sig); res.Status != StatusExecuted {
		t.Fatalf("explicit dispatch = %+v", res)
	}
	placed := e.client.PlacedOrders()
	explicit := placed[len(placed)-1]
	if explicit.Type != exchange.OrderTypeMarket || explicit.TimeInForce != exchange.TimeInForce("GTC") {
		t.Errorf("explicit order = %+v, want MARKET GTC", explicit)
	}
}

func strPtr(v string) *string { return &v }

func TestRequireProtectionDerivesDefaults(t *testing.T) {
	e := newEnv(t)
	e.setGlobal(t, &tradingconfig.Override{RequireProtection: boolPtr(true)})

	res := e.d.Dispatch(context.Background(), buySignal("BTCUSDT", 45000))
	if res.Status != StatusExecuted {
		t.Fatalf("dispatch = %+v", res)
	}
	placed := e.client.PlacedOrders()
	if len(placed) != 3 {
		t.Fatalf("placed orders = %d, want entry plus derived protection pair", len(placed))
	}
	// Defaults: 2% stop below, 4% target above, tick-rounded.
	if placed[1].StopPrice != 44100.0 {
		t.Errorf("derived stop loss = %v, want 44100", placed[1].StopPrice)
	}
	if placed[2].StopPrice != 46800.0 {
		t.Errorf("derived take profit = %v, want 46800", placed[2].StopPrice)
	}
}
