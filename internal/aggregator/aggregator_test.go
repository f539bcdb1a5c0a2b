package aggregator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/signal"
	"petrosa-tradeengine/internal/tradingconfig"
)

type capture struct {
	mu   sync.Mutex
	sigs []*signal.Signal
}

func (c *capture) sink(_ context.Context, sig *signal.Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sigs = append(c.sigs, sig)
}

func (c *capture) all() []*signal.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*signal.Signal, len(c.sigs))
	copy(out, c.sigs)
	return out
}

func newTestAggregator(t *testing.T, hedgeMode bool, override *tradingconfig.Override) (*Aggregator, *capture) {
	t.Helper()
	store := tradingconfig.NewMemoryStore()
	svc := tradingconfig.NewService(store, nil, zerolog.Nop())
	if override != nil {
		if err := svc.SetOverride(context.Background(), "", "", "test", override); err != nil {
			t.Fatalf("SetOverride: %v", err)
		}
	}
	c := &capture{}
	return New(svc, c.sink, nil, nil, hedgeMode, zerolog.Nop()), c
}

func strPtr(v string) *string { return &v }

var recvSeq time.Time

func makeSignal(strategyID, symbol string, action signal.Action, conf float64, tf signal.Timeframe) *signal.Signal {
	if recvSeq.IsZero() {
		recvSeq = time.Now().UTC().Add(-time.Minute)
	}
	recvSeq = recvSeq.Add(time.Millisecond)
	return &signal.Signal{
		StrategyID:   strategyID,
		Symbol:       symbol,
		Action:       action,
		Confidence:   conf,
		Timeframe:    tf,
		CurrentPrice: 45000,
		ReceivedAt:   recvSeq,
	}
}

func TestHoldSignalsNeverPass(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	agg.Submit(context.Background(), makeSignal("s1", "BTCUSDT", signal.ActionHold, 0.9, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 0 {
		t.Errorf("delivered = %d signals, want 0", len(c.all()))
	}
}

func TestMalformedSignalsRejected(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	agg.Submit(context.Background(), makeSignal("", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(context.Background(), makeSignal("s1", "BTCUSDT", signal.ActionBuy, 1.5, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 0 {
		t.Errorf("delivered = %d signals, want 0", len(c.all()))
	}
}

func TestHedgeModeOppositeSidesBothPass(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "ETHUSDT", signal.ActionBuy, 0.8, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "ETHUSDT", signal.ActionSell, 0.8, signal.Timeframe1h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 2 {
		t.Fatalf("delivered = %d signals, want 2 (opposite sides never conflict in hedge mode)", len(got))
	}
	actions := map[signal.Action]bool{}
	for _, sig := range got {
		actions[sig.Action] = true
	}
	if !actions[signal.ActionBuy] || !actions[signal.ActionSell] {
		t.Errorf("actions = %v, want both buy and sell", actions)
	}
}

func TestTimeframeWeightedMergesOpposingSignals(t *testing.T) {
	agg, c := newTestAggregator(t, false, nil)
	ctx := context.Background()

	// Buy 0.9 @ 1h scores 0.9; sell 0.4 @ 1m scores 0.16.
	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionSell, 0.4, signal.Timeframe1m), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d signals, want 1 merged", len(got))
	}
	if got[0].Action != signal.ActionBuy {
		t.Errorf("merged action = %v, want buy", got[0].Action)
	}
	wantConf := (0.9 - 0.16) / (0.9 + 0.16)
	if math.Abs(got[0].Confidence-wantConf) > 1e-9 {
		t.Errorf("merged confidence = %v, want %v", got[0].Confidence, wantConf)
	}
}

func TestTimeframeWeightedBelowQuorumDropsAll(t *testing.T) {
	agg, c := newTestAggregator(t, false, nil)
	ctx := context.Background()

	// Nearly balanced: |0.5-0.45|/0.95 is far below the 0.3 quorum.
	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.5, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionSell, 0.45, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 0 {
		t.Errorf("delivered = %d signals, want 0 below quorum", len(c.all()))
	}
}

func TestHigherTimeframeWins(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyHigherTimeframeWins),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionSell, 0.95, signal.Timeframe1m), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionBuy, 0.6, signal.Timeframe4h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 {
		t.Fatalf("delivered = %d signals, want 1", len(got))
	}
	if got[0].Action != signal.ActionBuy || got[0].StrategyID != "s2" {
		t.Errorf("winner = %+v, want the 4h buy regardless of confidence", got[0])
	}
}

func TestStrongestWins(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyStrongestWins),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionSell, 0.5, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s3", "BTCUSDT", signal.ActionBuy, 0.6, signal.Timeframe1h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 || got[0].StrategyID != "s1" {
		t.Errorf("delivered = %+v, want only s1", got)
	}
}

func TestFirstComeFirstServed(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyFirstComeFirstServed),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionSell, 0.6, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionBuy, 0.95, signal.Timeframe1d), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 || got[0].Action != signal.ActionSell {
		t.Errorf("delivered = %+v, want the earlier sell direction", got)
	}
}

func TestManualReviewSuppressesEverything(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyManualReview),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionSell, 0.9, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 0 {
		t.Errorf("delivered = %d signals, want 0 under manual review", len(c.all()))
	}
}

func TestSameDirectionAccumulateKeepsAll(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionBuy, 0.7, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 2 {
		t.Errorf("delivered = %d signals, want 2 under accumulate", len(c.all()))
	}
}

func TestSameDirectionReplaceKeepsLatest(t *testing.T) {
	agg, c := newTestAggregator(t, true, &tradingconfig.Override{
		SameDirectionResolution: strPtr(SameDirectionReplace),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionBuy, 0.7, signal.Timeframe1h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 || got[0].StrategyID != "s2" {
		t.Errorf("delivered = %+v, want only the later s2", got)
	}
}

func TestSameDirectionRejectKeepsFirst(t *testing.T) {
	agg, c := newTestAggregator(t, true, &tradingconfig.Override{
		SameDirectionResolution: strPtr(SameDirectionReject),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m), "test")
	agg.Submit(ctx, makeSignal("s2", "BTCUSDT", signal.ActionBuy, 0.7, signal.Timeframe1h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 || got[0].StrategyID != "s1" {
		t.Errorf("delivered = %+v, want only the earlier s1", got)
	}
}

func TestDuplicateDeliveriesAreDropped(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	ctx := context.Background()

	sig := makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m)
	redelivery := *sig
	agg.Submit(ctx, sig, "test")
	agg.Submit(ctx, &redelivery, "test")
	agg.Drain()

	if len(c.all()) != 1 {
		t.Errorf("delivered = %d signals, want 1 after de-dup", len(c.all()))
	}
}

func TestStrategyWeightTiltsResolution(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyStrongestWins),
		StrategyWeights:    map[string]float64{"underdog": 3.0},
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("favorite", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("underdog", "BTCUSDT", signal.ActionSell, 0.5, signal.Timeframe1h), "test")
	agg.Drain()

	got := c.all()
	if len(got) != 1 || got[0].StrategyID != "underdog" {
		t.Errorf("delivered = %+v, want the weighted underdog", got)
	}
}

func TestImmediateSignalFlushesWindow(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	ctx := context.Background()

	sig := makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m)
	sig.Immediate = true
	agg.Submit(ctx, sig, "test")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(c.all()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("immediate signal was not flushed before the window elapsed")
}

func TestDifferentSymbolsUseSeparateWindows(t *testing.T) {
	agg, c := newTestAggregator(t, false, &tradingconfig.Override{
		ConflictResolution: strPtr(PolicyStrongestWins),
	})
	ctx := context.Background()

	agg.Submit(ctx, makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.9, signal.Timeframe1h), "test")
	agg.Submit(ctx, makeSignal("s2", "ETHUSDT", signal.ActionBuy, 0.6, signal.Timeframe1h), "test")
	agg.Drain()

	if len(c.all()) != 2 {
		t.Errorf("delivered = %d signals, want 2 (one per symbol window)", len(c.all()))
	}
}

func TestSubmitAfterDrainIsIgnored(t *testing.T) {
	agg, c := newTestAggregator(t, true, nil)
	agg.Drain()
	agg.Submit(context.Background(), makeSignal("s1", "BTCUSDT", signal.ActionBuy, 0.8, signal.Timeframe15m), "test")
	time.Sleep(250 * time.Millisecond)

	if len(c.all()) != 0 {
		t.Error("signals submitted after drain must not dispatch")
	}
}
