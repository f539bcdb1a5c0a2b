// Package aggregator adjudicates co-arriving signals before dispatch. A
// short window opens per (symbol, resolved side) on the first signal;
// signals landing in the same window are merged, ranked or dropped by the
// configured policy. In hedge mode opposite sides never meet in a window,
// so a buy and a sell on the same symbol both pass through.
package aggregator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/events"
	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/orders"
	"petrosa-tradeengine/internal/signal"
	"petrosa-tradeengine/internal/tradingconfig"
)

// Resolution policies.
const (
	PolicyHigherTimeframeWins  = "higher_timeframe_wins"
	PolicyTimeframeWeighted    = "timeframe_weighted"
	PolicyStrongestWins        = "strongest_wins"
	PolicyFirstComeFirstServed = "first_come_first_served"
	PolicyManualReview         = "manual_review"
)

// Same-direction conflict resolutions.
const (
	SameDirectionAccumulate = "accumulate"
	SameDirectionReplace    = "replace"
	SameDirectionReject     = "reject"
)

// Rejection reasons attached to suppressed signals.
const (
	ReasonHoldFiltered            = "hold_filtered"
	ReasonBelowQuorum             = "below_quorum"
	ReasonOppositeHigherTimeframe = "opposite_higher_timeframe"
	ReasonSameDirectionReplaced   = "same_direction_replaced"
	ReasonManualReviewRequired    = "manual_review_required"
	ReasonMalformedSignal         = "malformed_signal"
)

// Sink receives the signals that survive aggregation, in window-close
// order per key.
type Sink func(ctx context.Context, sig *signal.Signal)

// Aggregator serialises signals per key onto a window and resolves each
// window with the configured policy when it closes.
type Aggregator struct {
	mu      sync.Mutex
	windows map[string]*window

	cfg       *tradingconfig.Service
	sink      Sink
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	hedgeMode bool

	closed bool
	wg     sync.WaitGroup
}

type window struct {
	key     string
	signals []*signal.Signal
	params  tradingconfig.Params
	timer   *time.Timer
}

// New creates an aggregator feeding accepted signals into sink.
func New(cfg *tradingconfig.Service, sink Sink, bus *events.Bus, m *metrics.Metrics, hedgeMode bool, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		windows:   make(map[string]*window),
		cfg:       cfg,
		sink:      sink,
		bus:       bus,
		metrics:   m,
		logger:    logger.With().Str("component", "SignalAggregator").Logger(),
		hedgeMode: hedgeMode,
	}
}

// Submit feeds one signal in. Malformed and hold signals are rejected
// immediately; the rest join the window for their key.
func (a *Aggregator) Submit(ctx context.Context, sig *signal.Signal, source string) {
	if a.metrics != nil {
		a.metrics.SignalsReceived.WithLabelValues(source).Inc()
	}
	sig.Normalize()
	if err := sig.Validate(); err != nil {
		a.reject(sig, ReasonMalformedSignal)
		return
	}
	if sig.Action == signal.ActionHold {
		a.reject(sig, ReasonHoldFiltered)
		return
	}

	key := a.windowKey(sig)
	side := ""
	if a.hedgeMode {
		side = string(orders.PositionSideFor(sig.Action))
	}
	params, err := a.cfg.Resolve(ctx, sig.Symbol, side)
	if err != nil {
		a.logger.Warn().Err(err).Str("symbol", sig.Symbol).Msg("Config resolve failed; using defaults")
		params = tradingconfig.Defaults()
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	win, open := a.windows[key]
	if !open {
		win = &window{key: key, params: params}
		a.windows[key] = win
		dur := time.Duration(params.AggregationWindowMS) * time.Millisecond
		if dur <= 0 {
			dur = 200 * time.Millisecond
		}
		win.timer = time.AfterFunc(dur, func() { a.flush(key) })
	}
	if a.duplicateLocked(win, sig) {
		a.mu.Unlock()
		return
	}
	win.signals = append(win.signals, sig)
	immediate := sig.Immediate
	a.mu.Unlock()

	if immediate {
		a.flush(key)
	}
}

// Drain flushes every open window and stops accepting new signals. Called
// on shutdown so buffered signals are not lost.
func (a *Aggregator) Drain() {
	a.mu.Lock()
	a.closed = true
	keys := make([]string, 0, len(a.windows))
	for key := range a.windows {
		keys = append(keys, key)
	}
	a.mu.Unlock()

	for _, key := range keys {
		a.flushWindow(key)
	}
	a.wg.Wait()
}

// flush closes one window asynchronously so the timer goroutine is not
// blocked on dispatch.
func (a *Aggregator) flush(key string) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.flushWindow(key)
	}()
}

func (a *Aggregator) flushWindow(key string) {
	a.mu.Lock()
	win, ok := a.windows[key]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.windows, key)
	win.timer.Stop()
	a.mu.Unlock()

	if len(win.signals) == 0 {
		return
	}
	accepted, rejected := resolve(win.signals, &win.params, a.hedgeMode)

	for _, r := range rejected {
		a.reject(r.sig, r.reason)
	}
	ctx := context.Background()
	for _, sig := range accepted {
		if a.bus != nil {
			a.bus.Emit(events.EventSignalAccepted, map[string]interface{}{
				"strategy_id": sig.StrategyID,
				"symbol":      sig.Symbol,
				"action":      string(sig.Action),
				"confidence":  sig.Confidence,
			})
		}
		a.sink(ctx, sig)
	}
}

func (a *Aggregator) windowKey(sig *signal.Signal) string {
	if !a.hedgeMode {
		return sig.Symbol
	}
	return sig.Symbol + ":" + string(orders.PositionSideFor(sig.Action))
}

// duplicateLocked drops at-least-once redeliveries inside one window.
func (a *Aggregator) duplicateLocked(win *window, sig *signal.Signal) bool {
	for _, existing := range win.signals {
		if existing.StrategyID == sig.StrategyID &&
			existing.Action == sig.Action &&
			existing.Timeframe == sig.Timeframe {
			return true
		}
	}
	return false
}

func (a *Aggregator) reject(sig *signal.Signal, reason string) {
	if a.metrics != nil {
		a.metrics.SignalsRejected.WithLabelValues(reason).Inc()
	}
	a.logger.Debug().
		Str("strategy_id", sig.StrategyID).
		Str("symbol", sig.Symbol).
		Str("reason", reason).
		Msg("Signal rejected")
	if a.bus == nil {
		return
	}
	data := map[string]interface{}{
		"strategy_id": sig.StrategyID,
		"symbol":      sig.Symbol,
		"action":      string(sig.Action),
		"reason":      reason,
	}
	if reason == ReasonManualReviewRequired {
		a.bus.Emit(events.EventManualReview, data)
	}
	a.bus.Emit(events.EventSignalRejected, data)
}

type rejection struct {
	sig    *signal.Signal
	reason string
}

// resolve adjudicates one closed window. In hedge mode the window already
// holds a single direction; in one-way mode opposing directions meet here
// and the conflict policy decides.
func resolve(signals []*signal.Signal, params *tradingconfig.Params, hedgeMode bool) ([]*signal.Signal, []rejection) {
	if params.ConflictResolution == PolicyManualReview {
		rejected := make([]rejection, 0, len(signals))
		for _, sig := range signals {
			rejected = append(rejected, rejection{sig, ReasonManualReviewRequired})
		}
		return nil, rejected
	}

	buys, sells := partition(signals)
	if hedgeMode || len(buys) == 0 || len(sells) == 0 {
		// No cross-direction conflict; only same-direction policy applies.
		var accepted []*signal.Signal
		var rejected []rejection
		for _, group := range [][]*signal.Signal{buys, sells} {
			acc, rej := resolveSameDirection(group, params)
			accepted = append(accepted, acc...)
			rejected = append(rejected, rej...)
		}
		return accepted, rejected
	}
	return resolveConflict(buys, sells, params)
}

// resolveConflict handles opposing directions in one window (one-way mode).
func resolveConflict(buys, sells []*signal.Signal, params *tradingconfig.Params) ([]*signal.Signal, []rejection) {
	switch params.ConflictResolution {
	case PolicyHigherTimeframeWins:
		buyMax := maxWeight(buys)
		sellMax := maxWeight(sells)
		if buyMax > sellMax {
			return winnersAndLosers(buys, sells, params)
		}
		if sellMax > buyMax {
			return winnersAndLosers(sells, buys, params)
		}
		return weighted(buys, sells, params)

	case PolicyStrongestWins:
		all := append(append([]*signal.Signal{}, buys...), sells...)
		best := strongest(all, params)
		var rejected []rejection
		for _, sig := range all {
			if sig == best {
				continue
			}
			reason := ReasonOppositeHigherTimeframe
			if sig.Action == best.Action {
				reason = ReasonSameDirectionReplaced
			}
			rejected = append(rejected, rejection{sig, reason})
		}
		return []*signal.Signal{best}, rejected

	case PolicyFirstComeFirstServed:
		all := append(append([]*signal.Signal{}, buys...), sells...)
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].ReceivedAt.Before(all[j].ReceivedAt)
		})
		first := all[0]
		keep := first.Action
		var winners []*signal.Signal
		var rejected []rejection
		for _, sig := range all {
			if sig.Action == keep {
				winners = append(winners, sig)
			} else {
				rejected = append(rejected, rejection{sig, ReasonOppositeHigherTimeframe})
			}
		}
		acc, rej := resolveSameDirection(winners, params)
		return acc, append(rejected, rej...)

	default: // timeframe_weighted
		return weighted(buys, sells, params)
	}
}

// weighted sums signed scores (buy positive, sell negative). The winning
// direction is the sign; the merged confidence is the normalised magnitude,
// suppressed below the quorum threshold.
func weighted(buys, sells []*signal.Signal, params *tradingconfig.Params) ([]*signal.Signal, []rejection) {
	var sum, total float64
	for _, sig := range buys {
		score := sig.Score(params.StrategyWeights[sig.StrategyID])
		sum += score
		total += score
	}
	for _, sig := range sells {
		score := sig.Score(params.StrategyWeights[sig.StrategyID])
		sum -= score
		total += score
	}

	all := append(append([]*signal.Signal{}, buys...), sells...)
	magnitude := 0.0
	if total > 0 {
		magnitude = abs(sum) / total
	}
	if magnitude < params.QuorumThreshold {
		rejected := make([]rejection, 0, len(all))
		for _, sig := range all {
			rejected = append(rejected, rejection{sig, ReasonBelowQuorum})
		}
		return nil, rejected
	}

	winners := buys
	losers := sells
	if sum < 0 {
		winners, losers = sells, buys
	}

	merged := *strongest(winners, params)
	merged.Confidence = magnitude
	var rejected []rejection
	for _, sig := range losers {
		rejected = append(rejected, rejection{sig, ReasonOppositeHigherTimeframe})
	}
	for _, sig := range winners {
		if sig.StrategyID != merged.StrategyID || sig.Timeframe != merged.Timeframe {
			rejected = append(rejected, rejection{sig, ReasonSameDirectionReplaced})
		}
	}
	return []*signal.Signal{&merged}, rejected
}

// winnersAndLosers rejects the losing direction wholesale and applies the
// same-direction policy to the winners.
func winnersAndLosers(winners, losers []*signal.Signal, params *tradingconfig.Params) ([]*signal.Signal, []rejection) {
	rejected := make([]rejection, 0, len(losers))
	for _, sig := range losers {
		rejected = append(rejected, rejection{sig, ReasonOppositeHigherTimeframe})
	}
	acc, rej := resolveSameDirection(winners, params)
	return acc, append(rejected, rej...)
}

// resolveSameDirection applies accumulate, replace or reject to a single
// direction group.
func resolveSameDirection(group []*signal.Signal, params *tradingconfig.Params) ([]*signal.Signal, []rejection) {
	if len(group) <= 1 {
		return group, nil
	}
	switch params.SameDirectionResolution {
	case SameDirectionReplace:
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ReceivedAt.Before(group[j].ReceivedAt)
		})
		last := group[len(group)-1]
		var rejected []rejection
		for _, sig := range group[:len(group)-1] {
			rejected = append(rejected, rejection{sig, ReasonSameDirectionReplaced})
		}
		return []*signal.Signal{last}, rejected

	case SameDirectionReject:
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].ReceivedAt.Before(group[j].ReceivedAt)
		})
		first := group[0]
		var rejected []rejection
		for _, sig := range group[1:] {
			rejected = append(rejected, rejection{sig, ReasonSameDirectionReplaced})
		}
		return []*signal.Signal{first}, rejected

	default: // accumulate
		return group, nil
	}
}

func partition(signals []*signal.Signal) (buys, sells []*signal.Signal) {
	for _, sig := range signals {
		if sig.Action == signal.ActionSell {
			sells = append(sells, sig)
		} else {
			buys = append(buys, sig)
		}
	}
	return buys, sells
}

func maxWeight(signals []*signal.Signal) float64 {
	max := 0.0
	for _, sig := range signals {
		if w := sig.Timeframe.Weight(); w > max {
			max = w
		}
	}
	return max
}

func strongest(signals []*signal.Signal, params *tradingconfig.Params) *signal.Signal {
	var best *signal.Signal
	bestScore := -1.0
	for _, sig := range signals {
		if score := sig.Score(params.StrategyWeights[sig.StrategyID]); score > bestScore {
			best, bestScore = sig, score
		}
	}
	return best
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
