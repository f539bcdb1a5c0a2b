package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"petrosa-tradeengine/internal/metrics"
	"petrosa-tradeengine/internal/oco"
	"petrosa-tradeengine/internal/position"
)

// writeTimeout bounds each persistence write; a timed-out write is queued
// as pending and replayed by the sync loop.
const writeTimeout = 5 * time.Second

// maxPending caps the replay queue; beyond it the oldest entries are
// dropped, keeping the newest state (writes are upserts).
const maxPending = 10000

// DualWriter fans each write out to the primary document store and the
// analytics mirror. Primary failure marks the writer unhealthy, which the
// dispatcher uses to refuse new signals; analytics failure is logged and
// replayed, never fatal.
type DualWriter struct {
	primary   *MongoStore
	analytics *AnalyticsStore
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	healthy atomic.Bool

	mu      sync.Mutex
	pending []pendingWrite
}

type pendingWrite struct {
	store string
	fn    func(ctx context.Context) error
}

// NewDualWriter creates a dual writer. analytics may be nil.
func NewDualWriter(primary *MongoStore, analytics *AnalyticsStore, m *metrics.Metrics, logger zerolog.Logger) *DualWriter {
	w := &DualWriter{
		primary:   primary,
		analytics: analytics,
		metrics:   m,
		logger:    logger.With().Str("component", "DualWriter").Logger(),
	}
	w.healthy.Store(true)
	return w
}

// Healthy reports whether the primary store is accepting writes.
func (w *DualWriter) Healthy() bool {
	return w.healthy.Load()
}

func (w *DualWriter) SaveExchangePosition(ctx context.Context, pos *position.ExchangePosition) error {
	cp := *pos
	err := w.writePrimary(ctx, func(ctx context.Context) error {
		return w.primary.SaveExchangePosition(ctx, &cp)
	})
	w.writeAnalytics(ctx, func(ctx context.Context) error {
		return w.analytics.SaveExchangePosition(ctx, &cp)
	})
	return err
}

func (w *DualWriter) SaveStrategyPosition(ctx context.Context, sp *position.StrategyPosition) error {
	cp := *sp
	err := w.writePrimary(ctx, func(ctx context.Context) error {
		return w.primary.SaveStrategyPosition(ctx, &cp)
	})
	w.writeAnalytics(ctx, func(ctx context.Context) error {
		return w.analytics.SaveStrategyPosition(ctx, &cp)
	})
	return err
}

func (w *DualWriter) AppendContribution(ctx context.Context, c *position.Contribution) error {
	cp := *c
	err := w.writePrimary(ctx, func(ctx context.Context) error {
		return w.primary.AppendContribution(ctx, &cp)
	})
	w.writeAnalytics(ctx, func(ctx context.Context) error {
		return w.analytics.AppendContribution(ctx, &cp)
	})
	return err
}

func (w *DualWriter) RecordDailyPnL(ctx context.Context, day string, pnl float64) error {
	return w.writePrimary(ctx, func(ctx context.Context) error {
		return w.primary.RecordDailyPnL(ctx, day, pnl)
	})
}

func (w *DualWriter) LoadOpenExchangePositions(ctx context.Context) ([]*position.ExchangePosition, error) {
	return w.primary.LoadOpenExchangePositions(ctx)
}

func (w *DualWriter) LoadOpenStrategyPositions(ctx context.Context) ([]*position.StrategyPosition, error) {
	return w.primary.LoadOpenStrategyPositions(ctx)
}

func (w *DualWriter) SavePair(ctx context.Context, pair *oco.Pair) error {
	cp := *pair
	return w.writePrimary(ctx, func(ctx context.Context) error {
		return w.primary.SavePair(ctx, &cp)
	})
}

func (w *DualWriter) LoadActivePairs(ctx context.Context) ([]*oco.Pair, error) {
	return w.primary.LoadActivePairs(ctx)
}

// writePrimary runs a primary write with the write timeout. On failure the
// write is queued for replay and the writer goes unhealthy.
func (w *DualWriter) writePrimary(ctx context.Context, fn func(ctx context.Context) error) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err := fn(writeCtx)
	if err == nil {
		return nil
	}

	w.healthy.Store(false)
	if w.metrics != nil {
		w.metrics.PersistenceFailures.WithLabelValues("primary").Inc()
	}
	w.logger.Error().Err(err).Msg("Primary store write failed; queued for replay")
	w.enqueue(pendingWrite{store: "primary", fn: fn})
	return err
}

// writeAnalytics runs a best-effort analytics write.
func (w *DualWriter) writeAnalytics(ctx context.Context, fn func(ctx context.Context) error) {
	if w.analytics == nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := fn(writeCtx); err != nil {
		if w.metrics != nil {
			w.metrics.PersistenceFailures.WithLabelValues("analytics").Inc()
		}
		w.logger.Warn().Err(err).Msg("Analytics write failed; queued for replay")
		w.enqueue(pendingWrite{store: "analytics", fn: fn})
	}
}

func (w *DualWriter) enqueue(entry pendingWrite) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pending) >= maxPending {
		w.pending = w.pending[1:]
	}
	w.pending = append(w.pending, entry)
}

// SyncLoop replays pending writes and restores health once the primary
// answers again. Runs until ctx is cancelled.
func (w *DualWriter) SyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.replay(ctx)
		}
	}
}

// replay drains the pending queue in order, stopping at the first write
// that still fails.
func (w *DualWriter) replay(ctx context.Context) {
	w.mu.Lock()
	queue := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(queue) == 0 {
		if !w.healthy.Load() && w.pingPrimary(ctx) {
			w.healthy.Store(true)
			w.logger.Info().Msg("Primary store recovered")
		}
		return
	}

	for i, entry := range queue {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := entry.fn(writeCtx)
		cancel()
		if err != nil {
			w.mu.Lock()
			w.pending = append(queue[i:], w.pending...)
			w.mu.Unlock()
			w.logger.Warn().Err(err).Int("remaining", len(queue)-i).Str("store", entry.store).Msg("Replay still failing")
			return
		}
	}

	if !w.healthy.Load() {
		w.healthy.Store(true)
		w.logger.Info().Int("replayed", len(queue)).Msg("Primary store recovered; pending writes replayed")
	} else {
		w.logger.Info().Int("replayed", len(queue)).Msg("Pending writes replayed")
	}
}

func (w *DualWriter) pingPrimary(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return w.primary.Ping(pingCtx) == nil
}

var (
	_ position.Repository = (*DualWriter)(nil)
	_ oco.Repository      = (*DualWriter)(nil)
)
