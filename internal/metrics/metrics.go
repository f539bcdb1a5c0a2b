// Package metrics exposes the engine's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine collectors. A single instance is created at
// startup and passed to components; no default-registry globals.
type Metrics struct {
	Registry *prometheus.Registry

	SignalsReceived     *prometheus.CounterVec
	SignalsRejected     *prometheus.CounterVec
	OrdersExecuted      *prometheus.CounterVec
	RiskRejections      *prometheus.CounterVec
	VenueAPIFailures    prometheus.Counter
	LockTimeouts        prometheus.Counter
	StrategyUnprotected prometheus.Counter
	OCOAnomalies        prometheus.Counter
	OCOPairsActive      prometheus.Gauge
	MonitorBacklog      prometheus.Gauge
	PersistenceFailures *prometheus.CounterVec
	OpenPositions       prometheus.Gauge
	DailyPnL            prometheus.Gauge
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SignalsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_signals_received_total",
			Help: "Signals received per source (http, nats).",
		}, []string{"source"}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_signals_rejected_total",
			Help: "Signals suppressed by the aggregator, per reason.",
		}, []string{"reason"}),
		OrdersExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_orders_executed_total",
			Help: "Dispatch outcomes per status.",
		}, []string{"status"}),
		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_risk_rejections_total",
			Help: "Signals rejected by the risk gate, per reason.",
		}, []string{"reason"}),
		VenueAPIFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradeengine_venue_api_failures_total",
			Help: "Venue calls that failed after the retry budget.",
		}),
		LockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradeengine_lock_timeouts_total",
			Help: "Dispatches that failed to acquire the execution lock.",
		}),
		StrategyUnprotected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradeengine_strategy_unprotected_total",
			Help: "Strategy positions left open without an OCO pair.",
		}),
		OCOAnomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradeengine_oco_anomalies_total",
			Help: "OCO pairs where both protection orders filled.",
		}),
		OCOPairsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeengine_oco_pairs_active",
			Help: "Currently monitored OCO pairs.",
		}),
		MonitorBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeengine_oco_monitor_backlog",
			Help: "Polls skipped because the previous poll overran the interval.",
		}),
		PersistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeengine_persistence_failures_total",
			Help: "Failed writes per store (primary, analytics).",
		}, []string{"store"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeengine_open_positions",
			Help: "Open exchange positions.",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradeengine_daily_realized_pnl",
			Help: "Realized PnL accumulated since UTC midnight.",
		}),
	}

	reg.MustRegister(
		m.SignalsReceived, m.SignalsRejected, m.OrdersExecuted, m.RiskRejections,
		m.VenueAPIFailures, m.LockTimeouts, m.StrategyUnprotected, m.OCOAnomalies,
		m.OCOPairsActive, m.MonitorBacklog, m.PersistenceFailures,
		m.OpenPositions, m.DailyPnL,
	)
	return m
}
