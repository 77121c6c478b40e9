// Package metrics provides Prometheus metrics collection for the futures
// lifecycle engine. It defines and manages all performance, trading, and
// system metrics that are exposed via the Prometheus metrics endpoint for
// monitoring and alerting.
//
// The package includes metrics for order execution, exit-controller
// activity, reconciliation outcomes, WebSocket connections, and general
// system health.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the trading engine.
// It provides counters, gauges, and histograms for comprehensive monitoring
// of entry/exit execution, reconciliation, and system performance.
type Metrics struct {
	// Trading metrics
	OrdersTotal            prometheus.Counter   // Total number of orders placed
	EntryRejectionsTotal   *prometheus.CounterVec // Entry pipeline rejections, labeled by reason
	PnLTotal               prometheus.Gauge     // Current total realized profit and loss
	ActivePositions        prometheus.Gauge     // Number of active positions
	OrderExecutionDuration prometheus.Histogram // Duration of order execution attempts

	// Exit controller metrics
	ExitsTotal       *prometheus.CounterVec // Closed positions, labeled by exit reason
	Tp1FillsTotal    prometheus.Counter     // Total number of partial TP1 fills
	StopOrderTimeouts prometheus.Counter    // Exit/TP1 orders that never confirmed within the poll window

	// Reconciliation metrics
	ReconciliationRunsTotal   prometheus.Counter // Total number of reconciliation passes
	PositionsSynthesizedTotal prometheus.Counter // Local records synthesized from exchange state
	PositionsExpiredTotal     prometheus.Counter // Local records removed after the grace window

	// WebSocket and data metrics
	WSReconnects   prometheus.Counter // Total number of WebSocket reconnections
	CandlesReceived prometheus.Counter // Total number of closed-candle messages received

	// Hibernation metrics
	HibernationActivations prometheus.Counter // Total number of symbols placed into cooldown

	// System metrics
	ErrorsTotal prometheus.Counter // Total number of errors encountered
}

// New creates and registers all Prometheus metrics using the default registry.
// This is the standard way to create metrics for production use.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
// This allows for isolated metric collection in tests without affecting
// the global Prometheus registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		OrdersTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "orders_total",
			Help: "Total number of orders placed",
		}),
		EntryRejectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "entry_rejections_total",
			Help: "Total number of entry pipeline rejections, labeled by reason",
		}, []string{"reason"}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of WebSocket reconnections",
		}),
		PnLTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pnl_total",
			Help: "Current total realized profit and loss",
		}),
		ActivePositions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Number of active positions",
		}),
		CandlesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "candles_received_total",
			Help: "Total number of closed-candle messages received",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "errors_total",
			Help: "Total number of errors encountered",
		}),
		ExitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "exits_total",
			Help: "Total number of closed positions, labeled by exit reason",
		}, []string{"reason"}),
		Tp1FillsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "tp1_fills_total",
			Help: "Total number of partial TP1 fills",
		}),
		StopOrderTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "stop_order_timeouts_total",
			Help: "Total number of exit/TP1 orders that never confirmed within the poll window",
		}),
		ReconciliationRunsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Total number of reconciliation passes",
		}),
		PositionsSynthesizedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "positions_synthesized_total",
			Help: "Total number of local positions synthesized from exchange state",
		}),
		PositionsExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "positions_expired_total",
			Help: "Total number of local positions removed after the reconciliation grace window",
		}),
		HibernationActivations: factory.NewCounter(prometheus.CounterOpts{
			Name: "hibernation_activations_total",
			Help: "Total number of symbols placed into a hibernation cooldown",
		}),
		OrderExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_execution_duration_seconds",
			Help:    "Duration of order execution attempts in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
	}
}

// UpdatePositions updates the active positions metric based on current position sizes.
// It counts the number of non-zero positions across all symbols and updates the gauge.
func (m *Metrics) UpdatePositions(positions map[string]float64) {
	count := 0
	for _, pos := range positions {
		if pos != 0 {
			count++
		}
	}
	m.ActivePositions.Set(float64(count))
}
