package metrics

import (
	"binance-lifecycle-engine/internal/sink"
)

// Recorder folds lifecycle events into the Prometheus metric set: partial
// TP1 fills, full exits by reason, and running realized PnL. Register it
// on the sink with Subscribe so every logged event is counted exactly
// once, regardless of which worker produced it.
type Recorder struct {
	m *Metrics
}

// NewRecorder builds a Recorder over m.
func NewRecorder(m *Metrics) *Recorder {
	return &Recorder{m: m}
}

// Observe folds one lifecycle event into the metric set. Safe for
// concurrent use; the underlying Prometheus metrics are atomic.
func (r *Recorder) Observe(ev sink.LifecycleEvent) {
	switch ev.EventType {
	case sink.Tp1Partial:
		r.m.Tp1FillsTotal.Inc()
		r.m.PnLTotal.Add(ev.Pnl.InexactFloat64())
	case sink.SlExit, sink.TpExit, sink.TrailingExit, sink.TimeExit, sink.RestExit:
		r.m.ExitsTotal.WithLabelValues(string(ev.EventType)).Inc()
		r.m.PnLTotal.Add(ev.Pnl.InexactFloat64())
	}
}
