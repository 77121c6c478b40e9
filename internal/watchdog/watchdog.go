// Package watchdog is the heartbeat-timeout force-exit sweep. Every
// long-running worker calls Beat on each successful iteration; if the age
// of the last heartbeat ever exceeds HeartbeatTimeout, the watchdog
// assumes the normal worker set has stalled and synchronously sweeps every
// open position via REST, force-closing any whose price has breached its
// stop loss or take profit by more than SlTpBufferPct.
package watchdog

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/sink"
	"binance-lifecycle-engine/internal/tracker"
)

// Gateway is the subset of exchange/binance.Client the watchdog needs for
// its synchronous REST sweep. Prices are always fetched directly over
// REST, never from the kline stream, since a stalled heartbeat can itself
// be a symptom of the streaming path being stuck.
type Gateway interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool) (*GatewayOrder, error)
}

// GatewayOrder mirrors exchange/binance.OrderResult.
type GatewayOrder struct {
	OrderID     int64
	Status      string
	ExecutedQty decimal.Decimal
}

// Watchdog tracks a single monotonic heartbeat and, on timeout, sweeps
// every stored position for an SL/TP violation. Safe for concurrent use:
// Beat is lock-free so every worker can call it on its own iteration
// without contending with the others.
type Watchdog struct {
	Store   *posstore.Store
	Tracker *tracker.Tracker
	Gateway Gateway
	Sink    *sink.Sink

	HeartbeatTimeout time.Duration
	PollInterval     time.Duration
	SlTpBufferPct    float64

	lastBeatNano atomic.Int64
}

// New builds a Watchdog with its heartbeat set to the current time.
func New(store *posstore.Store, trk *tracker.Tracker, gw Gateway, sk *sink.Sink, heartbeatTimeout, pollInterval time.Duration, slTpBufferPct float64) *Watchdog {
	w := &Watchdog{
		Store:            store,
		Tracker:          trk,
		Gateway:          gw,
		Sink:             sk,
		HeartbeatTimeout: heartbeatTimeout,
		PollInterval:     pollInterval,
		SlTpBufferPct:    slTpBufferPct,
	}
	w.Beat()
	return w
}

// Beat records a successful iteration. Workers that feed the heartbeat
// call this once per loop pass.
func (w *Watchdog) Beat() {
	w.lastBeatNano.Store(time.Now().UnixNano())
}

// Age reports how long it has been since the last Beat.
func (w *Watchdog) Age() time.Duration {
	return time.Since(time.Unix(0, w.lastBeatNano.Load()))
}

// Run blocks, polling the heartbeat age every PollInterval until ctx is
// canceled. Any pass where Age exceeds HeartbeatTimeout triggers Sweep.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.PollInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.Age() > w.HeartbeatTimeout {
				w.Sweep(ctx)
			}
		}
	}
}

// Sweep synchronously evaluates every stored position against its SL/TP,
// widened by SlTpBufferPct, and force-closes any in violation. It is the
// watchdog's own simplified exit path: no partial-TP, trailing, or
// time-exit handling, since its only job is to stop the bleeding until
// the normal worker set resumes.
func (w *Watchdog) Sweep(ctx context.Context) {
	log.Warn().Dur("age", w.Age()).Msg("watchdog: heartbeat timeout exceeded, sweeping positions via REST")
	w.alert(sink.Critical, "watchdog_sweep", "heartbeat timeout exceeded, forcing a REST position sweep")

	for _, pos := range w.Store.All() {
		if !posstore.IsSaneStored(&pos) {
			continue
		}
		price, err := w.Gateway.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("watchdog: price fetch failed during sweep")
			continue
		}
		if reason, violated := w.violation(pos, price); violated {
			w.forceExit(ctx, pos, price, reason)
		}
	}
}

// violation reports whether price has breached pos's stop loss or take
// profit by more than the configured buffer, and which lifecycle reason
// describes the breach.
func (w *Watchdog) violation(pos posstore.Position, price decimal.Decimal) (string, bool) {
	buffer := decimal.NewFromFloat(w.SlTpBufferPct)

	slBuffered := pos.StopLoss.Mul(decimal.NewFromFloat(1).Sub(buffer))
	slBufferedShort := pos.StopLoss.Mul(decimal.NewFromFloat(1).Add(buffer))
	tpBuffered := pos.TakeProfit.Mul(decimal.NewFromFloat(1).Add(buffer))
	tpBufferedShort := pos.TakeProfit.Mul(decimal.NewFromFloat(1).Sub(buffer))

	switch pos.Side {
	case posstore.Long:
		if price.LessThanOrEqual(slBuffered) {
			return "REST_EXIT_SL", true
		}
		if price.GreaterThanOrEqual(tpBuffered) {
			return "REST_EXIT_TP", true
		}
	case posstore.Short:
		if price.GreaterThanOrEqual(slBufferedShort) {
			return "REST_EXIT_SL", true
		}
		if price.LessThanOrEqual(tpBufferedShort) {
			return "REST_EXIT_TP", true
		}
	}
	return "", false
}

// forceExit submits a reduce-only market close for a watchdog-detected
// violation, logs the REST_EXIT_* lifecycle event, and clears the tracker
// and position store entries on success.
func (w *Watchdog) forceExit(ctx context.Context, pos posstore.Position, price decimal.Decimal, reason string) {
	symbol, side := pos.Symbol, pos.Side

	if !w.Tracker.MarkExitPending(symbol, string(side)) {
		return
	}

	closeSide := "SELL"
	if side == posstore.Short {
		closeSide = "BUY"
	}

	ack, err := w.Gateway.PlaceMarket(ctx, symbol, closeSide, pos.Size, true)
	if err != nil {
		log.Error().Err(err).Str("symbol", symbol).Str("reason", reason).Msg("watchdog: force-exit order failed")
		w.alert(sink.Critical, "watchdog_force_exit_failed", "watchdog force-exit order failed for "+symbol)
		w.Tracker.Clear(symbol, string(side))
		return
	}

	pnl := decimal.Zero
	switch side {
	case posstore.Long:
		pnl = price.Sub(pos.EntryPrice).Mul(pos.Size)
	case posstore.Short:
		pnl = pos.EntryPrice.Sub(price).Mul(pos.Size)
	}

	if w.Sink != nil {
		_ = w.Sink.LogEvent(sink.LifecycleEvent{
			Ts:         time.Now(),
			Symbol:     symbol,
			Side:       string(side),
			EventType:  sink.RestExit,
			Price:      price,
			Qty:        pos.Size,
			EntryPrice: pos.EntryPrice,
			Pnl:        pnl,
			Sl:         pos.StopLoss,
			Tp:         pos.TakeProfit,
			Reason:     reason,
			Source:     string(pos.Source),
		})
	}

	_ = w.Store.Close(symbol, side, nil)
	w.Tracker.Clear(symbol, string(side))

	log.Warn().Str("symbol", symbol).Str("reason", reason).Str("orderId", formatOrderID(ack.OrderID)).Msg("watchdog: force-exit executed")
	w.alert(sink.Critical, "watchdog_force_exit_"+symbol, "watchdog force-closed "+symbol+" ("+reason+")")
}

func (w *Watchdog) alert(sev sink.Severity, key, message string) {
	if w.Sink == nil {
		return
	}
	w.Sink.Alert(sev, key, message)
}

func formatOrderID(id int64) string {
	if id == 0 {
		return "unknown"
	}
	return decimal.NewFromInt(id).String()
}
