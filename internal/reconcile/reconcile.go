// Package reconcile runs the periodic local-vs-exchange position
// comparison: synthesizing a local record for an exchange position we
// don't know about, and removing a local record once its matching
// exchange position has been missing longer than a grace window.
package reconcile

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/metrics"
	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/sink"
)

// Gateway is the subset of exchange/binance.Client the reconciliation
// loop needs.
type Gateway interface {
	Positions(ctx context.Context) ([]GatewayPosition, error)
}

// GatewayPosition mirrors exchange/binance.Position.
type GatewayPosition struct {
	Symbol       string
	PositionSide string
	PositionAmt  decimal.Decimal
	EntryPrice   decimal.Decimal
}

// Loop runs opportunistic reconciliation passes against a configured
// symbol set.
type Loop struct {
	Store   *posstore.Store
	Gateway Gateway
	Sink    *sink.Sink
	Metrics *metrics.Metrics
	Symbols []string

	GraceWindow      time.Duration // default 30s
	MinSlDistancePct float64
	RiskRewardRatio  float64
}

// NewLoop builds a Loop, defaulting to a 30s grace window when
// graceWindow is zero.
func NewLoop(store *posstore.Store, gw Gateway, sk *sink.Sink, symbols []string, graceWindow time.Duration, minSlDistancePct, riskRewardRatio float64) *Loop {
	if graceWindow <= 0 {
		graceWindow = 30 * time.Second
	}
	return &Loop{
		Store: store, Gateway: gw, Sink: sk, Symbols: symbols,
		GraceWindow: graceWindow, MinSlDistancePct: minSlDistancePct, RiskRewardRatio: riskRewardRatio,
	}
}

// Run performs one reconciliation pass. Safe to call opportunistically
// from multiple duty cycles (once per scalper cycle, once per exit pass)
// since every mutation routes through the position store's own mutex.
func (l *Loop) Run(ctx context.Context) error {
	if l.Metrics != nil {
		l.Metrics.ReconciliationRunsTotal.Inc()
	}
	exchangePositions, err := l.Gateway.Positions(ctx)
	if err != nil {
		return err
	}

	bySymbolSide := make(map[string]GatewayPosition, len(exchangePositions))
	for _, gp := range exchangePositions {
		if gp.PositionAmt.IsZero() {
			continue
		}
		side := posstore.Long
		if gp.PositionAmt.IsNegative() {
			side = posstore.Short
		}
		bySymbolSide[gp.Symbol+"|"+string(side)] = gp
	}

	l.reconcileExchangeOnlyPositions(bySymbolSide)
	l.reconcileLocalOnlyPositions(bySymbolSide)

	if l.Metrics != nil {
		sizes := make(map[string]float64)
		for _, pos := range l.Store.All() {
			sizes[pos.Symbol+"|"+string(pos.Side)] = pos.Size.InexactFloat64()
		}
		l.Metrics.UpdatePositions(sizes)
	}
	return nil
}

// reconcileExchangeOnlyPositions synthesizes a local record for any
// non-zero exchange position we don't already track, provided the
// exchange reports entryPrice > 0; otherwise it diverts to an incomplete
// marker and never creates a regular position from it.
func (l *Loop) reconcileExchangeOnlyPositions(exchange map[string]GatewayPosition) {
	for k, gp := range exchange {
		side := posstore.Long
		if gp.PositionAmt.IsNegative() {
			side = posstore.Short
		}
		if _, ok := l.Store.Get(gp.Symbol, side); ok {
			continue
		}
		if !gp.EntryPrice.IsPositive() {
			log.Warn().Str("key", k).Msg("reconcile: exchange position with invalid entryPrice, diverting to incomplete marker")
			// Add's own isSane check fails on a zero entryPrice, so this
			// routes straight to the "..._synced_incomplete" key instead of
			// ever creating a regular position record.
			_ = l.Store.Add(posstore.Position{
				Symbol: gp.Symbol, Side: side, Size: gp.PositionAmt.Abs(),
				Source: posstore.ReconciledSynthetic, EntryTime: time.Now(),
			})
			continue
		}

		sl, tp := defaultSlTp(gp.EntryPrice, side, l.MinSlDistancePct, l.RiskRewardRatio)
		pos := posstore.Position{
			Symbol:     gp.Symbol,
			Side:       side,
			EntryPrice: gp.EntryPrice,
			Size:       gp.PositionAmt.Abs(),
			StopLoss:   sl,
			TakeProfit: tp,
			PeakPrice:  gp.EntryPrice,
			Source:     posstore.ReconciledSynthetic,
			EntryTime:  time.Now(),
		}
		if err := l.Store.Add(pos); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("reconcile: failed to synthesize local record")
			continue
		}
		if l.Metrics != nil {
			l.Metrics.PositionsSynthesizedTotal.Inc()
		}
		log.Info().Str("key", k).Msg("reconcile: synthesized local record from exchange position")
		if l.Sink != nil {
			l.Sink.Alert(sink.Info, "reconcile_synth:"+k, "synthesized local position from exchange state")
		}
	}
}

// reconcileLocalOnlyPositions applies the grace-window timer to any local
// position with no matching non-zero exchange position.
func (l *Loop) reconcileLocalOnlyPositions(exchange map[string]GatewayPosition) {
	for _, pos := range l.Store.All() {
		k := pos.Symbol + "|" + string(pos.Side)
		if _, ok := exchange[k]; ok {
			if pos.BinanceMissingSince != nil {
				_ = l.Store.ClearBinanceMissing(pos.Symbol, pos.Side)
			}
			continue
		}

		if pos.BinanceMissingSince == nil {
			_ = l.Store.MarkBinanceMissing(pos.Symbol, pos.Side, time.Now())
			log.Info().Str("key", k).Msg("reconcile: local position missing on exchange, starting grace window")
			continue
		}

		if time.Since(*pos.BinanceMissingSince) > l.GraceWindow {
			log.Warn().Str("key", k).Dur("missingFor", time.Since(*pos.BinanceMissingSince)).
				Msg("reconcile: grace window expired, removing local position")
			_ = l.Store.Close(pos.Symbol, pos.Side, nil)
			if l.Metrics != nil {
				l.Metrics.PositionsExpiredTotal.Inc()
			}
			if l.Sink != nil {
				l.Sink.Alert(sink.ErrorSev, "reconcile_expire:"+k, "local position removed after grace window with no matching exchange position")
			}
		}
	}
}

func defaultSlTp(entry decimal.Decimal, side posstore.Side, minSlDistancePct, riskRewardRatio float64) (decimal.Decimal, decimal.Decimal) {
	if minSlDistancePct <= 0 {
		minSlDistancePct = 0.01
	}
	if riskRewardRatio <= 0 {
		riskRewardRatio = 2.0
	}
	risk := entry.Mul(decimal.NewFromFloat(minSlDistancePct))
	reward := risk.Mul(decimal.NewFromFloat(riskRewardRatio))
	switch side {
	case posstore.Short:
		return entry.Add(risk), entry.Sub(reward)
	default:
		return entry.Sub(risk), entry.Add(reward)
	}
}
