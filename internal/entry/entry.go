// Package entry implements the 14-step entry pipeline: given a strategy
// signal and a configured USD allocation, it sizes, margin-checks,
// reverses any opposite-side position, places the market entry, and
// attaches SL/TP exit orders, persisting the resulting position only once
// every precondition has passed.
package entry

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/metrics"
	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/precision"
	"binance-lifecycle-engine/internal/sink"
	"binance-lifecycle-engine/internal/strategy"
	"binance-lifecycle-engine/internal/tracker"
)

// Gateway is the subset of exchange/binance.Client the entry pipeline
// needs, narrowed to an interface so the pipeline can be tested without a
// live exchange.
type Gateway interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Positions(ctx context.Context) ([]GatewayPosition, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*GatewayOrder, error)
	PlaceStopOrder(ctx context.Context, symbol, side, orderType string, stopPrice, qty decimal.Decimal, positionSide string) (*GatewayOrder, error)
	AccountBalance(ctx context.Context) (decimal.Decimal, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
}

// GatewayPosition mirrors the fields of exchange/binance.Position the
// pipeline needs for the opposite-side cleanup check.
type GatewayPosition struct {
	Symbol      string
	PositionAmt decimal.Decimal
}

// GatewayOrder mirrors the fields of exchange/binance.OrderResult the
// pipeline needs to resolve the entry fill price.
type GatewayOrder struct {
	OrderID     int64
	AvgPrice    decimal.Decimal
	ExecutedQty decimal.Decimal
}

// Params are the caller-supplied inputs for one entry attempt.
type Params struct {
	Symbol             string
	Side               posstore.Side
	USDAllocation      float64
	Signal             strategy.Signal
	Source             posstore.Source
	Label              string
	Confidence         float64
	Leverage           int
	MaintenanceRatePct float64 // defaults to 0.01 if zero
	HoldLimitHours     int

	MinSlDistancePct float64
	FallbackSlPct    float64
	RiskRewardRatio  float64 // defaults to 2.0 if zero
}

// Pipeline wires the entry algorithm to its collaborators.
type Pipeline struct {
	Store      *posstore.Store
	Tracker    *tracker.Tracker
	Precision  *precision.Registry
	Gateway    Gateway
	Sink       *sink.Sink
	Hibernator *Hibernator
	Metrics    *metrics.Metrics

	// HedgeMode mirrors the account's dual-side-position setting, queried
	// once at startup via exchange/binance.Client.PositionMode. When true
	// every order submission passes an explicit positionSide instead of
	// relying on reduceOnly, matching Binance's hedge-mode requirement
	// that closing orders name the position side they close.
	HedgeMode bool
}

// positionSideFor maps a position side to the positionSide parameter
// hedge-mode order submission requires, or "" in one-way mode.
func positionSideFor(side posstore.Side, hedgeMode bool) string {
	if !hedgeMode {
		return ""
	}
	if side == posstore.Short {
		return "SHORT"
	}
	return "LONG"
}

// Submit runs the 14-step entry algorithm. Every rejection is reported to
// the sink with a truncated reason and returns a descriptive error; nil
// means the position was entered and persisted.
func (p *Pipeline) Submit(ctx context.Context, params Params) error {
	symbol, side := params.Symbol, params.Side

	if p.Hibernator != nil && p.Hibernator.IsHibernating(symbol) {
		return p.reject(symbol, side, "symbol_hibernating")
	}

	// Step 1: reject if a position already exists.
	if _, ok := p.Store.Get(symbol, side); ok {
		return p.reject(symbol, side, "position_already_exists")
	}

	price := params.Signal.Entry
	if price.IsZero() {
		live, err := p.Gateway.LatestPrice(ctx, symbol)
		if err != nil {
			return p.reject(symbol, side, "price_fetch_failed")
		}
		price = live
	}
	if !price.IsPositive() {
		return p.reject(symbol, side, "invalid_price")
	}

	// Step 2: raw qty, trimmed with notional context.
	rawQty := decimal.NewFromFloat(params.USDAllocation).Div(price)
	qty := p.Precision.TrimQty(symbol, rawQty, price)

	// Step 3.
	if !qty.IsPositive() {
		return p.reject(symbol, side, "qty_invalid_after_trim")
	}

	// Step 4: escalate if still below minNotional.
	notional := qty.Mul(price)
	minQty := p.Precision.MinQtyForNotional(symbol, price)
	if notional.LessThan(minQty.Mul(price)) {
		qty = minQty
	}

	// Step 5: re-trim against LOT_SIZE/MIN_NOTIONAL.
	qty = p.Precision.TrimQty(symbol, qty, price)
	if !qty.IsPositive() {
		return p.reject(symbol, side, "qty_invalid_after_notional_escalation")
	}

	// Step 6: margin precheck.
	leverage := params.Leverage
	if leverage <= 0 {
		leverage = 1
	}
	maintRate := params.MaintenanceRatePct
	if maintRate <= 0 {
		maintRate = 0.01
	}
	required := qty.Mul(price).Div(decimal.NewFromInt(int64(leverage))).
		Add(qty.Mul(price).Mul(decimal.NewFromFloat(maintRate)))
	balance, err := p.Gateway.AccountBalance(ctx)
	if err != nil {
		return p.reject(symbol, side, "balance_fetch_failed")
	}
	if balance.LessThan(required) {
		return p.reject(symbol, side, "insufficient_margin")
	}

	// Step 7: re-validate SL/TP geometry. A too-tight stop (stale or
	// degenerate signal geometry) is widened to the fallback distance and
	// the TP recomputed to keep the configured risk-reward ratio.
	sl, tp := params.Signal.StopLoss, params.Signal.TakeProfit
	risk := price.Sub(sl).Abs()
	if params.FallbackSlPct > 0 && risk.LessThanOrEqual(price.Mul(decimal.NewFromFloat(params.MinSlDistancePct))) {
		rr := params.RiskRewardRatio
		if rr <= 0 {
			rr = 2.0
		}
		risk = price.Mul(decimal.NewFromFloat(params.FallbackSlPct))
		reward := risk.Mul(decimal.NewFromFloat(rr))
		if side == posstore.Short {
			sl, tp = price.Add(risk), price.Sub(reward)
		} else {
			sl, tp = price.Sub(risk), price.Add(reward)
		}
		log.Warn().Str("symbol", symbol).
			Str("sl", sl.String()).Str("tp", tp.String()).
			Msg("entry: stop loss too tight, widened to fallback distance")
	}

	// Step 8: trim SL/TP to tick size.
	sl = p.Precision.RoundPriceDown(symbol, sl)
	tp = p.Precision.RoundPriceDown(symbol, tp)

	// Step 9: opposite-side cleanup (safe reversal), only after preflight.
	if err := p.closeOppositeSide(ctx, symbol, side); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("entry: opposite-side cleanup failed, proceeding anyway")
	}

	// Step 10: set leverage, place market entry.
	if err := p.Gateway.SetLeverage(ctx, symbol, leverage); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("entry: set leverage failed, proceeding with existing leverage")
	}
	orderSide := "BUY"
	if side == posstore.Short {
		orderSide = "SELL"
	}
	positionSide := positionSideFor(side, p.HedgeMode)
	placedAt := time.Now()
	ack, err := p.Gateway.PlaceMarket(ctx, symbol, orderSide, qty, false, positionSide)
	if p.Metrics != nil {
		p.Metrics.OrderExecutionDuration.Observe(time.Since(placedAt).Seconds())
	}
	if err != nil {
		return p.reject(symbol, side, "entry_order_failed")
	}

	// Step 11: resolve entry fill price.
	entryPrice := ack.AvgPrice
	estimated := false
	if !entryPrice.IsPositive() {
		live, err := p.Gateway.LatestPrice(ctx, symbol)
		if err == nil && live.IsPositive() {
			entryPrice = live
			estimated = true
		}
	}
	if !entryPrice.IsPositive() {
		return p.reject(symbol, side, "entry_price_unresolved")
	}

	// Step 12: persist position with partial TP1 geometry.
	var partialPrice *decimal.Decimal
	var partialSize *decimal.Decimal
	if params.Signal.PartialTpSizePct != 0 {
		pp := p.Precision.RoundPriceDown(symbol, params.Signal.PartialTpPrice)
		ps := qty.Mul(decimal.NewFromFloat(params.Signal.PartialTpSizePct))
		partialPrice, partialSize = &pp, &ps
	}

	var exitTime *time.Time
	if params.HoldLimitHours > 0 {
		t := time.Now().Add(time.Duration(params.HoldLimitHours) * time.Hour)
		exitTime = &t
	}

	pos := posstore.Position{
		Symbol:              symbol,
		Side:                side,
		EntryPrice:          entryPrice,
		Size:                qty,
		StopLoss:            sl,
		TakeProfit:          tp,
		PeakPrice:           entryPrice,
		PartialTpPrice:      partialPrice,
		PartialTpSize:       partialSize,
		Source:              params.Source,
		Label:               params.Label,
		Confidence:          params.Confidence,
		EntryTime:           time.Now(),
		ExitTime:            exitTime,
		EntryPriceEstimated: estimated,
	}

	if err := p.Store.Add(pos); err != nil {
		return fmt.Errorf("entry: persist position: %w", err)
	}

	p.Tracker.TrackEntry(symbol, string(side), fmt.Sprintf("%d", ack.OrderID), string(params.Source))
	p.Tracker.MarkOpen(symbol, string(side))

	// Step 13: attach real reduce-only STOP_MARKET/TAKE_PROFIT_MARKET
	// bracket orders so a stop or target fires exchange-side even if this
	// process is down, and record their exchange order ids in
	// LastOrderRefs so Close can best-effort cancel whichever is still
	// open once exitctl (or the watchdog) takes the position out the
	// normal way.
	closeSide := "SELL"
	if side == posstore.Short {
		closeSide = "BUY"
	}
	var refs []string
	if slOrder, err := p.Gateway.PlaceStopOrder(ctx, symbol, closeSide, "STOP_MARKET", sl, qty, positionSide); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("entry: stop-loss bracket order placement failed")
	} else {
		refs = append(refs, strconv.FormatInt(slOrder.OrderID, 10))
	}
	if tpOrder, err := p.Gateway.PlaceStopOrder(ctx, symbol, closeSide, "TAKE_PROFIT_MARKET", tp, qty, positionSide); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("entry: take-profit bracket order placement failed")
	} else {
		refs = append(refs, strconv.FormatInt(tpOrder.OrderID, 10))
	}
	if len(refs) > 0 {
		if err := p.Store.Update(symbol, side, func(rec *posstore.Position) {
			rec.LastOrderRefs = append(rec.LastOrderRefs, refs...)
		}); err != nil {
			log.Warn().Err(err).Msg("entry: failed to record bracket order refs")
		}
	}

	// Step 14: emit lifecycle event.
	if p.Sink != nil {
		_ = p.Sink.LogEvent(sink.LifecycleEvent{
			Ts: time.Now(), Symbol: symbol, Side: string(side), EventType: sink.Entry,
			Price: entryPrice, Qty: qty, EntryPrice: entryPrice, Pnl: decimal.Zero,
			Sl: sl, Tp: tp, Reason: "signal", Source: string(params.Source),
		})
	}
	return nil
}

func (p *Pipeline) closeOppositeSide(ctx context.Context, symbol string, side posstore.Side) error {
	opposite := posstore.Short
	if side == posstore.Short {
		opposite = posstore.Long
	}
	_, ok := p.Store.Get(symbol, opposite)
	if !ok {
		return nil
	}
	positions, err := p.Gateway.Positions(ctx)
	if err != nil {
		return err
	}
	oppositePositionSide := positionSideFor(opposite, p.HedgeMode)
	for _, gp := range positions {
		if gp.Symbol != symbol || gp.PositionAmt.IsZero() {
			continue
		}
		closeSide := "SELL"
		if gp.PositionAmt.IsNegative() {
			closeSide = "BUY"
		}
		qty := gp.PositionAmt.Abs()
		if _, err := p.Gateway.PlaceMarket(ctx, symbol, closeSide, qty, true, oppositePositionSide); err != nil {
			return err
		}
	}
	return p.Store.Close(symbol, opposite, p.cancelOrderRef(ctx, symbol))
}

// cancelOrderRef adapts Gateway.CancelOrder to posstore.CancelFunc, parsing
// the stored ref back into the numeric order id Binance expects.
func (p *Pipeline) cancelOrderRef(ctx context.Context, symbol string) posstore.CancelFunc {
	return func(orderID string) error {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return err
		}
		return p.Gateway.CancelOrder(ctx, symbol, id)
	}
}

func (p *Pipeline) reject(symbol string, side posstore.Side, reason string) error {
	log.Info().Str("symbol", symbol).Str("side", string(side)).Str("reason", reason).Msg("entry: rejected")
	if p.Metrics != nil {
		p.Metrics.EntryRejectionsTotal.WithLabelValues(reason).Inc()
	}
	if p.Sink != nil {
		p.Sink.Alert(sink.Info, "entry_reject:"+symbol+":"+string(side), truncate(reason, 200))
	}
	return fmt.Errorf("entry: %s", reason)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
