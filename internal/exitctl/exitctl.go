// Package exitctl is the fixed-period (~0.5s) exit evaluator: for each
// open position it reads the latest price and walks the sanity gate, stop
// loss, partial TP1, trail activation, trailing exit, final TP, and time
// exit checks in order, calling fullExit or handleTp1 as each fires.
// Partial fills are poll-confirmed: nothing mutates the stored position
// until the exchange has reported executed quantity.
package exitctl

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/metrics"
	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/precision"
	"binance-lifecycle-engine/internal/sink"
	"binance-lifecycle-engine/internal/tracker"
)

// Gateway is the subset of exchange/binance.Client the exit controller
// needs.
type Gateway interface {
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	Positions(ctx context.Context) ([]GatewayPosition, error)
	PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*GatewayOrder, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (*GatewayOrder, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) error
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

// GatewayPosition mirrors exchange/binance.Position.
type GatewayPosition struct {
	Symbol      string
	PositionAmt decimal.Decimal
}

// GatewayOrder mirrors exchange/binance.OrderResult.
type GatewayOrder struct {
	OrderID     int64
	Status      string
	ExecutedQty decimal.Decimal
}

const (
	orderPollTimeout  = 8 * time.Second
	orderPollInterval = 500 * time.Millisecond

	// trailActivationBufferPct is the ±0.2% buffer price must clear past
	// partialTpPrice before the trailing stop activates.
	trailActivationBufferPct = 0.002
)

// Controller runs the exit evaluation loop over every stored position.
type Controller struct {
	Store     *posstore.Store
	Tracker   *tracker.Tracker
	Precision *precision.Registry
	Gateway   Gateway
	Sink      *sink.Sink
	Metrics   *metrics.Metrics
	DryRun    bool

	// HedgeMode mirrors the account's dual-side-position setting, queried
	// once at startup via exchange/binance.Client.PositionMode. When true
	// every closing order submission passes an explicit positionSide
	// instead of relying on reduceOnly.
	HedgeMode bool

	TrailAtrMult float64
	latestATR    func(symbol string) decimal.Decimal // injected; nil means no ATR-based trailing
}

// cancelOrderRef adapts Gateway.CancelOrder to posstore.CancelFunc, parsing
// the stored ref back into the numeric order id Binance expects.
func (c *Controller) cancelOrderRef(ctx context.Context, symbol string) posstore.CancelFunc {
	return func(orderID string) error {
		id, err := strconv.ParseInt(orderID, 10, 64)
		if err != nil {
			return err
		}
		return c.Gateway.CancelOrder(ctx, symbol, id)
	}
}

// equitySnapshot sums unrealized PnL across every currently open position,
// using the latest known price (falling back to entry price on a fetch
// failure), and records it tagged with the event that triggered the
// snapshot.
func (c *Controller) equitySnapshot(ctx context.Context, tag string) {
	if c.Sink == nil {
		return
	}
	equity := decimal.Zero
	for _, pos := range c.Store.All() {
		price, err := c.Gateway.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			price = pos.EntryPrice
		}
		if pos.Side == posstore.Long {
			equity = equity.Add(price.Sub(pos.EntryPrice).Mul(pos.Size))
		} else {
			equity = equity.Add(pos.EntryPrice.Sub(price).Mul(pos.Size))
		}
	}
	if err := c.Sink.SnapshotEquity(tag, equity); err != nil {
		log.Warn().Err(err).Str("tag", tag).Msg("exitctl: equity snapshot failed")
	}
}

// NewController builds a Controller. latestATR supplies the current ATR
// value per symbol for the trailing-stop rule; pass nil to disable
// ATR-based trailing (trailingSl then stays fixed at activation).
func NewController(store *posstore.Store, trk *tracker.Tracker, prec *precision.Registry, gw Gateway, sk *sink.Sink, dryRun bool, latestATR func(string) decimal.Decimal) *Controller {
	return &Controller{
		Store: store, Tracker: trk, Precision: prec, Gateway: gw, Sink: sk, DryRun: dryRun,
		latestATR: latestATR,
	}
}

// Run blocks, evaluating every open position every ~0.5s until ctx is
// canceled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(orderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.EvaluateAll(ctx)
		}
	}
}

// EvaluateAll runs one pass over every stored position.
func (c *Controller) EvaluateAll(ctx context.Context) {
	for _, pos := range c.Store.All() {
		price, err := c.Gateway.LatestPrice(ctx, pos.Symbol)
		if err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("exitctl: price fetch failed, skipping pass")
			continue
		}
		c.evaluateOne(ctx, pos, price)
	}
}

func (c *Controller) evaluateOne(ctx context.Context, pos posstore.Position, price decimal.Decimal) {
	symbol, side := pos.Symbol, pos.Side

	// Step 1: sanity gate.
	if !posstore.IsSaneStored(&pos) {
		if !pos.EntryPrice.IsPositive() {
			_ = c.Store.MarkBinanceMissing(symbol, side, time.Now())
		}
		return
	}

	// Step 2: stop loss.
	if !pos.TrailActive {
		slHit := (side == posstore.Long && price.LessThanOrEqual(pos.StopLoss)) ||
			(side == posstore.Short && price.GreaterThanOrEqual(pos.StopLoss))
		if slHit {
			c.fullExit(ctx, symbol, side, price, sink.SlExit)
			return
		}
	}

	// Step 3: partial TP1.
	if !pos.PartialTpDone && pos.PartialTpPrice != nil && tp1Reached(side, price, *pos.PartialTpPrice) {
		c.handleTp1(ctx, symbol, side, price)
		return
	}

	// Step 4: trail activation.
	if pos.AwaitingTrailActivation && pos.PartialTpPrice != nil {
		buffer := pos.PartialTpPrice.Mul(decimal.NewFromFloat(trailActivationBufferPct))
		activated := (side == posstore.Long && price.GreaterThanOrEqual(pos.PartialTpPrice.Add(buffer))) ||
			(side == posstore.Short && price.LessThanOrEqual(pos.PartialTpPrice.Sub(buffer)))
		if activated {
			newSl := *pos.PartialTpPrice
			_ = c.Store.Update(symbol, side, func(p *posstore.Position) {
				p.TrailActive = true
				p.StopLoss = newSl
				p.AwaitingTrailActivation = false
			})
			return
		}
	}

	// Step 5: trailing exit.
	if pos.TrailActive {
		_ = c.Store.SetPeak(symbol, side, price)
		trailingSl := c.trailingStop(pos, price)
		adverse := (side == posstore.Long && price.LessThanOrEqual(trailingSl)) ||
			(side == posstore.Short && price.GreaterThanOrEqual(trailingSl))
		_ = c.Store.Update(symbol, side, func(p *posstore.Position) {
			p.TrailingSl = &trailingSl
		})
		if adverse {
			c.fullExit(ctx, symbol, side, price, sink.TrailingExit)
			return
		}
	}

	// Step 6: final TP.
	tpHit := (side == posstore.Long && price.GreaterThanOrEqual(pos.TakeProfit)) ||
		(side == posstore.Short && price.LessThanOrEqual(pos.TakeProfit))
	if tpHit {
		c.fullExit(ctx, symbol, side, price, sink.TpExit)
		return
	}

	// Step 7: time exit.
	if pos.ExitTime != nil && time.Now().After(*pos.ExitTime) {
		c.fullExit(ctx, symbol, side, price, sink.TimeExit)
	}
}

func tp1Reached(side posstore.Side, price, target decimal.Decimal) bool {
	if side == posstore.Long {
		return price.GreaterThanOrEqual(target)
	}
	return price.LessThanOrEqual(target)
}

func (c *Controller) trailingStop(pos posstore.Position, price decimal.Decimal) decimal.Decimal {
	atr := decimal.Zero
	if c.latestATR != nil {
		atr = c.latestATR(pos.Symbol)
	}
	mult := c.TrailAtrMult
	if mult <= 0 {
		mult = 1.5
	}
	band := atr.Mul(decimal.NewFromFloat(mult))
	if band.IsZero() {
		if pos.TrailingSl != nil {
			return *pos.TrailingSl
		}
		return pos.StopLoss
	}
	switch pos.Side {
	case posstore.Long:
		return pos.PeakPrice.Sub(band)
	case posstore.Short:
		return pos.PeakPrice.Add(band)
	default:
		return price
	}
}

// fullExit closes the remaining size of a position: query exchange state,
// claim the exit via the tracker CAS, submit a market close, poll for
// confirmed fill, and either remove the local record or flag for manual
// reconciliation.
func (c *Controller) fullExit(ctx context.Context, symbol string, side posstore.Side, price decimal.Decimal, reason sink.EventType) {
	if !c.DryRun {
		positions, err := c.Gateway.Positions(ctx)
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("exitctl: positions fetch failed during fullExit")
			return
		}
		live := false
		for _, gp := range positions {
			if gp.Symbol == symbol && !gp.PositionAmt.IsZero() {
				live = true
				break
			}
		}
		if !live {
			_ = c.Store.MarkBinanceMissing(symbol, side, time.Now())
			return
		}
	}

	if !c.Tracker.MarkExitPending(symbol, string(side)) {
		return
	}

	pos, ok := c.Store.Get(symbol, side)
	if !ok {
		return
	}

	var executed decimal.Decimal
	if c.DryRun {
		executed = pos.Size
	} else {
		qty := c.Precision.FloorQty(symbol, pos.Size)
		closeSide := "SELL"
		if side == posstore.Short {
			closeSide = "BUY"
		}
		ack, err := c.Gateway.PlaceMarket(ctx, symbol, closeSide, qty, true, positionSideFor(side, c.HedgeMode))
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("exitctl: exit market order failed")
			c.Tracker.Clear(symbol, string(side))
			return
		}
		executed = c.pollFilled(ctx, symbol, ack.OrderID, ack.ExecutedQty)
		if !executed.IsPositive() {
			_ = c.Store.Update(symbol, side, func(p *posstore.Position) {
				p.LastStopOrderStatus = "unfilled_timeout"
			})
			if c.Metrics != nil {
				c.Metrics.StopOrderTimeouts.Inc()
			}
			_ = c.Gateway.CancelOrder(ctx, symbol, ack.OrderID)
			c.alert(sink.Critical, symbol+":"+string(side)+":exit_unfilled", "manual reconciliation required")
			c.Tracker.Clear(symbol, string(side))
			return
		}
	}

	pnl := price.Sub(pos.EntryPrice).Mul(pos.Size)
	if side == posstore.Short {
		pnl = pos.EntryPrice.Sub(price).Mul(pos.Size)
	}

	_ = c.Store.Close(symbol, side, c.cancelOrderRef(ctx, symbol))
	c.Tracker.Clear(symbol, string(side))

	if c.Sink != nil {
		_ = c.Sink.LogEvent(sink.LifecycleEvent{
			Ts: time.Now(), Symbol: symbol, Side: string(side), EventType: reason,
			Price: price, Qty: executed, EntryPrice: pos.EntryPrice, Pnl: pnl,
			Sl: pos.StopLoss, Tp: pos.TakeProfit, Reason: string(reason), Source: string(pos.Source),
		})
		c.alert(sink.Info, symbol+":"+string(side)+":"+string(reason), "closed")
	}
	c.equitySnapshot(ctx, string(reason)+"_EXIT")
}

// handleTp1 runs the poll-confirmed partial take-profit.
func (c *Controller) handleTp1(ctx context.Context, symbol string, side posstore.Side, price decimal.Decimal) {
	pos, ok := c.Store.Get(symbol, side)
	if !ok || pos.PartialTpSize == nil {
		return
	}

	qtyToClose := c.Precision.FloorQty(symbol, *pos.PartialTpSize)
	if qtyToClose.IsZero() {
		if c.DryRun {
			return
		}
		positions, err := c.Gateway.Positions(ctx)
		if err != nil {
			return
		}
		for _, gp := range positions {
			if gp.Symbol == symbol && !gp.PositionAmt.IsZero() {
				c.fullExit(ctx, symbol, side, price, sink.Tp1Partial)
				return
			}
		}
		_ = c.Store.MarkBinanceMissing(symbol, side, time.Now())
		return
	}

	var executed decimal.Decimal
	if c.DryRun {
		executed = qtyToClose
	} else {
		closeSide := "SELL"
		if side == posstore.Short {
			closeSide = "BUY"
		}
		ack, err := c.Gateway.PlaceMarket(ctx, symbol, closeSide, qtyToClose, true, positionSideFor(side, c.HedgeMode))
		if err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("exitctl: tp1 order failed")
			return
		}
		executed = c.pollFilled(ctx, symbol, ack.OrderID, ack.ExecutedQty)
		if !executed.IsPositive() {
			_ = c.Store.Update(symbol, side, func(p *posstore.Position) {
				p.LastStopOrderStatus = "tp1_unfilled_timeout"
			})
			if c.Metrics != nil {
				c.Metrics.StopOrderTimeouts.Inc()
			}
			_ = c.Gateway.CancelOrder(ctx, symbol, ack.OrderID)
			c.alert(sink.ErrorSev, symbol+":"+string(side)+":tp1_unfilled", "manual reconciliation required")
			return
		}
	}

	residual := pos.Size.Sub(executed)
	step := c.Precision.FloorQty(symbol, residual)
	if step.IsZero() {
		c.fullExit(ctx, symbol, side, price, sink.Tp1Partial)
		return
	}

	entry := pos.EntryPrice
	now := time.Now()
	_ = c.Store.Update(symbol, side, func(p *posstore.Position) {
		p.Size = residual
		p.PartialTpDone = true
		p.Tp1Triggered = true
		p.AwaitingTrailActivation = true
		p.StopLoss = entry
		p.Breakeven = true
		p.BreakevenSetAt = &now
	})

	pnl := price.Sub(entry).Mul(executed)
	if side == posstore.Short {
		pnl = entry.Sub(price).Mul(executed)
	}

	if c.Sink != nil {
		_ = c.Sink.LogEvent(sink.LifecycleEvent{
			Ts: now, Symbol: symbol, Side: string(side), EventType: sink.Tp1Partial,
			Price: price, Qty: executed, EntryPrice: entry, Pnl: pnl,
			Sl: entry, Tp: pos.TakeProfit, Reason: "tp1", Source: string(pos.Source),
		})
		c.alert(sink.Info, symbol+":"+string(side)+":tp1", "partial take-profit filled, stop moved to breakeven")
	}
	c.equitySnapshot(ctx, "TP1_EXIT")
}

// pollFilled polls an order's status for up to orderPollTimeout, returning
// the best-known executed quantity (seeding with whatever the original
// ack already reported).
func (c *Controller) pollFilled(ctx context.Context, symbol string, orderID int64, seed decimal.Decimal) decimal.Decimal {
	if seed.IsPositive() {
		return seed
	}
	deadline := time.Now().Add(orderPollTimeout)
	for time.Now().Before(deadline) {
		time.Sleep(orderPollInterval)
		ord, err := c.Gateway.GetOrder(ctx, symbol, orderID)
		if err != nil {
			continue
		}
		if ord.ExecutedQty.IsPositive() {
			return ord.ExecutedQty
		}
		if ord.Status == "FILLED" || ord.Status == "PARTIALLY_FILLED" {
			return ord.ExecutedQty
		}
	}
	return decimal.Zero
}

func (c *Controller) alert(sev sink.Severity, key, message string) {
	if c.Sink == nil {
		return
	}
	c.Sink.Alert(sev, key, message)
}
