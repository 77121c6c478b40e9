// Package strategy is the pure signal-evaluation contract: Evaluate takes
// closed candles and configuration and optionally returns a Signal (side,
// stop loss, take profit, partial TP, and a trailing band) with no side
// effects and no suspension. The exit controller is independent of this
// package; it only consumes the initial geometry a Signal carries into a
// freshly-entered position.
package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/cfg"
)

// Side is the proposed trade direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Candle is one closed OHLCV bar.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// Signal is a proposed entry, pre-rounding; the entry pipeline does the
// final tick/step rounding.
type Signal struct {
	Side             Side
	Entry            decimal.Decimal
	StopLoss         decimal.Decimal
	TakeProfit       decimal.Decimal
	TrailingAtrStop  decimal.Decimal
	PartialTpPrice   decimal.Decimal
	PartialTpSizePct float64
}

// Evaluate runs the UT-Bot-crossover contract over candles (oldest first,
// last element is the most recently closed candle) and returns a Signal
// when a fresh crossover passes every configured filter.
func Evaluate(candles []Candle, s cfg.ScalperSettings) (Signal, bool) {
	minCandles := s.MinCandles
	if minCandles < 4 {
		minCandles = 4
	}
	if len(candles) < minCandles {
		return Signal{}, false
	}

	side, ok := utBotCrossover(candles, s.UTMultiplier, s.UTBuyATRPeriod, s.UTSellATRPeriod)
	if !ok {
		return Signal{}, false
	}

	if s.Filters.UseTimeFilter && !withinTradingHours(candles[len(candles)-1].OpenTime, s.AllowedTradingHours, s.TradingHoursTzOffsetMin) {
		return Signal{}, false
	}
	if s.Filters.UseTrendFilter && !emaTrendAgrees(candles, s.EMAFilterPeriod, side) {
		return Signal{}, false
	}
	if s.Filters.UseMinBody && !minBodyOK(candles[len(candles)-1]) {
		return Signal{}, false
	}
	if s.Filters.UseStcConfirmation && !stcConfirms(candles, side) {
		return Signal{}, false
	}

	entry := candles[len(candles)-1].Close
	sl := swingStopLoss(candles, s.SwingSlLookback, side, entry, s.MinSlDistancePct)
	risk := entry.Sub(sl).Abs()

	tp := rrTakeProfit(entry, risk, side, s.RiskRewardRatio)
	if tpTooCloseToSl(sl, tp, s.MinTpSlGapPct, entry) {
		widenGap(&sl, &tp, entry, side, s.MinTpSlGapPct)
	}

	partialPrice := rrTakeProfit(entry, risk, side, s.PartialTp.FirstRR)
	trailStop := atrTrailingStop(candles, side, s.TrailAtrMultiple)

	return Signal{
		Side:             side,
		Entry:            entry,
		StopLoss:         sl,
		TakeProfit:       tp,
		TrailingAtrStop:  trailStop,
		PartialTpPrice:   partialPrice,
		PartialTpSizePct: s.PartialTp.FirstSizePct,
	}, true
}

// utBotCrossover detects a fresh ATR-trailing-stop crossover on the last
// closed candle: price crossing above the trailing stop signals LONG,
// below signals SHORT. buyPeriod/sellPeriod select the ATR lookback for
// each direction's band, so buy and sell crossovers can use dual-ATR
// convention.
func utBotCrossover(candles []Candle, multiplier float64, buyPeriod, sellPeriod int) (Side, bool) {
	n := len(candles)
	if n < 3 {
		return "", false
	}
	period := buyPeriod
	if period <= 0 {
		period = 10
	}
	atr := averageTrueRange(candles, period)
	sellP := sellPeriod
	if sellP <= 0 {
		sellP = 10
	}
	sellAtr := averageTrueRange(candles, sellP)
	if atr.IsZero() || sellAtr.IsZero() {
		return "", false
	}

	last := candles[n-1]
	prev := candles[n-2]

	longStop := last.Close.Sub(atr.Mul(decimal.NewFromFloat(multiplier)))
	shortStop := last.Close.Add(sellAtr.Mul(decimal.NewFromFloat(multiplier)))

	crossedUp := prev.Close.LessThanOrEqual(longStop) && last.Close.GreaterThan(longStop)
	crossedDown := prev.Close.GreaterThanOrEqual(shortStop) && last.Close.LessThan(shortStop)

	switch {
	case crossedUp && !crossedDown:
		return Long, true
	case crossedDown && !crossedUp:
		return Short, true
	default:
		return "", false
	}
}

// ATR exposes the same average-true-range calculation the crossover
// contract uses internally, for callers that need it outside an
// Evaluate pass (the exit controller's ATR-band trailing stop, the
// rolling candle cache's persisted ATR entry).
func ATR(candles []Candle, period int) decimal.Decimal {
	return averageTrueRange(candles, period)
}

func averageTrueRange(candles []Candle, period int) decimal.Decimal {
	n := len(candles)
	if period <= 0 {
		period = 14
	}
	if n < period+1 {
		period = n - 1
	}
	if period <= 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for i := n - period; i < n; i++ {
		sum = sum.Add(trueRange(candles[i], candles[i-1]))
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func trueRange(c, prev Candle) decimal.Decimal {
	hl := c.High.Sub(c.Low).Abs()
	hc := c.High.Sub(prev.Close).Abs()
	lc := c.Low.Sub(prev.Close).Abs()
	max := hl
	if hc.GreaterThan(max) {
		max = hc
	}
	if lc.GreaterThan(max) {
		max = lc
	}
	return max
}

func withinTradingHours(t time.Time, window [2]int, tzOffsetMin int) bool {
	adjusted := t.Add(time.Duration(tzOffsetMin) * time.Minute)
	hour := adjusted.UTC().Hour()
	start, end := window[0], window[1]
	if start == 0 && end == 0 {
		return true
	}
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

func emaTrendAgrees(candles []Candle, period int, side Side) bool {
	if period <= 0 {
		period = 50
	}
	if len(candles) < 2 {
		return true
	}
	ema := exponentialMovingAverage(candles, period)
	last := candles[len(candles)-1].Close
	switch side {
	case Long:
		return last.GreaterThanOrEqual(ema)
	case Short:
		return last.LessThanOrEqual(ema)
	default:
		return true
	}
}

func exponentialMovingAverage(candles []Candle, period int) decimal.Decimal {
	if len(candles) == 0 {
		return decimal.Zero
	}
	k := 2.0 / (float64(period) + 1.0)
	ema := candles[0].Close
	kD := decimal.NewFromFloat(k)
	oneMinusK := decimal.NewFromFloat(1 - k)
	for _, c := range candles[1:] {
		ema = c.Close.Mul(kD).Add(ema.Mul(oneMinusK))
	}
	return ema
}

func minBodyOK(c Candle) bool {
	body := c.Close.Sub(c.Open).Abs()
	rangeSize := c.High.Sub(c.Low)
	if rangeSize.IsZero() {
		return false
	}
	return body.Div(rangeSize).GreaterThanOrEqual(decimal.NewFromFloat(0.1))
}

// stcConfirms is a placeholder Schaff Trend Cycle confirmation: agrees
// whenever price momentum over the last 3 candles matches the proposed
// side, which is the only agreement contract the entry pipeline depends on.
func stcConfirms(candles []Candle, side Side) bool {
	n := len(candles)
	if n < 4 {
		return true
	}
	momentum := candles[n-1].Close.Sub(candles[n-4].Close)
	switch side {
	case Long:
		return momentum.IsPositive()
	case Short:
		return momentum.IsNegative()
	default:
		return true
	}
}

func swingStopLoss(candles []Candle, lookback int, side Side, entry decimal.Decimal, minSlDistancePct float64) decimal.Decimal {
	if lookback <= 0 {
		lookback = 12
	}
	n := len(candles)
	start := n - lookback
	if start < 0 {
		start = 0
	}

	minDist := entry.Mul(decimal.NewFromFloat(minSlDistancePct))
	switch side {
	case Long:
		extreme := candles[start].Low
		for _, c := range candles[start:n] {
			if c.Low.LessThan(extreme) {
				extreme = c.Low
			}
		}
		floorBound := entry.Sub(minDist)
		if extreme.GreaterThan(floorBound) {
			return floorBound
		}
		return extreme
	case Short:
		extreme := candles[start].High
		for _, c := range candles[start:n] {
			if c.High.GreaterThan(extreme) {
				extreme = c.High
			}
		}
		ceilBound := entry.Add(minDist)
		if extreme.LessThan(ceilBound) {
			return ceilBound
		}
		return extreme
	default:
		return entry
	}
}

func rrTakeProfit(entry, risk decimal.Decimal, side Side, rr float64) decimal.Decimal {
	reward := risk.Mul(decimal.NewFromFloat(rr))
	switch side {
	case Long:
		return entry.Add(reward)
	case Short:
		return entry.Sub(reward)
	default:
		return entry
	}
}

func tpTooCloseToSl(sl, tp decimal.Decimal, minGapPct float64, entry decimal.Decimal) bool {
	gap := tp.Sub(sl).Abs()
	minGap := entry.Mul(decimal.NewFromFloat(minGapPct))
	return gap.LessThan(minGap)
}

func widenGap(sl, tp *decimal.Decimal, entry decimal.Decimal, side Side, minGapPct float64) {
	minGap := entry.Mul(decimal.NewFromFloat(math.Max(minGapPct, 0.0005)))
	switch side {
	case Long:
		*tp = entry.Add(minGap)
		*sl = entry.Sub(minGap)
	case Short:
		*tp = entry.Sub(minGap)
		*sl = entry.Add(minGap)
	}
}

func atrTrailingStop(candles []Candle, side Side, atrMultiple float64) decimal.Decimal {
	atr := averageTrueRange(candles, 14)
	last := candles[len(candles)-1].Close
	band := atr.Mul(decimal.NewFromFloat(atrMultiple))
	switch side {
	case Long:
		return last.Sub(band)
	case Short:
		return last.Add(band)
	default:
		return last
	}
}
