// Package precision normalizes order prices and quantities to each symbol's
// exchange-reported step size, tick size, and minimum notional, using decimal
// arithmetic throughout so step boundaries never drift the way binary floats
// would. The registry ships a static table and can refresh any entry from
// the exchange gateway's symbol-filter endpoint.
package precision

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Filters holds one symbol's exchange-reported precision constraints.
type Filters struct {
	StepSize        decimal.Decimal
	TickSize        decimal.Decimal
	MinQty          decimal.Decimal
	MaxQty          decimal.Decimal
	MinNotional     decimal.Decimal
	QuantityDecimals int32
	PriceDecimals    int32
}

// FilterSource fetches fresh filters for a symbol, implemented by the
// exchange gateway's FuturesSymbolFilters call.
type FilterSource interface {
	FuturesSymbolFilters(ctx context.Context, symbol string) (Filters, error)
}

// defaultTable ships conservative filters for the majors this engine is
// configured to trade out of the box. Anything absent falls back to
// fallbackFilters.
var defaultTable = map[string]Filters{
	"BTCUSDT": {
		StepSize: decimal.RequireFromString("0.001"), TickSize: decimal.RequireFromString("0.1"),
		MinQty: decimal.RequireFromString("0.001"), MaxQty: decimal.RequireFromString("1000"),
		MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 3, PriceDecimals: 1,
	},
	"ETHUSDT": {
		StepSize: decimal.RequireFromString("0.01"), TickSize: decimal.RequireFromString("0.01"),
		MinQty: decimal.RequireFromString("0.01"), MaxQty: decimal.RequireFromString("10000"),
		MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 2, PriceDecimals: 2,
	},
	"BNBUSDT": {
		StepSize: decimal.RequireFromString("0.01"), TickSize: decimal.RequireFromString("0.01"),
		MinQty: decimal.RequireFromString("0.01"), MaxQty: decimal.RequireFromString("100000"),
		MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 2, PriceDecimals: 2,
	},
	"ADAUSDT": {
		StepSize: decimal.RequireFromString("1"), TickSize: decimal.RequireFromString("0.0001"),
		MinQty: decimal.RequireFromString("1"), MaxQty: decimal.RequireFromString("10000000"),
		MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 0, PriceDecimals: 4,
	},
	"SOLUSDT": {
		StepSize: decimal.RequireFromString("0.1"), TickSize: decimal.RequireFromString("0.01"),
		MinQty: decimal.RequireFromString("0.1"), MaxQty: decimal.RequireFromString("100000"),
		MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 1, PriceDecimals: 2,
	},
}

var fallbackFilters = Filters{
	StepSize: decimal.New(1, -8), TickSize: decimal.New(1, -8),
	MinQty: decimal.New(1, -8), MaxQty: decimal.RequireFromString("1000000000"),
	MinNotional: decimal.RequireFromString("5"), QuantityDecimals: 8, PriceDecimals: 8,
}

// Registry is the symbol precision normalizer. All methods are safe for
// concurrent use; the refresh cache is guarded by a single mutex, per the
// "one mutex per logical resource" concurrency model.
type Registry struct {
	mu      sync.RWMutex
	table   map[string]Filters
	source  FilterSource
	warned  map[string]bool
}

// New builds a Registry seeded with the default table. source may be nil;
// Refresh becomes a no-op in that case.
func New(source FilterSource) *Registry {
	table := make(map[string]Filters, len(defaultTable))
	for k, v := range defaultTable {
		table[k] = v
	}
	return &Registry{table: table, source: source, warned: make(map[string]bool)}
}

// Refresh re-fetches filters for a symbol from the configured FilterSource
// and stores them, overwriting any static or previously-fetched entry.
func (r *Registry) Refresh(ctx context.Context, symbol string) error {
	if r.source == nil {
		return nil
	}
	f, err := r.source.FuturesSymbolFilters(ctx, symbol)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.table[symbol] = f
	r.mu.Unlock()
	return nil
}

func (r *Registry) filtersFor(symbol string) Filters {
	r.mu.RLock()
	f, ok := r.table[symbol]
	r.mu.RUnlock()
	if ok {
		return f
	}
	r.mu.Lock()
	if !r.warned[symbol] {
		r.warned[symbol] = true
		log.Warn().Str("symbol", symbol).Msg("precision: symbol missing from registry, using conservative default")
	}
	r.mu.Unlock()
	return fallbackFilters
}

// RoundPriceDown floors price to the symbol's tick size.
func (r *Registry) RoundPriceDown(symbol string, price decimal.Decimal) decimal.Decimal {
	f := r.filtersFor(symbol)
	return floorToStep(price, f.TickSize)
}

// FloorQty floors qty to the symbol's step size.
func (r *Registry) FloorQty(symbol string, qty decimal.Decimal) decimal.Decimal {
	f := r.filtersFor(symbol)
	return floorToStep(qty, f.StepSize)
}

// MinQtyForNotional returns the smallest multiple of stepSize whose notional
// at price satisfies minNotional, rounding up, and never less than one step.
func (r *Registry) MinQtyForNotional(symbol string, price decimal.Decimal) decimal.Decimal {
	f := r.filtersFor(symbol)
	if price.LessThanOrEqual(decimal.Zero) || f.StepSize.LessThanOrEqual(decimal.Zero) {
		return f.StepSize
	}
	raw := f.MinNotional.Div(price)
	qty := ceilToStep(raw, f.StepSize)
	if qty.LessThan(f.StepSize) {
		qty = f.StepSize
	}
	return qty
}

// TrimQty floors qty to the step size; if that floors to zero but the
// caller requested a positive qty, escalates to MinQtyForNotional rounded up
// to the next step, and logs the escalation. price is required to compute
// the notional floor when escalating; pass decimal.Zero when no price
// context is available (escalation then returns the minimum step).
func (r *Registry) TrimQty(symbol string, qty, price decimal.Decimal) decimal.Decimal {
	trimmed := r.FloorQty(symbol, qty)
	if !trimmed.IsZero() || qty.LessThanOrEqual(decimal.Zero) {
		return trimmed
	}
	var escalated decimal.Decimal
	if price.GreaterThan(decimal.Zero) {
		escalated = r.MinQtyForNotional(symbol, price)
	} else {
		f := r.filtersFor(symbol)
		escalated = f.StepSize
	}
	log.Warn().
		Str("symbol", symbol).
		Str("requestedQty", qty.String()).
		Str("escalatedQty", escalated.String()).
		Msg("precision: qty floored to zero, escalating to minimum notional-satisfying step")
	return escalated
}

// floorToStep returns the largest non-negative multiple of step that is <=
// value.
func floorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return value
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	units := value.Div(step).Floor()
	return units.Mul(step)
}

// ceilToStep returns the smallest non-negative multiple of step that is >=
// value.
func ceilToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.LessThanOrEqual(decimal.Zero) {
		return value
	}
	if value.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	units := value.Div(step).Ceil()
	return units.Mul(step)
}
