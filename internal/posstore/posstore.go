// Package posstore is the in-memory, disk-backed position store: the
// source of truth for every locally-known open position, keyed
// "SYMBOL|SIDE". All mutations go through a single mutex and are sanity
// checked before they persist; a record that fails the check is diverted
// to a "..._synced_incomplete" key rather than ever overwriting a valid
// record with an invalid one. The whole map is snapshotted to disk via
// atomic rename on every mutation.
package posstore

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Side is the position direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Source tags where a position's entry signal came from.
type Source string

const (
	ScalperSignal       Source = "ScalperSignal"
	MLSignal            Source = "MLSignal"
	Manual              Source = "Manual"
	ReconciledSynthetic Source = "ReconciledSynthetic"
)

// Position is one open position record, keyed by (Symbol, Side).
type Position struct {
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`

	EntryPrice decimal.Decimal `json:"entryPrice"`
	Size       decimal.Decimal `json:"size"`
	StopLoss   decimal.Decimal `json:"stopLoss"`
	TakeProfit decimal.Decimal `json:"takeProfit"`
	PeakPrice  decimal.Decimal `json:"peakPrice"`

	PartialTpPrice *decimal.Decimal `json:"partialTpPrice,omitempty"`
	PartialTpSize  *decimal.Decimal `json:"partialTpSize,omitempty"`
	PartialTpDone  bool             `json:"partialTpDone"`

	Tp1Triggered            bool             `json:"tp1Triggered"`
	AwaitingTrailActivation bool             `json:"awaitingTrailActivation"`
	TrailActive             bool             `json:"trailActive"`
	TrailingSl              *decimal.Decimal `json:"trailingSl,omitempty"`

	Breakeven      bool       `json:"breakeven"`
	BreakevenSetAt *time.Time `json:"breakevenSetAt,omitempty"`

	BinanceMissingSince *time.Time `json:"binanceMissingSince,omitempty"`

	Source     Source  `json:"source"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`

	EntryTime           time.Time  `json:"entryTime"`
	ExitTime            *time.Time `json:"exitTime,omitempty"`
	EntryPriceEstimated bool       `json:"entryPriceEstimated"`

	LastOrderRefs []string `json:"lastOrderRefs,omitempty"`

	// LastStopOrderStatus records an unconfirmed exit order's last known
	// status for manual reconciliation, per the exit controller's
	// fullExit timeout path.
	LastStopOrderStatus string `json:"lastStopOrderStatus,omitempty"`

	// minSlDistancePct is stamped by the owning Store before isSane runs,
	// so the invariant check needs no package-level config global.
	minSlDistancePct float64
}

func key(symbol string, side Side) string {
	return fmt.Sprintf("%s|%s", symbol, side)
}

// Store is the mutex-guarded position map with atomic-rename JSON
// persistence.
type Store struct {
	mu       sync.Mutex
	path     string
	records  map[string]*Position
	minSlPct float64
	fallback float64
}

// New builds a Store persisting to path, loading any existing file.
// minSlDistancePct and fallbackSlPct feed the SL auto-widen rule in Add.
func New(path string, minSlDistancePct, fallbackSlPct float64) (*Store, error) {
	s := &Store{
		path:     path,
		records:  make(map[string]*Position),
		minSlPct: minSlDistancePct,
		fallback: fallbackSlPct,
	}
	if err := s.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("posstore: load %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	var records map[string]*Position
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("posstore: decode %s: %w", s.path, err)
	}
	for k, p := range records {
		if p != nil {
			coerce(p)
			p.minSlDistancePct = s.minSlPct
		}
		s.records[k] = p
	}
	return nil
}

// persistLocked writes the whole map to disk via a temp file + atomic
// rename in the same directory. Caller must hold s.mu.
func (s *Store) persistLocked() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("posstore: mkdir %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return fmt.Errorf("posstore: encode: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".posstore-*.tmp")
	if err != nil {
		return fmt.Errorf("posstore: tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("posstore: write tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("posstore: close tempfile: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("posstore: rename: %w", err)
	}
	return nil
}

func coerce(p *Position) {
	if p.Size.IsNegative() {
		p.Size = decimal.Zero
	}
}

// breakevenEps: |sl-entry| <= max(eps, |entry|*1e-8) counts as breakeven.
const breakevenEps = 1e-8

// isSane checks the §3 position invariants. A trailing position
// (TrailActive) may also carry its stop at or past entry on the profit
// side, as long as it stays short of the take profit.
func isSane(p *Position) bool {
	if p == nil {
		return false
	}
	if !p.Size.IsPositive() || !p.EntryPrice.IsPositive() {
		return false
	}

	entry, _ := p.EntryPrice.Float64()
	sl, _ := p.StopLoss.Float64()
	tp, _ := p.TakeProfit.Float64()
	minDist := entry * p.minSlDistancePctOrDefault()

	breakevenLike := p.Breakeven || p.Tp1Triggered || p.AwaitingTrailActivation
	geometryOK := false

	switch p.Side {
	case Long:
		normal := sl < entry && entry < tp && (entry-sl) >= minDist
		be := breakevenLike && math.Abs(sl-entry) <= math.Max(breakevenEps, math.Abs(entry)*1e-8)
		trail := p.TrailActive && sl >= entry && sl < tp
		geometryOK = normal || be || trail
	case Short:
		normal := sl > entry && entry > tp && (sl-entry) >= minDist
		be := breakevenLike && math.Abs(sl-entry) <= math.Max(breakevenEps, math.Abs(entry)*1e-8)
		trail := p.TrailActive && sl <= entry && sl > tp
		geometryOK = normal || be || trail
	default:
		return false
	}
	if !geometryOK {
		return false
	}

	if p.PartialTpPrice != nil {
		ptp, _ := p.PartialTpPrice.Float64()
		switch p.Side {
		case Long:
			if !(entry < ptp && ptp < tp) {
				return false
			}
		case Short:
			if !(tp < ptp && ptp < entry) {
				return false
			}
		}
	}

	return true
}

func (p *Position) minSlDistancePctOrDefault() float64 {
	return p.minSlDistancePct
}

// IsSane reports whether pos satisfies the §3 invariants, using
// minSlDistancePct as the minimum SL distance fraction.
func IsSane(pos *Position, minSlDistancePct float64) bool {
	if pos == nil {
		return false
	}
	cp := *pos
	cp.minSlDistancePct = minSlDistancePct
	return isSane(&cp)
}

// IsSaneStored reports whether pos satisfies the §3 invariants using the
// minSlDistancePct the owning Store already stamped onto it (as returned
// by Get/All) rather than a caller-supplied override.
func IsSaneStored(pos *Position) bool {
	if pos == nil {
		return false
	}
	return isSane(pos)
}

// Add inserts a new position. If entry-sl is narrower than
// max(minSlDistancePct, fallbackSlPct)*entry, the SL is auto-widened to
// the larger of the two distances and a warning is logged. An SL on the
// wrong side of entry is not widened; the sanity check diverts it.
func (s *Store) Add(pos Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, _ := pos.EntryPrice.Float64()
	sl, _ := pos.StopLoss.Float64()
	minDist := math.Max(s.minSlPct, s.fallback) * entry

	var dist float64
	switch pos.Side {
	case Long:
		dist = entry - sl
	case Short:
		dist = sl - entry
	}
	if dist >= 0 && dist < minDist {
		widened := minDist
		log.Warn().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("requestedDist", dist).
			Float64("widenedDist", widened).
			Msg("posstore: stop loss too tight on add, auto-widening")
		switch pos.Side {
		case Long:
			pos.StopLoss = decimal.NewFromFloat(entry - widened)
		case Short:
			pos.StopLoss = decimal.NewFromFloat(entry + widened)
		}
	}

	k := key(pos.Symbol, pos.Side)
	pos.minSlDistancePct = s.minSlPct
	return s.storeOrDivertLocked(k, &pos)
}

// Update merges patch fields into the existing record (by calling
// mutate) and re-validates. Creation only happens if the resulting record
// has entryPrice>0 and size>0.
func (s *Store) Update(symbol string, side Side, mutate func(*Position)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(symbol, side)
	existing, ok := s.records[k]
	if !ok {
		existing = &Position{Symbol: symbol, Side: side, minSlDistancePct: s.minSlPct}
	} else {
		cp := *existing
		existing = &cp
	}
	mutate(existing)
	existing.minSlDistancePct = s.minSlPct

	if !existing.EntryPrice.IsPositive() || !existing.Size.IsPositive() {
		if !ok {
			return fmt.Errorf("posstore: cannot create %s without entryPrice>0 and size>0", k)
		}
	}
	return s.storeOrDivertLocked(k, existing)
}

func (s *Store) storeOrDivertLocked(k string, pos *Position) error {
	if isSane(pos) {
		s.records[k] = pos
		return s.persistLocked()
	}
	divertKey := k + "_synced_incomplete"
	log.Warn().Str("key", k).Str("divertKey", divertKey).Msg("posstore: invariant violation, diverting record")
	s.records[divertKey] = pos
	return s.persistLocked()
}

// SetPeak monotonically extends PeakPrice in the direction of the trade.
func (s *Store) SetPeak(symbol string, side Side, price decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(symbol, side)
	pos, ok := s.records[k]
	if !ok {
		return fmt.Errorf("posstore: no position %s", k)
	}
	switch side {
	case Long:
		if price.GreaterThan(pos.PeakPrice) {
			pos.PeakPrice = price
		}
	case Short:
		if pos.PeakPrice.IsZero() || price.LessThan(pos.PeakPrice) {
			pos.PeakPrice = price
		}
	}
	return s.persistLocked()
}

// CancelFunc cancels an attached SL/TP order id; Close calls it
// best-effort for every LastOrderRefs entry.
type CancelFunc func(orderID string) error

// Close best-effort cancels attached orders, then removes the record.
// Always logs a short caller snippet so unexpected closes can be traced.
func (s *Store) Close(symbol string, side Side, cancel CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(symbol, side)
	pos, ok := s.records[k]
	if !ok {
		return nil
	}
	if cancel != nil {
		for _, ref := range pos.LastOrderRefs {
			if err := cancel(ref); err != nil {
				log.Debug().Err(err).Str("orderRef", ref).Msg("posstore: best-effort cancel failed on close")
			}
		}
	}
	delete(s.records, k)
	log.Debug().Str("key", k).Str("stack", shortStack()).Msg("posstore: position closed")
	return s.persistLocked()
}

func shortStack() string {
	buf := debug.Stack()
	if len(buf) > 512 {
		buf = buf[:512]
	}
	return string(buf)
}

// Get returns a copy of the position at (symbol, side), or false if absent.
func (s *Store) Get(symbol string, side Side) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.records[key(symbol, side)]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// All returns a snapshot copy of every open (non-diverted) position.
func (s *Store) All() []Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.records))
	for k, p := range s.records {
		if hasIncompleteSuffix(k) {
			continue
		}
		out = append(out, *p)
	}
	return out
}

func hasIncompleteSuffix(k string) bool {
	const suffix = "_synced_incomplete"
	if len(k) < len(suffix) {
		return false
	}
	return k[len(k)-len(suffix):] == suffix
}

// MarkBinanceMissing stamps binanceMissingSince if unset, for the
// reconciliation loop's grace-window timer.
func (s *Store) MarkBinanceMissing(symbol string, side Side, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.records[key(symbol, side)]
	if !ok {
		return fmt.Errorf("posstore: no position %s|%s", symbol, side)
	}
	if pos.BinanceMissingSince == nil {
		t := at
		pos.BinanceMissingSince = &t
	}
	return s.persistLocked()
}

// ClearBinanceMissing clears the grace-window timer once reconciliation
// confirms the exchange position again.
func (s *Store) ClearBinanceMissing(symbol string, side Side) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.records[key(symbol, side)]
	if !ok {
		return nil
	}
	pos.BinanceMissingSince = nil
	return s.persistLocked()
}
