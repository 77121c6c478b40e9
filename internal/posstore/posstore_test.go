package posstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := New(path, 0.001, 0.03)
	require.NoError(t, err)
	return s
}

func validLong() Position {
	return Position{
		Symbol:     "BTCUSDT",
		Side:       Long,
		EntryPrice: d("100"),
		Size:       d("1"),
		StopLoss:   d("95"),
		TakeProfit: d("120"),
		Source:     ScalperSignal,
		EntryTime:  time.Now(),
	}
}

func TestAddAndGet(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(validLong()))

	got, ok := s.Get("BTCUSDT", Long)
	require.True(t, ok)
	assert.True(t, got.EntryPrice.Equal(d("100")))
}

func TestAddWidensTooTightStopLoss(t *testing.T) {
	s := newTestStore(t)
	pos := validLong()
	pos.StopLoss = d("99.9") // dist 0.1, below fallbackSlPct*entry = 3

	require.NoError(t, s.Add(pos))
	got, ok := s.Get("BTCUSDT", Long)
	require.True(t, ok)
	assert.True(t, got.StopLoss.LessThanOrEqual(d("97")), "expected widened SL, got %s", got.StopLoss)
}

func TestInvariantViolationDivertsToIncompleteKey(t *testing.T) {
	s := newTestStore(t)
	// SL on the wrong side of entry for a LONG violates invariant 2 and
	// isn't the breakeven-tolerance exception either.
	bad := validLong()
	bad.StopLoss = d("150")
	bad.TakeProfit = d("120")

	err := s.Add(bad)
	require.NoError(t, err, "Add itself should not error, the record is diverted instead")

	_, ok := s.Get("BTCUSDT", Long)
	assert.False(t, ok, "invariant-violating record must not land under the main key")
}

func TestUpdateRequiresPositiveEntryAndSizeToCreate(t *testing.T) {
	s := newTestStore(t)
	err := s.Update("ETHUSDT", Long, func(p *Position) {
		p.Size = d("1")
		// EntryPrice left at zero
	})
	assert.Error(t, err)
}

func TestSetPeakMonotoneLong(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(validLong()))

	require.NoError(t, s.SetPeak("BTCUSDT", Long, d("110")))
	require.NoError(t, s.SetPeak("BTCUSDT", Long, d("105"))) // lower, ignored

	got, _ := s.Get("BTCUSDT", Long)
	assert.True(t, got.PeakPrice.Equal(d("110")))
}

func TestSetPeakMonotoneShort(t *testing.T) {
	s := newTestStore(t)
	pos := validLong()
	pos.Side = Short
	pos.StopLoss = d("105")
	pos.TakeProfit = d("80")
	require.NoError(t, s.Add(pos))

	require.NoError(t, s.SetPeak("BTCUSDT", Short, d("90")))
	require.NoError(t, s.SetPeak("BTCUSDT", Short, d("95"))) // higher, ignored for short

	got, _ := s.Get("BTCUSDT", Short)
	assert.True(t, got.PeakPrice.Equal(d("90")))
}

func TestCloseRemovesRecordAndBestEffortCancels(t *testing.T) {
	s := newTestStore(t)
	pos := validLong()
	pos.LastOrderRefs = []string{"sl-1", "tp-1"}
	require.NoError(t, s.Add(pos))

	var cancelled []string
	err := s.Close("BTCUSDT", Long, func(orderID string) error {
		cancelled = append(cancelled, orderID)
		return nil
	})
	require.NoError(t, err)

	_, ok := s.Get("BTCUSDT", Long)
	assert.False(t, ok)
	assert.ElementsMatch(t, []string{"sl-1", "tp-1"}, cancelled)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "positions.json")
	s, err := New(path, 0.001, 0.03)
	require.NoError(t, err)
	require.NoError(t, s.Add(validLong()))

	reloaded, err := New(path, 0.001, 0.03)
	require.NoError(t, err)

	got, ok := reloaded.Get("BTCUSDT", Long)
	require.True(t, ok)
	assert.True(t, got.EntryPrice.Equal(d("100")))
}

func TestIsSaneBreakevenTolerance(t *testing.T) {
	pos := validLong()
	pos.StopLoss = pos.EntryPrice
	pos.Breakeven = true

	assert.True(t, IsSane(&pos, 0.001))
}

func TestIsSaneRejectsNonPositiveSize(t *testing.T) {
	pos := validLong()
	pos.Size = decimal.Zero
	assert.False(t, IsSane(&pos, 0.001))
}

func TestAllExcludesIncompleteRecords(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(validLong()))

	bad := validLong()
	bad.Symbol = "ETHUSDT"
	bad.StopLoss = d("150")
	require.NoError(t, s.Add(bad))

	all := s.All()
	assert.Len(t, all, 1)
	assert.Equal(t, "BTCUSDT", all[0].Symbol)
}

func TestMarkAndClearBinanceMissing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Add(validLong()))

	now := time.Now()
	require.NoError(t, s.MarkBinanceMissing("BTCUSDT", Long, now))
	got, _ := s.Get("BTCUSDT", Long)
	require.NotNil(t, got.BinanceMissingSince)

	require.NoError(t, s.ClearBinanceMissing("BTCUSDT", Long))
	got, _ = s.Get("BTCUSDT", Long)
	assert.Nil(t, got.BinanceMissingSince)
}
