package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-lifecycle-engine/internal/posstore"
)

func dd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockGateway struct {
	positions []GatewayPosition
}

func (m *mockGateway) Positions(ctx context.Context) ([]GatewayPosition, error) {
	return m.positions, nil
}

func newStore(t *testing.T) *posstore.Store {
	t.Helper()
	store, err := posstore.New(t.TempDir()+"/positions.json", 0.01, 0.03)
	require.NoError(t, err)
	return store
}

func TestRunSynthesizesUnknownExchangePosition(t *testing.T) {
	gw := &mockGateway{positions: []GatewayPosition{
		{Symbol: "BTCUSDT", PositionAmt: dd("1"), EntryPrice: dd("100")},
	}}
	store := newStore(t)
	loop := NewLoop(store, gw, nil, []string{"BTCUSDT"}, 30*time.Second, 0.01, 2.0)

	require.NoError(t, loop.Run(context.Background()))

	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok)
	assert.Equal(t, posstore.ReconciledSynthetic, pos.Source)
	assert.True(t, pos.EntryPrice.Equal(dd("100")))
	assert.True(t, pos.StopLoss.LessThan(pos.EntryPrice))
	assert.True(t, pos.TakeProfit.GreaterThan(pos.EntryPrice))
}

func TestRunDivertsInvalidEntryPriceToIncompleteMarker(t *testing.T) {
	gw := &mockGateway{positions: []GatewayPosition{
		{Symbol: "ETHUSDT", PositionAmt: dd("3"), EntryPrice: decimal.Zero},
	}}
	store := newStore(t)
	loop := NewLoop(store, gw, nil, []string{"ETHUSDT"}, 30*time.Second, 0.01, 2.0)

	require.NoError(t, loop.Run(context.Background()))

	_, ok := store.Get("ETHUSDT", posstore.Long)
	assert.False(t, ok, "no regular position should ever be created from a zero entryPrice")
	assert.Empty(t, store.All())
}

func TestRunStartsGraceWindowWhenExchangePositionMissing(t *testing.T) {
	gw := &mockGateway{} // no positions
	store := newStore(t)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Long, EntryPrice: dd("100"), Size: dd("1"),
		StopLoss: dd("95"), TakeProfit: dd("120"), PeakPrice: dd("100"),
	}))
	loop := NewLoop(store, gw, nil, []string{"BTCUSDT"}, 30*time.Second, 0.01, 2.0)

	require.NoError(t, loop.Run(context.Background()))

	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok, "position must survive within the grace window")
	require.NotNil(t, pos.BinanceMissingSince)
}

func TestRunRemovesLocalPositionAfterGraceWindowExpires(t *testing.T) {
	gw := &mockGateway{}
	store := newStore(t)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Long, EntryPrice: dd("100"), Size: dd("1"),
		StopLoss: dd("95"), TakeProfit: dd("120"), PeakPrice: dd("100"),
	}))
	past := time.Now().Add(-time.Minute)
	require.NoError(t, store.MarkBinanceMissing("BTCUSDT", posstore.Long, past))

	loop := NewLoop(store, gw, nil, []string{"BTCUSDT"}, 30*time.Second, 0.01, 2.0)
	require.NoError(t, loop.Run(context.Background()))

	_, ok := store.Get("BTCUSDT", posstore.Long)
	assert.False(t, ok, "position should be removed once the grace window has elapsed")
}

func TestRunClearsBinanceMissingOnceExchangeRepositionsMatch(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Long, EntryPrice: dd("100"), Size: dd("1"),
		StopLoss: dd("95"), TakeProfit: dd("120"), PeakPrice: dd("100"),
	}))
	require.NoError(t, store.MarkBinanceMissing("BTCUSDT", posstore.Long, time.Now()))

	gw := &mockGateway{positions: []GatewayPosition{
		{Symbol: "BTCUSDT", PositionAmt: dd("1"), EntryPrice: dd("100")},
	}}
	loop := NewLoop(store, gw, nil, []string{"BTCUSDT"}, 30*time.Second, 0.01, 2.0)
	require.NoError(t, loop.Run(context.Background()))

	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok)
	assert.Nil(t, pos.BinanceMissingSince)
}
