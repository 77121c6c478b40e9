package entry

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-lifecycle-engine/internal/cfg"
	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/precision"
	"binance-lifecycle-engine/internal/sink"
	"binance-lifecycle-engine/internal/strategy"
	"binance-lifecycle-engine/internal/tracker"
)

func dd(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type mockGateway struct {
	price        decimal.Decimal
	balance      decimal.Decimal
	positions    []GatewayPosition
	orders       []*GatewayOrder
	stopOrders   []*GatewayOrder
	cancelledIDs []int64
	placeErr     error
	stopErr      error
	nextOrder    int64
}

func (m *mockGateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return m.price, nil
}

func (m *mockGateway) Positions(ctx context.Context) ([]GatewayPosition, error) {
	return m.positions, nil
}

func (m *mockGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return nil
}

func (m *mockGateway) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*GatewayOrder, error) {
	if m.placeErr != nil {
		return nil, m.placeErr
	}
	m.nextOrder++
	ack := &GatewayOrder{OrderID: m.nextOrder, AvgPrice: m.price, ExecutedQty: qty}
	m.orders = append(m.orders, ack)
	return ack, nil
}

func (m *mockGateway) PlaceStopOrder(ctx context.Context, symbol, side, orderType string, stopPrice, qty decimal.Decimal, positionSide string) (*GatewayOrder, error) {
	if m.stopErr != nil {
		return nil, m.stopErr
	}
	m.nextOrder++
	ack := &GatewayOrder{OrderID: m.nextOrder}
	m.stopOrders = append(m.stopOrders, ack)
	return ack, nil
}

func (m *mockGateway) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	return m.balance, nil
}

func (m *mockGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	m.cancelledIDs = append(m.cancelledIDs, orderID)
	return nil
}

func newPipeline(t *testing.T, gw Gateway) (*Pipeline, *posstore.Store) {
	t.Helper()
	store, err := posstore.New(t.TempDir()+"/positions.json", 0.001, 0.03)
	require.NoError(t, err)
	return &Pipeline{
		Store:     store,
		Tracker:   tracker.New(),
		Precision: precision.New(nil),
		Gateway:   gw,
	}, store
}

func validSignal() strategy.Signal {
	return strategy.Signal{
		Side:             strategy.Long,
		Entry:            dd("100"),
		StopLoss:         dd("95"),
		TakeProfit:       dd("115"),
		PartialTpPrice:   dd("105"),
		PartialTpSizePct: 0.5,
	}
}

func TestSubmitEntersAndPersistsPosition(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, store := newPipeline(t, gw)

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	require.NoError(t, err)

	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok)
	assert.True(t, pos.Size.IsPositive())
	assert.True(t, pos.EntryPrice.Equal(dd("100")))
	require.NotNil(t, pos.PartialTpPrice)
	assert.True(t, pos.PartialTpPrice.Equal(dd("105")))
}

func TestSubmitPlacesBracketOrdersAndRecordsRefs(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, store := newPipeline(t, gw)

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	require.NoError(t, err)

	require.Len(t, gw.stopOrders, 2)
	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok)
	assert.Len(t, pos.LastOrderRefs, 2)
}

func TestSubmitHedgeModeThreadsPositionSide(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, store := newPipeline(t, gw)
	p.HedgeMode = true

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Short, USDAllocation: 1000,
		Signal: strategy.Signal{
			Side: strategy.Short, Entry: dd("100"), StopLoss: dd("105"), TakeProfit: dd("85"),
		}, Source: posstore.ScalperSignal, Leverage: 5,
	})
	require.NoError(t, err)

	_, ok := store.Get("BTCUSDT", posstore.Short)
	require.True(t, ok)
	assert.Len(t, gw.stopOrders, 2)
}

func TestSubmitWidensTooTightStopAndRecomputesTp(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, store := newPipeline(t, gw)

	// SL only 0.005 away from a 100 entry: under the 0.05 minimum distance,
	// so the fallback 3% stop applies and the TP follows the RR ratio.
	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: strategy.Signal{
			Side: strategy.Long, Entry: dd("100"), StopLoss: dd("99.995"), TakeProfit: dd("100.01"),
		},
		Source: posstore.ScalperSignal, Leverage: 5,
		MinSlDistancePct: 0.0005, FallbackSlPct: 0.03, RiskRewardRatio: 2.0,
	})
	require.NoError(t, err)

	pos, ok := store.Get("BTCUSDT", posstore.Long)
	require.True(t, ok)
	assert.True(t, pos.StopLoss.Equal(dd("97")), "got SL %s", pos.StopLoss)
	assert.True(t, pos.TakeProfit.Equal(dd("106")), "got TP %s", pos.TakeProfit)
}

func TestSubmitRejectsWhenPositionAlreadyExists(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, store := newPipeline(t, gw)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Long, EntryPrice: dd("100"), Size: dd("1"),
		StopLoss: dd("95"), TakeProfit: dd("115"), PeakPrice: dd("100"),
	}))

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	assert.ErrorContains(t, err, "position_already_exists")
}

func TestSubmitRejectsOnInsufficientMargin(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("1")}
	p, _ := newPipeline(t, gw)

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	assert.ErrorContains(t, err, "insufficient_margin")
}

func TestSubmitClosesOppositeSideBeforeEnteringReversal(t *testing.T) {
	gw := &mockGateway{
		price:   dd("100"),
		balance: dd("10000"),
		positions: []GatewayPosition{
			{Symbol: "BTCUSDT", PositionAmt: dd("2")},
		},
	}
	p, store := newPipeline(t, gw)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Short, EntryPrice: dd("110"), Size: dd("2"),
		StopLoss: dd("115"), TakeProfit: dd("90"), PeakPrice: dd("110"),
		LastOrderRefs: []string{"501", "502"},
	}))

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	require.NoError(t, err)

	_, stillShort := store.Get("BTCUSDT", posstore.Short)
	assert.False(t, stillShort)
	_, nowLong := store.Get("BTCUSDT", posstore.Long)
	assert.True(t, nowLong)

	// two PlaceMarket calls: the reduce-only close, then the entry itself
	assert.Len(t, gw.orders, 2)
	// the closed short's attached bracket orders get best-effort cancelled
	assert.ElementsMatch(t, []int64{501, 502}, gw.cancelledIDs)
}

func TestSubmitRejectsWhenHibernating(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000")}
	p, _ := newPipeline(t, gw)
	p.Hibernator = NewHibernator(cfg.HibernationSettings{AfterConsecutiveLosses: 2, Cooldown: time.Hour})

	p.Hibernator.Observe(sink.LifecycleEvent{Symbol: "BTCUSDT", EventType: sink.SlExit})
	p.Hibernator.Observe(sink.LifecycleEvent{Symbol: "BTCUSDT", EventType: sink.SlExit})
	require.True(t, p.Hibernator.IsHibernating("BTCUSDT"))

	err := p.Submit(context.Background(), Params{
		Symbol: "BTCUSDT", Side: posstore.Long, USDAllocation: 1000,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 5,
	})
	assert.ErrorContains(t, err, "symbol_hibernating")
}

func TestSubmitRejectsOnEntryOrderFailure(t *testing.T) {
	gw := &mockGateway{price: dd("100"), balance: dd("10000"), placeErr: assert.AnError}
	p, _ := newPipeline(t, gw)

	err := p.Submit(context.Background(), Params{
		Symbol: "ETHUSDT", Side: posstore.Long, USDAllocation: 500,
		Signal: validSignal(), Source: posstore.ScalperSignal, Leverage: 3,
	})
	assert.ErrorContains(t, err, "entry_order_failed")
}
