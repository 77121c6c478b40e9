package main

// The entry, exitctl, reconcile, and watchdog packages each declare their
// own narrow Gateway interface so they can be unit-tested without a live
// exchange. The per-package wrapper types below (entryGateway, exitGateway,
// reconcileGateway, watchdogGateway) adapt the single real
// exchange/binance.Client to all four, since Go's structural typing
// doesn't let one method name serve two differently-shaped interfaces on
// the same receiver.

import (
	"context"

	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/entry"
	"binance-lifecycle-engine/internal/exchange/binance"
	"binance-lifecycle-engine/internal/exitctl"
	"binance-lifecycle-engine/internal/reconcile"
	"binance-lifecycle-engine/internal/watchdog"
)

// entryGateway adapts *binance.Client to entry.Gateway.
type entryGateway struct{ client *binance.Client }

func (g entryGateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.client.LatestPrice(ctx, symbol)
}

func (g entryGateway) Positions(ctx context.Context) ([]entry.GatewayPosition, error) {
	positions, err := g.client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]entry.GatewayPosition, len(positions))
	for i, p := range positions {
		out[i] = entry.GatewayPosition{Symbol: p.Symbol, PositionAmt: p.PositionAmt}
	}
	return out, nil
}

func (g entryGateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.client.SetLeverage(ctx, symbol, leverage)
}

func (g entryGateway) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*entry.GatewayOrder, error) {
	ack, err := g.client.PlaceMarket(ctx, symbol, side, qty, reduceOnly, positionSide)
	if err != nil {
		return nil, err
	}
	return &entry.GatewayOrder{OrderID: ack.OrderID, AvgPrice: ack.AvgPrice, ExecutedQty: ack.ExecutedQty}, nil
}

func (g entryGateway) PlaceStopOrder(ctx context.Context, symbol, side, orderType string, stopPrice, qty decimal.Decimal, positionSide string) (*entry.GatewayOrder, error) {
	ack, err := g.client.PlaceStopOrder(ctx, symbol, side, orderType, stopPrice, qty, positionSide)
	if err != nil {
		return nil, err
	}
	return &entry.GatewayOrder{OrderID: ack.OrderID, AvgPrice: ack.AvgPrice, ExecutedQty: ack.ExecutedQty}, nil
}

func (g entryGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return g.client.CancelOrder(ctx, symbol, orderID)
}

func (g entryGateway) AccountBalance(ctx context.Context) (decimal.Decimal, error) {
	balances, err := g.client.AccountBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, b := range balances {
		if b.Asset == "USDT" {
			total = total.Add(b.AvailableBalance)
		}
	}
	return total, nil
}

// exitGateway adapts *binance.Client to exitctl.Gateway.
type exitGateway struct{ client *binance.Client }

func (g exitGateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.client.LatestPrice(ctx, symbol)
}

func (g exitGateway) Positions(ctx context.Context) ([]exitctl.GatewayPosition, error) {
	positions, err := g.client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exitctl.GatewayPosition, len(positions))
	for i, p := range positions {
		out[i] = exitctl.GatewayPosition{Symbol: p.Symbol, PositionAmt: p.PositionAmt}
	}
	return out, nil
}

func (g exitGateway) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*exitctl.GatewayOrder, error) {
	ack, err := g.client.PlaceMarket(ctx, symbol, side, qty, reduceOnly, positionSide)
	if err != nil {
		return nil, err
	}
	return &exitctl.GatewayOrder{OrderID: ack.OrderID, Status: ack.Status, ExecutedQty: ack.ExecutedQty}, nil
}

func (g exitGateway) GetOrder(ctx context.Context, symbol string, orderID int64) (*exitctl.GatewayOrder, error) {
	ack, err := g.client.GetOrder(ctx, symbol, orderID)
	if err != nil {
		return nil, err
	}
	return &exitctl.GatewayOrder{OrderID: ack.OrderID, Status: ack.Status, ExecutedQty: ack.ExecutedQty}, nil
}

func (g exitGateway) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	return g.client.CancelOrder(ctx, symbol, orderID)
}

// reconcileGateway adapts *binance.Client to reconcile.Gateway.
type reconcileGateway struct{ client *binance.Client }

func (g reconcileGateway) Positions(ctx context.Context) ([]reconcile.GatewayPosition, error) {
	positions, err := g.client.Positions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]reconcile.GatewayPosition, len(positions))
	for i, p := range positions {
		out[i] = reconcile.GatewayPosition{
			Symbol:       p.Symbol,
			PositionSide: p.PositionSide,
			PositionAmt:  p.PositionAmt,
			EntryPrice:   p.EntryPrice,
		}
	}
	return out, nil
}

// watchdogGateway adapts *binance.Client to watchdog.Gateway.
type watchdogGateway struct{ client *binance.Client }

func (g watchdogGateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return g.client.LatestPrice(ctx, symbol)
}

func (g watchdogGateway) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool) (*watchdog.GatewayOrder, error) {
	// The watchdog sweep always runs against a one-way-mode close; an empty
	// positionSide keeps the order a plain reduce-only market close.
	ack, err := g.client.PlaceMarket(ctx, symbol, side, qty, reduceOnly, "")
	if err != nil {
		return nil, err
	}
	return &watchdog.GatewayOrder{OrderID: ack.OrderID, Status: ack.Status, ExecutedQty: ack.ExecutedQty}, nil
}
