package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/precision"
)

// Client is the signed REST gateway to Binance USDT-margined futures.
type Client struct {
	key, secret string
	base        string
	rest        *resty.Client

	// timeOffset is serverTime-localTime in milliseconds, refreshed by
	// SyncTimeOffset and consulted by every signed request.
	timeOffset atomic.Int64
}

// NewREST builds a Client against base (e.g. https://fapi.binance.com).
func NewREST(key, secret, base string, timeout time.Duration) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
	}

	r := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetTransport(transport).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second)

	return &Client{key: key, secret: secret, base: base, rest: r}
}

// Close releases idle connections held by the underlying transport.
func (c *Client) Close() {
	c.rest.GetClient().CloseIdleConnections()
}

// Balance is one asset row from GET /fapi/v2/balance.
type Balance struct {
	Asset            string          `json:"asset"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
}

// Position is one row from GET /fapi/v2/positionRisk.
type Position struct {
	Symbol           string          `json:"symbol"`
	PositionSide     string          `json:"positionSide"`
	PositionAmt      decimal.Decimal `json:"positionAmt"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	UnrealizedProfit decimal.Decimal `json:"unRealizedProfit"`
	Leverage         string          `json:"leverage"`
}

// OrderResult is the normalized response shape shared by PlaceMarket,
// GetOrder, and CancelOrder.
type OrderResult struct {
	OrderID       int64           `json:"orderId"`
	Symbol        string          `json:"symbol"`
	Status        string          `json:"status"`
	Side          string          `json:"side"`
	ExecutedQty   decimal.Decimal `json:"executedQty"`
	AvgPrice      decimal.Decimal `json:"avgPrice"`
	OrigQty       decimal.Decimal `json:"origQty"`
	ReduceOnly    bool            `json:"reduceOnly"`
	ClientOrderID string          `json:"clientOrderId"`
}

// Candle is one closed kline from GET /fapi/v1/klines.
type Candle struct {
	OpenTime  time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	CloseTime time.Time
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// signedRequest builds the timestamp+recvWindow+signature query string,
// issues the request, and retries exactly once after a time resync if
// Binance reports -1021 (timestamp outside recvWindow).
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	body, err := c.doSigned(ctx, method, path, params)
	if err == nil {
		return body, nil
	}
	var ge *GatewayError
	if !asGatewayError(err, &ge) || ge.Code != errCodeTimestampSkew {
		return nil, err
	}
	if _, syncErr := c.ServerTime(ctx); syncErr != nil {
		return nil, err
	}
	return c.doSigned(ctx, method, path, params)
}

func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	ts := time.Now().UnixMilli() + c.timeOffset.Load()
	params.Set("timestamp", strconv.FormatInt(ts, 10))
	params.Set("recvWindow", "5000")

	qs := encodeSorted(params)
	sig := sign(c.secret, qs)
	fullQS := qs + "&signature=" + sig

	req := c.rest.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.key)

	var resp *resty.Response
	var err error
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = req.Get(path + "?" + fullQS)
	case http.MethodPost:
		resp, err = req.Post(path + "?" + fullQS)
	case http.MethodDelete:
		resp, err = req.Delete(path + "?" + fullQS)
	default:
		return nil, newGatewayError(KindNetwork, 0, "unsupported method "+method, nil)
	}
	if err != nil {
		return nil, newGatewayError(KindNetwork, 0, "", err)
	}
	return classifyResponse(resp)
}

func classifyResponse(resp *resty.Response) ([]byte, error) {
	if resp.IsSuccess() {
		return resp.Body(), nil
	}

	var apiErr apiError
	_ = json.Unmarshal(resp.Body(), &apiErr)

	switch {
	case apiErr.Code == errCodeTimestampSkew:
		return nil, newGatewayError(KindAuth, apiErr.Code, apiErr.Msg, nil)
	case apiErr.Code == -2015 || apiErr.Code == -1022:
		return nil, newGatewayError(KindAuth, apiErr.Code, apiErr.Msg, nil)
	case apiErr.Code == -2013 || apiErr.Code == -2011:
		return nil, newGatewayError(KindNotFound, apiErr.Code, apiErr.Msg, nil)
	case resp.StatusCode() >= 500:
		return nil, newGatewayError(KindTransient, apiErr.Code, apiErr.Msg, nil)
	default:
		return nil, newGatewayError(KindExchangeReject, apiErr.Code, apiErr.Msg, nil)
	}
}

func asGatewayError(err error, target **GatewayError) bool {
	ge, ok := err.(*GatewayError)
	if ok {
		*target = ge
	}
	return ok
}

// encodeSorted mirrors net/url.Values.Encode but Binance does not require a
// specific key order; sorting just keeps signatures deterministic for tests.
func encodeSorted(v url.Values) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(v.Get(k)))
	}
	return b.String()
}

// ServerTime fetches GET /fapi/v1/time and updates the cached clock offset.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get("/fapi/v1/time")
	if err != nil {
		return time.Time{}, newGatewayError(KindNetwork, 0, "", err)
	}
	if !resp.IsSuccess() {
		return time.Time{}, newGatewayError(KindTransient, 0, "server time fetch failed", nil)
	}
	c.timeOffset.Store(out.ServerTime - time.Now().UnixMilli())
	return time.UnixMilli(out.ServerTime), nil
}

// SyncTimeOffset is an explicit alias for ServerTime used at startup.
func (c *Client) SyncTimeOffset(ctx context.Context) error {
	_, err := c.ServerTime(ctx)
	return err
}

// LatestPrice fetches the mark/last price via GET /fapi/v1/ticker/price.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		Price decimal.Decimal `json:"price"`
	}
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		SetResult(&out).
		Get("/fapi/v1/ticker/price")
	if err != nil {
		return decimal.Zero, newGatewayError(KindNetwork, 0, "", err)
	}
	if !resp.IsSuccess() {
		return decimal.Zero, newGatewayError(KindExchangeReject, 0, "price fetch failed", nil)
	}
	return out.Price, nil
}

// RecentCandles fetches the last limit closed klines via GET
// /fapi/v1/klines.
func (c *Client) RecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	var raw [][]any
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":   symbol,
			"interval": interval,
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&raw).
		Get("/fapi/v1/klines")
	if err != nil {
		return nil, newGatewayError(KindNetwork, 0, "", err)
	}
	if !resp.IsSuccess() {
		return nil, newGatewayError(KindExchangeReject, 0, "klines fetch failed", nil)
	}

	out := make([]Candle, 0, len(raw))
	for _, row := range raw {
		if len(row) < 7 {
			continue
		}
		out = append(out, Candle{
			OpenTime:  time.UnixMilli(int64(row[0].(float64))),
			Open:      mustDecimalFromAny(row[1]),
			High:      mustDecimalFromAny(row[2]),
			Low:       mustDecimalFromAny(row[3]),
			Close:     mustDecimalFromAny(row[4]),
			Volume:    mustDecimalFromAny(row[5]),
			CloseTime: time.UnixMilli(int64(row[6].(float64))),
		})
	}
	return out, nil
}

func mustDecimalFromAny(v any) decimal.Decimal {
	s, ok := v.(string)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Positions fetches all open positions via GET /fapi/v2/positionRisk.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, err
	}
	var out []Position
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newGatewayError(KindExchangeReject, 0, "decode positionRisk", err)
	}
	return out, nil
}

// PositionMode fetches the dual-side (hedge mode) setting via GET
// /fapi/v1/positionSide/dual.
func (c *Client) PositionMode(ctx context.Context) (dualSide bool, err error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/positionSide/dual", nil)
	if err != nil {
		return false, err
	}
	var out struct {
		DualSidePosition bool `json:"dualSidePosition"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, newGatewayError(KindExchangeReject, 0, "decode positionSide/dual", err)
	}
	return out.DualSidePosition, nil
}

// SetLeverage sets per-symbol leverage via POST /fapi/v1/leverage.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("leverage", strconv.Itoa(leverage))
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params)
	return err
}

// PlaceMarket submits a MARKET order via POST /fapi/v1/order. side is
// "BUY"/"SELL"; reduceOnly marks exit orders. positionSide is "LONG"/
// "SHORT" in hedge (dual-side) mode, or "" in one-way mode; in one-way
// mode reduceOnly is the only way the exchange knows this order closes
// rather than opens exposure, so the two are mutually exclusive the same
// way Binance itself rejects combining them.
func (c *Client) PlaceMarket(ctx context.Context, symbol, side string, qty decimal.Decimal, reduceOnly bool, positionSide string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newClientOrderId", uuid.New().String())
	if positionSide != "" {
		params.Set("positionSide", positionSide)
	} else if reduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var out OrderResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newGatewayError(KindExchangeReject, 0, "decode order response", err)
	}
	return &out, nil
}

// PlaceStopOrder attaches a reduce-only STOP_MARKET or TAKE_PROFIT_MARKET
// order via POST /fapi/v1/order, the bracket orders the entry pipeline
// records against a freshly-opened position so a stop/target fires even
// if this process is down. orderType must be "STOP_MARKET" or
// "TAKE_PROFIT_MARKET"; side is the closing side ("SELL" to exit a long,
// "BUY" to exit a short).
func (c *Client) PlaceStopOrder(ctx context.Context, symbol, side, orderType string, stopPrice, qty decimal.Decimal, positionSide string) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", side)
	params.Set("type", orderType)
	params.Set("quantity", qty.String())
	params.Set("stopPrice", stopPrice.String())
	params.Set("workingType", "MARK_PRICE")
	params.Set("newClientOrderId", uuid.New().String())
	if positionSide != "" {
		params.Set("positionSide", positionSide)
	} else {
		params.Set("reduceOnly", "true")
	}

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var out OrderResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newGatewayError(KindExchangeReject, 0, "decode order response", err)
	}
	return &out, nil
}

// GetOrder polls an existing order via GET /fapi/v1/order.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))

	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err != nil {
		return nil, err
	}
	var out OrderResult
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newGatewayError(KindExchangeReject, 0, "decode order response", err)
	}
	return &out, nil
}

// CancelOrder cancels an open order via DELETE /fapi/v1/order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID, 10))
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// AccountBalance fetches USDT-M futures balances via GET /fapi/v2/balance.
func (c *Client) AccountBalance(ctx context.Context) ([]Balance, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return nil, err
	}
	var out []Balance
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, newGatewayError(KindExchangeReject, 0, "decode balance", err)
	}
	return out, nil
}

// symbolFilter is one row of GET /fapi/v1/exchangeInfo's per-symbol filter
// array.
type symbolFilter struct {
	FilterType  string `json:"filterType"`
	TickSize    string `json:"tickSize"`
	StepSize    string `json:"stepSize"`
	MinQty      string `json:"minQty"`
	MaxQty      string `json:"maxQty"`
	Notional    string `json:"notional"`
	MinNotional string `json:"minNotional"`
}

// FuturesSymbolFilters fetches one symbol's precision filters via GET
// /fapi/v1/exchangeInfo, satisfying precision.FilterSource.
func (c *Client) FuturesSymbolFilters(ctx context.Context, symbol string) (precision.Filters, error) {
	var out struct {
		Symbols []struct {
			Symbol          string         `json:"symbol"`
			QuantityPrec    int32          `json:"quantityPrecision"`
			PricePrec       int32          `json:"pricePrecision"`
			Filters         []symbolFilter `json:"filters"`
		} `json:"symbols"`
	}

	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/fapi/v1/exchangeInfo")
	if err != nil {
		return precision.Filters{}, newGatewayError(KindNetwork, 0, "", err)
	}
	if resp.IsSuccess() {
		if err := json.Unmarshal(resp.Body(), &out); err != nil {
			return precision.Filters{}, newGatewayError(KindExchangeReject, 0, "decode exchangeInfo", err)
		}
	}
	idx := -1
	for i := range out.Symbols {
		if out.Symbols[i].Symbol == symbol {
			idx = i
			break
		}
	}
	if idx < 0 {
		return precision.Filters{}, newGatewayError(KindNotFound, 0, fmt.Sprintf("symbol %s not found", symbol), nil)
	}

	sym := out.Symbols[idx]
	f := precision.Filters{QuantityDecimals: sym.QuantityPrec, PriceDecimals: sym.PricePrec}
	for _, flt := range sym.Filters {
		switch flt.FilterType {
		case "PRICE_FILTER":
			f.TickSize = decOrZero(flt.TickSize)
		case "LOT_SIZE":
			f.StepSize = decOrZero(flt.StepSize)
			f.MinQty = decOrZero(flt.MinQty)
			f.MaxQty = decOrZero(flt.MaxQty)
		case "MIN_NOTIONAL", "NOTIONAL":
			if flt.Notional != "" {
				f.MinNotional = decOrZero(flt.Notional)
			} else {
				f.MinNotional = decOrZero(flt.MinNotional)
			}
		}
	}
	return f, nil
}

func decOrZero(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
