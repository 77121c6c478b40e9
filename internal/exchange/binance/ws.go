package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Kline is one candle update from the combined kline stream. Closed is
// Binance's "x" flag; strategy evaluation only acts on closed candles.
type Kline struct {
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	Closed    bool
}

// WS is the kline stream consumer on Binance's combined-stream endpoint.
// It reconnects with exponential backoff and treats prolonged silence as
// a dead connection.
type WS struct {
	url string

	// OnReconnect, if set, is called each time the stream drops and a
	// reconnect attempt is about to be scheduled.
	OnReconnect func()
}

// NewWS builds a WS against a combined-stream base URL, e.g.
// wss://fstream.binance.com/stream.
func NewWS(url string) *WS {
	return &WS{url: url}
}

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type klineEvent struct {
	Symbol string `json:"s"`
	Kline  struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Interval  string `json:"i"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

// StreamClosedCandles connects to the combined kline stream for symbols at
// interval and pushes only closed candles (k.x == true) onto out,
// reconnecting with backoff on error until ctx is cancelled.
func (w *WS) StreamClosedCandles(ctx context.Context, symbols []string, interval string, out chan<- Kline, ping time.Duration) error {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.streamOnce(ctx, symbols, interval, out, ping); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn().Err(err).Dur("backoff", backoff).Msg("binance ws: stream disconnected, reconnecting")
			if w.OnReconnect != nil {
				w.OnReconnect()
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
	}
}

func (w *WS) streamURL(symbols []string, interval string) string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, fmt.Sprintf("%s@kline_%s", strings.ToLower(s), interval))
	}
	return strings.TrimRight(w.url, "/") + "?streams=" + strings.Join(streams, "/")
}

func (w *WS) streamOnce(ctx context.Context, symbols []string, interval string, out chan<- Kline, ping time.Duration) error {
	url := w.streamURL(symbols, interval)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(ping)
	defer pingTicker.Stop()

	readErr := make(chan error, 1)
	msgCh := make(chan []byte, 64)
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case msgCh <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		case msg := <-msgCh:
			k, ok, err := parseKlineMessage(msg)
			if err != nil {
				log.Debug().Err(err).Msg("binance ws: failed to parse kline message")
				continue
			}
			if !ok || !k.Closed {
				continue
			}
			select {
			case out <- k:
			default:
				log.Warn().Str("symbol", k.Symbol).Msg("binance ws: kline channel full, dropping update")
			}
		}
	}
}

func parseKlineMessage(msg []byte) (Kline, bool, error) {
	var cm combinedMessage
	if err := json.Unmarshal(msg, &cm); err != nil || len(cm.Data) == 0 {
		return Kline{}, false, fmt.Errorf("unexpected frame: %w", err)
	}
	var ev klineEvent
	if err := json.Unmarshal(cm.Data, &ev); err != nil {
		return Kline{}, false, err
	}
	if ev.Symbol == "" {
		return Kline{}, false, nil
	}
	return Kline{
		Symbol:    ev.Symbol,
		Interval:  ev.Kline.Interval,
		OpenTime:  time.UnixMilli(ev.Kline.StartTime),
		CloseTime: time.UnixMilli(ev.Kline.EndTime),
		Open:      decOrZero(ev.Kline.Open),
		High:      decOrZero(ev.Kline.High),
		Low:       decOrZero(ev.Kline.Low),
		Close:     decOrZero(ev.Kline.Close),
		Volume:    decOrZero(ev.Kline.Volume),
		Closed:    ev.Kline.Closed,
	}, true, nil
}
