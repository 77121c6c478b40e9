package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/sink"
)

func freePort(t *testing.T) int {
	t.Helper()
	return 19090 + int(time.Now().UnixNano()%1000)
}

func newTestServer(t *testing.T) (*Server, *posstore.Store, *sink.Sink, int) {
	t.Helper()
	store, err := posstore.New(t.TempDir()+"/positions.json", 0.001, 0.01)
	require.NoError(t, err)
	sk := sink.New(t.TempDir(), "", time.Minute, false)
	port := freePort(t)
	return NewServer(store, sk, port), store, sk, port
}

func TestHandlePositionsReturnsStoreSnapshot(t *testing.T) {
	s, store, _, port := newTestServer(t)
	require.NoError(t, store.Add(posstore.Position{
		Symbol: "BTCUSDT", Side: posstore.Long,
		EntryPrice: decimal.RequireFromString("100"), Size: decimal.RequireFromString("1"),
		StopLoss: decimal.RequireFromString("95"), TakeProfit: decimal.RequireFromString("120"),
		EntryTime: time.Now(),
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()
	waitForServer(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/positions", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var positions []posstore.Position
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&positions))
	require.Len(t, positions, 1)
	assert.Equal(t, "BTCUSDT", positions[0].Symbol)
}

func TestHandleIndexServesHTML(t *testing.T) {
	s, _, _, port := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()
	waitForServer(t, port)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
}

func TestWebSocketReceivesSubscribedLifecycleEvents(t *testing.T) {
	s, _, sk, port := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	defer cancel()
	waitForServer(t, port)

	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/ws", port), nil)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the server register the client

	require.NoError(t, sk.LogEvent(sink.LifecycleEvent{
		Ts: time.Now(), Symbol: "ETHUSDT", EventType: sink.Entry,
		Price: decimal.RequireFromString("10"), Qty: decimal.RequireFromString("1"),
		EntryPrice: decimal.RequireFromString("10"), Pnl: decimal.Zero,
		Sl: decimal.RequireFromString("9"), Tp: decimal.RequireFromString("12"),
	}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev sink.LifecycleEvent
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "ETHUSDT", ev.Symbol)
	assert.Equal(t, sink.Entry, ev.EventType)
}

func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/", port)); err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("dashboard server did not come up in time")
}
