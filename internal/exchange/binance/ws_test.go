package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKlineMessageClosedCandle(t *testing.T) {
	raw := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {
			"s": "BTCUSDT",
			"k": {
				"t": 1000, "T": 59999, "i": "1m",
				"o": "100.0", "h": "101.0", "l": "99.0", "c": "100.5", "v": "10.0",
				"x": true
			}
		}
	}`)

	k, ok, err := parseKlineMessage(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", k.Symbol)
	assert.True(t, k.Closed)
	assert.True(t, k.Close.Equal(decOrZero("100.5")))
}

func TestParseKlineMessageOpenCandleNotClosed(t *testing.T) {
	raw := []byte(`{
		"stream": "btcusdt@kline_1m",
		"data": {"s": "BTCUSDT", "k": {"t": 1000, "T": 59999, "i": "1m", "o": "1", "h": "1", "l": "1", "c": "1", "v": "1", "x": false}}
	}`)

	k, ok, err := parseKlineMessage(raw)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, k.Closed)
}

func TestParseKlineMessageMalformedFrame(t *testing.T) {
	_, ok, err := parseKlineMessage([]byte(`not json`))
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestStreamURLBuildsCombinedPath(t *testing.T) {
	w := NewWS("wss://fstream.binance.com/stream")
	got := w.streamURL([]string{"BTCUSDT", "ETHUSDT"}, "1m")
	assert.Contains(t, got, "streams=btcusdt@kline_1m/ethusdt@kline_1m")
}
