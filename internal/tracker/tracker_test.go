package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTrackEntrySetsEntryPending(t *testing.T) {
	tr := New()
	tr.TrackEntry("BTCUSDT", "LONG", "order-1", "ScalperSignal")
	assert.Equal(t, EntryPending, tr.State("BTCUSDT", "LONG"))
}

func TestMarkOpenFromEntryPending(t *testing.T) {
	tr := New()
	tr.TrackEntry("BTCUSDT", "LONG", "order-1", "ScalperSignal")
	tr.MarkOpen("BTCUSDT", "LONG")
	assert.Equal(t, Open, tr.State("BTCUSDT", "LONG"))
}

func TestMarkOpenNoopWithoutEntry(t *testing.T) {
	tr := New()
	tr.MarkOpen("BTCUSDT", "LONG")
	assert.Equal(t, None, tr.State("BTCUSDT", "LONG"))
}

// TestMarkExitPendingSingleOwner: concurrent
// MarkExitPending calls on the same key, exactly one wins.
func TestMarkExitPendingSingleOwner(t *testing.T) {
	tr := New()
	tr.TrackEntry("BTCUSDT", "LONG", "order-1", "ScalperSignal")
	tr.MarkOpen("BTCUSDT", "LONG")

	const attempts = 50
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.MarkExitPending("BTCUSDT", "LONG") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins, "exactly one caller should acquire the exit")
	assert.Equal(t, ExitPending, tr.State("BTCUSDT", "LONG"))
}

func TestMarkExitPendingSecondCallFails(t *testing.T) {
	tr := New()
	assert.True(t, tr.MarkExitPending("BTCUSDT", "LONG"))
	assert.False(t, tr.MarkExitPending("BTCUSDT", "LONG"))
}

func TestClearResetsToNone(t *testing.T) {
	tr := New()
	tr.MarkExitPending("BTCUSDT", "LONG")
	tr.Clear("BTCUSDT", "LONG")
	assert.Equal(t, None, tr.State("BTCUSDT", "LONG"))
}

func TestIndependentKeysDoNotInterfere(t *testing.T) {
	tr := New()
	tr.TrackEntry("BTCUSDT", "LONG", "order-1", "ScalperSignal")
	tr.TrackEntry("ETHUSDT", "SHORT", "order-2", "MLSignal")

	assert.True(t, tr.MarkExitPending("BTCUSDT", "LONG"))
	assert.Equal(t, EntryPending, tr.State("ETHUSDT", "SHORT"))
}

func TestStaleSinceReportsElapsed(t *testing.T) {
	tr := New()
	tr.TrackEntry("BTCUSDT", "LONG", "order-1", "ScalperSignal")
	_, ok := tr.StaleSince("BTCUSDT", "LONG")
	assert.True(t, ok)

	_, ok = tr.StaleSince("UNKNOWN", "LONG")
	assert.False(t, ok)
}
