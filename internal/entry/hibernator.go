package entry

import (
	"sync"
	"time"

	"binance-lifecycle-engine/internal/cfg"
	"binance-lifecycle-engine/internal/sink"
)

// Hibernator tracks consecutive stop-loss exits per symbol and rejects new
// entries for Cooldown after AfterConsecutiveLosses in a row, clearing the
// streak on any non-SL exit. Pipeline.Submit consults it as a pre-check
// before any other entry step.
type Hibernator struct {
	mu       sync.Mutex
	settings cfg.HibernationSettings
	streak   map[string]int
	until    map[string]time.Time

	// Activations, if set, is incremented each time a symbol newly enters
	// its cooldown window.
	Activations interface{ Inc() }
}

// NewHibernator builds a Hibernator from the configured settings.
func NewHibernator(settings cfg.HibernationSettings) *Hibernator {
	return &Hibernator{
		settings: settings,
		streak:   make(map[string]int),
		until:    make(map[string]time.Time),
	}
}

// IsHibernating reports whether symbol is currently within its cooldown
// window.
func (h *Hibernator) IsHibernating(symbol string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	until, ok := h.until[symbol]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(h.until, symbol)
		return false
	}
	return true
}

// Observe consumes one lifecycle event and updates the streak: a SL_EXIT
// increments the streak and arms the cooldown once the configured
// threshold is reached; any other exit event resets the streak to zero.
func (h *Hibernator) Observe(ev sink.LifecycleEvent) {
	if h.settings.AfterConsecutiveLosses <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	switch ev.EventType {
	case sink.SlExit:
		h.streak[ev.Symbol]++
		if h.streak[ev.Symbol] >= h.settings.AfterConsecutiveLosses {
			if _, armed := h.until[ev.Symbol]; !armed && h.Activations != nil {
				h.Activations.Inc()
			}
			h.until[ev.Symbol] = time.Now().Add(h.settings.Cooldown)
		}
	case sink.TpExit, sink.TrailingExit, sink.TimeExit, sink.RestExit:
		h.streak[ev.Symbol] = 0
	}
}
