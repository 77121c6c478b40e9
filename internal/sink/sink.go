// Package sink is the lifecycle/alert output boundary: an append-only CSV
// lifecycle log, an equity snapshot log, and a webhook alert channel with
// TTL-deduplicated messages.
package sink

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// EventType tags a lifecycle log row.
type EventType string

const (
	Entry        EventType = "ENTRY"
	Tp1Partial   EventType = "TP1_PARTIAL"
	SlExit       EventType = "SL_EXIT"
	TpExit       EventType = "TP_EXIT"
	TrailingExit EventType = "TRAILING_EXIT"
	TimeExit     EventType = "TIME_EXIT"
	RestExit     EventType = "REST_EXIT"
)

// LifecycleEvent is one append-only row.
type LifecycleEvent struct {
	Ts         time.Time
	Symbol     string
	Side       string
	EventType  EventType
	Price      decimal.Decimal
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
	Pnl        decimal.Decimal
	Sl         decimal.Decimal
	Tp         decimal.Decimal
	Reason     string
	Source     string
}

// Severity tags an alert's urgency.
type Severity string

const (
	Critical Severity = "critical"
	ErrorSev Severity = "error"
	Info     Severity = "info"
)

// Sink is the lifecycle/equity/alert output boundary. Safe for concurrent
// use.
type Sink struct {
	mu           sync.Mutex
	lifecycleDir string
	equityPath   string

	webhookURL string
	httpClient *http.Client
	dryRun     bool

	dedupMu  sync.Mutex
	dedup    map[string]time.Time
	dedupTTL time.Duration

	peakEquity decimal.Decimal

	subMu       sync.Mutex
	subscribers []func(LifecycleEvent)
}

// Subscribe registers fn to be called, best-effort and synchronously,
// with every event LogEvent records. This is how the entry pipeline's
// Hibernator uses to watch the exit stream for consecutive stop-loss
// hits without exitctl calling it directly.
func (s *Sink) Subscribe(fn func(LifecycleEvent)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Sink) notify(ev LifecycleEvent) {
	s.subMu.Lock()
	subs := make([]func(LifecycleEvent), len(s.subscribers))
	copy(subs, s.subscribers)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// New builds a Sink writing lifecycle CSVs under dataPath/logs/
// trades_archive and equity snapshots to dataPath/logs/equity.csv, posting
// alerts to webhookURL (may be empty to disable).
func New(dataPath, webhookURL string, dedupTTL time.Duration, dryRun bool) *Sink {
	return &Sink{
		lifecycleDir: filepath.Join(dataPath, "logs", "trades_archive"),
		equityPath:   filepath.Join(dataPath, "logs", "equity.csv"),
		webhookURL:   webhookURL,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		dryRun:       dryRun,
		dedup:        make(map[string]time.Time),
		dedupTTL:     dedupTTL,
	}
}

var lifecycleHeader = []string{
	"ts", "symbol", "side", "eventType", "price", "qty", "entryPrice", "pnl", "sl", "tp", "reason", "source",
}

// LogEvent appends one lifecycle event row, creating the CSV with a header
// if it doesn't exist yet.
func (s *Sink) LogEvent(ev LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.lifecycleDir, 0o755); err != nil {
		return fmt.Errorf("sink: mkdir %s: %w", s.lifecycleDir, err)
	}
	path := filepath.Join(s.lifecycleDir, fmt.Sprintf("%s.csv", ev.Symbol))
	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(lifecycleHeader); err != nil {
			return err
		}
	}
	row := []string{
		ev.Ts.UTC().Format(time.RFC3339),
		ev.Symbol,
		ev.Side,
		string(ev.EventType),
		ev.Price.String(),
		ev.Qty.String(),
		ev.EntryPrice.String(),
		ev.Pnl.String(),
		ev.Sl.String(),
		ev.Tp.String(),
		ev.Reason,
		ev.Source,
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return err
	}
	s.notify(ev)
	return nil
}

var equityHeader = []string{"ts", "tag", "equityUsdt", "drawdownPct"}

// SnapshotEquity writes one equity-curve row and tracks a running peak to
// compute drawdown.
func (s *Sink) SnapshotEquity(tag string, equity decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if equity.GreaterThan(s.peakEquity) {
		s.peakEquity = equity
	}
	drawdownPct := decimal.Zero
	if s.peakEquity.IsPositive() {
		drawdownPct = equity.Sub(s.peakEquity).Div(s.peakEquity).Mul(decimal.NewFromInt(100))
	}

	dir := filepath.Dir(s.equityPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sink: mkdir %s: %w", dir, err)
	}
	isNew := false
	if _, err := os.Stat(s.equityPath); os.IsNotExist(err) {
		isNew = true
	}
	f, err := os.OpenFile(s.equityPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sink: open %s: %w", s.equityPath, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if isNew {
		if err := w.Write(equityHeader); err != nil {
			return err
		}
	}
	row := []string{
		time.Now().UTC().Format(time.RFC3339),
		tag,
		equity.String(),
		drawdownPct.StringFixed(4),
	}
	if err := w.Write(row); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}

// Alert posts a deduplicated message to the webhook. Identical keys within
// dedupTTL are suppressed. In dry-run mode every message is prefixed
// "(DRY) " before suppression/posting.
func (s *Sink) Alert(sev Severity, key, message string) {
	if s.dryRun {
		message = "(DRY) " + message
	}

	s.dedupMu.Lock()
	last, seen := s.dedup[key]
	suppressed := seen && time.Since(last) < s.dedupTTL
	s.dedup[key] = time.Now()
	s.dedupMu.Unlock()

	if suppressed {
		return
	}

	switch sev {
	case Critical:
		log.Error().Str("alertKey", key).Msg(message)
	case ErrorSev:
		log.Error().Str("alertKey", key).Msg(message)
	default:
		log.Info().Str("alertKey", key).Msg(message)
	}

	if s.webhookURL == "" {
		return
	}
	go s.postWebhook(sev, message)
}

func (s *Sink) postWebhook(sev Severity, message string) {
	payload, err := json.Marshal(map[string]string{
		"content": fmt.Sprintf("[%s] %s", sev, message),
	})
	if err != nil {
		log.Warn().Err(err).Msg("sink: webhook payload encode failed")
		return
	}
	resp, err := s.httpClient.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Warn().Err(err).Msg("sink: webhook post failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Msg("sink: webhook returned non-2xx")
	}
}
