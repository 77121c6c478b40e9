package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"binance-lifecycle-engine/internal/cfg"
	"binance-lifecycle-engine/internal/dashboard"
	"binance-lifecycle-engine/internal/entry"
	"binance-lifecycle-engine/internal/exchange/binance"
	"binance-lifecycle-engine/internal/exitctl"
	"binance-lifecycle-engine/internal/metrics"
	"binance-lifecycle-engine/internal/posstore"
	"binance-lifecycle-engine/internal/precision"
	"binance-lifecycle-engine/internal/reconcile"
	"binance-lifecycle-engine/internal/rollcache"
	"binance-lifecycle-engine/internal/sink"
	"binance-lifecycle-engine/internal/strategy"
	"binance-lifecycle-engine/internal/tracker"
	"binance-lifecycle-engine/internal/watchdog"
)

func main() {
	settings, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.New()

	client := binance.NewREST(settings.Key, settings.Secret, settings.BaseURL, settings.RESTTimeout)
	defer client.Close()
	if err := client.SyncTimeOffset(ctx); err != nil {
		log.Warn().Err(err).Msg("initial clock sync failed, continuing with zero offset")
	}

	store, err := posstore.New(settings.DataPath+"/open_positions.json", settings.Scalper.MinSlDistancePct, settings.Scalper.FallbackSlPct)
	if err != nil {
		log.Fatal().Err(err).Msg("position store init failed")
	}

	trk := tracker.New()
	prec := precision.New(client)
	sk := sink.New(settings.DataPath, settings.Alerts.DiscordWebhook, settings.Alerts.DedupTTL, settings.DryRun)
	cache, err := rollcache.New(settings.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("rolling cache init failed")
	}
	defer cache.Close()

	hibernator := entry.NewHibernator(settings.Hibernation)
	hibernator.Activations = m.HibernationActivations
	sk.Subscribe(hibernator.Observe)
	sk.Subscribe(metrics.NewRecorder(m).Observe)

	entryPipeline := &entry.Pipeline{
		Store: store, Tracker: trk, Precision: prec,
		Gateway: entryGateway{client}, Sink: sk, Hibernator: hibernator,
		Metrics: m,
	}

	latestATR := func(symbol string) decimal.Decimal {
		candles, err := cache.Candles(symbol, settings.Scalper.Timeframe)
		if err != nil || len(candles) == 0 {
			return decimal.Zero
		}
		return strategy.ATR(candles, atrPeriodFor(settings))
	}

	exitController := exitctl.NewController(store, trk, prec, exitGateway{client}, sk, settings.DryRun, latestATR)
	exitController.TrailAtrMult = settings.Scalper.TrailAtrMultiple
	exitController.Metrics = m

	if hedge, err := client.PositionMode(ctx); err != nil {
		log.Warn().Err(err).Msg("position mode query failed, assuming one-way mode")
	} else {
		entryPipeline.HedgeMode = hedge
		exitController.HedgeMode = hedge
	}

	reconcileLoop := reconcile.NewLoop(
		store, reconcileGateway{client}, sk, settings.Symbols,
		time.Duration(settings.ReconcileGraceSeconds)*time.Second,
		settings.Scalper.MinSlDistancePct, settings.Scalper.RiskRewardRatio,
	)
	reconcileLoop.Metrics = m

	wd := watchdog.New(
		store, trk, watchdogGateway{client}, sk,
		time.Duration(settings.Watchdog.HeartbeatTimeoutSec)*time.Second,
		time.Duration(settings.Watchdog.PollIntervalSec)*time.Second,
		settings.Watchdog.SlTpBufferPct,
	)

	var wg sync.WaitGroup

	startMetricsServer(ctx, &wg, settings.MetricsPort)

	dash := dashboard.NewServer(store, sk, settings.DashboardPort)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := dash.Run(ctx); err != nil {
			log.Error().Err(err).Msg("dashboard server failed")
		}
	}()

	ws := binance.NewWS(settings.WsURL)
	ws.OnReconnect = m.WSReconnects.Inc
	closedCandles := make(chan binance.Kline, 1024)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ws.StreamClosedCandles(ctx, settings.Symbols, settings.Scalper.Timeframe, closedCandles, settings.Ping); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("kline stream ended")
			m.ErrorsTotal.Inc()
		}
	}()

	candleRings := make(map[string][]strategy.Candle, len(settings.Symbols))
	for _, symbol := range settings.Symbols {
		if ring, err := cache.Candles(symbol, settings.Scalper.Timeframe); err == nil {
			candleRings[symbol] = ring
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		runStrategyWorker(ctx, wd, m, cache, settings, candleRings, closedCandles, entryPipeline)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		exitController.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runReconcileWorker(ctx, wd, reconcileLoop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		wd.Run(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Info().Msg("context cancelled")
	}

	log.Info().Msg("shutting down gracefully...")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all goroutines stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("shutdown timeout, forcing exit")
	}
}

func startMetricsServer(ctx context.Context, wg *sync.WaitGroup, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}

	wg.Add(1)
	go func() {
		defer wg.Done()
		go func() {
			<-ctx.Done()
			_ = server.Shutdown(context.Background())
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

// runStrategyWorker consumes closed candles, maintains the per-symbol
// rolling window (persisted to rollcache for warm restarts), and submits
// an entry whenever the strategy surface fires. One evaluation per symbol
// per candle, with no pre-emption mid-evaluation.
func runStrategyWorker(
	ctx context.Context,
	wd *watchdog.Watchdog,
	m *metrics.Metrics,
	cache *rollcache.Cache,
	settings cfg.Settings,
	rings map[string][]strategy.Candle,
	closedCandles <-chan binance.Kline,
	pipeline *entry.Pipeline,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-closedCandles:
			if !k.Closed {
				continue
			}
			wd.Beat()
			m.CandlesReceived.Inc()

			candle := strategy.Candle{
				OpenTime: k.OpenTime, Open: k.Open, High: k.High, Low: k.Low, Close: k.Close, Volume: k.Volume,
			}
			rings[k.Symbol] = appendBounded(rings[k.Symbol], candle, 500)
			if err := cache.PutCandle(k.Symbol, k.Interval, candle); err != nil {
				log.Warn().Err(err).Str("symbol", k.Symbol).Msg("engine: candle cache write failed")
			}

			period := atrPeriodFor(settings)
			atr := strategy.ATR(rings[k.Symbol], period)
			_ = cache.PutATR(k.Symbol, k.Interval, rollcache.ATREntry{Value: atrToFloat(atr), Period: period, UpdatedAt: k.CloseTime})

			signal, ok := strategy.Evaluate(rings[k.Symbol], settings.Scalper)
			if !ok {
				continue
			}

			side := posstore.Long
			if signal.Side == strategy.Short {
				side = posstore.Short
			}
			alloc := settings.USDAllocationScalper[k.Symbol]
			if alloc <= 0 {
				continue
			}

			err := pipeline.Submit(ctx, entry.Params{
				Symbol: k.Symbol, Side: side, USDAllocation: alloc,
				Signal: signal, Source: posstore.ScalperSignal,
				Leverage: settings.Scalper.Leverage, HoldLimitHours: settings.HoldLimitHours,
				MinSlDistancePct: settings.Scalper.MinSlDistancePct,
				FallbackSlPct:    settings.Scalper.FallbackSlPct,
				RiskRewardRatio:  settings.Scalper.RiskRewardRatio,
			})
			if err != nil {
				log.Debug().Err(err).Str("symbol", k.Symbol).Msg("engine: entry not taken")
			} else {
				m.OrdersTotal.Inc()
			}
		}
	}
}

// runReconcileWorker runs the lower-frequency reconciliation pass on its
// own ticker.
func runReconcileWorker(ctx context.Context, wd *watchdog.Watchdog, loop *reconcile.Loop) {
	interval := 20 * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wd.Beat()
			if err := loop.Run(ctx); err != nil {
				log.Warn().Err(err).Msg("engine: reconciliation pass failed")
			}
		}
	}
}

func appendBounded(ring []strategy.Candle, c strategy.Candle, max int) []strategy.Candle {
	ring = append(ring, c)
	if len(ring) > max {
		ring = ring[len(ring)-max:]
	}
	return ring
}

func atrToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func atrPeriodFor(settings cfg.Settings) int {
	if settings.Scalper.UTSellATRPeriod > 0 {
		return settings.Scalper.UTSellATRPeriod
	}
	return 14
}
