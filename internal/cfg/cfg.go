// Package cfg provides configuration management for the position lifecycle
// engine. It supports loading configuration from both YAML files and
// environment variables, with environment variables taking precedence over
// YAML settings for credentials and a handful of operational knobs.
//
// The package handles validation of all configuration parameters and
// provides sensible defaults for optional settings. It supports both live
// trading and dry-run modes with appropriate safety checks.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"binance-lifecycle-engine/internal/common"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// PartialTpSettings configures the first take-profit leg of a position.
type PartialTpSettings struct {
	Enabled        bool    `yaml:"enabled"`
	FirstRR        float64 `yaml:"firstRr"`
	FirstSizePct   float64 `yaml:"firstSizePct"`
	TrailRemaining bool    `yaml:"trailRemaining"`
}

// ScalperFilters toggles the optional strategy surface filters.
type ScalperFilters struct {
	UseTrendFilter     bool `yaml:"useTrendFilter"`
	UseTimeFilter      bool `yaml:"useTimeFilter"`
	UseMinBody         bool `yaml:"useMinBody"`
	UseStcConfirmation bool `yaml:"useStcConfirmation"`
}

// ScalperSettings mirrors the scalper_settings configuration block: the
// strategy surface's own knobs plus the dynamic SL/TP parameters the exit
// controller reads at entry time.
type ScalperSettings struct {
	MinCandles              int               `yaml:"minCandles"`
	Timeframe               string            `yaml:"timeframe"`
	UseDynamicSlTp          bool              `yaml:"useDynamicSlTp"`
	SwingSlLookback         int               `yaml:"swingSlLookback"`
	MinSlDistancePct        float64           `yaml:"minSlDistancePct"`
	FallbackSlPct           float64           `yaml:"fallbackSlPct"`
	RiskRewardRatio         float64           `yaml:"riskRewardRatio"`
	MinTpSlGapPct           float64           `yaml:"minTpSlGapPct"`
	Leverage                int               `yaml:"leverage"`
	PartialTp               PartialTpSettings `yaml:"partialTp"`
	Filters                 ScalperFilters    `yaml:"filters"`
	EMAFilterPeriod         int               `yaml:"emaFilterPeriod"`
	AllowedTradingHours     [2]int            `yaml:"allowedTradingHours"`
	TradingHoursTzOffsetMin int               `yaml:"tradingHoursTzOffsetMin"`
	UTMultiplier            float64           `yaml:"utMultiplier"`
	UTBuyATRPeriod          int               `yaml:"utBuyAtrPeriod"`
	UTSellATRPeriod         int               `yaml:"utSellAtrPeriod"`
	TrailActivationPct      float64           `yaml:"trailActivationPct"`
	TrailAtrMultiple        float64           `yaml:"trailAtrMultiple"`
}

// WatchdogSettings configures the heartbeat-timeout force-exit sweep.
type WatchdogSettings struct {
	HeartbeatTimeoutSec int     `yaml:"heartbeatTimeoutSec"`
	PollIntervalSec     int     `yaml:"pollIntervalSec"`
	SlTpBufferPct       float64 `yaml:"slTpBufferPct"`
}

// HibernationSettings rejects new entries on a symbol for a cooldown period
// after a run of consecutive stop-loss hits.
type HibernationSettings struct {
	AfterConsecutiveLosses int
	Cooldown               time.Duration
}

// AlertSettings configures the out-of-band alert channel.
type AlertSettings struct {
	Enabled           bool          `yaml:"enabled"`
	DiscordWebhook    string        `yaml:"discordWebhook"`
	DiscordLogWebhook string        `yaml:"discordLogWebhook"`
	DedupTTL          time.Duration `yaml:"-"`
}

// Settings contains all configuration parameters for the engine. It includes
// API credentials, trading parameters, per-source concurrency/cooldown
// limits, the strategy surface's own tuning knobs, and system settings.
type Settings struct {
	Key    string // Binance API key for authentication
	Secret string // Binance API secret for request signing

	Symbols  []string // Trading symbols (e.g., ["BTCUSDT", "ETHUSDT"])
	DryRun   bool     // Whether to run in dry-run mode (no actual orders placed)
	LiveMode bool     // Explicit opt-in companion to DryRun=false

	MaxConcurrentTrades map[string]int // Per-source concurrent position cap
	CooldownMinutes     map[string]int // Per-source re-entry cooldown, in minutes
	HoldLimitHours      int            // Max hours a position may stay open before time-exit

	USDAllocationScalper map[string]float64 // Per-symbol USD size for scalper-sourced entries
	USDAllocationML      map[string]float64 // Per-symbol USD size for ML-sourced entries

	Scalper     ScalperSettings
	Watchdog    WatchdogSettings
	Hibernation HibernationSettings

	BaseURL string        // Base URL for REST API endpoints
	WsURL   string        // WebSocket URL for kline streams
	Ping    time.Duration // Ping interval for WebSocket connections

	DataPath      string        // Path to persisted-state directory
	MetricsPort   int           // Port for Prometheus metrics server
	DashboardPort int           // Port for the live status dashboard
	RESTTimeout   time.Duration // Timeout for REST API requests

	// OrderPollTimeout, OrderPollInterval and ExitLoopInterval are loaded
	// and validated only; the exit controller polls and evaluates on its
	// own fixed 8s/500ms constants and does not read them.
	OrderPollTimeout  time.Duration // Max time to poll an order for fill confirmation
	OrderPollInterval time.Duration // Poll interval while awaiting fill confirmation

	ReconcileGraceSeconds int           // Grace window before acting on local/exchange divergence
	ExitLoopInterval      time.Duration // Exit controller evaluation cadence

	Alerts AlertSettings
}

// ConfigFile represents the structure of the YAML configuration file. It
// provides a hierarchical organization of configuration parameters that can
// be loaded from a YAML file and converted to Settings.
type ConfigFile struct {
	BasePairs []string `yaml:"base_pairs"`
	DryRun    bool     `yaml:"dry_run"`
	LiveMode  bool     `yaml:"live_mode"`

	MaxConcurrentTrades map[string]int `yaml:"max_concurrent_trades"`
	CooldownMinutes     map[string]int `yaml:"cooldown_minutes"`
	HoldLimitHours      int            `yaml:"hold_limit_hours"`

	USDAllocationScalper map[string]float64 `yaml:"usd_allocation_scalper"`
	USDAllocationML      map[string]float64 `yaml:"usd_allocation_ml"`

	ScalperSettings ScalperSettings  `yaml:"scalper_settings"`
	Watchdog        WatchdogSettings `yaml:"watchdog"`
	Alerts          AlertSettings    `yaml:"alerts"`

	API struct {
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`

	System struct {
		DataPath              string `yaml:"dataPath"`
		PingInterval          string `yaml:"pingInterval"`
		MetricsPort           int    `yaml:"metricsPort"`
		DashboardPort         int    `yaml:"dashboardPort"`
		RESTTimeout           string `yaml:"restTimeout"`
		OrderPollTimeout      string `yaml:"orderPollTimeout"`
		OrderPollInterval     string `yaml:"orderPollInterval"`
		ReconcileGraceSeconds int    `yaml:"reconcileGraceSeconds"`
		ExitLoopInterval      string `yaml:"exitLoopInterval"`
	} `yaml:"system"`

	Hibernation struct {
		AfterConsecutiveLosses int    `yaml:"afterConsecutiveLosses"`
		Cooldown               string `yaml:"cooldown"`
	} `yaml:"hibernation"`
}

// Load loads configuration from either a YAML file or environment
// variables. It first checks for a CONFIG_FILE environment variable to load
// from YAML, otherwise falls back to loading from environment variables.
// Credentials, dry-run, leverage, the reconcile grace window and the alert
// webhook are always taken from the environment when present, even when a
// YAML file is also in use. Returns a validated Settings struct or an error
// if configuration is invalid.
func Load() (Settings, error) {
	_ = godotenv.Load()

	var settings Settings
	var err error
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		settings, err = loadFromYAML(configPath)
	} else {
		settings, err = loadFromEnv()
	}
	if err != nil {
		return Settings{}, err
	}

	applyEnvOverrides(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return settings, nil
}

// loadFromYAML loads configuration from a YAML file at the specified path.
func loadFromYAML(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return Settings{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	hibernateCooldown := parseDurationDefault(config.Hibernation.Cooldown, common.DefaultHibernateCooldownSec*time.Second)
	hibernateAfter := config.Hibernation.AfterConsecutiveLosses
	if hibernateAfter == 0 {
		hibernateAfter = common.DefaultHibernateAfterLosses
	}

	settings := Settings{
		Symbols:  getSymbolsFromEnvOrConfig(config.BasePairs),
		DryRun:   config.DryRun,
		LiveMode: config.LiveMode,

		MaxConcurrentTrades: config.MaxConcurrentTrades,
		CooldownMinutes:     config.CooldownMinutes,
		HoldLimitHours:      orIntDefault(config.HoldLimitHours, common.DefaultHoldLimitHours),

		USDAllocationScalper: config.USDAllocationScalper,
		USDAllocationML:      config.USDAllocationML,

		Scalper:  withScalperDefaults(config.ScalperSettings),
		Watchdog: withWatchdogDefaults(config.Watchdog),
		Hibernation: HibernationSettings{
			AfterConsecutiveLosses: hibernateAfter,
			Cooldown:               hibernateCooldown,
		},

		BaseURL: getEnvOrDefault(common.EnvBaseURL, orStrDefault(config.API.BaseURL, common.DefaultBaseURL)),
		WsURL:   getEnvOrDefault(common.EnvWsURL, orStrDefault(config.API.WsURL, common.DefaultWsURL)),
		Ping:    parseDurationDefault(config.System.PingInterval, 15*time.Second),

		DataPath:      getEnvOrDefault(common.EnvDataPath, config.System.DataPath),
		MetricsPort:   orIntDefault(config.System.MetricsPort, common.DefaultMetricsPort),
		DashboardPort: orIntDefault(config.System.DashboardPort, common.DefaultDashboardPort),
		RESTTimeout:   parseDurationDefault(config.System.RESTTimeout, 5*time.Second),

		OrderPollTimeout:  parseDurationDefault(config.System.OrderPollTimeout, common.DefaultOrderPollTimeoutSec*time.Second),
		OrderPollInterval: parseDurationDefault(config.System.OrderPollInterval, common.DefaultOrderPollIntervalMs*time.Millisecond),

		ReconcileGraceSeconds: orIntDefault(config.System.ReconcileGraceSeconds, common.DefaultReconcileGraceSeconds),
		ExitLoopInterval:      parseDurationDefault(config.System.ExitLoopInterval, common.DefaultExitLoopIntervalMs*time.Millisecond),

		Alerts: config.Alerts,
	}
	if settings.MaxConcurrentTrades == nil {
		settings.MaxConcurrentTrades = map[string]int{}
	}
	if settings.CooldownMinutes == nil {
		settings.CooldownMinutes = map[string]int{}
	}
	if settings.USDAllocationScalper == nil {
		settings.USDAllocationScalper = map[string]float64{}
	}
	if settings.USDAllocationML == nil {
		settings.USDAllocationML = map[string]float64{}
	}
	settings.Alerts.DedupTTL = 5 * time.Minute

	key := getEnvOrDefault(common.EnvBinanceAPIKey, "")
	secret := getEnvOrDefault(common.EnvBinanceSecretKey, "")
	settings.Key = key
	settings.Secret = secret
	applyEnvOverrides(&settings)

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// loadFromEnv loads configuration entirely from environment variables. It
// uses default values for any missing optional parameters.
func loadFromEnv() (Settings, error) {
	key, err := getEnvRequired(common.EnvBinanceAPIKey)
	if err != nil {
		return Settings{}, err
	}

	secret, err := getEnvRequired(common.EnvBinanceSecretKey)
	if err != nil {
		return Settings{}, err
	}

	settings := Settings{
		Key:      key,
		Secret:   secret,
		Symbols:  splitOrDefault(os.Getenv(common.EnvSymbols), []string{common.BTCUSDTSymbol}),
		DryRun:   getBoolOrDefault(common.EnvDryRun, true),
		LiveMode: false,

		MaxConcurrentTrades: map[string]int{},
		CooldownMinutes:     map[string]int{},
		HoldLimitHours:      getIntOrDefault(common.EnvHoldLimitHours, common.DefaultHoldLimitHours),

		USDAllocationScalper: map[string]float64{},
		USDAllocationML:      map[string]float64{},

		Scalper: withScalperDefaults(ScalperSettings{
			SwingSlLookback:  getIntOrDefault(common.EnvSwingSlLookback, common.DefaultSwingSlLookback),
			MinSlDistancePct: getFloatOrDefault(common.EnvMinSlDistancePct, common.DefaultMinSlDistancePct),
			FallbackSlPct:    getFloatOrDefault(common.EnvFallbackSlPct, common.DefaultFallbackSlPct),
			RiskRewardRatio:  getFloatOrDefault(common.EnvRiskRewardRatio, common.DefaultRiskRewardRatio),
			MinTpSlGapPct:    getFloatOrDefault(common.EnvMinTpSlGapPct, common.DefaultMinTpSlGapPct),
			Leverage:         getIntOrDefault(common.EnvLeverage, common.DefaultLeverage),
			PartialTp: PartialTpSettings{
				Enabled:      getBoolOrDefault(common.EnvPartialTpEnabled, true),
				FirstRR:      getFloatOrDefault(common.EnvPartialTpFirstRR, common.DefaultPartialTpFirstRR),
				FirstSizePct: getFloatOrDefault(common.EnvPartialTpSizePct, common.DefaultPartialSizePct),
			},
			TrailActivationPct: getFloatOrDefault(common.EnvTrailActivationPct, common.DefaultTrailActivationPct),
			TrailAtrMultiple:   getFloatOrDefault(common.EnvTrailAtrMultiple, common.DefaultTrailAtrMultiple),
		}),
		Watchdog: withWatchdogDefaults(WatchdogSettings{
			HeartbeatTimeoutSec: getIntOrDefault(common.EnvHeartbeatTimeoutSec, common.DefaultHeartbeatTimeoutSec),
			PollIntervalSec:     getIntOrDefault(common.EnvWatchdogPollSec, common.DefaultWatchdogPollSec),
		}),
		Hibernation: HibernationSettings{
			AfterConsecutiveLosses: getIntOrDefault(common.EnvHibernateAfterLosses, common.DefaultHibernateAfterLosses),
			Cooldown:               time.Duration(getIntOrDefault(common.EnvHibernateCooldownSec, common.DefaultHibernateCooldownSec)) * time.Second,
		},

		BaseURL: getEnvOrDefault(common.EnvBaseURL, common.DefaultBaseURL),
		WsURL:   getEnvOrDefault(common.EnvWsURL, common.DefaultWsURL),
		Ping:    getDurationOrDefault(common.EnvPingInterval, 15*time.Second),

		DataPath:      os.Getenv(common.EnvDataPath),
		MetricsPort:   getIntOrDefault(common.EnvMetricsPort, common.DefaultMetricsPort),
		DashboardPort: getIntOrDefault(common.EnvDashboardPort, common.DefaultDashboardPort),
		RESTTimeout:   getDurationOrDefault(common.EnvRESTTimeout, 5*time.Second),

		OrderPollTimeout:  getDurationOrDefault(common.EnvOrderPollTimeout, common.DefaultOrderPollTimeoutSec*time.Second),
		OrderPollInterval: getDurationOrDefault(common.EnvOrderPollInterval, common.DefaultOrderPollIntervalMs*time.Millisecond),

		ReconcileGraceSeconds: getIntOrDefault(common.EnvReconcileGraceSeconds, common.DefaultReconcileGraceSeconds),
		ExitLoopInterval:      getDurationOrDefault(common.EnvExitLoopInterval, common.DefaultExitLoopIntervalMs*time.Millisecond),

		Alerts: AlertSettings{
			Enabled:        os.Getenv(common.EnvDiscordWebhook) != "",
			DiscordWebhook: os.Getenv(common.EnvDiscordWebhook),
			DedupTTL:       5 * time.Minute,
		},
	}

	if err := validateSettings(&settings); err != nil {
		return Settings{}, fmt.Errorf("configuration validation failed: %w", err)
	}

	return settings, nil
}

// applyEnvOverrides lets select environment variables win over YAML-file
// values even on the YAML load path: symbols, dry-run, leverage, the
// reconciliation grace window and the alert webhook.
func applyEnvOverrides(s *Settings) {
	if v := os.Getenv(common.EnvSymbols); v != "" {
		s.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv(common.EnvDryRun); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.DryRun = b
		}
	}
	if v := os.Getenv(common.EnvLeverage); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.Scalper.Leverage = i
		}
	}
	if v := os.Getenv(common.EnvMissingGraceSecs); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			s.ReconcileGraceSeconds = i
		}
	}
	if hook := os.Getenv(common.EnvDiscordWebhook); hook != "" {
		s.Alerts.DiscordWebhook = hook
		s.Alerts.Enabled = true
	}
}

func withScalperDefaults(s ScalperSettings) ScalperSettings {
	if s.MinCandles == 0 {
		s.MinCandles = 60
	}
	if s.Timeframe == "" {
		s.Timeframe = "5m"
	}
	if s.SwingSlLookback == 0 {
		s.SwingSlLookback = common.DefaultSwingSlLookback
	}
	if s.MinSlDistancePct == 0 {
		s.MinSlDistancePct = common.DefaultMinSlDistancePct
	}
	if s.FallbackSlPct == 0 {
		s.FallbackSlPct = common.DefaultFallbackSlPct
	}
	if s.RiskRewardRatio == 0 {
		s.RiskRewardRatio = common.DefaultRiskRewardRatio
	}
	if s.MinTpSlGapPct == 0 {
		s.MinTpSlGapPct = common.DefaultMinTpSlGapPct
	}
	if s.Leverage == 0 {
		s.Leverage = common.DefaultLeverage
	}
	if s.PartialTp.FirstRR == 0 {
		s.PartialTp.FirstRR = common.DefaultPartialTpFirstRR
	}
	if s.PartialTp.FirstSizePct == 0 {
		s.PartialTp.FirstSizePct = common.DefaultPartialSizePct
	}
	if s.TrailActivationPct == 0 {
		s.TrailActivationPct = common.DefaultTrailActivationPct
	}
	if s.TrailAtrMultiple == 0 {
		s.TrailAtrMultiple = common.DefaultTrailAtrMultiple
	}
	if s.EMAFilterPeriod == 0 {
		s.EMAFilterPeriod = 200
	}
	if s.AllowedTradingHours == [2]int{} {
		s.AllowedTradingHours = [2]int{0, 24}
	}
	if s.UTMultiplier == 0 {
		s.UTMultiplier = 2.0
	}
	if s.UTBuyATRPeriod == 0 {
		s.UTBuyATRPeriod = 10
	}
	if s.UTSellATRPeriod == 0 {
		s.UTSellATRPeriod = 10
	}
	return s
}

func withWatchdogDefaults(w WatchdogSettings) WatchdogSettings {
	if w.HeartbeatTimeoutSec == 0 {
		w.HeartbeatTimeoutSec = common.DefaultHeartbeatTimeoutSec
	}
	if w.PollIntervalSec == 0 {
		w.PollIntervalSec = common.DefaultWatchdogPollSec
	}
	if w.SlTpBufferPct == 0 {
		w.SlTpBufferPct = 0.001
	}
	return w
}

func getEnvRequired(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("required environment variable %s is missing", key)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseDurationDefault(v string, defaultValue time.Duration) time.Duration {
	if v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func orIntDefault(v, defaultValue int) int {
	if v != 0 {
		return v
	}
	return defaultValue
}

func orStrDefault(v, defaultValue string) string {
	if v != "" {
		return v
	}
	return defaultValue
}

func splitOrDefault(v string, def []string) []string {
	if v == "" {
		return def
	}
	return strings.Split(v, ",")
}

func getSymbolsFromEnvOrConfig(configSymbols []string) []string {
	if env := os.Getenv(common.EnvSymbols); env != "" {
		return strings.Split(env, ",")
	}
	if len(configSymbols) > 0 {
		return configSymbols
	}
	return []string{common.BTCUSDTSymbol}
}

// AllocationFor returns the configured USD allocation for a symbol,
// preferring the scalper table and falling back to the ML allocation
// table; 0 when neither lists the symbol.
func (s *Settings) AllocationFor(symbol string) float64 {
	if v, ok := s.USDAllocationScalper[symbol]; ok {
		return v
	}
	if v, ok := s.USDAllocationML[symbol]; ok {
		return v
	}
	return 0
}

// MaxConcurrentFor returns the configured concurrent-position cap for a
// source, defaulting to 1 when unset.
func (s *Settings) MaxConcurrentFor(source string) int {
	if v, ok := s.MaxConcurrentTrades[source]; ok && v > 0 {
		return v
	}
	return 1
}

// CooldownFor returns the configured re-entry cooldown for a source.
func (s *Settings) CooldownFor(source string) time.Duration {
	if v, ok := s.CooldownMinutes[source]; ok && v > 0 {
		return time.Duration(v) * time.Minute
	}
	return 0
}

// validateSettings performs comprehensive validation of configuration
// values.
func validateSettings(s *Settings) error {
	if err := validateCredentials(s); err != nil {
		return err
	}
	if err := validateURLs(s); err != nil {
		return err
	}
	if err := validateTradingParameters(s); err != nil {
		return err
	}
	if err := validateLiveTradingRestrictions(s); err != nil {
		return err
	}
	if err := validateSystemParameters(s); err != nil {
		return err
	}
	if err := validateScalperSettings(s); err != nil {
		return err
	}
	if err := validateWatchdogSettings(s); err != nil {
		return err
	}
	if err := validateOrderPollSettings(s); err != nil {
		return err
	}
	return nil
}

func validateCredentials(s *Settings) error {
	if s.Key == "" || s.Secret == "" {
		return fmt.Errorf(common.ErrMsgAPIKeyRequired)
	}
	return nil
}

func validateURLs(s *Settings) error {
	if s.BaseURL == "" {
		return fmt.Errorf(common.ErrMsgBaseURLRequired)
	}
	if s.WsURL == "" {
		return fmt.Errorf(common.ErrMsgWsURLRequired)
	}
	return nil
}

func validateTradingParameters(s *Settings) error {
	if len(s.Symbols) == 0 {
		return fmt.Errorf(common.ErrMsgSymbolRequired)
	}
	if s.HoldLimitHours <= 0 {
		return fmt.Errorf("holdLimitHours must be positive")
	}
	return nil
}

// validateLiveTradingRestrictions requires an explicit opt-in before the
// engine will route orders to the live exchange.
func validateLiveTradingRestrictions(s *Settings) error {
	if !s.DryRun {
		if os.Getenv(common.EnvForceLiveTrading) != "true" {
			return fmt.Errorf(common.ErrMsgForceLiveTradingRequired)
		}
	}
	return nil
}

func validateSystemParameters(s *Settings) error {
	if s.Ping < 1*time.Second || s.Ping > 5*time.Minute {
		return fmt.Errorf("pingInterval must be between 1s and 5m")
	}
	if s.RESTTimeout < 1*time.Second || s.RESTTimeout > 1*time.Minute {
		return fmt.Errorf("restTimeout must be between 1s and 1m")
	}
	if s.MetricsPort < common.MinMetricsPort || s.MetricsPort > common.MaxMetricsPort {
		return fmt.Errorf("metricsPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	if s.DashboardPort < common.MinMetricsPort || s.DashboardPort > common.MaxMetricsPort {
		return fmt.Errorf("dashboardPort must be between %d and %d", common.MinMetricsPort, common.MaxMetricsPort)
	}
	if s.DashboardPort == s.MetricsPort {
		return fmt.Errorf("dashboardPort must differ from metricsPort")
	}
	return nil
}

func validateScalperSettings(s *Settings) error {
	sc := s.Scalper
	if sc.RiskRewardRatio <= 0 || sc.RiskRewardRatio > common.MaxRiskRewardRatio {
		return fmt.Errorf("riskRewardRatio must be between 0 and %g", common.MaxRiskRewardRatio)
	}
	if sc.MinSlDistancePct <= 0 {
		return fmt.Errorf("minSlDistancePct must be positive")
	}
	if sc.FallbackSlPct <= 0 {
		return fmt.Errorf("fallbackSlPct must be positive")
	}
	if sc.Leverage < 1 || sc.Leverage > 125 {
		return fmt.Errorf("leverage must be between 1 and 125")
	}
	if sc.PartialTp.Enabled {
		if sc.PartialTp.FirstSizePct <= 0 || sc.PartialTp.FirstSizePct >= 1 {
			return fmt.Errorf("partialTp.firstSizePct must be between 0 and 1")
		}
	}
	return nil
}

func validateWatchdogSettings(s *Settings) error {
	if s.Watchdog.HeartbeatTimeoutSec <= s.Watchdog.PollIntervalSec {
		return fmt.Errorf("watchdog heartbeatTimeoutSec must exceed pollIntervalSec")
	}
	if s.Watchdog.PollIntervalSec <= 0 {
		return fmt.Errorf("watchdog pollIntervalSec must be positive")
	}
	return nil
}

func validateOrderPollSettings(s *Settings) error {
	if s.OrderPollTimeout < s.OrderPollInterval {
		return fmt.Errorf("orderPollTimeout must be >= orderPollInterval")
	}
	if s.OrderPollInterval <= 0 {
		return fmt.Errorf("orderPollInterval must be positive")
	}
	return nil
}
