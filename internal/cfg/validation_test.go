package cfg

import (
	"testing"
	"time"
)

// createValidSettings creates a valid Settings struct for testing.
func createValidSettings() *Settings {
	return &Settings{
		Key:                 "valid_key",
		Secret:              "valid_secret",
		Symbols:             []string{"BTCUSDT", "ETHUSDT"},
		BaseURL:             "https://fapi.binance.com",
		WsURL:               "wss://fstream.binance.com/stream",
		Ping:                30 * time.Second,
		RESTTimeout:         10 * time.Second,
		MetricsPort:         9090,
		DashboardPort:       9091,
		DryRun:              true,
		HoldLimitHours:      48,
		MaxConcurrentTrades: map[string]int{},
		CooldownMinutes:     map[string]int{},
		Scalper: ScalperSettings{
			RiskRewardRatio:  2.0,
			MinSlDistancePct: 0.001,
			FallbackSlPct:    0.03,
			Leverage:         10,
			PartialTp: PartialTpSettings{
				Enabled:      true,
				FirstRR:      1.0,
				FirstSizePct: 0.5,
			},
		},
		Watchdog: WatchdogSettings{
			HeartbeatTimeoutSec: 90,
			PollIntervalSec:     15,
		},
		OrderPollTimeout:  8 * time.Second,
		OrderPollInterval: 500 * time.Millisecond,
	}
}

func TestValidateSettings_ValidConfig(t *testing.T) {
	settings := createValidSettings()

	err := validateSettings(settings)
	if err != nil {
		t.Errorf("Expected valid config to pass, got error: %v", err)
	}
}

func TestValidateSettings_MissingAPIKey(t *testing.T) {
	settings := createValidSettings()
	settings.Key = ""

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error for missing API key")
	}
}

func TestValidateSettings_MissingSecret(t *testing.T) {
	settings := createValidSettings()
	settings.Secret = ""

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error for missing secret")
	}
}

func TestValidateSettings_EmptySymbols(t *testing.T) {
	settings := createValidSettings()
	settings.Symbols = []string{}

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error for empty symbols")
	}
}

func TestValidateSettings_EmptyBaseURL(t *testing.T) {
	settings := createValidSettings()
	settings.BaseURL = ""

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error for empty base URL")
	}
}

func TestValidateSettings_EmptyWsURL(t *testing.T) {
	settings := createValidSettings()
	settings.WsURL = ""

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error for empty WebSocket URL")
	}
}

func TestValidateSettings_InvalidPingInterval(t *testing.T) {
	testCases := []struct {
		name    string
		ping    time.Duration
		wantErr bool
	}{
		{"too short", 500 * time.Millisecond, true},
		{"minimum valid", 1 * time.Second, false},
		{"normal", 30 * time.Second, false},
		{"maximum valid", 5 * time.Minute, false},
		{"too long", 10 * time.Minute, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.Ping = tc.ping

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid ping interval")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid ping interval, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_InvalidRESTTimeout(t *testing.T) {
	testCases := []struct {
		name        string
		restTimeout time.Duration
		wantErr     bool
	}{
		{"too short", 500 * time.Millisecond, true},
		{"minimum valid", 1 * time.Second, false},
		{"normal", 10 * time.Second, false},
		{"maximum valid", 1 * time.Minute, false},
		{"too long", 2 * time.Minute, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.RESTTimeout = tc.restTimeout

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid REST timeout")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid REST timeout, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_InvalidMetricsPort(t *testing.T) {
	testCases := []struct {
		name        string
		metricsPort int
		wantErr     bool
	}{
		{"too low", 1023, true},
		{"minimum valid", 1024, false},
		{"normal", 9090, false},
		{"maximum valid", 65535, false},
		{"too high", 65536, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.MetricsPort = tc.metricsPort
			if tc.metricsPort == settings.DashboardPort {
				settings.DashboardPort = tc.metricsPort + 1
			}

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid metrics port")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid metrics port, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_InvalidRiskRewardRatio(t *testing.T) {
	testCases := []struct {
		name    string
		ratio   float64
		wantErr bool
	}{
		{"zero", 0, true},
		{"negative", -1, true},
		{"normal", 2.0, false},
		{"maximum valid", 50.0, false},
		{"too large", 50.01, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.Scalper.RiskRewardRatio = tc.ratio

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid risk/reward ratio")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid risk/reward ratio, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_InvalidLeverage(t *testing.T) {
	testCases := []struct {
		name     string
		leverage int
		wantErr  bool
	}{
		{"zero", 0, true},
		{"minimum valid", 1, false},
		{"normal", 10, false},
		{"maximum valid", 125, false},
		{"too large", 126, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.Scalper.Leverage = tc.leverage

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid leverage")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid leverage, got: %v", err)
			}
		})
	}
}

func TestValidateSettings_LiveTradingRequiresForceFlag(t *testing.T) {
	settings := createValidSettings()
	settings.DryRun = false
	settings.LiveMode = false

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error requiring FORCE_LIVE_TRADING")
	}
}

func TestValidateSettings_WatchdogTimeoutMustExceedPoll(t *testing.T) {
	settings := createValidSettings()
	settings.Watchdog.HeartbeatTimeoutSec = 10
	settings.Watchdog.PollIntervalSec = 15

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error when heartbeat timeout does not exceed poll interval")
	}
}

func TestValidateSettings_OrderPollTimeoutMustExceedInterval(t *testing.T) {
	settings := createValidSettings()
	settings.OrderPollTimeout = 100 * time.Millisecond
	settings.OrderPollInterval = 500 * time.Millisecond

	err := validateSettings(settings)
	if err == nil {
		t.Error("Expected error when order poll timeout is less than poll interval")
	}
}

func TestValidateSettings_PartialTpSizeMustBeFraction(t *testing.T) {
	testCases := []struct {
		name     string
		sizePct  float64
		wantErr  bool
	}{
		{"zero", 0, true},
		{"one (full close, invalid)", 1.0, true},
		{"half", 0.5, false},
		{"negative", -0.1, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			settings := createValidSettings()
			settings.Scalper.PartialTp.Enabled = true
			settings.Scalper.PartialTp.FirstSizePct = tc.sizePct

			err := validateSettings(settings)
			if tc.wantErr && err == nil {
				t.Error("Expected error for invalid partial TP size")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Expected no error for valid partial TP size, got: %v", err)
			}
		})
	}
}
