package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

var configKeys = []string{
	"BMS_API_BASE_URL", "BMS_HTTP_TIMEOUT", "BMS_REFRESH_TIMEOUT", "BMS_TOKEN_SKEW",
	"BMS_WARNING_THRESHOLD", "BMS_POLL_INTERVAL", "JWT_PUBLIC_KEY", "ACCESS_POLICY_FILE",
	"LOG_LEVEL", "LOG_PRETTY", "APP_ENV", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_SERVICE_NAME", "KAFKA_BROKERS",
	"SESSION_EVENTS_TOPIC", "LOKI_URL", "KAFKA_GROUP_ID",
}

// clearEnv unsets every config key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, DefaultAPIBaseURL)
	}
	if cfg.HTTPTimeoutDuration() != 30*time.Second {
		t.Errorf("HTTPTimeout = %v, want 30s", cfg.HTTPTimeoutDuration())
	}
	if cfg.RefreshTimeoutDuration() != 15*time.Second {
		t.Errorf("RefreshTimeout = %v, want 15s", cfg.RefreshTimeoutDuration())
	}
	if cfg.TokenSkewDuration() != 5*time.Second {
		t.Errorf("TokenSkew = %v, want 5s", cfg.TokenSkewDuration())
	}
	if cfg.WarningThresholdDuration() != 5*time.Minute {
		t.Errorf("WarningThreshold = %v, want 5m", cfg.WarningThresholdDuration())
	}
	if cfg.PollIntervalDuration() != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollIntervalDuration())
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.SessionEventsTopic != "bms-session-events" {
		t.Errorf("SessionEventsTopic = %q", cfg.SessionEventsTopic)
	}
	if cfg.OTelServiceName != "bmsctl" {
		t.Errorf("OTelServiceName = %q", cfg.OTelServiceName)
	}
	if cfg.KafkaBrokersList() != nil {
		t.Errorf("KafkaBrokersList = %v, want nil", cfg.KafkaBrokersList())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("BMS_API_BASE_URL", "https://api.ultrabms.test")
	t.Setenv("BMS_WARNING_THRESHOLD", "2m")
	t.Setenv("BMS_POLL_INTERVAL", "10s")
	t.Setenv("BMS_TOKEN_SKEW", "0s")
	t.Setenv("LOG_PRETTY", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBaseURL != "https://api.ultrabms.test" {
		t.Errorf("APIBaseURL = %q", cfg.APIBaseURL)
	}
	if cfg.WarningThresholdDuration() != 2*time.Minute {
		t.Errorf("WarningThreshold = %v", cfg.WarningThresholdDuration())
	}
	if cfg.PollIntervalDuration() != 10*time.Second {
		t.Errorf("PollInterval = %v", cfg.PollIntervalDuration())
	}
	if cfg.TokenSkewDuration() != 0 {
		t.Errorf("TokenSkew = %v, want 0", cfg.TokenSkewDuration())
	}
	if !cfg.LogPretty {
		t.Error("LogPretty should be true")
	}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "k1:9092" || brokers[1] != "k2:9092" {
		t.Errorf("KafkaBrokersList = %v", brokers)
	}
}

func TestLoadFile_EnvFileAndOverride(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bms.env")
	content := "BMS_API_BASE_URL=http://file.ultrabms.test\nLOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.APIBaseURL != "http://file.ultrabms.test" {
		t.Errorf("APIBaseURL = %q, want value from file", cfg.APIBaseURL)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, env must override file", cfg.LogLevel)
	}
}

func TestLoad_InvalidBaseURL(t *testing.T) {
	for _, v := range []string{"ftp://api.ultrabms.test", "api.ultrabms.test", "http://", "://bad"} {
		t.Run(v, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("BMS_API_BASE_URL", v)
			cfg, err := Load()
			if err == nil {
				t.Fatalf("Load should reject %q", v)
			}
			if cfg != nil {
				t.Error("Load should return nil config on error")
			}
		})
	}
}

func TestLoad_ThresholdMustExceedPollInterval(t *testing.T) {
	clearEnv(t)
	t.Setenv("BMS_WARNING_THRESHOLD", "30s")
	t.Setenv("BMS_POLL_INTERVAL", "1m")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject a warning threshold shorter than the poll interval")
	}
}

func TestDurations_FallBackWhenInvalid(t *testing.T) {
	cfg := &Config{
		HTTPTimeout:      "invalid",
		RefreshTimeout:   "0",
		TokenSkew:        "-1s",
		WarningThreshold: "",
		PollInterval:     "-30s",
	}
	if cfg.HTTPTimeoutDuration() != DefaultHTTPTimeout {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeoutDuration())
	}
	if cfg.RefreshTimeoutDuration() != DefaultRefreshTimeout {
		t.Errorf("RefreshTimeout = %v, zero must fall back", cfg.RefreshTimeoutDuration())
	}
	if cfg.TokenSkewDuration() != DefaultTokenSkew {
		t.Errorf("TokenSkew = %v, negative must fall back", cfg.TokenSkewDuration())
	}
	if cfg.WarningThresholdDuration() != DefaultWarningThreshold {
		t.Errorf("WarningThreshold = %v", cfg.WarningThresholdDuration())
	}
	if cfg.PollIntervalDuration() != DefaultPollInterval {
		t.Errorf("PollInterval = %v", cfg.PollIntervalDuration())
	}
}
