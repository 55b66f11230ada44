// Package config loads and validates client config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DefaultAPIBaseURL       = "http://localhost:8080"
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultRefreshTimeout   = 15 * time.Second
	DefaultTokenSkew        = 5 * time.Second
	DefaultWarningThreshold = 5 * time.Minute
	DefaultPollInterval     = 30 * time.Second
)

// Config holds client configuration loaded from the environment.
type Config struct {
	// APIBaseURL is the Ultra BMS REST API root (e.g. https://api.ultrabms.example).
	APIBaseURL string `mapstructure:"BMS_API_BASE_URL"`
	// HTTPTimeout bounds every API call (e.g. "30s").
	HTTPTimeout string `mapstructure:"BMS_HTTP_TIMEOUT"`
	// RefreshTimeout bounds the shared refresh call; on timeout the refresh fails and the session ends.
	RefreshTimeout string `mapstructure:"BMS_REFRESH_TIMEOUT"`
	// TokenSkew treats tokens as expired this much before their exp claim.
	TokenSkew string `mapstructure:"BMS_TOKEN_SKEW"`
	// WarningThreshold is the remaining lifetime at which the expiry warning is raised.
	WarningThreshold string `mapstructure:"BMS_WARNING_THRESHOLD"`
	// PollInterval is how often the expiry monitor inspects the session.
	PollInterval string `mapstructure:"BMS_POLL_INTERVAL"`

	// JWTPublicKey is the PEM-encoded public key or path to file. When set, token signatures are verified.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// AccessPolicyFile is an optional Rego module replacing the built-in permission policy.
	AccessPolicyFile string `mapstructure:"ACCESS_POLICY_FILE"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLP collector; empty disables export.
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Session events (optional). When Kafka brokers are set, lifecycle events are published to Kafka.
	// KafkaBrokers is a comma-separated list of broker addresses (e.g. "localhost:9092").
	KafkaBrokers       string `mapstructure:"KAFKA_BROKERS"`
	SessionEventsTopic string `mapstructure:"SESSION_EVENTS_TOPIC"`
	// LokiURL receives events directly from the client, and from the relay when it consumes Kafka.
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the event relay.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
func Load() (*Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit env file. A missing file is ignored (e.g. in CI).
// Env vars override the file. Returns an error if required fields are invalid.
func LoadFile(envFile string) (*Config, error) {
	v := viper.New()

	if envFile != "" {
		v.SetConfigFile(envFile)
		v.SetConfigType("env")
		_ = v.ReadInConfig() // ignore missing file
	}

	v.AutomaticEnv()

	v.SetDefault("BMS_API_BASE_URL", DefaultAPIBaseURL)
	v.SetDefault("BMS_HTTP_TIMEOUT", DefaultHTTPTimeout.String())
	v.SetDefault("BMS_REFRESH_TIMEOUT", DefaultRefreshTimeout.String())
	v.SetDefault("BMS_TOKEN_SKEW", DefaultTokenSkew.String())
	v.SetDefault("BMS_WARNING_THRESHOLD", DefaultWarningThreshold.String())
	v.SetDefault("BMS_POLL_INTERVAL", DefaultPollInterval.String())
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("ACCESS_POLICY_FILE", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "bmsctl")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SESSION_EVENTS_TOPIC", "bms-session-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "bms-session-relay")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields Load cannot default.
func (c *Config) Validate() error {
	c.APIBaseURL = strings.TrimSpace(c.APIBaseURL)
	if c.APIBaseURL == "" {
		return errors.New("config: BMS_API_BASE_URL must be set")
	}
	u, err := url.Parse(c.APIBaseURL)
	if err != nil {
		return fmt.Errorf("config: BMS_API_BASE_URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: BMS_API_BASE_URL must be an http(s) URL, got %q", c.APIBaseURL)
	}
	if c.WarningThresholdDuration() <= c.PollIntervalDuration() {
		return errors.New("config: BMS_WARNING_THRESHOLD must exceed BMS_POLL_INTERVAL")
	}
	return nil
}

func parseDuration(s string, fallback time.Duration, allowZero bool) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return fallback
	}
	return d
}

// HTTPTimeoutDuration parses HTTPTimeout. Returns 30s if unset or invalid.
func (c *Config) HTTPTimeoutDuration() time.Duration {
	return parseDuration(c.HTTPTimeout, DefaultHTTPTimeout, false)
}

// RefreshTimeoutDuration parses RefreshTimeout. Returns 15s if unset or invalid.
func (c *Config) RefreshTimeoutDuration() time.Duration {
	return parseDuration(c.RefreshTimeout, DefaultRefreshTimeout, false)
}

// TokenSkewDuration parses TokenSkew. Zero is allowed; returns 5s if unset or invalid.
func (c *Config) TokenSkewDuration() time.Duration {
	return parseDuration(c.TokenSkew, DefaultTokenSkew, true)
}

// WarningThresholdDuration parses WarningThreshold. Returns 5m if unset or invalid.
func (c *Config) WarningThresholdDuration() time.Duration {
	return parseDuration(c.WarningThreshold, DefaultWarningThreshold, false)
}

// PollIntervalDuration parses PollInterval. Returns 30s if unset or invalid.
func (c *Config) PollIntervalDuration() time.Duration {
	return parseDuration(c.PollInterval, DefaultPollInterval, false)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list disables the Kafka event producer.
func (c *Config) KafkaBrokersList() []string {
	if c == nil || c.KafkaBrokers == "" {
		return nil
	}
	parts := strings.Split(c.KafkaBrokers, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
