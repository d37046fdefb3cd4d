package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full gateway configuration. Values come from an optional
// YAML file overridden by INGEST_* environment variables; every field has a
// working default except the storage connection settings.
type Config struct {
	// Legacy IoT backend (relational schema).
	LegacyDB LegacyDBConfig `yaml:"legacy_db"`

	// Generic time-series backend.
	GenericDBURL string `yaml:"generic_db_url"`

	// Redis backs dedup, the DLQ, and the prediction bus.
	RedisURL string `yaml:"redis_url"`

	// BusURL overrides RedisURL for the prediction bus. Reserved; empty
	// means the shared Redis instance.
	BusURL string `yaml:"bus_url"`

	MQTT MQTTConfig `yaml:"mqtt"`

	Features FeatureFlags `yaml:"features"`

	Tuning Tuning `yaml:"tuning"`

	// HTTP server.
	Port  int  `yaml:"port"`
	Debug bool `yaml:"debug"`
}

// LegacyDBConfig is the five-key connection block for the legacy backend.
type LegacyDBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// DSN renders the pgx connection string. Empty host disables the backend.
func (c LegacyDBConfig) DSN() string {
	if c.Host == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Database)
}

// MQTTConfig holds broker connection settings.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// BrokerURL renders the tcp:// broker address.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// FeatureFlags gate the optional transports and auth.
type FeatureFlags struct {
	MQTTIngest      bool `yaml:"mqtt_ingest"`
	MQTTModular     bool `yaml:"mqtt_modular"`
	MQTTGeneric     bool `yaml:"mqtt_generic"`
	WebSocketIngest bool `yaml:"websocket_ingest"`
	CSVIngest       bool `yaml:"csv_ingest"`
	DeviceAuth      bool `yaml:"device_auth"`
}

// Tuning collects the runtime knobs recognized from the environment.
type Tuning struct {
	DedupTTL            time.Duration `yaml:"dedup_ttl"`
	DLQMaxLen           int64         `yaml:"dlq_max_len"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerOpenDuration time.Duration `yaml:"breaker_open_duration"`
	RetryMaxAttempts    int           `yaml:"retry_max_attempts"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	BusMinInterval      time.Duration `yaml:"bus_min_interval"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
	WarmupReadings      int           `yaml:"warmup_readings"`
	StaleTimeout        time.Duration `yaml:"stale_timeout"`
}

// Default returns a Config with every tunable at its documented default.
func Default() *Config {
	return &Config{
		Port: 8080,
		LegacyDB: LegacyDBConfig{
			Port: 5432,
		},
		MQTT: MQTTConfig{
			Port: 1883,
		},
		Features: FeatureFlags{
			CSVIngest: true,
		},
		Tuning: Tuning{
			DedupTTL:            DefaultDedupTTL,
			DLQMaxLen:           DefaultDLQMaxLen,
			BreakerThreshold:    DefaultBreakerThreshold,
			BreakerOpenDuration: DefaultBreakerOpenDuration,
			RetryMaxAttempts:    DefaultRetryMaxAttempts,
			RetryBaseDelay:      DefaultRetryBaseDelay,
			BusMinInterval:      DefaultBusMinInterval,
			CacheTTL:            DefaultCacheTTL,
			WarmupReadings:      DefaultWarmupReadings,
			StaleTimeout:        DefaultStaleTimeout,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.Tuning.WarmupReadings < 1 {
		return nil, fmt.Errorf("warmup_readings must be >= 1, got %d", cfg.Tuning.WarmupReadings)
	}
	if cfg.Tuning.RetryMaxAttempts < 1 {
		return nil, fmt.Errorf("retry_max_attempts must be >= 1, got %d", cfg.Tuning.RetryMaxAttempts)
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.LegacyDB.Host, "INGEST_LEGACY_DB_HOST")
	envInt(&c.LegacyDB.Port, "INGEST_LEGACY_DB_PORT")
	envStr(&c.LegacyDB.User, "INGEST_LEGACY_DB_USER")
	envStr(&c.LegacyDB.Password, "INGEST_LEGACY_DB_PASSWORD")
	envStr(&c.LegacyDB.Database, "INGEST_LEGACY_DB_NAME")

	envStr(&c.GenericDBURL, "INGEST_GENERIC_DB_URL")
	envStr(&c.RedisURL, "INGEST_REDIS_URL")
	envStr(&c.BusURL, "INGEST_BUS_URL")

	envStr(&c.MQTT.Host, "INGEST_MQTT_HOST")
	envInt(&c.MQTT.Port, "INGEST_MQTT_PORT")
	envStr(&c.MQTT.Username, "INGEST_MQTT_USERNAME")
	envStr(&c.MQTT.Password, "INGEST_MQTT_PASSWORD")

	envBool(&c.Features.MQTTIngest, "INGEST_FF_MQTT")
	envBool(&c.Features.MQTTModular, "INGEST_FF_MQTT_MODULAR")
	envBool(&c.Features.MQTTGeneric, "INGEST_FF_MQTT_GENERIC")
	envBool(&c.Features.WebSocketIngest, "INGEST_FF_WEBSOCKET")
	envBool(&c.Features.CSVIngest, "INGEST_FF_CSV")
	envBool(&c.Features.DeviceAuth, "INGEST_FF_DEVICE_AUTH")

	envSeconds(&c.Tuning.DedupTTL, "INGEST_DEDUP_TTL_SEC")
	envInt64(&c.Tuning.DLQMaxLen, "INGEST_DLQ_MAX_LEN")
	envInt(&c.Tuning.BreakerThreshold, "INGEST_BREAKER_THRESHOLD")
	envSeconds(&c.Tuning.BreakerOpenDuration, "INGEST_BREAKER_OPEN_SEC")
	envInt(&c.Tuning.RetryMaxAttempts, "INGEST_RETRY_MAX_ATTEMPTS")
	envMillis(&c.Tuning.RetryBaseDelay, "INGEST_RETRY_BASE_MS")
	envSecondsFloat(&c.Tuning.BusMinInterval, "INGEST_BUS_MIN_INTERVAL_SEC")
	envSeconds(&c.Tuning.CacheTTL, "INGEST_CACHE_TTL_SEC")
	envInt(&c.Tuning.WarmupReadings, "INGEST_WARMUP_READINGS")
	envSeconds(&c.Tuning.StaleTimeout, "INGEST_STALE_TIMEOUT_SEC")

	envInt(&c.Port, "INGEST_PORT")
	envBool(&c.Debug, "INGEST_DEBUG")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "true", "1", "yes", "on":
		*dst = true
	case "false", "0", "no", "off":
		*dst = false
	}
}

func envSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func envSecondsFloat(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}

func envMillis(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Millisecond
		}
	}
}
