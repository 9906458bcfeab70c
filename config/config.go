package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. Struct defaults are overlaid
// by an optional YAML file, then by environment variables.
type Config struct {
	Symbols []string `yaml:"symbols"`
	// Exchange holidays as YYYY-MM-DD, skipped when labelling forecast days.
	Holidays []string `yaml:"holidays" validate:"dive,datetime=2006-01-02"`

	Forecast ForecastConfig `yaml:"forecast"`
	Store    StoreConfig    `yaml:"store"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ForecastConfig configures every Forecaster built by the CLI.
type ForecastConfig struct {
	WindowSize      int           `yaml:"window_size" default:"28" validate:"gte=1,lte=365"`
	ScaleValues     bool          `yaml:"scale_values" default:"true"`
	RunInBackground bool          `yaml:"run_in_background" default:"true"`
	NoiseLow        float64       `yaml:"noise_low" default:"0.8" validate:"gte=0"`
	NoiseHigh       float64       `yaml:"noise_high" default:"1.2" validate:"gtefield=NoiseLow"` // equal bounds pin the multiplier
	NoiseSeed       uint64        `yaml:"noise_seed"` // 0 means time-seeded
	Horizon         int           `yaml:"horizon" default:"28" validate:"gte=1,lte=3650"`
	Model           string        `yaml:"model" default:"linear" validate:"oneof=mean ema linear mlp"`
	ModelSeed       uint64        `yaml:"model_seed" default:"1"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout" default:"5m"`
}

// StoreConfig selects where trained models are kept between runs.
type StoreConfig struct {
	Backend    string `yaml:"backend" default:"sqlite" validate:"oneof=none sqlite redis"`
	SQLitePath string `yaml:"sqlite_path" default:"data/pricecast.db" validate:"required"`

	Redis struct {
		Addr         string        `yaml:"addr" default:"localhost:6379"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db" validate:"gte=0"`
		KeyPrefix    string        `yaml:"key_prefix" default:"pricecast:"`
		TTL          time.Duration `yaml:"ttl"`
		MaxFailures  int           `yaml:"max_failures" default:"5" validate:"gte=1"`
		ResetTimeout time.Duration `yaml:"reset_timeout" default:"10s"`
	} `yaml:"redis"`
}

// MetricsConfig configures the /metrics and /healthz server.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Load reads path (if non-empty), applies defaults and environment overrides,
// and validates the result.
func Load(path string) (*Config, error) {
	var c Config
	// Defaults go first so an explicit "false" or "0" in the file survives.
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyEnv()

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

func (c *Config) applyEnv() {
	c.Store.SQLitePath = getEnv("PRICECAST_SQLITE_PATH", c.Store.SQLitePath)
	c.Store.Backend = getEnv("PRICECAST_STORE", c.Store.Backend)
	c.Store.Redis.Addr = getEnv("PRICECAST_REDIS_ADDR", c.Store.Redis.Addr)
	c.Store.Redis.Password = getEnv("PRICECAST_REDIS_PASSWORD", c.Store.Redis.Password)
	c.Metrics.Addr = getEnv("PRICECAST_METRICS_ADDR", c.Metrics.Addr)
	c.Log.Level = getEnv("PRICECAST_LOG_LEVEL", c.Log.Level)
	c.Forecast.Model = getEnv("PRICECAST_MODEL", c.Forecast.Model)

	if v := os.Getenv("PRICECAST_WINDOW_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring invalid PRICECAST_WINDOW_SIZE", slog.String("value", v))
		} else {
			c.Forecast.WindowSize = n
		}
	}
	if v := os.Getenv("PRICECAST_SYMBOLS"); v != "" {
		c.Symbols = ParseSymbols(v)
	}
}

// Validate checks struct tags.
func (c *Config) Validate() error {
	return validate.Struct(c)
}

// ParseSymbols splits a comma-separated list, trimming blanks and upper-casing.
func ParseSymbols(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}
