// Package config loads service settings from the environment, an optional
// .env file and an optional YAML file. Environment variables win over the
// file, which wins over defaults.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	Port string

	// Storage. DATABASE_URL selects PostgreSQL, else SQLITE_PATH selects
	// SQLite, else state lives in memory.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	PriceStaleAfter time.Duration
	StartingBalance decimal.Decimal

	JWTSecret string
	JWTIssuer string

	MarketTimezone     string
	MarketOpen         string
	MarketClose        string
	MarketHolidaysFile string
	MarketAlwaysOpen   bool

	// ReconcileSchedule is a cron spec; empty disables the job.
	ReconcileSchedule string

	LogLevel slog.Level
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment, and validates the result.
func Load() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	file := map[string]string{}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		var err error
		if file, err = readFile(path); err != nil {
			return nil, err
		}
	}
	return build(func(key string) (string, bool) {
		if v := os.Getenv(key); v != "" {
			return v, true
		}
		v, ok := file[strings.ToLower(key)]
		return v, ok
	})
}

func readFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToLower(k)] = v
	}
	return out, nil
}

type lookupFunc func(key string) (string, bool)

func build(lookup lookupFunc) (*Config, error) {
	var errs []string
	get := func(key, fallback string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return fallback
	}
	duration := func(key string, fallback time.Duration) time.Duration {
		s := get(key, "")
		if s == "" {
			return fallback
		}
		d, err := time.ParseDuration(s)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid %s: %v", key, err))
			return fallback
		}
		return d
	}

	cfg := &Config{
		Port:               get("PORT", "8080"),
		DatabaseURL:        get("DATABASE_URL", ""),
		SQLitePath:         get("SQLITE_PATH", ""),
		RedisURL:           get("REDIS_URL", ""),
		CacheTTL:           duration("CACHE_TTL", 30*time.Second),
		PriceStaleAfter:    duration("PRICE_STALE_AFTER", 2*time.Minute),
		JWTSecret:          get("JWT_SECRET", ""),
		JWTIssuer:          get("JWT_ISSUER", ""),
		MarketTimezone:     get("MARKET_TIMEZONE", "Asia/Kolkata"),
		MarketOpen:         get("MARKET_OPEN", "09:15"),
		MarketClose:        get("MARKET_CLOSE", "15:30"),
		MarketHolidaysFile: get("MARKET_HOLIDAYS_FILE", ""),
		ReconcileSchedule:  get("RECONCILE_SCHEDULE", "@every 15m"),
	}

	var err error
	cfg.StartingBalance, err = decimal.NewFromString(get("STARTING_BALANCE", "100000"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STARTING_BALANCE: %v", err))
	}

	cfg.MarketAlwaysOpen, err = strconv.ParseBool(get("MARKET_ALWAYS_OPEN", "false"))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MARKET_ALWAYS_OPEN: %v", err))
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(get("LOG_LEVEL", "INFO"))); err != nil {
		errs = append(errs, fmt.Sprintf("invalid LOG_LEVEL: %v", err))
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration errors:\n - %s", strings.Join(errs, "\n - "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges. It does not require JWT_SECRET; the serve
// command does.
func (c *Config) Validate() error {
	var errs []string
	if _, err := strconv.Atoi(c.Port); err != nil {
		errs = append(errs, "PORT must be a number")
	}
	if !c.StartingBalance.IsPositive() {
		errs = append(errs, "STARTING_BALANCE must be positive")
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, "CACHE_TTL must be positive")
	}
	if c.PriceStaleAfter < 0 {
		errs = append(errs, "PRICE_STALE_AFTER cannot be negative")
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Sprintf("invalid MARKET_TIMEZONE: %v", err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n - %s", strings.Join(errs, "\n - "))
	}
	return nil
}

// Location resolves MarketTimezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.MarketTimezone)
}
