package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBSource string `yaml:"db_source"`
	Port     string `yaml:"server_port"`
	Env      string `yaml:"environment"`
	LogLevel string `yaml:"log_level"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisEventsChannel string `yaml:"redis_events_channel"`

	IdempotencyTTLHours int           `yaml:"idempotency_ttl_hours"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxRetries          int           `yaml:"max_retries"`
	BatchConcurrency    int           `yaml:"batch_concurrency"`
	TreasuryRetryAfter  time.Duration `yaml:"treasury_retry_after"`
	StaleAfter          time.Duration `yaml:"stale_after"`

	TreasuryInitialBalance int64    `yaml:"treasury_initial_balance"`
	AdminPrincipals        []string `yaml:"admin_principals"`
}

func defaults() *Config {
	return &Config{
		Port:                   "8080",
		Env:                    "development",
		LogLevel:               "info",
		RedisEventsChannel:     "refundops.events",
		IdempotencyTTLHours:    24,
		SweepInterval:          30 * time.Second,
		MaxRetries:             5,
		BatchConcurrency:       4,
		TreasuryRetryAfter:     30 * time.Second,
		StaleAfter:             15 * time.Minute,
		TreasuryInitialBalance: 1_000_000,
	}
}

// Load reads the environment, then overlays CONFIG_FILE if set, then
// validates. An empty DB_SOURCE selects in-memory stores.
func Load() (*Config, error) {
	cfg := defaults()
	if err := cfg.fromEnv(os.Getenv); err != nil {
		return nil, err
	}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.overlay(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) fromEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("DB_SOURCE", &c.DBSource)
	str("SERVER_PORT", &c.Port)
	str("ENVIRONMENT", &c.Env)
	str("LOG_LEVEL", &c.LogLevel)
	str("REDIS_ADDR", &c.RedisAddr)
	str("REDIS_EVENTS_CHANNEL", &c.RedisEventsChannel)

	ints := []struct {
		key string
		dst *int
	}{
		{"IDEMPOTENCY_TTL_HOURS", &c.IdempotencyTTLHours},
		{"MAX_RETRIES", &c.MaxRetries},
		{"BATCH_CONCURRENCY", &c.BatchConcurrency},
	}
	for _, e := range ints {
		if v := getenv(e.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", e.key, v)
			}
			*e.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SWEEP_INTERVAL", &c.SweepInterval},
		{"TREASURY_RETRY_AFTER", &c.TreasuryRetryAfter},
		{"STALE_AFTER", &c.StaleAfter},
	}
	for _, e := range durations {
		if v := getenv(e.key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", e.key, v)
			}
			*e.dst = d
		}
	}

	if v := getenv("TREASURY_INITIAL_BALANCE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TREASURY_INITIAL_BALANCE: invalid integer %q", v)
		}
		c.TreasuryInitialBalance = n
	}
	if v := getenv("ADMIN_PRINCIPALS"); v != "" {
		c.AdminPrincipals = splitList(v)
	}
	return nil
}

// overlay applies the keys present in the YAML file at path. Absent keys
// keep their current values.
func (c *Config) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("CONFIG_FILE: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("CONFIG_FILE %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch {
	case c.Port == "":
		return fmt.Errorf("SERVER_PORT must not be empty")
	case c.IdempotencyTTLHours <= 0:
		return fmt.Errorf("IDEMPOTENCY_TTL_HOURS must be positive, got %d", c.IdempotencyTTLHours)
	case c.SweepInterval < 0:
		return fmt.Errorf("SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	case c.MaxRetries <= 0:
		return fmt.Errorf("MAX_RETRIES must be positive, got %d", c.MaxRetries)
	case c.BatchConcurrency <= 0:
		return fmt.Errorf("BATCH_CONCURRENCY must be positive, got %d", c.BatchConcurrency)
	case c.TreasuryRetryAfter <= 0:
		return fmt.Errorf("TREASURY_RETRY_AFTER must be positive, got %s", c.TreasuryRetryAfter)
	case c.StaleAfter <= 0:
		return fmt.Errorf("STALE_AFTER must be positive, got %s", c.StaleAfter)
	case c.TreasuryInitialBalance < 0:
		return fmt.Errorf("TREASURY_INITIAL_BALANCE must not be negative, got %d", c.TreasuryInitialBalance)
	case c.RedisAddr != "" && c.RedisEventsChannel == "":
		return fmt.Errorf("REDIS_EVENTS_CHANNEL must not be empty when REDIS_ADDR is set")
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
