// Package config holds the typed configuration loaded once at startup.
// YAML file first, then environment overrides applied by the composition
// root.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/chrlshc/ofm-social-os-sub001/internal/backpressure"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	ETL          ETLConfig          `yaml:"etl"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	RateLimits   []RateLimitConfig  `yaml:"rate_limits"`
	SLOs         []SLOConfig        `yaml:"slos"`
	Ingest       IngestConfig       `yaml:"ingest"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

type BackpressureConfig struct {
	Thresholds    backpressure.Thresholds `yaml:"thresholds"`
	MaxQueueSize  int                     `yaml:"max_queue_size"`
	MonitorEvery  time.Duration           `yaml:"monitor_every"`
	DrainEvery    time.Duration           `yaml:"drain_every"`
	RecoveryDelay time.Duration           `yaml:"recovery_delay"`
	MaxBackoff    time.Duration           `yaml:"max_backoff"`
	MaxRetries    int                     `yaml:"max_retries"`
}

type ETLConfig struct {
	BatchSize            int           `yaml:"batch_size"`
	BatchTimeout         time.Duration `yaml:"batch_timeout"`
	MaxConcurrentBatches int           `yaml:"max_concurrent_batches"`
	RetryAttempts        int           `yaml:"retry_attempts"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
}

type SchedulerConfig struct {
	JitterMin       time.Duration `yaml:"jitter_min"`
	JitterMax       time.Duration `yaml:"jitter_max"`
	StarvationAfter time.Duration `yaml:"starvation_after"`
}

type RateLimitConfig struct {
	Platform           string `yaml:"platform"`
	Endpoint           string `yaml:"endpoint"`
	PerMinute          int    `yaml:"per_minute"`
	PerHour            int    `yaml:"per_hour"`
	PerDay             int    `yaml:"per_day"`
	BurstLimit         int    `yaml:"burst_limit"`
	BurstWindowSeconds int    `yaml:"burst_window_seconds"`
}

type SLOConfig struct {
	Name             string  `yaml:"name"`
	Service          string  `yaml:"service"`
	Description      string  `yaml:"description"`
	TargetPct        float64 `yaml:"target_pct"`
	WindowSec        int     `yaml:"window_sec"`
	BudgetWindowSec  int     `yaml:"budget_window_sec"`
	WarningPct       float64 `yaml:"warning_pct"`
	CriticalPct      float64 `yaml:"critical_pct"`
	BreachScanPeriod int     `yaml:"breach_scan_period_sec"`
}

type IngestConfig struct {
	MaxBatchSize int `yaml:"max_batch_size"`
}

// Default returns a runnable single-node configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Redis:  RedisConfig{Addr: "localhost:6379"},
		Backpressure: BackpressureConfig{
			Thresholds:    backpressure.DefaultThresholds(),
			MaxQueueSize:  10000,
			MonitorEvery:  time.Second,
			DrainEvery:    100 * time.Millisecond,
			RecoveryDelay: 30 * time.Second,
			MaxBackoff:    5 * time.Minute,
			MaxRetries:    3,
		},
		ETL: ETLConfig{
			BatchSize:            100,
			BatchTimeout:         5 * time.Second,
			MaxConcurrentBatches: 4,
			RetryAttempts:        3,
			RetryDelay:           time.Second,
		},
		Scheduler: SchedulerConfig{
			JitterMin:       30 * time.Minute,
			JitterMax:       90 * time.Minute,
			StarvationAfter: 2 * time.Hour,
		},
		SLOs: []SLOConfig{
			{
				Name:        "publish_success_rate",
				Service:     "ingestion",
				Description: "Fraction of accepted events that reach a stream",
				TargetPct:   99,
				WindowSec:   300,
				WarningPct:  98,
				CriticalPct: 97,
			},
			{
				Name:        "etl_validation_rate",
				Service:     "metrics",
				Description: "Fraction of consumed records passing validation",
				TargetPct:   95,
				WindowSec:   300,
				WarningPct:  93,
				CriticalPct: 90,
			},
		},
		Ingest: IngestConfig{MaxBatchSize: 1000},
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays well-known environment variables onto the config.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("KPI_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
}
