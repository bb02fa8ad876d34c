// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Postgres struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Backoff describes a per-queue retry delay function.
type Backoff struct {
	Kind string        `mapstructure:"kind"` // "exponential" | "fixed"
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

// QueuePolicy is the per-named-queue broker configuration (spec.md §4.2).
type QueuePolicy struct {
	Key              string  `mapstructure:"key"`
	DefaultAttempts  int     `mapstructure:"default_attempts"`
	Backoff          Backoff `mapstructure:"backoff"`
	RemoveOnComplete int     `mapstructure:"remove_on_complete"`
	RemoveOnFail     int     `mapstructure:"remove_on_fail"`
	LeaseMS          int64   `mapstructure:"lease_ms"`
	MaxStalledCount  int     `mapstructure:"max_stalled_count"`
}

type Worker struct {
	Concurrency  map[string]int `mapstructure:"concurrency"` // queue -> worker count
	BreakerPause time.Duration  `mapstructure:"breaker_pause"`
	DrainGrace   time.Duration  `mapstructure:"drain_grace"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// CronJob describes one scheduler-owned cron entry (spec.md §4.4).
type CronJob struct {
	Type     string `mapstructure:"type"`
	Expr     string `mapstructure:"expr"`
	Queue    string `mapstructure:"queue"`
	Priority int    `mapstructure:"priority"`
	Attempts int    `mapstructure:"attempts"`
	DelayMS  int64  `mapstructure:"delay_ms"`
	CRMBound bool   `mapstructure:"crm_bound"`
}

type Scheduler struct {
	Jobs []CronJob `mapstructure:"jobs"`
}

type AuditWriter struct {
	BatchSize       int           `mapstructure:"batch_size"`
	BatchTimeout    time.Duration `mapstructure:"batch_timeout"`
	BacklogWarnMult int           `mapstructure:"backlog_warn_multiplier"`
}

type AlertThresholds struct {
	QueueDepthWarn   int64   `mapstructure:"queue_depth_warn"`
	ErrorRateCrit    float64 `mapstructure:"error_rate_crit"`
	ProcessingMSWarn int64   `mapstructure:"processing_ms_warn"`
	MemoryFracWarn   float64 `mapstructure:"memory_frac_warn"`
	JobsPerSecInfo   float64 `mapstructure:"jobs_per_sec_info"`
}

type Monitor struct {
	SampleInterval time.Duration   `mapstructure:"sample_interval"`
	SnapshotPeriod time.Duration   `mapstructure:"snapshot_period"`
	Thresholds     AlertThresholds `mapstructure:"thresholds"`
}

type Handoff struct {
	DefaultPageSize int `mapstructure:"default_page_size"`
	MaxPageSize     int `mapstructure:"max_page_size"`
	MaxMarkIDs      int `mapstructure:"max_mark_ids"`
}

type Cache struct {
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
}

type CRM struct {
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	TokenRefreshTTL time.Duration `mapstructure:"token_refresh_ttl"`
}

type TracingConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Endpoint         string  `mapstructure:"endpoint"`
	Environment      string  `mapstructure:"environment"`
	SamplingStrategy string  `mapstructure:"sampling_strategy"`
	SamplingRate     float64 `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	APIAddr     string        `mapstructure:"api_addr"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

type Config struct {
	Redis          Redis                  `mapstructure:"redis"`
	Postgres       Postgres               `mapstructure:"postgres"`
	Queues         map[string]QueuePolicy `mapstructure:"queues"`
	Worker         Worker                 `mapstructure:"worker"`
	CircuitBreaker CircuitBreaker         `mapstructure:"circuit_breaker"`
	Scheduler      Scheduler              `mapstructure:"scheduler"`
	AuditWriter    AuditWriter            `mapstructure:"audit_writer"`
	Monitor        Monitor                `mapstructure:"monitor"`
	Handoff        Handoff                `mapstructure:"handoff"`
	Cache          Cache                  `mapstructure:"cache"`
	CRM            CRM                    `mapstructure:"crm"`
	Observability  Observability          `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:             "postgres://localhost:5432/sf_job_engine?sslmode=disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Queues: map[string]QueuePolicy{
			"salesforce": {
				Key:              "jobqueue:salesforce",
				DefaultAttempts:  2,
				Backoff:          Backoff{Kind: "exponential", Base: 500 * time.Millisecond, Max: 5 * time.Minute},
				RemoveOnComplete: 5000,
				RemoveOnFail:     2000,
				LeaseMS:          30000,
				MaxStalledCount:  1,
			},
			"email": {
				Key:              "jobqueue:email",
				DefaultAttempts:  2,
				Backoff:          Backoff{Kind: "fixed", Base: 5000 * time.Millisecond, Max: 5000 * time.Millisecond},
				RemoveOnComplete: 50,
				RemoveOnFail:     25,
				LeaseMS:          30000,
				MaxStalledCount:  1,
			},
			"notifications": {
				Key:              "jobqueue:notifications",
				DefaultAttempts:  5,
				Backoff:          Backoff{Kind: "exponential", Base: 1000 * time.Millisecond, Max: 5 * time.Minute},
				RemoveOnComplete: 200,
				RemoveOnFail:     100,
				LeaseMS:          30000,
				MaxStalledCount:  1,
			},
		},
		Worker: Worker{
			Concurrency:  map[string]int{"salesforce": 20, "email": 5, "notifications": 10},
			BreakerPause: 100 * time.Millisecond,
			DrainGrace:   10 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Scheduler: Scheduler{
			Jobs: []CronJob{
				{Type: "pledge", Expr: "*/2 * * * *", Queue: "salesforce", Priority: 1, Attempts: 2, CRMBound: true},
				{Type: "oneoff", Expr: "*/2 * * * *", Queue: "salesforce", Priority: 1, Attempts: 2, CRMBound: true},
				{Type: "recurring", Expr: "*/5 * * * *", Queue: "notifications", DelayMS: 5 * 60 * 1000, CRMBound: false},
				{Type: "hourly", Expr: "0 * * * *", Queue: "notifications", Priority: 1, CRMBound: false},
			},
		},
		AuditWriter: AuditWriter{
			BatchSize:       100,
			BatchTimeout:    5 * time.Second,
			BacklogWarnMult: 2,
		},
		Monitor: Monitor{
			SampleInterval: 30 * time.Second,
			SnapshotPeriod: 5 * time.Minute,
			Thresholds: AlertThresholds{
				QueueDepthWarn:   5000,
				ErrorRateCrit:    0.05,
				ProcessingMSWarn: 10000,
				MemoryFracWarn:   0.80,
				JobsPerSecInfo:   50,
			},
		},
		Handoff: Handoff{
			DefaultPageSize: 1000,
			MaxPageSize:     10000,
			MaxMarkIDs:      1000,
		},
		Cache: Cache{DefaultTTL: 5 * time.Minute},
		CRM: CRM{
			Timeout:         30 * time.Second,
			TokenRefreshTTL: 5 * time.Minute,
		},
		Observability: Observability{
			MetricsPort: 9090,
			APIAddr:     ":8080",
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file with environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)

	v.SetDefault("worker.concurrency", def.Worker.Concurrency)
	v.SetDefault("worker.breaker_pause", def.Worker.BreakerPause)
	v.SetDefault("worker.drain_grace", def.Worker.DrainGrace)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("audit_writer.batch_size", def.AuditWriter.BatchSize)
	v.SetDefault("audit_writer.batch_timeout", def.AuditWriter.BatchTimeout)
	v.SetDefault("audit_writer.backlog_warn_multiplier", def.AuditWriter.BacklogWarnMult)

	v.SetDefault("monitor.sample_interval", def.Monitor.SampleInterval)
	v.SetDefault("monitor.snapshot_period", def.Monitor.SnapshotPeriod)
	v.SetDefault("monitor.thresholds.queue_depth_warn", def.Monitor.Thresholds.QueueDepthWarn)
	v.SetDefault("monitor.thresholds.error_rate_crit", def.Monitor.Thresholds.ErrorRateCrit)
	v.SetDefault("monitor.thresholds.processing_ms_warn", def.Monitor.Thresholds.ProcessingMSWarn)
	v.SetDefault("monitor.thresholds.memory_frac_warn", def.Monitor.Thresholds.MemoryFracWarn)
	v.SetDefault("monitor.thresholds.jobs_per_sec_info", def.Monitor.Thresholds.JobsPerSecInfo)

	v.SetDefault("handoff.default_page_size", def.Handoff.DefaultPageSize)
	v.SetDefault("handoff.max_page_size", def.Handoff.MaxPageSize)
	v.SetDefault("handoff.max_mark_ids", def.Handoff.MaxMarkIDs)

	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)

	v.SetDefault("crm.timeout", def.CRM.Timeout)
	v.SetDefault("crm.token_refresh_ttl", def.CRM.TokenRefreshTTL)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// mapstructure doesn't merge defaults into a map of structs, so
	// fall back to the hard defaults when the file/env supplied none.
	if len(cfg.Queues) == 0 {
		cfg.Queues = def.Queues
	}
	if len(cfg.Scheduler.Jobs) == 0 {
		cfg.Scheduler.Jobs = def.Scheduler.Jobs
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if len(cfg.Queues) == 0 {
		return fmt.Errorf("queues must be non-empty")
	}
	for name, q := range cfg.Queues {
		if q.Key == "" {
			return fmt.Errorf("queues[%s].key must be set", name)
		}
		if q.DefaultAttempts < 1 {
			return fmt.Errorf("queues[%s].default_attempts must be >= 1", name)
		}
		if q.Backoff.Kind != "exponential" && q.Backoff.Kind != "fixed" {
			return fmt.Errorf("queues[%s].backoff.kind must be exponential or fixed", name)
		}
	}
	for _, j := range cfg.Scheduler.Jobs {
		if _, ok := cfg.Queues[j.Queue]; !ok {
			return fmt.Errorf("scheduler job %q references unknown queue %q", j.Type, j.Queue)
		}
	}
	if cfg.AuditWriter.BatchSize < 1 {
		return fmt.Errorf("audit_writer.batch_size must be >= 1")
	}
	if cfg.AuditWriter.BatchTimeout <= 0 {
		return fmt.Errorf("audit_writer.batch_timeout must be > 0")
	}
	if cfg.Handoff.MaxMarkIDs < 1 || cfg.Handoff.MaxMarkIDs > 1000 {
		return fmt.Errorf("handoff.max_mark_ids must be in [1,1000]")
	}
	if cfg.Handoff.MaxPageSize < 1 || cfg.Handoff.MaxPageSize > 10000 {
		return fmt.Errorf("handoff.max_page_size must be in [1,10000]")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	return nil
}
