package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	PipelineVersion string `yaml:"pipeline_version"`
	JPEGQuality     int    `yaml:"jpeg_quality"`

	PoolSize int `yaml:"pool_size"`

	LockTTL time.Duration `yaml:"lock_ttl"`

	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`

	Retention Retention `yaml:"retention"`

	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	NATS     NATS     `yaml:"nats"`
	Postgres Postgres `yaml:"postgres"`
}

type Retention struct {
	PeriodDays       int           `yaml:"period_days"`
	PurgeInterval    time.Duration `yaml:"purge_interval"`
	BackfillInterval time.Duration `yaml:"backfill_interval"`
	WatchdogInterval time.Duration `yaml:"watchdog_interval"`
	StuckAfter       time.Duration `yaml:"stuck_after"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`
	BasePath        string `yaml:"base_path"`
}

type NATS struct {
	URL           string `yaml:"url"`
	QueueName     string `yaml:"queue_name"`
	MaxReconnects int    `yaml:"max_reconnects"`
	Subject       string `yaml:"subject"`
	ReportSubject string `yaml:"report_subject"`
}

type Postgres struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	if cfg.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is empty")
	}
	if cfg.NATS.Subject == "" {
		return nil, fmt.Errorf("nats.subject is empty")
	}
	if cfg.MinIO.Bucket == "" {
		return nil, fmt.Errorf("minio.bucket is empty")
	}
	if cfg.PipelineVersion == "" {
		return nil, fmt.Errorf("pipeline_version is empty")
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 90
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 30 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Minute
	}
	if cfg.Retention.PeriodDays <= 0 {
		cfg.Retention.PeriodDays = 6 * 365
	}
	if cfg.Retention.PurgeInterval <= 0 {
		cfg.Retention.PurgeInterval = 24 * time.Hour
	}
	if cfg.Retention.BackfillInterval <= 0 {
		cfg.Retention.BackfillInterval = 6 * time.Hour
	}
	if cfg.Retention.WatchdogInterval <= 0 {
		cfg.Retention.WatchdogInterval = 15 * time.Minute
	}
	if cfg.Retention.StuckAfter <= 0 {
		cfg.Retention.StuckAfter = 30 * time.Minute
	}

	return &cfg, nil
}
