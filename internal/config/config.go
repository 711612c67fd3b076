package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses YAML durations like "30s" or "1h"
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	JWT         JWTConfig         `yaml:"jwt"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Queue       QueueConfig       `yaml:"queue"`
	Grouping    GroupingConfig    `yaml:"grouping"`
	Alerting    AlertingConfig    `yaml:"alerting"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port           int      `yaml:"port"`
	Env            string   `yaml:"env"`
	RequestTimeout Duration `yaml:"request_timeout"`
	AllowOrigins   []string `yaml:"allow_origins"`
}

// DatabaseConfig holds MySQL connection settings
type DatabaseConfig struct {
	Host            string   `yaml:"host"`
	Port            int      `yaml:"port"`
	User            string   `yaml:"user"`
	Password        string   `yaml:"password"`
	Name            string   `yaml:"name"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// DSN builds the MySQL connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// JWTConfig holds management API token settings
type JWTConfig struct {
	Secret string   `yaml:"secret"`
	Expiry Duration `yaml:"expiry"`
}

// TierLimit is the token bucket shape for one pricing tier
type TierLimit struct {
	PerHour  int `yaml:"per_hour"`
	Capacity int `yaml:"capacity"`
}

// RateLimitConfig holds per-tier token bucket settings for both rate classes
type RateLimitConfig struct {
	Single map[string]TierLimit `yaml:"single"`
	Batch  map[string]TierLimit `yaml:"batch"`
}

// IngestConfig holds ingestion gateway settings
type IngestConfig struct {
	IdempotencyWindow Duration `yaml:"idempotency_window"`
	MaxBatchSize      int      `yaml:"max_batch_size"`
	MaxFrames         int      `yaml:"max_frames"`
}

// QueueConfig holds event queue settings
type QueueConfig struct {
	Shards       int      `yaml:"shards"`
	Group        string   `yaml:"group"`
	MaxAttempts  int      `yaml:"max_attempts"`
	ClaimMinIdle Duration `yaml:"claim_min_idle"`
	BlockTimeout Duration `yaml:"block_timeout"`
	Consumers    int      `yaml:"consumers"`
}

// GroupingConfig holds grouping store settings
type GroupingConfig struct {
	SampleSize   int      `yaml:"sample_size"`
	OngoingAfter Duration `yaml:"ongoing_after"`
}

// AlertingConfig holds alert engine settings
type AlertingConfig struct {
	RuleCacheTTL   Duration `yaml:"rule_cache_ttl"`
	SpikeWindow    Duration `yaml:"spike_window"`
	BaselineWindow Duration `yaml:"baseline_window"`
	MaxStage       int      `yaml:"max_stage"`
	TimerPoll      Duration `yaml:"timer_poll"`
}

// DispatchConfig holds notification dispatch settings
type DispatchConfig struct {
	WebhookURL  string   `yaml:"webhook_url"`
	MaxRetries  int      `yaml:"max_retries"`
	BaseBackoff Duration `yaml:"base_backoff"`
	Workers     int      `yaml:"workers"`
	BufferSize  int      `yaml:"buffer_size"`
}

// FingerprintConfig holds normalization settings for the fingerprint engine
type FingerprintConfig struct {
	Version     int      `yaml:"version"`
	TopFrames   int      `yaml:"top_frames"`
	AppPrefixes []string `yaml:"app_prefixes"`
}

// Load reads a YAML config file and applies environment overrides
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Env:            "local",
			RequestTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            3306,
			MaxOpenConns:    50,
			MaxIdleConns:    10,
			ConnMaxLifetime: Duration(time.Hour),
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			PoolSize: 20,
		},
		JWT: JWTConfig{Expiry: Duration(24 * time.Hour)},
		RateLimit: RateLimitConfig{
			Single: map[string]TierLimit{
				"free":       {PerHour: 1000, Capacity: 100},
				"pro":        {PerHour: 50000, Capacity: 2000},
				"enterprise": {PerHour: 1000000, Capacity: 20000},
			},
			Batch: map[string]TierLimit{
				"free":       {PerHour: 5000, Capacity: 500},
				"pro":        {PerHour: 250000, Capacity: 10000},
				"enterprise": {PerHour: 5000000, Capacity: 100000},
			},
		},
		Ingest: IngestConfig{
			IdempotencyWindow: Duration(24 * time.Hour),
			MaxBatchSize:      100,
			MaxFrames:         128,
		},
		Queue: QueueConfig{
			Shards:       16,
			Group:        "processors",
			MaxAttempts:  5,
			ClaimMinIdle: Duration(30 * time.Second),
			BlockTimeout: Duration(5 * time.Second),
			Consumers:    4,
		},
		Grouping: GroupingConfig{
			SampleSize:   5,
			OngoingAfter: Duration(time.Hour),
		},
		Alerting: AlertingConfig{
			RuleCacheTTL:   Duration(30 * time.Second),
			SpikeWindow:    Duration(5 * time.Minute),
			BaselineWindow: Duration(time.Hour),
			MaxStage:       2,
			TimerPoll:      Duration(time.Second),
		},
		Dispatch: DispatchConfig{
			MaxRetries:  5,
			BaseBackoff: Duration(time.Second),
			Workers:     4,
			BufferSize:  1024,
		},
		Fingerprint: FingerprintConfig{
			Version:   1,
			TopFrames: 5,
		},
	}
}

// applyEnvOverrides lets deployment env vars win over file values
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}
	if v := os.Getenv("DB_USER"); v != "" {
		cfg.Database.User = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		cfg.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("DISPATCH_WEBHOOK_URL"); v != "" {
		cfg.Dispatch.WebhookURL = v
	}
}
