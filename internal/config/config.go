package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration, loaded from YAML with
// environment overrides for deployment-specific endpoints.
type Config struct {
	ServiceID string       `yaml:"service_id"`
	Server    ServerConfig `yaml:"server"`
	Warm      WarmConfig   `yaml:"warm"`
	Hot       HotConfig    `yaml:"hot"`
	Cold      ColdConfig   `yaml:"cold"`
	Lifecycle Lifecycle    `yaml:"lifecycle"`
	Sync      SyncConfig   `yaml:"sync"`
	Auth      AuthConfig   `yaml:"auth"`
}

// ServerConfig holds the HTTP edge bind address and timeouts.
type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WarmConfig holds the relational tier endpoint.
type WarmConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// HotConfig holds the expiring KV endpoint.
type HotConfig struct {
	Addr       string        `yaml:"addr"`
	DB         int           `yaml:"db"`
	Password   string        `yaml:"password"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

// ColdConfig holds the object-store target for archived entries.
type ColdConfig struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"` // optional, for S3-compatible stores
	Prefix   string `yaml:"prefix"`
}

// Lifecycle holds the aging and derived-data cadences.
type Lifecycle struct {
	ArchiveThresholdDays int           `yaml:"archive_threshold_days"`
	ArchiveBatchSize     int           `yaml:"archive_batch_size"`
	SweepInterval        time.Duration `yaml:"sweep_interval"`
	PatternSweepInterval time.Duration `yaml:"pattern_sweep_interval"`
	RollupInterval       time.Duration `yaml:"rollup_interval"`
	InsightInterval      time.Duration `yaml:"insight_interval"`
}

// PeerConfig declares a remote peer and what it accepts.
type PeerConfig struct {
	ID       string   `yaml:"id"`
	Endpoint string   `yaml:"endpoint"`
	Domains  []string `yaml:"domains"`
	Kinds    []string `yaml:"kinds"`
}

// SyncConfig holds the replication fabric settings.
type SyncConfig struct {
	Peers         []PeerConfig  `yaml:"peers"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	RetryAttempts int           `yaml:"retry_attempts"`
	HighWaterMark int           `yaml:"high_water_mark"`
	BatchSize     int           `yaml:"batch_size"`
}

// AuthConfig maps bearer tokens to principals for the edge adapter.
type AuthConfig struct {
	Tokens map[string]Principal `yaml:"tokens"` // token -> principal
}

// Principal is an authenticated caller identity.
type Principal struct {
	Name string `yaml:"name"`
	Role string `yaml:"role"` // admin, analyst, agent
}

// Load reads the YAML file at path, applies defaults, then applies
// environment overrides. A missing file is not an error; env-only
// deployments are supported.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ServiceID: "memsync",
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Warm: WarmConfig{
			MaxOpenConns: 20,
			MaxIdleConns: 5,
			QueryTimeout: 5 * time.Second,
		},
		Hot: HotConfig{
			Addr:       "localhost:6379",
			DefaultTTL: time.Hour,
		},
		Cold: ColdConfig{
			Prefix: "memories",
		},
		Lifecycle: Lifecycle{
			ArchiveThresholdDays: 30,
			ArchiveBatchSize:     200,
			SweepInterval:        5 * time.Minute,
			PatternSweepInterval: 3 * time.Minute,
			RollupInterval:       5 * time.Minute,
			InsightInterval:      time.Hour,
		},
		Sync: SyncConfig{
			SyncInterval:  time.Second,
			RetryDelay:    2 * time.Second,
			MaxRetryDelay: time.Minute,
			RetryAttempts: 10,
			HighWaterMark: 10000,
			BatchSize:     10,
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MEMSYNC_SERVICE_ID"); v != "" {
		cfg.ServiceID = v
	}
	if v := os.Getenv("MEMSYNC_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("MEMSYNC_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Warm.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Hot.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Hot.Password = v
	}
	if v := os.Getenv("COLD_BUCKET"); v != "" {
		cfg.Cold.Bucket = v
	}
	if v := os.Getenv("COLD_REGION"); v != "" {
		cfg.Cold.Region = v
	}
	if v := os.Getenv("COLD_ENDPOINT"); v != "" {
		cfg.Cold.Endpoint = v
	}
	if v := os.Getenv("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Hot.DefaultTTL = d
		}
	}
	if v := os.Getenv("ARCHIVE_THRESHOLD_DAYS"); v != "" {
		if d, err := strconv.Atoi(v); err == nil {
			cfg.Lifecycle.ArchiveThresholdDays = d
		}
	}
}

// Validate checks the invariants the service cannot start without.
func (c *Config) Validate() error {
	if c.ServiceID == "" {
		return fmt.Errorf("service_id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Sync.BatchSize <= 0 {
		c.Sync.BatchSize = 10
	}
	if c.Sync.HighWaterMark <= 0 {
		c.Sync.HighWaterMark = 10000
	}
	seen := make(map[string]bool, len(c.Sync.Peers))
	for _, p := range c.Sync.Peers {
		if p.ID == "" || p.Endpoint == "" {
			return fmt.Errorf("peer entries require id and endpoint")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate peer id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ArchiveThreshold returns the archive age cutoff as a duration.
func (c *Config) ArchiveThreshold() time.Duration {
	return time.Duration(c.Lifecycle.ArchiveThresholdDays) * 24 * time.Hour
}
