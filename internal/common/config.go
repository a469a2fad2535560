// Package common provides shared utilities for the job server.
package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the job server.
type Config struct {
	Environment string         `toml:"environment"`
	Server      ServerConfig   `toml:"server"`
	Storage     StorageConfig  `toml:"storage"`
	Scheduling  SchedulingConfig `toml:"scheduling"`
	Auditing    AuditingConfig `toml:"auditing"`
	Worker      WorkerConfig   `toml:"worker"`
	Logging     LoggingConfig  `toml:"logging"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds the on-disk KV engine configuration backing the
// promise store (spec.md section 1: "any ordered hash-indexed KV store
// with variable-length values and a per-session cache").
type StorageConfig struct {
	Path            string `toml:"path"`
	Preallocate     bool   `toml:"preallocate"`
	DeleteOnDispose bool   `toml:"delete_on_dispose"`
	HashIndexSize   int    `toml:"hash_index_size"`
}

// SchedulingConfig holds the scheduler's fixed shape and timeouts
// (spec.md section 4.D and section 5, "Timeouts").
type SchedulingConfig struct {
	// CountPriorities must be at least 1 (spec.md section 8: "Zero
	// priority classes -> constructor fails"); LoadConfig falls back to
	// the default when a file or JOBSRV_COUNT_PRIORITIES override would
	// otherwise drive it below that floor.
	CountPriorities   int    `toml:"count_priorities"`
	ExpiryTicks       string `toml:"expiry_ticks"`
	ExpiryBucketCount int    `toml:"expiry_bucket_count"`
}

// GetExpiryTicks parses and returns the idle-expiry horizon.
func (c *SchedulingConfig) GetExpiryTicks() time.Duration {
	d, err := time.ParseDuration(c.ExpiryTicks)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// AuditingConfig holds the optional supplemental completion audit trail
// configuration (surrealdb-backed, fire-and-forget, not on the critical
// path per spec.md section 1's non-goal of exactly-once execution
// guarantees).
type AuditingConfig struct {
	Enabled   bool   `toml:"enabled"`
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// WorkerConfig holds the compute worker pool configuration.
type WorkerConfig struct {
	PoolSize int          `toml:"pool_size"`
	Genai    GenaiConfig  `toml:"genai"`
}

// GenaiConfig holds configuration for the example google.golang.org/genai
// worker (spec.md section 1: the concrete worker is explicitly out of
// core scope; this is one exercised example implementation).
type GenaiConfig struct {
	APIKey string `toml:"api_key"`
	Model  string `toml:"model"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Format     string   `toml:"format"`
	Outputs    []string `toml:"outputs"`
	FilePath   string   `toml:"file_path"`
	MaxSizeMB  int      `toml:"max_size_mb"`
	MaxBackups int      `toml:"max_backups"`
}

// NewDefaultConfig returns a Config with sensible defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Path:          "data/promises",
			HashIndexSize: 1 << 20,
		},
		Scheduling: SchedulingConfig{
			CountPriorities:   4,
			ExpiryTicks:       "60s",
			ExpiryBucketCount: 20,
		},
		Auditing: AuditingConfig{
			Enabled:   false,
			Address:   "ws://localhost:8000",
			Namespace: "jobsrv",
			Database:  "audit",
		},
		Worker: WorkerConfig{
			PoolSize: 8,
			Genai: GenaiConfig{
				Model: "gemini-2.0-flash",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Outputs:    []string{"console"},
			FilePath:   "./logs/jobsrv.log",
			MaxSizeMB:  100,
			MaxBackups: 3,
		},
	}
}

// LoadConfig loads configuration from files with environment overrides.
// Later paths override earlier ones.
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if config.Scheduling.CountPriorities < 1 {
		fallback := NewDefaultConfig().Scheduling.CountPriorities
		config.Scheduling.CountPriorities = fallback
	}

	return config, nil
}

// applyEnvOverrides applies JOBSRV_* environment variable overrides.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("JOBSRV_ENV"); env != "" {
		config.Environment = env
	}
	if host := os.Getenv("JOBSRV_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("JOBSRV_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if path := os.Getenv("JOBSRV_DATA_PATH"); path != "" {
		config.Storage.Path = path
	}
	if n := os.Getenv("JOBSRV_COUNT_PRIORITIES"); n != "" {
		if p, err := strconv.Atoi(n); err == nil && p >= 1 {
			config.Scheduling.CountPriorities = p
		}
	}
	if v := os.Getenv("JOBSRV_EXPIRY_TICKS"); v != "" {
		config.Scheduling.ExpiryTicks = v
	}
	if v := os.Getenv("JOBSRV_LOG_LEVEL"); v != "" {
		config.Logging.Level = v
	}
	if v := os.Getenv("JOBSRV_AUDIT_ENABLED"); v != "" {
		config.Auditing.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("JOBSRV_AUDIT_ADDRESS"); v != "" {
		config.Auditing.Address = v
	}
	if v := os.Getenv("JOBSRV_GENAI_API_KEY"); v != "" {
		config.Worker.Genai.APIKey = v
	}
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// IsDevelopment returns true unless running in production mode.
func (c *Config) IsDevelopment() bool {
	return !c.IsProduction()
}

// SchemaVersion identifies the on-disk layout of the promise KV store and
// its system bookkeeping keys. Bump it whenever that layout changes
// incompatibly. internal/app's startup check records this value in the
// system KV store and logs a mismatch with the stored marker; it does not
// purge any stored state.
const SchemaVersion = "jobsrv-v1"
