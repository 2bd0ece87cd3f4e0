// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level proxy configuration.
type Config struct {
	HTTPPort int    `yaml:"http_port"`
	PIDFile  string `yaml:"pid_file"`

	// ThreadPoolSize sets the number of workers draining the counter
	// increment queue.
	ThreadPoolSize int `yaml:"thread_pool_size"`

	// BucketSize is a legacy alias from fixed-size bucketing; parsed for
	// config compatibility but unused with period-based bucketing.
	BucketSize int `yaml:"bucket_size"`

	Server       ServerConfig       `yaml:"server"`
	Auth         AuthConfig         `yaml:"auth"`
	CounterStore CounterStoreConfig `yaml:"counter_store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// AuthConfig holds auth service client settings.
type AuthConfig struct {
	URLs           []string        `yaml:"urls"`
	TimeoutSeconds float64         `yaml:"timeout_seconds"`
	Realm          string          `yaml:"realm"`
	Cache          AuthCacheConfig `yaml:"cache"`
}

// Timeout returns the per-call auth timeout as a duration.
func (a AuthConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds * float64(time.Second))
}

// AuthCacheConfig controls the in-memory auth response cache.
type AuthCacheConfig struct {
	Enabled    *bool `yaml:"enabled"`
	MaxSize    int   `yaml:"max_size"`
	TTLSeconds int   `yaml:"ttl_seconds"`
	// CacheFailures also caches 4xx denials. Off by default: cached
	// denials surprise operators rotating credentials.
	CacheFailures bool `yaml:"cache_failures"`
}

// IsEnabled reports whether the cache is enabled (defaults to true when nil).
func (c AuthCacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// TTL returns the cache entry TTL as a duration.
func (c AuthCacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// CounterStoreConfig holds counter store (redis) client settings.
type CounterStoreConfig struct {
	Servers               []string `yaml:"servers"`
	Keyspace              string   `yaml:"keyspace"`
	PoolSize              int      `yaml:"pool_size"`
	MaxConnectionsPerNode int      `yaml:"max_connections_per_node"`
	TimeoutSeconds        float64  `yaml:"timeout_seconds"`
}

// Timeout returns the per-query counter store timeout as a duration.
func (c CounterStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds * float64(time.Second))
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	// StatusAddr is the listen address for healthz/readyz/metrics.
	StatusAddr string        `yaml:"status_addr"`
	Metrics    MetricsConfig `yaml:"metrics"`
	Tracing    TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration defaults applied before unmarshal.
func Default() *Config {
	return &Config{
		HTTPPort:       8080,
		ThreadPoolSize: 16,
		Server: ServerConfig{
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			TimeoutSeconds: 5,
			Realm:          "warden",
			Cache: AuthCacheConfig{
				MaxSize:    100,
				TTLSeconds: 60,
			},
		},
		CounterStore: CounterStoreConfig{
			Servers:               []string{"127.0.0.1:6379"},
			Keyspace:              "hits",
			PoolSize:              10,
			MaxConnectionsPerNode: 100,
			TimeoutSeconds:        1,
		},
		Telemetry: TelemetryConfig{
			StatusAddr: ":9090",
			Metrics:    MetricsConfig{Enabled: true},
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings the proxy cannot run without.
func (c *Config) Validate() error {
	if len(c.Auth.URLs) == 0 {
		return fmt.Errorf("auth.urls must list at least one auth endpoint")
	}
	if len(c.CounterStore.Servers) == 0 {
		return fmt.Errorf("counter_store.servers must list at least one node")
	}
	if c.ThreadPoolSize < 1 {
		return fmt.Errorf("thread_pool_size must be >= 1")
	}
	return nil
}
