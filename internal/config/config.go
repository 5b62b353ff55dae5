// Package config provides configuration management for the object store service.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Backend names
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendS3       = "s3"
)

// Config holds all configuration for the object store service.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	RateLimiter RateLimiterConfig `mapstructure:"rate_limiter" yaml:"rate_limiter"`
	Ledger      LedgerConfig      `mapstructure:"ledger" yaml:"ledger"`
	Index       IndexConfig       `mapstructure:"index" yaml:"index"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Database    DatabaseConfig    `mapstructure:"database" yaml:"database"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Health      HealthConfig      `mapstructure:"health" yaml:"health"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Tracing     TracingConfig     `mapstructure:"tracing" yaml:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host               string        `mapstructure:"host" yaml:"host"`
	Port               int           `mapstructure:"port" yaml:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	MaxObjectSizeBytes int64         `mapstructure:"max_object_size_bytes" yaml:"max_object_size_bytes"`
	MaxListLimit       int           `mapstructure:"max_list_limit" yaml:"max_list_limit"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins" yaml:"cors_allowed_origins"`
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Enabled           bool    `mapstructure:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size" yaml:"burst_size"`
	PerTenant         bool    `mapstructure:"per_tenant" yaml:"per_tenant"`
}

// TenantQuota overrides the default limit for one tenant. Tenants are a list
// rather than a map because viper lowercases map keys.
type TenantQuota struct {
	ID         string `mapstructure:"id" yaml:"id"`
	LimitBytes int64  `mapstructure:"limit_bytes" yaml:"limit_bytes"`
}

// LedgerConfig holds quota ledger configuration.
type LedgerConfig struct {
	Backend           string        `mapstructure:"backend" yaml:"backend"`
	DefaultLimitBytes int64         `mapstructure:"default_limit_bytes" yaml:"default_limit_bytes"`
	Tenants           []TenantQuota `mapstructure:"tenants" yaml:"tenants"`
	ReconcileOnStart  bool          `mapstructure:"reconcile_on_start" yaml:"reconcile_on_start"`
}

// IndexConfig holds object index configuration.
type IndexConfig struct {
	Backend string `mapstructure:"backend" yaml:"backend"`
}

// StoreConfig holds tiered content store configuration.
type StoreConfig struct {
	PopulateOnWrite bool            `mapstructure:"populate_on_write" yaml:"populate_on_write"`
	Hot             HotTierConfig   `mapstructure:"hot" yaml:"hot"`
	Warm            WarmTierConfig  `mapstructure:"warm" yaml:"warm"`
	Cold            ColdTierConfig  `mapstructure:"cold" yaml:"cold"`
	Promotion       PromotionConfig `mapstructure:"promotion" yaml:"promotion"`
}

// HotTierConfig configures the in-memory tier.
type HotTierConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	CapacityBytes int64         `mapstructure:"capacity_bytes" yaml:"capacity_bytes"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// WarmTierConfig configures the local disk cache tier.
type WarmTierConfig struct {
	Enabled                     bool          `mapstructure:"enabled" yaml:"enabled"`
	Dir                         string        `mapstructure:"dir" yaml:"dir"`
	CapacityBytes               int64         `mapstructure:"capacity_bytes" yaml:"capacity_bytes"`
	CompressThresholdBytes      int64         `mapstructure:"compress_threshold_bytes" yaml:"compress_threshold_bytes"`
	Timeout                     time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DiskWarningThreshold        float64       `mapstructure:"disk_warning_threshold" yaml:"disk_warning_threshold"`
	DiskCircuitBreakerThreshold float64       `mapstructure:"disk_circuit_breaker_threshold" yaml:"disk_circuit_breaker_threshold"`
}

// ColdTierConfig configures the durable, authoritative tier.
type ColdTierConfig struct {
	Backend       string        `mapstructure:"backend" yaml:"backend"`
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	EncryptionKey string        `mapstructure:"encryption_key" yaml:"encryption_key"`
	S3            S3Config      `mapstructure:"s3" yaml:"s3"`
}

// S3Config configures an S3 compatible cold tier.
type S3Config struct {
	Endpoint       string `mapstructure:"endpoint" yaml:"endpoint"`
	Region         string `mapstructure:"region" yaml:"region"`
	Bucket         string `mapstructure:"bucket" yaml:"bucket"`
	Prefix         string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey      string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey      string `mapstructure:"secret_key" yaml:"secret_key"`
	SessionToken   string `mapstructure:"session_token" yaml:"session_token"`
	UseSSL         bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	ForcePathStyle bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// PromotionConfig sizes the asynchronous promotion worker pool.
type PromotionConfig struct {
	Workers   int `mapstructure:"workers" yaml:"workers"`
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
}

// DatabaseConfig represents PostgreSQL configuration shared by ledger and index.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	Database        string        `mapstructure:"database" yaml:"database"`
	User            string        `mapstructure:"user" yaml:"user"`
	Password        string        `mapstructure:"password" yaml:"password"`
	SSLMode         string        `mapstructure:"ssl_mode" yaml:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections" yaml:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections" yaml:"min_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// RedisConfig represents Redis ledger configuration.
type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	MaxRetries   int    `mapstructure:"max_retries" yaml:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// HealthConfig holds health monitor configuration.
type HealthConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	Interval     time.Duration `mapstructure:"interval" yaml:"interval"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// TracingConfig holds OpenTelemetry configuration.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string  `mapstructure:"endpoint" yaml:"endpoint"`
	Protocol    string  `mapstructure:"protocol" yaml:"protocol"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name" yaml:"service_name"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load reads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/objectstore/")
	}

	v.SetEnvPrefix("OBJECTSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found, use defaults/env)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", "60s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.max_object_size_bytes", 64*1024*1024)
	v.SetDefault("server.max_list_limit", 1000)
	v.SetDefault("server.cors_allowed_origins", []string{"*"})

	// Rate limiter defaults
	v.SetDefault("rate_limiter.enabled", true)
	v.SetDefault("rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("rate_limiter.burst_size", 100)
	v.SetDefault("rate_limiter.per_tenant", true)

	// Ledger defaults
	v.SetDefault("ledger.backend", BackendMemory)
	v.SetDefault("ledger.default_limit_bytes", int64(10*1024*1024*1024))
	v.SetDefault("ledger.reconcile_on_start", true)

	v.SetDefault("index.backend", BackendMemory)

	// Store defaults
	v.SetDefault("store.populate_on_write", true)
	v.SetDefault("store.hot.enabled", true)
	v.SetDefault("store.hot.capacity_bytes", int64(256*1024*1024))
	v.SetDefault("store.hot.timeout", "100ms")
	v.SetDefault("store.warm.enabled", true)
	v.SetDefault("store.warm.dir", "./data/warm")
	v.SetDefault("store.warm.capacity_bytes", int64(4*1024*1024*1024))
	v.SetDefault("store.warm.compress_threshold_bytes", 4096)
	v.SetDefault("store.warm.timeout", "2s")
	v.SetDefault("store.warm.disk_warning_threshold", 80.0)
	v.SetDefault("store.warm.disk_circuit_breaker_threshold", 95.0)
	v.SetDefault("store.cold.backend", BackendLocal)
	v.SetDefault("store.cold.dir", "./data/cold")
	v.SetDefault("store.cold.timeout", "10s")
	v.SetDefault("store.cold.s3.region", "us-east-1")
	v.SetDefault("store.cold.s3.use_ssl", true)
	v.SetDefault("store.promotion.workers", 4)
	v.SetDefault("store.promotion.queue_size", 256)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "objectstore")
	v.SetDefault("database.user", "objectstore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 20)
	v.SetDefault("database.min_connections", 2)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.min_idle_conns", 2)
	v.SetDefault("redis.key_prefix", "objectstore")

	v.SetDefault("health.probe_timeout", "2s")
	v.SetDefault("health.interval", "15s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.protocol", "grpc")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "objectstore")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server request timeout must be positive")
	}
	if c.Server.MaxObjectSizeBytes <= 0 {
		return fmt.Errorf("server max object size must be positive")
	}
	if c.Server.MaxListLimit <= 0 {
		return fmt.Errorf("server max list limit must be positive")
	}

	if c.RateLimiter.Enabled {
		if c.RateLimiter.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate limiter requests per second must be positive")
		}
		if c.RateLimiter.BurstSize <= 0 {
			return fmt.Errorf("rate limiter burst size must be positive")
		}
	}

	switch c.Ledger.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return fmt.Errorf("unsupported ledger backend: %q", c.Ledger.Backend)
	}
	if c.Ledger.DefaultLimitBytes < 0 {
		return fmt.Errorf("ledger default limit cannot be negative")
	}
	seen := make(map[string]struct{}, len(c.Ledger.Tenants))
	for _, t := range c.Ledger.Tenants {
		if t.ID == "" {
			return fmt.Errorf("ledger tenant override requires an id")
		}
		if t.LimitBytes < 0 {
			return fmt.Errorf("ledger limit for tenant %s cannot be negative", t.ID)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate ledger override for tenant %s", t.ID)
		}
		seen[t.ID] = struct{}{}
	}

	switch c.Index.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("unsupported index backend: %q", c.Index.Backend)
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	if c.Health.ProbeTimeout <= 0 {
		return fmt.Errorf("health probe timeout must be positive")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing sample ratio must be within [0, 1]")
	}

	return nil
}

func (s *StoreConfig) validate() error {
	if s.Hot.Enabled {
		if s.Hot.CapacityBytes <= 0 {
			return fmt.Errorf("hot tier capacity must be positive")
		}
		if s.Hot.Timeout <= 0 {
			return fmt.Errorf("hot tier timeout must be positive")
		}
	}

	if s.Warm.Enabled {
		if s.Warm.Dir == "" {
			return fmt.Errorf("warm tier directory is required")
		}
		if s.Warm.CapacityBytes <= 0 {
			return fmt.Errorf("warm tier capacity must be positive")
		}
		if s.Warm.Timeout <= 0 {
			return fmt.Errorf("warm tier timeout must be positive")
		}
		if s.Warm.DiskCircuitBreakerThreshold <= 0 || s.Warm.DiskCircuitBreakerThreshold > 100 {
			return fmt.Errorf("warm tier disk circuit breaker threshold must be a percentage within (0, 100]")
		}
	}

	if s.Cold.Timeout <= 0 {
		return fmt.Errorf("cold tier timeout must be positive")
	}
	switch s.Cold.Backend {
	case BackendLocal:
		if s.Cold.Dir == "" {
			return fmt.Errorf("cold tier directory is required")
		}
	case BackendS3:
		if s.Cold.S3.Endpoint == "" || s.Cold.S3.Bucket == "" {
			return fmt.Errorf("s3 cold tier requires endpoint and bucket")
		}
	default:
		return fmt.Errorf("unsupported cold tier backend: %q", s.Cold.Backend)
	}

	if s.Cold.EncryptionKey != "" {
		key, err := hex.DecodeString(s.Cold.EncryptionKey)
		if err != nil || len(key) != 32 {
			return fmt.Errorf("cold tier encryption key must be 64 hex characters")
		}
	}

	if s.Promotion.Workers <= 0 || s.Promotion.QueueSize <= 0 {
		return fmt.Errorf("promotion workers and queue size must be positive")
	}

	return nil
}

// TenantLimits returns the per-tenant overrides keyed by tenant ID.
func (c *LedgerConfig) TenantLimits() map[string]int64 {
	limits := make(map[string]int64, len(c.Tenants))
	for _, t := range c.Tenants {
		limits[t.ID] = t.LimitBytes
	}
	return limits
}

// PostgresDSN builds a pgx connection string.
func (d *DatabaseConfig) PostgresDSN() string {
	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Database,
		RawQuery: url.Values{"sslmode": []string{d.SSLMode}}.Encode(),
	}
	return dsn.String()
}

// RedisAddr returns the host:port pair for the Redis client.
func (r *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

const redacted = "<redacted>"

// RenderYAML renders the effective configuration with secrets redacted.
func (c *Config) RenderYAML() ([]byte, error) {
	out := *c
	if out.Database.Password != "" {
		out.Database.Password = redacted
	}
	if out.Redis.Password != "" {
		out.Redis.Password = redacted
	}
	if out.Store.Cold.EncryptionKey != "" {
		out.Store.Cold.EncryptionKey = redacted
	}
	if out.Store.Cold.S3.SecretKey != "" {
		out.Store.Cold.S3.SecretKey = redacted
	}
	if out.Store.Cold.S3.SessionToken != "" {
		out.Store.Cold.S3.SessionToken = redacted
	}
	return yaml.Marshal(&out)
}
