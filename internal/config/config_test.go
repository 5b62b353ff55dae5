package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.RequestTimeout)
	assert.Equal(t, int64(64*1024*1024), cfg.Server.MaxObjectSizeBytes)

	assert.True(t, cfg.RateLimiter.Enabled)
	assert.Equal(t, 1000.0, cfg.RateLimiter.RequestsPerSecond)

	assert.Equal(t, BackendMemory, cfg.Ledger.Backend)
	assert.Equal(t, BackendMemory, cfg.Index.Backend)
	assert.Equal(t, BackendLocal, cfg.Store.Cold.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.Store.Hot.Timeout)
	assert.Equal(t, 4, cfg.Store.Promotion.Workers)

	assert.Equal(t, 2*time.Second, cfg.Health.ProbeTimeout)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestConfigLoad_FromEnvironment(t *testing.T) {
	t.Setenv("OBJECTSTORE_SERVER_PORT", "9100")
	t.Setenv("OBJECTSTORE_STORE_COLD_TIMEOUT", "3s")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Store.Cold.Timeout)
}

func TestConfigLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "objectstore.yaml")
	content := `
server:
  port: 8081
ledger:
  default_limit_bytes: 1000
  tenants:
    - id: Acme-Prod
      limit_bytes: 5000
store:
  hot:
    capacity_bytes: 2048
  warm:
    dir: ` + filepath.Join(dir, "warm") + `
  cold:
    dir: ` + filepath.Join(dir, "cold") + `
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.Port)
	assert.Equal(t, int64(1000), cfg.Ledger.DefaultLimitBytes)
	assert.Equal(t, int64(2048), cfg.Store.Hot.CapacityBytes)

	limits := cfg.Ledger.TenantLimits()
	assert.Equal(t, int64(5000), limits["Acme-Prod"])
}

func TestConfigLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad ledger backend", func(c *Config) { c.Ledger.Backend = "etcd" }},
		{"duplicate tenant override", func(c *Config) {
			c.Ledger.Tenants = []TenantQuota{{ID: "a", LimitBytes: 1}, {ID: "a", LimitBytes: 2}}
		}},
		{"bad index backend", func(c *Config) { c.Index.Backend = "sqlite" }},
		{"hot capacity", func(c *Config) { c.Store.Hot.CapacityBytes = 0 }},
		{"s3 without bucket", func(c *Config) { c.Store.Cold.Backend = BackendS3 }},
		{"short encryption key", func(c *Config) { c.Store.Cold.EncryptionKey = "abcd" }},
		{"rate limiter burst", func(c *Config) { c.RateLimiter.BurstSize = 0 }},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("valid encryption key", func(t *testing.T) {
		cfg := base()
		cfg.Store.Cold.EncryptionKey = strings.Repeat("ab", 32)
		assert.NoError(t, cfg.Validate())
	})
}

func TestRenderYAML_RedactsSecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Database.Password = "hunter2"
	cfg.Store.Cold.S3.SecretKey = "s3cr3t"

	out, err := cfg.RenderYAML()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "s3cr3t")
	assert.Contains(t, string(out), "request_timeout: 30s")
	assert.Equal(t, "hunter2", cfg.Database.Password)
}

func TestPostgresDSN_EscapesCredentials(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "store@admin",
		Password: "p@ss/w:rd?#",
		Database: "objects",
		SSLMode:  "disable",
	}

	pc, err := pgxpool.ParseConfig(d.PostgresDSN())
	require.NoError(t, err)
	assert.Equal(t, "store@admin", pc.ConnConfig.User)
	assert.Equal(t, "p@ss/w:rd?#", pc.ConnConfig.Password)
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(5433), pc.ConnConfig.Port)
	assert.Equal(t, "objects", pc.ConnConfig.Database)
}
