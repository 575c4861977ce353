package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "circle.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("loads default values when nothing is set", func(t *testing.T) {
		cfg, err := Load(writeConfig(t, ""))
		require.NoError(t, err)

		assert.Equal(t, "circle-engine", cfg.App.Name)
		assert.Equal(t, "development", cfg.App.Env)
		assert.Equal(t, ":8080", cfg.HTTP.Addr())
		assert.Equal(t, "./data/circle.db", cfg.Database.Path)
		assert.Equal(t, "memory", cfg.Lock.Backend)
		assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.True(t, cfg.Settlement.SettleOnFunding)
		assert.False(t, cfg.Settlement.SweepEnabled)
		assert.Equal(t, time.Hour, cfg.Settlement.SweepInterval)
	})

	t.Run("reads the TOML file", func(t *testing.T) {
		path := writeConfig(t, `
[http]
port = "9090"
cors_allow_origins = ["https://treasurer.example"]

[lock]
backend = "redis"
ttl = "10s"

[redis]
addr = "redis:6379"
db = 2

[settlement]
sweep_enabled = true
sweep_interval = "15m"
settle_on_funding = false
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "9090", cfg.HTTP.Port)
		assert.Equal(t, []string{"https://treasurer.example"}, cfg.HTTP.CORSAllowOrigins)
		assert.Equal(t, "redis", cfg.Lock.Backend)
		assert.Equal(t, 10*time.Second, cfg.Lock.TTL)
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
		assert.Equal(t, 2, cfg.Redis.DB)
		assert.True(t, cfg.Settlement.SweepEnabled)
		assert.Equal(t, 15*time.Minute, cfg.Settlement.SweepInterval)
		assert.False(t, cfg.Settlement.SettleOnFunding)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		path := writeConfig(t, "[database]\npath = \"/var/lib/circle.db\"\n")
		t.Setenv("CIRCLE_DATABASE_PATH", "/tmp/override.db")
		t.Setenv("CIRCLE_LOG_LEVEL", "debug")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("missing explicit file is an error", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults are valid", func(*Config) {}, false},
		{"unknown lock backend", func(c *Config) { c.Lock.Backend = "etcd" }, true},
		{"negative sweep interval", func(c *Config) { c.Settlement.SweepInterval = -time.Second }, true},
		{"memory database in production", func(c *Config) {
			c.App.Env = "production"
			c.Database.Path = ":memory:"
		}, true},
		{"wildcard CORS in production", func(c *Config) {
			c.App.Env = "production"
			c.HTTP.CORSAllowOrigins = []string{"*"}
		}, true},
		{"wildcard CORS in development", func(c *Config) {
			c.HTTP.CORSAllowOrigins = []string{"*"}
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			applyDefaults(cfg)
			tt.mutate(cfg)
			err := cfg.validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
