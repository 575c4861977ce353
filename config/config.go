// Package config loads server configuration from circle.toml and CIRCLE_
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig
	HTTP       HTTPConfig
	Database   DatabaseConfig
	Lock       LockConfig
	Redis      RedisConfig
	Log        LogConfig
	Settlement SettlementConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port             string
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	CORSAllowOrigins []string
}

// DatabaseConfig points at the SQLite file. ":memory:" keeps everything in
// process.
type DatabaseConfig struct {
	Path string
}

// LockConfig selects the per-group lock backend: memory or redis.
type LockConfig struct {
	Backend string
	TTL     time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// SettlementConfig controls when waitlist settlement runs.
type SettlementConfig struct {
	SweepEnabled    bool
	SweepInterval   time.Duration
	SettleOnFunding bool
}

// Load reads configuration. Priority (highest to lowest):
// 1. Environment variables with CIRCLE_ prefix (e.g., CIRCLE_DATABASE_PATH)
// 2. The file at path, or circle.toml in ., ./config or /etc/circle
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("circle")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/circle")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file: defaults and env vars only.
	}

	v.SetEnvPrefix("CIRCLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Booleans cannot be defaulted after the fact.
	v.SetDefault("settlement.settle_on_funding", true)
	v.SetDefault("settlement.sweep_enabled", false)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
		},
		HTTP: HTTPConfig{
			Port:             v.GetString("http.port"),
			ReadTimeout:      v.GetDuration("http.read_timeout"),
			WriteTimeout:     v.GetDuration("http.write_timeout"),
			IdleTimeout:      v.GetDuration("http.idle_timeout"),
			CORSAllowOrigins: v.GetStringSlice("http.cors_allow_origins"),
		},
		Database: DatabaseConfig{
			Path: v.GetString("database.path"),
		},
		Lock: LockConfig{
			Backend: v.GetString("lock.backend"),
			TTL:     v.GetDuration("lock.ttl"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		Settlement: SettlementConfig{
			SweepEnabled:    v.GetBool("settlement.sweep_enabled"),
			SweepInterval:   v.GetDuration("settlement.sweep_interval"),
			SettleOnFunding: v.GetBool("settlement.settle_on_funding"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "circle-engine"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.HTTP.Port == "" {
		cfg.HTTP.Port = "8080"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		cfg.HTTP.WriteTimeout = 15 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/circle.db"
	}
	if cfg.Lock.Backend == "" {
		cfg.Lock.Backend = "memory"
	}
	if cfg.Lock.TTL == 0 {
		cfg.Lock.TTL = 30 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.Settlement.SweepInterval == 0 {
		cfg.Settlement.SweepInterval = time.Hour
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("lock.backend must be memory or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.TTL < 0 {
		return fmt.Errorf("lock.ttl cannot be negative")
	}
	if c.Settlement.SweepInterval < 0 {
		return fmt.Errorf("settlement.sweep_interval cannot be negative")
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("redis.db cannot be negative")
	}

	if c.App.Env == "production" {
		if c.Database.Path == ":memory:" {
			return fmt.Errorf("database.path cannot be :memory: in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (h HTTPConfig) Addr() string {
	return ":" + h.Port
}
