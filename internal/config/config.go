// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server ServerConfig
	DB     DBConfig
	JWT    JWTConfig
	Engine EngineConfig
	Sync   SyncConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64
	RateLimitPerSec int
	RateLimitBurst  int
}

// DBConfig holds PostgreSQL settings.
type DBConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// AutoMigrate applies pending migrations and seeds at startup.
	AutoMigrate   bool
	MigrationsDir string
	SeedsDir      string
}

// JWTConfig holds token issuance and validation parameters. The same
// values must be used for signing and verification; they are fixed per
// deployment.
type JWTConfig struct {
	Secret     string
	Issuer     string
	Audience   string
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// EngineConfig holds the upstream workflow engine endpoint.
type EngineConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// SyncConfig controls the background engine sync job.
type SyncConfig struct {
	// Schedule is a cron expression; empty disables the job.
	Schedule string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("FLOWGATE_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("FLOWGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("FLOWGATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("FLOWGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("FLOWGATE_SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBodyBytes:    getEnvInt64("FLOWGATE_MAX_BODY_BYTES", 1<<20),
			RateLimitPerSec: getEnvInt("FLOWGATE_RATE_LIMIT_PER_SEC", 20),
			RateLimitBurst:  getEnvInt("FLOWGATE_RATE_LIMIT_BURST", 40),
		},
		DB: DBConfig{
			DSN:             getEnv("FLOWGATE_PG_DSN", ""),
			MaxOpenConns:    getEnvInt("FLOWGATE_PG_MAX_OPEN", 50),
			MaxIdleConns:    getEnvInt("FLOWGATE_PG_MAX_IDLE", 25),
			ConnMaxLifetime: getEnvDuration("FLOWGATE_PG_CONN_LIFETIME", 15*time.Minute),
			AutoMigrate:     getEnvBool("FLOWGATE_AUTO_MIGRATE", false),
			MigrationsDir:   getEnv("FLOWGATE_MIGRATIONS_DIR", "migrations"),
			SeedsDir:        getEnv("FLOWGATE_SEEDS_DIR", "migrations/seeds"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("FLOWGATE_JWT_SECRET", ""),
			Issuer:     getEnv("FLOWGATE_JWT_ISSUER", "flowgate"),
			Audience:   getEnv("FLOWGATE_JWT_AUDIENCE", "flowgate-api"),
			AccessTTL:  getEnvDuration("FLOWGATE_ACCESS_TTL", 15*time.Minute),
			RefreshTTL: getEnvDuration("FLOWGATE_REFRESH_TTL", 7*24*time.Hour),
		},
		Engine: EngineConfig{
			BaseURL: getEnv("FLOWGATE_ENGINE_URL", ""),
			APIKey:  getEnv("FLOWGATE_ENGINE_API_KEY", ""),
			Timeout: getEnvDuration("FLOWGATE_ENGINE_TIMEOUT", 30*time.Second),
		},
		Sync: SyncConfig{
			Schedule: getEnv("FLOWGATE_SYNC_SCHEDULE", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value sanity.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWT.Secret) == "" {
		return fmt.Errorf("FLOWGATE_JWT_SECRET is required")
	}
	if c.JWT.AccessTTL <= 0 {
		return fmt.Errorf("access token TTL must be positive")
	}
	if c.JWT.RefreshTTL <= c.JWT.AccessTTL {
		return fmt.Errorf("refresh token TTL must exceed access token TTL")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}
	if c.Engine.BaseURL != "" && !strings.HasPrefix(c.Engine.BaseURL, "http") {
		return fmt.Errorf("engine URL must be an http(s) endpoint")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
