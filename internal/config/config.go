package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds the relay configuration loaded from environment variables.
type Config struct {
	Server ServerConfig
	Redis  RedisConfig
	JWT    JWTConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// RedisConfig holds backplane connection settings. An empty Addr selects the
// in-memory backplane (single-node mode).
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// JWTConfig holds token validation settings. An empty secret disables
// signature verification; tokens are then only structurally checked, which
// is acceptable for development relays only.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// Load reads configuration from environment variables. Defaults are safe for
// local development only.
func Load() (*Config, error) {
	redisDB, err := getEnvInt("SYNC_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("SYNC_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("SYNC_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	corsOrigins := getEnvList("SYNC_CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("SYNC_SERVER_ADDR", ":8090"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  corsOrigins,
		},
		Redis: RedisConfig{
			Addr:     getEnv("SYNC_REDIS_ADDR", ""),
			Password: getEnv("SYNC_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		JWT: JWTConfig{
			Secret: getEnv("SYNC_JWT_SECRET", ""),
		},
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.JWT.Secret == "" {
		log.Warn().Msg("SYNC_JWT_SECRET is empty; token signatures will not be verified")
	} else if len(c.JWT.Secret) < 32 {
		return errors.New("SYNC_JWT_SECRET must be at least 32 characters")
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("SYNC_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("SYNC_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("SYNC_REDIS_DB must be >= 0, got %d", c.Redis.DB)
	}

	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
