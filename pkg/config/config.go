// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/env"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Redis    RedisConfig
	Firebase FirebaseConfig
	Database DatabaseConfig
	Call     CallConfig
	Log      LogConfig
}

// ServerConfig holds relay server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
}

// StoreConfig selects the signaling store backend
type StoreConfig struct {
	Backend string // redis, firebase, memory
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
}

// FirebaseConfig holds Firebase Realtime Database configuration
type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsFile string
	PollInterval    time.Duration
}

// DatabaseConfig holds CockroachDB configuration for call history
type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// CallConfig holds call behavior settings
type CallConfig struct {
	RingTimeout time.Duration
	ICEServers  []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:        env.GetInt("PORT", 8080),
			Environment: env.GetString("ENV", "development"),
			ServiceName: env.GetString("SERVICE_NAME", "callbridge"),
		},
		Store: StoreConfig{
			Backend: env.GetString("SIGNALING_STORE", "redis"),
		},
		Redis: RedisConfig{
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
		},
		Firebase: FirebaseConfig{
			DatabaseURL:     env.GetString("FIREBASE_DATABASE_URL", ""),
			CredentialsFile: env.GetString("FIREBASE_CREDENTIALS_FILE", ""),
			PollInterval:    env.GetDuration("FIREBASE_POLL_INTERVAL", constants.WatchPollInterval),
		},
		Database: DatabaseConfig{
			Enabled:  env.GetBool("CALL_HISTORY_ENABLED", false),
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "callbridge"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
		},
		Call: CallConfig{
			RingTimeout: env.GetDuration("CALL_RING_TIMEOUT", constants.RingTimeout),
			ICEServers:  splitList(env.GetString("ICE_SERVERS", "stun:stun.l.google.com:19302")),
		},
		Log: LogConfig{
			Level:  env.GetString("LOG_LEVEL", "info"),
			Format: env.GetString("LOG_FORMAT", "json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "redis", "firebase", "memory":
	default:
		return fmt.Errorf("unknown signaling store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "firebase" && c.Firebase.DatabaseURL == "" {
		return fmt.Errorf("FIREBASE_DATABASE_URL must be set for the firebase store backend")
	}
	if c.Firebase.PollInterval <= 0 {
		return fmt.Errorf("FIREBASE_POLL_INTERVAL must be positive")
	}
	if c.Server.Environment == "production" && c.Store.Backend == "memory" {
		return fmt.Errorf("memory store backend is not allowed in production")
	}
	return nil
}

// RedisAddr returns the host:port address of the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
