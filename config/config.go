// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Server   ServerConfig
	Logging  LoggingConfig
	Session  SessionConfig
	Dispatch DispatchConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Postgres PostgresConfig
	// CatalogPath is a YAML team catalog; empty means the built-in one.
	CatalogPath string
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, s.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
	Output string
}

// SessionConfig holds collaboration session configuration
type SessionConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatMisses   int
	SendBuffer        int
}

// DispatchConfig holds task dispatch configuration
type DispatchConfig struct {
	TaskTimeout time.Duration
	// Rate is dispatches per second per identity; zero disables limiting.
	Rate  float64
	Burst int
	// EventBuffer is how many lifecycle events may wait for delivery before
	// new ones are dropped.
	EventBuffer int
}

// Storage drivers.
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string
	// TaskRetention is how long finished task records are kept.
	TaskRetention time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	URL string
}

// Load loads configuration from environment variables
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
		Session: SessionConfig{
			HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
			HeartbeatMisses:   getEnvInt("HEARTBEAT_MISSES", 2),
			SendBuffer:        getEnvInt("SEND_BUFFER", 256),
		},
		Dispatch: DispatchConfig{
			TaskTimeout: getEnvDuration("TASK_TIMEOUT", 300*time.Second),
			Rate:        getEnvFloat("DISPATCH_RATE", 10),
			Burst:       getEnvInt("DISPATCH_BURST", 20),
			EventBuffer: getEnvInt("EVENT_BUFFER", 1024),
		},
		Storage: StorageConfig{
			Driver:        strings.ToLower(getEnv("STORAGE_DRIVER", DriverMemory)),
			TaskRetention: getEnvDuration("TASK_RETENTION", 24*time.Hour),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		CatalogPath: getEnv("TEAM_CATALOG", ""),
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if c.Session.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %s", c.Session.HeartbeatInterval))
	}
	if c.Session.HeartbeatMisses <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat misses must be positive, got %d", c.Session.HeartbeatMisses))
	}
	if c.Session.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("send buffer must be positive, got %d", c.Session.SendBuffer))
	}
	if c.Dispatch.TaskTimeout <= 0 {
		errs = append(errs, fmt.Errorf("task timeout must be positive, got %s", c.Dispatch.TaskTimeout))
	}
	if c.Dispatch.Rate < 0 {
		errs = append(errs, fmt.Errorf("dispatch rate must not be negative, got %g", c.Dispatch.Rate))
	}
	if c.Dispatch.Rate > 0 && c.Dispatch.Burst <= 0 {
		errs = append(errs, fmt.Errorf("dispatch burst must be positive, got %d", c.Dispatch.Burst))
	}
	if c.Dispatch.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event buffer must be positive, got %d", c.Dispatch.EventBuffer))
	}
	if c.Storage.TaskRetention <= 0 {
		errs = append(errs, fmt.Errorf("task retention must be positive, got %s", c.Storage.TaskRetention))
	}
	switch c.Storage.Driver {
	case DriverNone, DriverMemory:
	case DriverRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis storage needs REDIS_ADDR"))
		}
	case DriverPostgres:
		if c.Postgres.URL == "" {
			errs = append(errs, errors.New("postgres storage needs DATABASE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		// Bare numbers are seconds.
		if secs, err := strconv.ParseFloat(value, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultValue
}
