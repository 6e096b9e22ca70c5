package common

import (
	"os"
	"strconv"
	"time"
)

// Config holds all process-level configuration read from the environment.
// Per-run settings live in the YAML run file (see RunFile).
type Config struct {
	LLM    LLMConfig
	Store  StoreConfig
	Server ServerConfig
	Log    LogConfig
}

// LLMConfig holds the batch provider settings
type LLMConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	Endpoint         string
	CompletionWindow string
}

// StoreConfig selects where RunState is persisted
type StoreConfig struct {
	Kind       string // file | sqlite | postgres | redis
	Dir        string
	SQLitePath string
	Database   DatabaseConfig
	Redis      RedisConfig
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// RedisConfig holds redis-related configuration
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// ServerConfig holds daemon listener configuration
type ServerConfig struct {
	GRPCAddr    string
	MetricsAddr string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			APIKey:           getEnv("OPENAI_API_KEY", ""),
			BaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:            getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			Timeout:          getEnvAsDuration("OPENAI_TIMEOUT", 60*time.Second),
			Endpoint:         getEnv("OPENAI_BATCH_ENDPOINT", "/v1/chat/completions"),
			CompletionWindow: getEnv("OPENAI_COMPLETION_WINDOW", "24h"),
		},
		Store: StoreConfig{
			Kind:       getEnv("STATE_STORE", "file"),
			Dir:        getEnv("STATE_DIR", "./data/runs"),
			SQLitePath: getEnv("STATE_SQLITE_PATH", "./data/runs.db"),
			Database: DatabaseConfig{
				DSN:              getEnv("DB_URL", ""),
				MaxConns:         getEnvAsInt32("DB_MAX_CONNS", 10),
				MinConns:         getEnvAsInt32("DB_MIN_CONNS", 1),
				MaxConnLifetime:  getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
				MaxConnIdleTime:  getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
				DialTimeout:      getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
				StatementTimeout: getEnvAsDuration("DB_STATEMENT_TIMEOUT", 0),
			},
			Redis: RedisConfig{
				Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
				Password: getEnv("REDIS_PASSWORD", ""),
				DB:       getEnvAsInt("REDIS_DB", 0),
				Prefix:   getEnv("REDIS_PREFIX", "safety"),
				TTL:      getEnvAsDuration("REDIS_STATE_TTL", 0),
			},
		},
		Server: ServerConfig{
			GRPCAddr:    getEnv("GRPC_ADDR", ":8080"),
			MetricsAddr: getEnv("METRICS_ADDR", ":9090"),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", "info"),
			File:       getEnv("LOG_FILE", ""),
			MaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
			MaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 28),
		},
	}
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "OPENAI_API_KEY is required", ErrInvalidInput)
	}
	switch c.Store.Kind {
	case "file", "sqlite", "redis":
	case "postgres":
		if c.Store.Database.DSN == "" {
			return NewAppError("CONFIG_ERROR", "DB_URL is required for the postgres store", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", "STATE_STORE must be one of file, sqlite, postgres, redis", ErrInvalidInput)
	}
	return nil
}
