package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds configuration for the metering proxy.
type Config struct {
	HTTPPort string
	Upstream UpstreamConfig
	Database DatabaseConfig
	Cost     CostConfig
	LogSink  LogSinkConfig
	Redis    RedisConfig
	FileLog  FileLogConfig
	S3       S3Config
	NATS     NATSConfig
	Logging  LoggingConfig
}

// UpstreamConfig holds the inference backend settings
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration // ceiling for one upstream call, including streaming
	MaxIdleConns    int
	MaxConnsPerHost int
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          string // postgres, sqlite or none
	URL             string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// CostConfig holds the inputs of the per-request cost estimate
type CostConfig struct {
	PowerWatts   float64
	RatePerKWh   float64
	TokenCounter string // chars or tiktoken
}

// LogSinkConfig controls the request log queue and its workers
type LogSinkConfig struct {
	Backend      string // memory or redis
	QueueSize    int
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	WriteTimeout time.Duration

	EnqueueTimeout time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// FileLogConfig configures the JSONL request log used when no database is set.
type FileLogConfig struct {
	FilePath      string
	MaxSizeMB     int
	MaxFiles      int
	BufferSize    int // KB
	FlushInterval time.Duration
}

// S3Config holds configuration for the optional S3 request log archive
type S3Config struct {
	Enabled       bool
	FlushSize     int
	FlushInterval time.Duration
	Bucket        string
	Region        string
	Prefix        string
	PodName       string
}

// NATSConfig holds configuration for the optional NATS request log mirror
type NATSConfig struct {
	URL     string
	Subject string
}

// LoggingConfig controls diagnostic output
type LoggingConfig struct {
	Level  string
	Format string
	File   string
}

func getEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}

	return intVal
}

func getEnvFloat(key string, defaultValue float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultValue
	}
	return floatVal
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(val)
	if err != nil {
		return defaultValue
	}

	return duration
}

func getEnvString(key string, defaultValue string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	return val
}

func getEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultValue
	}
	return b
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first; variables already set win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	// POWER_WATTS replaces the older M4_MAX_POWER_WATTS name
	watts := getEnvFloat("M4_MAX_POWER_WATTS", 80)
	watts = getEnvFloat("POWER_WATTS", watts)

	cfg := &Config{
		HTTPPort: getEnvString("HTTP_PORT", "8000"),
		Upstream: UpstreamConfig{
			BaseURL:         strings.TrimRight(getEnvString("OLLAMA_URL", "http://localhost:11434"), "/"),
			Timeout:         getEnvDuration("UPSTREAM_TIMEOUT", 300*time.Second),
			MaxIdleConns:    getEnvInt("UPSTREAM_MAX_IDLE_CONNS", 100),
			MaxConnsPerHost: getEnvInt("UPSTREAM_MAX_CONNS_PER_HOST", 64),
		},
		Database: DatabaseConfig{
			Driver:          strings.ToLower(getEnvString("DB_DRIVER", "postgres")),
			URL:             getEnvString("DATABASE_URL", ""),
			SQLitePath:      getEnvString("SQLITE_PATH", "ollama_logs.db"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute),
		},
		Cost: CostConfig{
			PowerWatts:   watts,
			RatePerKWh:   getEnvFloat("ELECTRICITY_RATE", 0.383),
			TokenCounter: strings.ToLower(getEnvString("TOKEN_COUNTER", "chars")),
		},
		LogSink: LogSinkConfig{
			Backend:      strings.ToLower(getEnvString("LOG_QUEUE_BACKEND", "memory")),
			QueueSize:    getEnvInt("LOG_QUEUE_SIZE", 10000),
			Workers:      getEnvInt("LOG_WORKERS", 2),
			BatchSize:    getEnvInt("LOG_BATCH_SIZE", 50),
			BatchTimeout: getEnvDuration("LOG_BATCH_TIMEOUT", 1*time.Second),
			MaxRetries:   getEnvInt("LOG_MAX_RETRIES", 3),
			RetryBackoff: getEnvDuration("LOG_RETRY_BACKOFF", 100*time.Millisecond),
			WriteTimeout: getEnvDuration("LOG_WRITE_TIMEOUT", 5*time.Second),

			EnqueueTimeout: getEnvDuration("LOG_ENQUEUE_TIMEOUT", 100*time.Millisecond),
		},
		Redis: RedisConfig{
			Address:      getEnvString("REDIS_ADDRESS", "localhost:6379"),
			Password:     getEnvString("REDIS_PASSWORD", ""),
			DB:           getEnvInt("REDIS_DB", 0),
			PoolSize:     getEnvInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		FileLog: FileLogConfig{
			FilePath:      getEnvString("REQUEST_LOG_FILE_PATH", "logs/requests.jsonl"),
			MaxSizeMB:     getEnvInt("REQUEST_LOG_FILE_MAX_SIZE_MB", 10),
			MaxFiles:      getEnvInt("REQUEST_LOG_FILE_MAX_FILES", 5),
			BufferSize:    getEnvInt("REQUEST_LOG_FILE_BUFFER_SIZE", 100),
			FlushInterval: getEnvDuration("REQUEST_LOG_FILE_FLUSH_INTERVAL", 10*time.Second),
		},
		S3: S3Config{
			Enabled:       getEnvBool("LOGGING_SINK_S3_ENABLED", false),
			FlushSize:     getEnvInt("LOGGING_SINK_S3_FLUSH_SIZE", 1000),
			FlushInterval: getEnvDuration("LOGGING_SINK_S3_FLUSH_INTERVAL", 5*time.Minute),
			Bucket:        getEnvString("LOGGING_SINK_S3_BUCKET", ""),
			Region:        getEnvString("LOGGING_SINK_S3_REGION", "us-east-1"),
			Prefix:        getEnvString("LOGGING_SINK_S3_PREFIX", "logs/"),
			PodName:       getEnvString("POD_NAME", "ollama-logger-0"),
		},
		NATS: NATSConfig{
			URL:     getEnvString("NATS_URL", ""),
			Subject: getEnvString("NATS_SUBJECT", "ollama.requests"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "text"),
			File:   getEnvString("LOG_FILE", ""),
		},
	}

	if cfg.Database.Driver == "postgres" && cfg.Database.URL == "" {
		cfg.Database.URL = postgresURLFromParts()
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// postgresURLFromParts assembles a DSN from the DB_* variables.
func postgresURLFromParts() string {
	u := url.URL{
		Scheme: "postgres",
		User: url.UserPassword(
			getEnvString("DB_USER", "postgres"),
			getEnvString("DB_PASSWORD", "postgres"),
		),
		Host: getEnvString("DB_HOST", "localhost") + ":" + getEnvString("DB_PORT", "5432"),
		Path: "/" + getEnvString("DB_NAME", "ollama_logs"),
	}
	q := url.Values{}
	q.Set("sslmode", getEnvString("DB_SSLMODE", "disable"))
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Config) validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite", "none":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres, sqlite or none, got %q", c.Database.Driver)
	}
	switch c.LogSink.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("LOG_QUEUE_BACKEND must be memory or redis, got %q", c.LogSink.Backend)
	}
	switch c.Cost.TokenCounter {
	case "chars", "tiktoken":
	default:
		return fmt.Errorf("TOKEN_COUNTER must be chars or tiktoken, got %q", c.Cost.TokenCounter)
	}
	if _, err := url.ParseRequestURI(c.Upstream.BaseURL); err != nil {
		return fmt.Errorf("invalid OLLAMA_URL: %w", err)
	}
	if c.Cost.PowerWatts < 0 || c.Cost.RatePerKWh < 0 {
		return fmt.Errorf("POWER_WATTS and ELECTRICITY_RATE must not be negative")
	}
	if c.LogSink.QueueSize <= 0 || c.LogSink.Workers <= 0 || c.LogSink.BatchSize <= 0 {
		return fmt.Errorf("LOG_QUEUE_SIZE, LOG_WORKERS and LOG_BATCH_SIZE must be positive")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		return fmt.Errorf("LOGGING_SINK_S3_BUCKET is required when LOGGING_SINK_S3_ENABLED is set")
	}
	return nil
}
