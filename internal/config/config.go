package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ServiceName    = "sale-fulfillment"
	ServiceVersion = "0.1.0"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string

	DBDriver          string
	DBDSN             string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	RedisAddr      string // empty disables the idempotency guard
	RedisPoolSize  int
	IdempotencyTTL time.Duration

	DefaultStoreID string

	LogLevel  string
	LogFormat string

	OtelEndpoint string // empty disables trace export

	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	CORSAllowedOrigins []string // empty disables CORS headers
}

// Load reads the configuration from the environment, falling back to local defaults.
func Load() (*Config, error) {
	l := loader{}
	cfg := &Config{
		HTTPAddr:          l.str("HTTP_ADDR", ":8080"),
		GRPCAddr:          l.str("GRPC_ADDR", ":50051"),
		DBDriver:          l.str("DB_DRIVER", "sqlite"),
		DBDSN:             os.Getenv("DB_DSN"),
		DBMaxOpenConns:    l.int("DB_MAX_OPEN_CONNS", 50),
		DBMaxIdleConns:    l.int("DB_MAX_IDLE_CONNS", 25),
		DBConnMaxLifetime: l.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPoolSize:     l.int("REDIS_POOL_SIZE", 100),
		IdempotencyTTL:    l.duration("IDEMPOTENCY_TTL", 24*time.Hour),
		DefaultStoreID:    l.str("DEFAULT_STORE_ID", "demo-store-id"),
		LogLevel:          l.str("LOG_LEVEL", "info"),
		LogFormat:         l.str("LOG_FORMAT", "json"),
		OtelEndpoint:      os.Getenv("OTEL_ENDPOINT"),
		ShutdownTimeout:   l.duration("SHUTDOWN_TIMEOUT", 5*time.Second),
		RequestTimeout:    l.duration("REQUEST_TIMEOUT", 5*time.Second),

		CORSAllowedOrigins: l.list("CORS_ALLOWED_ORIGINS", "*"),
	}
	if l.err != nil {
		return nil, l.err
	}

	switch cfg.DBDriver {
	case "mysql":
		if cfg.DBDSN == "" {
			cfg.DBDSN = "root:root@tcp(localhost:3306)/sales?parseTime=true"
		}
	case "sqlite":
		if cfg.DBDSN == "" {
			cfg.DBDSN = "file:sales.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
		}
	default:
		return nil, fmt.Errorf("DB_DRIVER must be mysql or sqlite, got %q", cfg.DBDriver)
	}

	return cfg, nil
}

// loader keeps the first parse failure so Load can report it once.
type loader struct {
	err error
}

func (l *loader) str(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// list splits a comma-separated value. "none" yields an empty list.
func (l *loader) list(key, def string) []string {
	v := l.str(key, def)
	if v == "none" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (l *loader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%s: %w", key, err)
	}
	return n
}

func (l *loader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && l.err == nil {
		l.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}
