// Package config builds the service configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Load reads configuration from KESTREL_* environment variables on top of
// the tier defaults. A .env file in the working directory is loaded first
// when present.
func Load() (*domain.Config, error) {
	// Ignore the error: .env is optional.
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a configuration using getenv for lookups.
func FromEnv(getenv func(string) string) (*domain.Config, error) {
	e := env{getenv: getenv}

	cfg := domain.DefaultConfig()
	if strings.EqualFold(e.str("KESTREL_TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	cfg.Server.Host = e.str("KESTREL_HOST", cfg.Server.Host)
	cfg.Server.Port = e.integer("KESTREL_PORT", cfg.Server.Port)

	cfg.Repository.Driver = e.str("KESTREL_REPOSITORY", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = e.str("KESTREL_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = e.str("KESTREL_POSTGRES_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = e.integer("KESTREL_POSTGRES_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = e.str("KESTREL_POSTGRES_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = e.str("KESTREL_POSTGRES_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = e.str("KESTREL_POSTGRES_DB", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = e.str("KESTREL_POSTGRES_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = e.integer("KESTREL_DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)

	cfg.Cache.Type = e.str("KESTREL_CACHE", cfg.Cache.Type)
	cfg.Cache.RedisURL = e.str("KESTREL_REDIS_URL", cfg.Cache.RedisURL)
	cfg.Cache.RedisAddr = e.str("KESTREL_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = e.str("KESTREL_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisKeyPrefix = e.str("KESTREL_REDIS_KEY_PREFIX", cfg.Cache.RedisKeyPrefix)
	cfg.Cache.EnableTwoPhase = e.boolean("KESTREL_CACHE_TWO_PHASE", cfg.Cache.EnableTwoPhase)
	cfg.Cache.IdempotencyTTL = e.duration("KESTREL_IDEMPOTENCY_TTL", cfg.Cache.IdempotencyTTL)

	cfg.EventBus.Type = e.str("KESTREL_EVENT_BUS", cfg.EventBus.Type)
	cfg.EventBus.NATSUrl = e.str("KESTREL_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = e.str("KESTREL_NATS_TOKEN", cfg.EventBus.NATSToken)
	cfg.EventBus.NATSQueueGroup = e.str("KESTREL_NATS_QUEUE_GROUP", cfg.EventBus.NATSQueueGroup)

	cfg.Worker.Enabled = e.boolean("KESTREL_ASYNC_WORKER", cfg.Worker.Enabled)
	cfg.EvaluationTimeout = e.duration("KESTREL_EVALUATION_TIMEOUT", cfg.EvaluationTimeout)

	cfg.Logging.Level = e.str("KESTREL_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = e.str("KESTREL_LOG_FORMAT", cfg.Logging.Format)
	if e.boolean("KESTREL_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Tracing.Enabled = e.boolean("KESTREL_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.OTLPEndpoint = e.str("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.Insecure = e.boolean("OTEL_EXPORTER_OTLP_INSECURE", cfg.Tracing.Insecure)

	// Thresholds change enforcement, so a typo must not silently fall back.
	var err error
	if cfg.Policy.ReviewThreshold, err = e.strictInt("KESTREL_REVIEW_THRESHOLD", cfg.Policy.ReviewThreshold); err != nil {
		return nil, err
	}
	if cfg.Policy.SuspendThreshold, err = e.strictInt("KESTREL_SUSPEND_THRESHOLD", cfg.Policy.SuspendThreshold); err != nil {
		return nil, err
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LogLevel maps the configured level name onto slog.
func LogLevel(cfg domain.LoggingConfig) slog.Level {
	switch strings.ToLower(cfg.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds the process logger: JSON on stdout unless text is asked for.
func NewLogger(cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: LogLevel(cfg)}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

type env struct {
	getenv func(string) string
}

func (e env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e env) integer(key string, def int) int {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (e env) strictInt(key string, def int) (int, error) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", domain.ErrInvalidInput, key, v)
	}
	return i, nil
}

func (e env) boolean(key string, def bool) bool {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// duration accepts Go durations ("750ms") or a bare number of seconds.
func (e env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
