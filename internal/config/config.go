package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port                    string
	DatabaseURL             string
	MigrateOnStart          bool
	MigrationsDir           string
	ReconcileInterval       time.Duration
	StoreTimeout            time.Duration
	RedisURL                string
	QueueUpdatesChannel     string
	CatalogChannel          string
	ServiceTypesSeedFile    string
	FeedbackPromptTTL       time.Duration
	RateLimitPerMinute      int
	RateLimitBurst          int
	AgentRateLimitPerMinute int
	AgentRateLimitBurst     int
	LogLevel                slog.Level
	LogFormat               string
	ShutdownTimeout         time.Duration
	ServiceVersion          string
	Environment             string
	TraceEndpoint           string
	TraceInsecure           bool
	TraceSampleRatio        float64
}

// Load reads configuration from the environment. An empty DB_DSN runs the
// service on the in-memory store.
func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return Config{
		Port:                    port,
		DatabaseURL:             os.Getenv("DB_DSN"),
		MigrateOnStart:          readBool("MIGRATE_ON_START", false),
		MigrationsDir:           readString("MIGRATIONS_DIR", "migrations"),
		ReconcileInterval:       readDurationSeconds("RECONCILE_INTERVAL_SECONDS", 5),
		StoreTimeout:            readDurationSeconds("STORE_TIMEOUT_SECONDS", 0),
		RedisURL:                os.Getenv("REDIS_URL"),
		QueueUpdatesChannel:     readString("QUEUE_UPDATES_CHANNEL", "qms.queue.updates"),
		CatalogChannel:          readString("CATALOG_CHANNEL", "qms.catalog.changes"),
		ServiceTypesSeedFile:    os.Getenv("SERVICE_TYPES_SEED_FILE"),
		FeedbackPromptTTL:       readDurationSeconds("FEEDBACK_PROMPT_TTL_SECONDS", 300),
		RateLimitPerMinute:      readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:          readInt("RATE_LIMIT_BURST", 30),
		AgentRateLimitPerMinute: readInt("AGENT_RATE_LIMIT_PER_MIN", 60),
		AgentRateLimitBurst:     readInt("AGENT_RATE_LIMIT_BURST", 10),
		LogLevel:                readLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat:               strings.ToLower(readString("LOG_FORMAT", "json")),
		ShutdownTimeout:         readDurationSeconds("SHUTDOWN_TIMEOUT_SECONDS", 10),
		ServiceVersion:          readString("SERVICE_VERSION", "dev"),
		Environment:             readString("DEPLOY_ENV", "local"),
		TraceEndpoint:           os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceInsecure:           readBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		TraceSampleRatio:        readFloat("TRACE_SAMPLE_RATIO", 1),
	}
}

// NewLogger builds the process logger. LOG_FORMAT=text selects the text
// handler, anything else logs JSON.
func (c Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}
	if c.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func readString(key, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(key)); raw != "" {
		return raw
	}
	return fallback
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readFloat(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readLevel(key string, fallback slog.Level) slog.Level {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
