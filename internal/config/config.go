package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port        int
	NatsURL     string
	NatsToken   string
	DatabaseURL string
	LogLevel    string
	APIToken    string

	// Concatenation
	ConcatWindow       time.Duration
	ConcatMaxFragments int
	ConcatStore        string // "kv", "sqlite" or "memory"
	ConcatBucket       string
	ConcatSQLitePath   string

	// Outbound routing
	RouterRateLimit  int
	RouterRateWindow time.Duration
	RouterTimeout    time.Duration

	// Enrichment
	EnrichTimeout   time.Duration
	OpenAIAPIKey    string
	OpenAIBaseURL   string
	WhisperModel    string
	AnthropicAPIKey string
	VisionModel     string

	// Cloud API webhooks
	CloudAPIVerifyToken string
	CloudAPIAppSecret   string

	// Maintenance
	SweepSchedule string
	DeadLetterTTL time.Duration
}

func Load() Config {
	return Config{
		Port:        envInt("CONDUIT_PORT", 8760),
		NatsURL:     envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:   envStr("NATS_TOKEN", ""),
		DatabaseURL: envStr("DATABASE_URL", ""),
		LogLevel:    envStr("LOG_LEVEL", "info"),
		APIToken:    envStr("CONDUIT_API_TOKEN", ""),

		ConcatWindow:       envDuration("MESSAGE_CONCAT_TIMEOUT", 8*time.Second),
		ConcatMaxFragments: envInt("MESSAGE_CONCAT_MAX", 10),
		ConcatStore:        envStr("CONCAT_STORE", "kv"),
		ConcatBucket:       envStr("CONCAT_KV_BUCKET", "conduit_concat"),
		ConcatSQLitePath:   envStr("CONCAT_SQLITE_PATH", "data/concat.db"),

		RouterRateLimit:  envInt("ROUTER_RATE_LIMIT", 60),
		RouterRateWindow: envDuration("ROUTER_RATE_WINDOW", time.Minute),
		RouterTimeout:    envDuration("ROUTER_TIMEOUT", 30*time.Second),

		EnrichTimeout:   envDuration("ENRICH_TIMEOUT", 60*time.Second),
		OpenAIAPIKey:    envStr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:   envStr("OPENAI_BASE_URL", ""),
		WhisperModel:    envStr("WHISPER_MODEL", "whisper-1"),
		AnthropicAPIKey: envStr("ANTHROPIC_API_KEY", ""),
		VisionModel:     envStr("CONDUIT_VISION_MODEL", "claude-sonnet-4-20250514"),

		CloudAPIVerifyToken: envStr("CLOUDAPI_VERIFY_TOKEN", ""),
		CloudAPIAppSecret:   envStr("CLOUDAPI_APP_SECRET", ""),

		SweepSchedule: envStr("SWEEP_SCHEDULE", "@every 1m"),
		DeadLetterTTL: envDuration("DEADLETTER_TTL", 24*time.Hour),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("8s", "1m") or a bare number of
// milliseconds, the unit MESSAGE_CONCAT_TIMEOUT has always used.
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
