package agent

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable of the pipeline. Values come from the
// environment; zero values fall back to defaults at the point of use.
type Config struct {
	WebhookURL  string
	WatchRoot   string
	Recursive   bool
	LinkBaseURL string

	DebounceWindow time.Duration
	QueueCapacity  int
	EventBuffer    int

	Workers        int
	MaxAttempts    int
	RetryInitial   time.Duration
	RetryMax       time.Duration
	RequestTimeout time.Duration

	DrainGrace       time.Duration
	ReattachAttempts int
	ReattachDelay    time.Duration

	TokenSecret string
	TokenTTL    time.Duration
}

// ConfigFromEnv reads the agent configuration from the environment. Only
// WEBHOOK_URL has no default; the caller validates it.
func ConfigFromEnv() Config {
	return Config{
		WebhookURL:  envString("WEBHOOK_URL", ""),
		WatchRoot:   envString("WATCH_DIRECTORY", "/data"),
		Recursive:   envBool("WATCH_RECURSIVE", false),
		LinkBaseURL: envString("LINK_BASE_URL", ""),

		DebounceWindow: envDur("DEBOUNCE_WINDOW", 300*time.Millisecond),
		QueueCapacity:  envInt("QUEUE_CAPACITY", 1024),
		EventBuffer:    envInt("EVENT_BUFFER", 256),

		Workers:        envInt("DELIVERY_WORKERS", 4),
		MaxAttempts:    envInt("DELIVERY_MAX_ATTEMPTS", 5),
		RetryInitial:   envDur("DELIVERY_RETRY_INITIAL", time.Second),
		RetryMax:       envDur("DELIVERY_RETRY_MAX", 30*time.Second),
		RequestTimeout: envDur("DELIVERY_TIMEOUT", 10*time.Second),

		DrainGrace:       envDur("DRAIN_GRACE", 5*time.Second),
		ReattachAttempts: envInt("WATCH_REATTACH_ATTEMPTS", 5),
		ReattachDelay:    envDur("WATCH_REATTACH_DELAY", 2*time.Second),

		TokenSecret: envString("WEBHOOK_TOKEN_SECRET", ""),
		TokenTTL:    envDur("WEBHOOK_TOKEN_TTL", time.Minute),
	}
}

func envString(key, fallback string) string {
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

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
