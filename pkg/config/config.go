// Package config loads streamplex configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full runtime configuration.
type Config struct {
	// CoreURL is the base URL of the durable log service (required).
	CoreURL string

	// AuthToken, when non-empty, requires `Authorization: Bearer <token>`
	// on every API route except /health and /metrics.
	AuthToken string

	// Project is the default tenant project applied when a request does
	// not name one explicitly.
	Project string

	// HTTPPort is the listen port for the API server.
	HTTPPort string

	// SessionTTL is how long a session stream lives without a touch.
	SessionTTL time.Duration

	// FanoutQueueThreshold is the subscriber count above which publishes
	// switch from inline to queued fan-out (when a queue is configured).
	FanoutQueueThreshold int

	// FanoutQueue is the JetStream subject for queued fan-out.
	// Empty disables queued mode; fan-out is always inline.
	FanoutQueue string

	// NATSURL is the NATS server URL, used only when FanoutQueue is set.
	NATSURL string

	// FanoutParallelism bounds concurrent per-subscriber writes in inline mode.
	FanoutParallelism int

	// Analytics holds the analytics sink/query credentials. When incomplete,
	// data points are dropped and the cleanup sweeper is a no-op.
	Analytics AnalyticsConfig

	// CORSOrigins is the allow-list for cross-origin requests ("*" or a
	// comma-separated list of origins).
	CORSOrigins []string

	// SubscribersDB is the sqlite file backing per-stream subscriber sets.
	SubscribersDB string

	// CleanupInterval is the period between cleanup sweeps.
	CleanupInterval time.Duration

	// LongPollWindow is the upstream long-poll window; reads at tail block
	// at most this long before the origin answers 204.
	LongPollWindow time.Duration
}

// AnalyticsConfig holds credentials for the analytics dataset used by the
// metrics sink (write side) and the expiry oracle (query side).
type AnalyticsConfig struct {
	BaseURL   string
	AccountID string
	APIToken  string
	Dataset   string
}

// Enabled reports whether all credentials required to reach the analytics
// service are present.
func (a AnalyticsConfig) Enabled() bool {
	return a.AccountID != "" && a.APIToken != "" && a.Dataset != ""
}

// LoadFromEnv loads configuration from environment variables and validates it.
func LoadFromEnv() (*Config, error) {
	coreURL := os.Getenv("CORE_URL")
	if coreURL == "" {
		return nil, fmt.Errorf("CORE_URL is required")
	}
	if _, err := url.Parse(coreURL); err != nil {
		return nil, fmt.Errorf("invalid CORE_URL: %w", err)
	}

	sessionTTLSecs, err := intEnv("SESSION_TTL_SECONDS", 1800)
	if err != nil {
		return nil, err
	}
	threshold, err := intEnv("FANOUT_QUEUE_THRESHOLD", 100)
	if err != nil {
		return nil, err
	}
	parallelism, err := intEnv("FANOUT_PARALLELISM", 32)
	if err != nil {
		return nil, err
	}
	cleanupSecs, err := intEnv("CLEANUP_INTERVAL_SECONDS", 300)
	if err != nil {
		return nil, err
	}
	longPollSecs, err := intEnv("LONG_POLL_WINDOW_SECONDS", 20)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		CoreURL:              strings.TrimRight(coreURL, "/"),
		AuthToken:            os.Getenv("AUTH_TOKEN"),
		Project:              getEnvOrDefault("PROJECT", "default"),
		HTTPPort:             getEnvOrDefault("HTTP_PORT", "8080"),
		SessionTTL:           time.Duration(sessionTTLSecs) * time.Second,
		FanoutQueueThreshold: threshold,
		FanoutQueue:          os.Getenv("FANOUT_QUEUE"),
		NATSURL:              getEnvOrDefault("NATS_URL", "nats://127.0.0.1:4222"),
		FanoutParallelism:    parallelism,
		Analytics: AnalyticsConfig{
			BaseURL:   getEnvOrDefault("ANALYTICS_URL", "https://api.cloudflare.com/client/v4"),
			AccountID: os.Getenv("ACCOUNT_ID"),
			APIToken:  os.Getenv("API_TOKEN"),
			Dataset:   os.Getenv("ANALYTICS_DATASET"),
		},
		CORSOrigins:     parseOrigins(getEnvOrDefault("CORS_ORIGINS", "*")),
		SubscribersDB:   getEnvOrDefault("SUBSCRIBERS_DB", "./streamplex.db"),
		CleanupInterval: time.Duration(cleanupSecs) * time.Second,
		LongPollWindow:  time.Duration(longPollSecs) * time.Second,
	}

	if cfg.SessionTTL <= 0 {
		return nil, fmt.Errorf("SESSION_TTL_SECONDS must be positive, got %d", sessionTTLSecs)
	}
	if cfg.FanoutParallelism <= 0 {
		return nil, fmt.Errorf("FANOUT_PARALLELISM must be positive, got %d", parallelism)
	}
	return cfg, nil
}

// parseOrigins splits the CORS_ORIGINS value into an allow-list.
// "*" yields a single-element wildcard list.
func parseOrigins(raw string) []string {
	if raw == "*" {
		return []string{"*"}
	}
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	return origins
}

func intEnv(key string, defaultVal int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
