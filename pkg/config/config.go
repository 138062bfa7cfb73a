// Package config loads the service configuration from KEEL_* environment
// variables. Values are read once at startup; components receive plain
// structs, never the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults.
const (
	DefaultPort       = "8080"
	DefaultLogLevel   = "info"
	DefaultQueueDepth = 8
	DefaultWorkers    = 4
	DefaultTimeLimit  = 20 * time.Second
	DefaultHTTPBudget = 90 * time.Second
)

// Config holds the full service configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the evidence store: empty means the in-memory
	// arena, a postgres:// URL the Postgres store, and a sqlite: prefix a
	// local SQLite file.
	DatabaseURL string

	// PolicyDir holds YAML bundle files loaded at startup; BundleIDs names
	// the bundles every plan is evaluated against.
	PolicyDir string
	BundleIDs []string

	QueueDepth     int
	Workers        int
	SolveTimeLimit time.Duration
	HTTPBudget     time.Duration

	// RedisAddr switches admission control to the shared Redis store when
	// set; empty keeps the in-process store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// JWTSecret enables bearer-token authentication on the HTTP surface
	// when set; empty runs the API open.
	JWTSecret string

	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:             envStr("KEEL_PORT", DefaultPort),
		LogLevel:         envStr("KEEL_LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("KEEL_DATABASE_URL"),
		PolicyDir:        os.Getenv("KEEL_POLICY_DIR"),
		BundleIDs:        envList("KEEL_BUNDLE_IDS"),
		QueueDepth:       envInt("KEEL_QUEUE_DEPTH", DefaultQueueDepth),
		Workers:          envInt("KEEL_WORKERS", DefaultWorkers),
		SolveTimeLimit:   envDur("KEEL_SOLVE_TIME_LIMIT", DefaultTimeLimit),
		HTTPBudget:       envDur("KEEL_HTTP_BUDGET", DefaultHTTPBudget),
		RedisAddr:        os.Getenv("KEEL_REDIS_ADDR"),
		RedisPassword:    os.Getenv("KEEL_REDIS_PASSWORD"),
		RedisDB:          envInt("KEEL_REDIS_DB", 0),
		JWTSecret:        os.Getenv("KEEL_JWT_SECRET"),
		OTLPEndpoint:     envStr("KEEL_OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: envBool("KEEL_TELEMETRY", false),
		Environment:      envStr("KEEL_ENVIRONMENT", "development"),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envDur(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
