// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - REDIS_URL: Redis connection URL for the shared evaluation result
//     cache. When unset, results are computed from in-process definitions
//     on every call.
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - ENVIRONMENT: deployment environment name applied to evaluation
//     contexts that do not carry one (default "production").
//   - LOG_LEVEL: debug, info, warn, or error (default "info").
//   - RESULT_CACHE_TTL: TTL for cached evaluation results
//     (default "30s", must be > 0 if set).
//   - EVAL_TIMEOUT: per-evaluation budget for backend access
//     (default "200ms", must be > 0 if set).
//   - AUDIT_BUFFER_SIZE: capacity of the evaluation recorder queue
//     (default "1024", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net definition refresh interval
//     (default "1m", must be > 0 if set).
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - STATIC_OVERRIDES: comma-separated "name=bool" pairs evaluated ahead
//     of the dynamic store, e.g. "legacy_maps=true,old_search=false".
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultEnvironment               = "production"
	defaultResultCacheTTL            = 30 * time.Second
	defaultEvalTimeout               = 200 * time.Millisecond
	defaultAuditBufferSize           = 1024
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the flaggate server.
type Config struct {
	DatabaseURL         string
	RedisURL            string
	HTTPAddr            string
	Environment         string
	LogLevel            string
	ResultCacheTTL      time.Duration
	EvalTimeout         time.Duration
	AuditBufferSize     int
	CacheResyncInterval time.Duration
	MaxJSONBodySize     int64
	StaticOverrides     map[string]bool
}

// Load reads configuration from environment variables, applying defaults where
// appropriate. It returns an error if required variables are missing or if
// optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	resultCacheTTL := defaultResultCacheTTL
	if value := strings.TrimSpace(os.Getenv("RESULT_CACHE_TTL")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse RESULT_CACHE_TTL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("RESULT_CACHE_TTL must be > 0")
		}
		resultCacheTTL = parsed
	}

	evalTimeout := defaultEvalTimeout
	if value := strings.TrimSpace(os.Getenv("EVAL_TIMEOUT")); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return Config{}, fmt.Errorf("parse EVAL_TIMEOUT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("EVAL_TIMEOUT must be > 0")
		}
		evalTimeout = parsed
	}

	auditBufferSize := defaultAuditBufferSize
	if v := strings.TrimSpace(os.Getenv("AUDIT_BUFFER_SIZE")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, errors.New("AUDIT_BUFFER_SIZE must be a positive integer")
		}
		auditBufferSize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	staticOverrides, err := parseStaticOverrides(os.Getenv("STATIC_OVERRIDES"))
	if err != nil {
		return Config{}, err
	}

	return Config{
		DatabaseURL:         databaseURL,
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		Environment:         envOrDefault("ENVIRONMENT", defaultEnvironment),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		ResultCacheTTL:      resultCacheTTL,
		EvalTimeout:         evalTimeout,
		AuditBufferSize:     auditBufferSize,
		CacheResyncInterval: cacheResyncInterval,
		MaxJSONBodySize:     maxJSONBodySize,
		StaticOverrides:     staticOverrides,
	}, nil
}

func parseStaticOverrides(raw string) (map[string]bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	overrides := make(map[string]bool)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, found := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !found || name == "" {
			return nil, fmt.Errorf("parse STATIC_OVERRIDES: malformed entry %q", pair)
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("parse STATIC_OVERRIDES: entry %q: %w", pair, err)
		}
		overrides[name] = enabled
	}
	return overrides, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
