// Package cache implements the evaluation result cache on Redis.
//
// Keys embed the flag's version, so a mutation orphans every cached result
// for the old definition in O(1): readers immediately miss on the new
// version key while the stale entries age out by TTL. Invalidate adds a
// best-effort SCAN+DEL sweep for the flag's key prefix on top of that.
//
// The cache is strictly an optimization. Every failure mode (backend down,
// timeout, bad payload) reports as a miss and the caller reads through to
// the flag store.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/openparl/flaggate/internal/core"
)

const (
	keyPrefix      = "flaggate:eval:"
	defaultTTL     = 30 * time.Second
	scanBatchSize  = 256
	connectTimeout = 5 * time.Second
)

// ErrCacheUnavailable wraps backend failures so callers can distinguish an
// unreachable cache from a plain miss in logs. It never reaches API callers.
var ErrCacheUnavailable = errors.New("result cache unavailable")

// ResultCache stores evaluation results keyed by flag name, flag version,
// and context fingerprint.
type ResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect parses the Redis URL, establishes a client, and verifies the
// connection with a ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Join(ErrCacheUnavailable, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := redis.NewClient(opts)
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Join(ErrCacheUnavailable, err)
	}

	return client, nil
}

// New creates a ResultCache with the given TTL; ttl <= 0 uses the default.
func New(client *redis.Client, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &ResultCache{client: client, ttl: ttl}
}

// Get returns the cached result for (flag, version, context). The second
// return value reports a hit; backend errors report as a miss with a non-nil
// error for logging.
func (c *ResultCache) Get(ctx context.Context, flagName string, version int64, ectx core.Context) (bool, bool, error) {
	value, err := c.client.Get(ctx, resultKey(flagName, version, Fingerprint(ectx))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, errors.Join(ErrCacheUnavailable, err)
	}

	switch value {
	case "1":
		return true, true, nil
	case "0":
		return false, true, nil
	default:
		// Unreadable entry; treat as a miss so it gets rewritten.
		return false, false, nil
	}
}

// Set stores a result with the configured TTL. Failures are returned for
// logging only; the evaluation result is already decided.
func (c *ResultCache) Set(ctx context.Context, flagName string, version int64, ectx core.Context, result bool) error {
	value := "0"
	if result {
		value = "1"
	}

	if err := c.client.Set(ctx, resultKey(flagName, version, Fingerprint(ectx)), value, c.ttl).Err(); err != nil {
		return errors.Join(ErrCacheUnavailable, err)
	}
	return nil
}

// Invalidate removes every cached result for the flag, across all versions,
// and returns the number of keys deleted. Version bumping already isolates
// new readers; this sweep just reclaims the orphaned entries early.
func (c *ResultCache) Invalidate(ctx context.Context, flagName string) (int64, error) {
	var (
		deleted int64
		cursor  uint64
	)
	pattern := keyPrefix + flagName + ":*"

	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return deleted, errors.Join(ErrCacheUnavailable, err)
		}

		if len(keys) > 0 {
			count, err := c.client.Del(ctx, keys...).Result()
			deleted += count
			if err != nil {
				return deleted, errors.Join(ErrCacheUnavailable, err)
			}
		}

		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
