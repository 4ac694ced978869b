package recorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// resultKeyPrefix namespaces stored tracking results in redis.
const resultKeyPrefix = "battery:usage:result:"

// defaultResultTTL bounds how long a replayed result stays cached. The
// unique index on usage_events remains the authority when the cache misses.
const defaultResultTTL = 24 * time.Hour

// ResultCache is a best-effort fast path for messageID deduplication.
type ResultCache interface {
	Get(ctx context.Context, messageID string) (*Result, bool)
	Set(ctx context.Context, messageID string, result Result)
}

// NoopResultCache disables the fast path; every duplicate hits the database.
type NoopResultCache struct{}

// Get always misses.
func (NoopResultCache) Get(context.Context, string) (*Result, bool) { return nil, false }

// Set discards the result.
func (NoopResultCache) Set(context.Context, string, Result) {}

// RedisResultCache stores tracking results in redis with a TTL.
type RedisResultCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisResultCache constructs a RedisResultCache. A zero ttl uses the default.
func NewRedisResultCache(client *redis.Client, ttl time.Duration) *RedisResultCache {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	return &RedisResultCache{client: client, ttl: ttl}
}

// Get returns the stored result for a messageID, if any. Errors are treated
// as cache misses.
func (c *RedisResultCache) Get(ctx context.Context, messageID string) (*Result, bool) {
	if c == nil || c.client == nil || messageID == "" {
		return nil, false
	}
	payload, errGet := c.client.Get(ctx, resultKeyPrefix+messageID).Bytes()
	if errGet != nil {
		if errGet != redis.Nil {
			log.WithError(errGet).Debug("recorder: result cache read failed")
		}
		return nil, false
	}
	var result Result
	if errUnmarshal := json.Unmarshal(payload, &result); errUnmarshal != nil {
		return nil, false
	}
	return &result, true
}

// Set stores a result. Failures are logged and ignored.
func (c *RedisResultCache) Set(ctx context.Context, messageID string, result Result) {
	if c == nil || c.client == nil || messageID == "" {
		return
	}
	payload, errMarshal := json.Marshal(result)
	if errMarshal != nil {
		return
	}
	if errSet := c.client.Set(ctx, resultKeyPrefix+messageID, payload, c.ttl).Err(); errSet != nil {
		log.WithError(errSet).Debug("recorder: result cache write failed")
	}
}
