// Package cache implements the keyed, TTL-bounded artifact cache.
//
// Successful operation results are stored in Redis under a deterministic key
// derived from the operation, user and parameters. Entries carry tags so
// whole slices of the cache (everything for a user, everything for an
// operation, everything from a deploy) can be purged at once.
//
// Every cache operation is SOFT: a failed Put logs and reports success, a
// failed Get reports a miss. The cache must never cause an operation to
// fail or a response to be withheld.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

// VersionTag changes on deploys that alter response shapes; purging it
// invalidates everything written by older code.
const VersionTag = "v2"

// TTLSeconds maps each operation to its cache lifetime.
var TTLSeconds = map[string]int{
	"screenshot":      300,
	"markdown":        60,
	"content":         60,
	"scrape":          60,
	"links":           60,
	"search":          120,
	"pdf":             300,
	"json_extraction": 300,
}

// entry is the stored envelope. cachedAt allows a read-side expiry check in
// addition to the Redis TTL (defense in depth).
type entry struct {
	Operation string          `json:"operation"`
	UserID    string          `json:"userId"`
	Body      json.RawMessage `json:"body"`
	CachedAt  time.Time       `json:"cachedAt"`
	TTL       int             `json:"ttlSeconds"`
}

// Cache is a Redis-backed artifact cache.
type Cache struct {
	redis *redis.Client
	log   zerolog.Logger
}

func New(rdb *redis.Client, logger zerolog.Logger) *Cache {
	return &Cache{
		redis: rdb,
		log:   logger.With().Str("component", "cache").Logger(),
	}
}

// Key derives the deterministic cache key "<op>/<userId>/<hash16>".
//
// The hash covers the params serialized with sorted keys, so permuting the
// caller's map order cannot change the key. A top-level "userId" is dropped
// before hashing: the user already scopes the key segment, and a caller that
// echoes it into params must land on the same artifact. Callers must exclude
// non-deterministic params (timestamps, nonces) before calling.
func Key(op, userID string, params map[string]any) string {
	if _, ok := params["userId"]; ok {
		stripped := make(map[string]any, len(params)-1)
		for k, v := range params {
			if k != "userId" {
				stripped[k] = v
			}
		}
		params = stripped
	}
	canonical := canonicalJSON(params)
	sum := sha256.Sum256(canonical)
	return op + "/" + userID + "/" + hex.EncodeToString(sum[:])[:16]
}

// canonicalJSON serializes a params map with sorted keys, recursively.
func canonicalJSON(v any) []byte {
	switch m := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf := []byte{'{'}
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			kb, _ := json.Marshal(k)
			buf = append(buf, kb...)
			buf = append(buf, ':')
			buf = append(buf, canonicalJSON(m[k])...)
		}
		return append(buf, '}')
	case []any:
		buf := []byte{'['}
		for i, e := range m {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf = append(buf, canonicalJSON(e)...)
		}
		return append(buf, ']')
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return []byte("null")
		}
		return b
	}
}

func storageKey(key string) string { return "cache:artifact:" + key }
func tagKey(tag string) string     { return "cache:tag:" + tag }

// Get returns the cached body for key, or ok=false on miss. Expired and
// missing entries are indistinguishable, and so are errors: all soft.
func (c *Cache) Get(ctx context.Context, key, op string) (json.RawMessage, bool) {
	raw, err := c.redis.Get(ctx, storageKey(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	} else if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache get failed, treating as miss")
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("corrupt cache entry, treating as miss")
		return nil, false
	}

	// Redis enforces the TTL, but check again on read in case the entry
	// outlived a TTL change.
	if time.Since(e.CachedAt) > time.Duration(e.TTL)*time.Second {
		return nil, false
	}

	c.log.Debug().Str("key", key).Str("operation", op).Msg("cache hit")
	return e.Body, true
}

// Put stores body under key with the operation's TTL and the standard tag
// set. Failures are logged and swallowed.
func (c *Cache) Put(ctx context.Context, key, op, userID string, body json.RawMessage) {
	ttl := TTLSeconds[op]
	if ttl <= 0 {
		ttl = 60
	}

	raw, err := json.Marshal(entry{
		Operation: op,
		UserID:    userID,
		Body:      body,
		CachedAt:  time.Now().UTC(),
		TTL:       ttl,
	})
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache put marshal failed")
		return
	}

	expiry := time.Duration(ttl) * time.Second
	sk := storageKey(key)

	pipe := c.redis.Pipeline()
	pipe.Set(ctx, sk, raw, expiry)
	for _, tag := range []string{"user-" + userID, "operation-" + op, VersionTag} {
		pipe.SAdd(ctx, tagKey(tag), sk)
		// Tag sets outlive their members slightly; purge tolerates
		// dangling keys.
		pipe.Expire(ctx, tagKey(tag), 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache put failed")
		return
	}

	c.log.Debug().Str("key", key).Str("operation", op).Int("ttl_seconds", ttl).Msg("cache put")
}

// PurgeByTag deletes every entry carrying tag. Returns the number removed.
func (c *Cache) PurgeByTag(ctx context.Context, tag string) (int, error) {
	members, err := c.redis.SMembers(ctx, tagKey(tag)).Result()
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}

	pipe := c.redis.Pipeline()
	for _, member := range members {
		pipe.Del(ctx, member)
	}
	pipe.Del(ctx, tagKey(tag))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	c.log.Info().Str("tag", tag).Int("purged", len(members)).Msg("cache purged by tag")
	return len(members), nil
}
