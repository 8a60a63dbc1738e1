// Package cache provides an optional Redis-backed cache for expensive stage
// lookups: expanded links, WHOIS records, and oracle verdicts for repeated
// messages. When Redis is not configured, the nil cache turns every Get into
// a miss and every Set into a no-op, so callers never branch on availability.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with a default TTL. A nil *Cache is valid and
// behaves as a disabled cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis at addr. Returns nil when addr is empty or the
// server is unreachable; the scanner runs fine without it.
func New(addr string, ttl time.Duration) *Cache {
	if addr == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = time.Hour
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Printf("WARNING: redis at %s unreachable, caching disabled: %v", addr, err)
		_ = client.Close()
		return nil
	}

	return &Cache{client: client, ttl: ttl}
}

// Enabled reports whether a Redis backend is attached.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Get returns the cached value for key, or ("", false) on a miss or when the
// cache is disabled. Redis errors count as misses.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	if !c.Enabled() {
		return "", false
	}
	val, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("WARNING: cache get %s: %v", key, err)
		}
		return "", false
	}
	return val, true
}

// Set stores value under key with the default TTL. Failures are logged, not
// returned; a cache write must never fail a detection.
func (c *Cache) Set(ctx context.Context, key, value string) {
	if !c.Enabled() {
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		log.Printf("WARNING: cache set %s: %v", key, err)
	}
}

// Close releases the Redis connection.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

// Key builds a namespaced cache key. Free-form inputs (message bodies, URLs)
// are hashed so they cannot smuggle separators or exceed key length limits.
func Key(namespace, input string) string {
	sum := sha256.Sum256([]byte(input))
	return "smishguard:" + namespace + ":" + hex.EncodeToString(sum[:16])
}
