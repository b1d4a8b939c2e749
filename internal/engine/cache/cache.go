// Package cache stores decoded transcripts keyed by video id and requested
// language. L1 is an in-memory LRU with per-entry expiry; L2 is an optional
// Redis instance that survives restarts.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/anatolykoptev/go_caption/internal/engine"
)

// unboundedSize stands in for "no capacity limit" since the LRU needs a size.
const unboundedSize = math.MaxInt32

type entry struct {
	Transcript engine.Transcript `json:"transcript"`
	CreatedAt  time.Time         `json:"created_at"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

func (e *entry) expired(now time.Time) bool { return !now.Before(e.ExpiresAt) }

// Cache is the transcript cache. Safe for concurrent use.
type Cache struct {
	l1         *lru.Cache[string, *entry]
	rdb        *redis.Client // nil if Redis unavailable
	breaker    *gobreaker.CircuitBreaker
	defaultTTL time.Duration
	now        func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithRedis enables the L2 tier.
func WithRedis(rdb *redis.Client) Option {
	return func(c *Cache) { c.rdb = rdb }
}

// New creates a cache. maxEntries <= 0 leaves L1 unbounded (TTL only).
func New(defaultTTL time.Duration, maxEntries int, opts ...Option) (*Cache, error) {
	if defaultTTL <= 0 {
		return nil, engine.Errorf(engine.KindConfiguration, "cache.new", "TTL must be positive")
	}
	size := maxEntries
	if size <= 0 {
		size = unboundedSize
	}
	l1, err := lru.New[string, *entry](size)
	if err != nil {
		return nil, engine.NewError(engine.KindConfiguration, "cache.new", err)
	}
	c := &Cache{l1: l1, defaultTTL: defaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "cache-l2",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("cache: L2 breaker state change", slog.String("from", from.String()), slog.String("to", to.String()))
		},
	})
	return c, nil
}

// ConnectRedis parses redisURL and pings the server. Returns nil client and
// an error when Redis is unusable; callers run without L2 in that case.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	slog.Info("cache: L2 redis connected", slog.String("addr", opts.Addr))
	return rdb, nil
}

// Key builds the deterministic cache key for a reference.
func Key(ref engine.VideoRef) string {
	joined := strings.Join([]string{"transcript", ref.ID, strings.ToLower(ref.Language)}, "|")
	hash := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("gc:%x", hash[:12])
}

// Get returns the cached transcript for ref. Expired entries count as a miss
// and are evicted. Never touches the upstream.
func (c *Cache) Get(ctx context.Context, ref engine.VideoRef) (engine.Transcript, bool) {
	key := Key(ref)
	now := c.now()

	if e, ok := c.l1.Get(key); ok {
		if !e.expired(now) {
			c.hit()
			slog.Debug("cache: L1 hit", slog.String("video", ref.String()))
			return e.Transcript, true
		}
		c.l1.Remove(key)
	}

	if e, ok := c.getL2(ctx, key); ok && !e.expired(now) {
		c.l1.Add(key, e)
		c.hit()
		slog.Debug("cache: L2 hit", slog.String("video", ref.String()))
		return e.Transcript, true
	}

	c.miss()
	return engine.Transcript{}, false
}

// Put stores t under the reference it was requested with. ttl <= 0 uses the default.
func (c *Cache) Put(ctx context.Context, t engine.Transcript, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	ref := engine.VideoRef{ID: t.VideoID, Language: t.Requested}
	key := Key(ref)
	now := c.now()
	e := &entry{Transcript: t, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	c.l1.Add(key, e)
	c.putL2(ctx, key, e, ttl)
}

// Delete drops ref from both tiers.
func (c *Cache) Delete(ctx context.Context, ref engine.VideoRef) {
	key := Key(ref)
	c.l1.Remove(key)
	if c.rdb == nil {
		return
	}
	_, _ = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Del(ctx, key).Err()
	})
}

// Len returns the number of L1 entries, expired ones included until touched.
func (c *Cache) Len() int { return c.l1.Len() }

// Stats returns hit/miss counters.
func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// FormatStats renders cache state for the metrics endpoint.
func (c *Cache) FormatStats() string {
	return fmt.Sprintf("cache_entries %d\ncache_l2_breaker %q\n", c.Len(), c.breaker.State().String())
}

func (c *Cache) hit() {
	c.hits.Add(1)
	engine.IncrCacheHits()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	engine.IncrCacheMisses()
}

func (c *Cache) getL2(ctx context.Context, key string) (*entry, bool) {
	if c.rdb == nil {
		return nil, false
	}
	res, err := c.breaker.Execute(func() (interface{}, error) {
		data, err := c.rdb.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return data, err
	})
	if err != nil {
		slog.Debug("cache: L2 get failed", slog.Any("error", err))
		return nil, false
	}
	data, _ := res.([]byte)
	if data == nil {
		return nil, false
	}
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		slog.Debug("cache: L2 entry corrupt", slog.String("key", key), slog.Any("error", err))
		return nil, false
	}
	return &e, true
}

func (c *Cache) putL2(ctx context.Context, key string, e *entry, ttl time.Duration) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.rdb.Set(ctx, key, data, ttl).Err()
	}); err != nil {
		slog.Debug("cache: L2 set failed", slog.Any("error", err))
	}
}
