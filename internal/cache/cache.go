// Package cache holds non-authoritative balance snapshots keyed by subject.
// A miss or an error always falls through to the wallet store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kizuna-ai-lab/sokuji/internal/wallet"
)

// Key returns the cache key for a subject's balance.
func Key(s wallet.Subject) string {
	return "wallet:balance:" + s.Type + ":" + s.ID
}

var (
	_ wallet.BalanceCache = (*RedisCache)(nil)
	_ wallet.BalanceCache = (*MemoryCache)(nil)
)

// RedisCache stores balances as JSON strings with a TTL.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL (redis://[:pass@]host:port/db).
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewRedisCacheWithClient wraps an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, s wallet.Subject) (*wallet.Balance, bool, error) {
	raw, err := c.client.Get(ctx, Key(s)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var bal wallet.Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		// corrupt entry; drop it and report a miss
		_ = c.client.Del(ctx, Key(s)).Err()
		return nil, false, nil
	}
	return &bal, true, nil
}

func (c *RedisCache) Set(ctx context.Context, s wallet.Subject, bal *wallet.Balance) error {
	raw, err := json.Marshal(bal)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(s), raw, c.ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, s wallet.Subject) error {
	return c.client.Del(ctx, Key(s)).Err()
}

// Ping reports whether Redis is reachable.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close releases the client's connections.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// MemoryCache is a process-local TTL cache for single-instance deployments.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

type memoryEntry struct {
	bal     wallet.Balance
	expires time.Time
}

// NewMemoryCache creates a MemoryCache whose entries expire after ttl.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) Get(_ context.Context, s wallet.Subject) (*wallet.Balance, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[Key(s)]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, Key(s))
		return nil, false, nil
	}
	bal := e.bal
	bal.Features = append([]string(nil), e.bal.Features...)
	return &bal, true, nil
}

func (c *MemoryCache) Set(_ context.Context, s wallet.Subject, bal *wallet.Balance) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := *bal
	cp.Features = append([]string(nil), bal.Features...)
	c.entries[Key(s)] = memoryEntry{bal: cp, expires: c.now().Add(c.ttl)}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, s wallet.Subject) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, Key(s))
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
