// Package ratelimit implements fixed-window request quotas keyed by
// request class and owner.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	redisv9 "github.com/redis/go-redis/v9"
)

type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// windowStart aligns t to the start of its window.
func windowStart(t time.Time, window time.Duration) time.Time {
	return t.Truncate(window)
}

func decide(count int64, limit int, now time.Time, window time.Duration) Decision {
	d := Decision{Limit: limit, Remaining: limit - int(count)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	d.Allowed = count <= int64(limit)
	if !d.Allowed {
		d.RetryAfter = windowStart(now, window).Add(window).Sub(now)
	}
	return d
}

// Redis counts with INCR and EXPIRE in one pipeline, so limits hold across
// replicas.
type Redis struct {
	client *redisv9.Client
	prefix string
	now    func() time.Time
}

func NewRedis(client *redisv9.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "ratelimit"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := r.now()
	redisKey := fmt.Sprintf("%s:%s:%d", r.prefix, key, windowStart(now, window).Unix())

	var incr *redisv9.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("redis rate limit failed: %w", err)
	}
	return decide(incr.Val(), limit, now, window), nil
}

// Memory is a single-process limiter backed by go-cache; entries expire
// with their window.
type Memory struct {
	mu    sync.Mutex
	cache *cache.Cache
	now   func() time.Time
}

func NewMemory() *Memory {
	return &Memory{cache: cache.New(time.Hour, 10*time.Minute), now: time.Now}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := m.now()
	start := windowStart(now, window)
	cacheKey := fmt.Sprintf("%s:%d", key, start.Unix())

	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64 = 1
	if v, found := m.cache.Get(cacheKey); found {
		count = v.(int64) + 1
	}
	m.cache.Set(cacheKey, count, start.Add(window).Sub(now)+time.Second)
	return decide(count, limit, now, window), nil
}
