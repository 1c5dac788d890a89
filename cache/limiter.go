package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/CUknot/collab_backend/apperrors"
	"github.com/CUknot/collab_backend/logger"
	"github.com/CUknot/collab_backend/metrics"
)

// Result is the outcome of one rate limit check.
type Result struct {
	Allowed   bool
	Count     int64
	Remaining int
	ResetAt   time.Time
}

// Limiter counts submissions per key in fixed windows.
type Limiter interface {
	Allow(ctx context.Context, key string) (*Result, error)
}

// Enforce runs one submission through l. It returns a RateLimitExceeded
// error when the key is over its limit. A limiter failure is logged and the
// submission is let through.
func Enforce(ctx context.Context, l Limiter, key string) error {
	if l == nil {
		return nil
	}
	res, err := l.Allow(ctx, key)
	if err != nil {
		logger.Log.Warn("rate_limiter_unavailable", zap.String("key", key), zap.Error(err))
		return nil
	}
	if !res.Allowed {
		metrics.RateLimited.Inc()
		return apperrors.RateLimited(fmt.Sprintf("rate limit exceeded, retry after %s", res.ResetAt.UTC().Format(time.RFC3339)))
	}
	return nil
}

// The first hit of a window starts its expiry; later hits only count.
var fixedWindowScript = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	local ttl = redis.call('PTTL', KEYS[1])
	return {count, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every server instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

// NewRedisLimiter allows limit submissions per key in each window.
func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		limit:  limit,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	now := time.Now()
	result, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, l.window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("redis script error: %w", err)
	}
	if len(result) != 2 {
		return nil, fmt.Errorf("unexpected Redis response length: %d", len(result))
	}

	count, ttlMs := result[0], result[1]
	if ttlMs < 0 {
		ttlMs = l.window.Milliseconds()
	}

	return newResult(count, l.limit, now.Add(time.Duration(ttlMs)*time.Millisecond)), nil
}

type window struct {
	start time.Time
	count int64
}

// MemoryLimiter is the single-process fixed-window limiter used when no
// Redis is configured.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	limit   int
	period  time.Duration
	now     func() time.Time
}

// NewMemoryLimiter allows limit submissions per key in each period.
func NewMemoryLimiter(limit int, period time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		limit:   limit,
		period:  period,
		now:     time.Now,
	}
}

const pruneThreshold = 1024

func (l *MemoryLimiter) Allow(_ context.Context, key string) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > pruneThreshold {
		for k, w := range l.windows {
			if !now.Before(w.start.Add(l.period)) {
				delete(l.windows, k)
			}
		}
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.start.Add(l.period)) {
		w = &window{start: now}
		l.windows[key] = w
	}
	w.count++

	return newResult(w.count, l.limit, w.start.Add(l.period)), nil
}

func newResult(count int64, limit int, resetAt time.Time) *Result {
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   count <= int64(limit),
		Count:     count,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
