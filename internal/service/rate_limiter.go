package service

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	redisclient "github.com/MikeHonkers/mementonos/internal/redis"
)

// unknownIdentity is the shared bucket for clients whose identity could not be determined.
const unknownIdentity = "unknown"

type LimitResult struct {
	Allowed     bool
	RetryAt     time.Time
	WaitMinutes int
}

// AttemptLimiter throttles pairing attempts per client identity.
type AttemptLimiter interface {
	Check(ctx context.Context, identity string) LimitResult
}

func waitMinutes(now, retryAt time.Time) int {
	mins := int(math.Ceil(retryAt.Sub(now).Minutes()))
	if mins < 1 {
		return 1
	}
	return mins
}

// MemoryAttemptLimiter keeps at most limit timestamps per identity and drops
// those older than window lazily on each check.
type MemoryAttemptLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
	limit    int
	window   time.Duration
	now      func() time.Time
}

func NewMemoryAttemptLimiter(limit int, window time.Duration) *MemoryAttemptLimiter {
	return &MemoryAttemptLimiter{
		attempts: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
		now:      time.Now,
	}
}

func (l *MemoryAttemptLimiter) WithClock(now func() time.Time) *MemoryAttemptLimiter {
	l.now = now
	return l
}

func (l *MemoryAttemptLimiter) Check(_ context.Context, identity string) LimitResult {
	if identity == "" {
		identity = unknownIdentity
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	window := l.prune(l.attempts[identity], now)

	if len(window) >= l.limit {
		l.attempts[identity] = window
		retryAt := window[0].Add(l.window)
		return LimitResult{Allowed: false, RetryAt: retryAt, WaitMinutes: waitMinutes(now, retryAt)}
	}

	l.attempts[identity] = append(window, now)
	return LimitResult{Allowed: true}
}

// Prune removes identities whose recorded attempts have all aged out and
// returns how many were removed.
func (l *MemoryAttemptLimiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for identity, ts := range l.attempts {
		if len(l.prune(ts, now)) == 0 {
			delete(l.attempts, identity)
			removed++
		}
	}
	return removed
}

// Size returns the number of tracked identities.
func (l *MemoryAttemptLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

func (l *MemoryAttemptLimiter) prune(ts []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(ts) && now.Sub(ts[i]) >= l.window {
		i++
	}
	return ts[i:]
}

// attemptScript is a Lua script for sliding window rate limiting. Scores are
// milliseconds so the reported retry time is precise.
var attemptScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('PEXPIRE', key, window + 10000)

return {1, now + window}
`)

// RedisAttemptLimiter shares attempt windows across server instances.
type RedisAttemptLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRedisAttemptLimiter(client *redis.Client, limit int, window time.Duration) *RedisAttemptLimiter {
	return &RedisAttemptLimiter{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

func (l *RedisAttemptLimiter) Check(ctx context.Context, identity string) LimitResult {
	if identity == "" {
		identity = unknownIdentity
	}

	now := l.now()
	result, err := attemptScript.Run(
		ctx,
		l.client,
		[]string{redisclient.AttemptKey(identity)},
		now.UnixMilli(),
		l.window.Milliseconds(),
		l.limit,
	).Int64Slice()

	if err != nil || len(result) != 2 {
		log.Warn().
			Err(err).
			Str("identity", identity).
			Msg("rate limit check failed, denying request for safety")
		retryAt := now.Add(l.window)
		return LimitResult{Allowed: false, RetryAt: retryAt, WaitMinutes: waitMinutes(now, retryAt)}
	}

	if result[0] == 1 {
		return LimitResult{Allowed: true}
	}

	retryAt := time.UnixMilli(result[1])
	return LimitResult{Allowed: false, RetryAt: retryAt, WaitMinutes: waitMinutes(now, retryAt)}
}
