package ratelimit

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/merchhub/kiwisync/internal/clock"
)

// Limiter answers whether one more request under key is allowed right
// now, refilling rate tokens per second up to burst.
type Limiter interface {
	Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error)
}

// Result carries what a 429 response needs.
type Result struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

const tokenBucketScript = `
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local nowData = redis.call("TIME")
local now = (nowData[1] * 1000) + math.floor(nowData[2] / 1000)

local data = redis.call("HMGET", KEYS[1], "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = burst
  ts = now
else
  local delta = now - ts
  if delta < 0 then
    delta = 0
  end
  tokens = math.min(burst, tokens + (delta / 1000) * rate)
  ts = now
end

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call("HMSET", KEYS[1], "tokens", tokens, "ts", ts)
redis.call("PEXPIRE", KEYS[1], ttl)

return {allowed, tostring(tokens)}
`

// TokenBucket is a redis-backed limiter shared across replicas.
type TokenBucket struct {
	client *redis.Client
	script *redis.Script
}

func NewTokenBucket(client *redis.Client) *TokenBucket {
	if client == nil {
		return nil
	}
	return &TokenBucket{
		client: client,
		script: redis.NewScript(tokenBucketScript),
	}
}

func (t *TokenBucket) Allow(ctx context.Context, key string, rate float64, burst int) (*Result, error) {
	if t == nil || t.client == nil {
		return nil, errors.New("rate limiter not configured")
	}
	if key == "" || rate <= 0 || burst <= 0 {
		return nil, errors.New("invalid rate limiter arguments")
	}

	ttl := bucketTTL(rate, burst)
	res, err := t.script.Run(ctx, t.client, []string{key}, rate, burst, int64(ttl/time.Millisecond)).Slice()
	if err != nil {
		return nil, err
	}
	if len(res) < 2 {
		return nil, errors.New("invalid rate limit script response")
	}

	allowed := castToInt(res[0]) == 1
	remaining := castToFloat(res[1])
	return &Result{
		Allowed:    allowed,
		Remaining:  int(remaining),
		RetryAfter: retryAfter(allowed, remaining, rate),
	}, nil
}

// LocalBucket is the in-process fallback when redis is not configured.
// Good enough for a single replica; not shared state.
type LocalBucket struct {
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*localState
}

type localState struct {
	tokens float64
	ts     time.Time
}

func NewLocalBucket(clk clock.Clock) *LocalBucket {
	return &LocalBucket{clock: clk, buckets: make(map[string]*localState)}
}

func (l *LocalBucket) Allow(_ context.Context, key string, rate float64, burst int) (*Result, error) {
	if key == "" || rate <= 0 || burst <= 0 {
		return nil, errors.New("invalid rate limiter arguments")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	state, ok := l.buckets[key]
	if !ok {
		state = &localState{tokens: float64(burst), ts: now}
		l.buckets[key] = state
	} else {
		delta := now.Sub(state.ts).Seconds()
		if delta < 0 {
			delta = 0
		}
		state.tokens = math.Min(float64(burst), state.tokens+delta*rate)
		state.ts = now
	}

	allowed := state.tokens >= 1
	if allowed {
		state.tokens--
	}
	return &Result{
		Allowed:    allowed,
		Remaining:  int(state.tokens),
		RetryAfter: retryAfter(allowed, state.tokens, rate),
	}, nil
}

func retryAfter(allowed bool, tokens, rate float64) time.Duration {
	if allowed {
		return 0
	}
	needed := 1.0 - tokens
	if needed <= 0 {
		return 0
	}
	return time.Duration(needed / rate * float64(time.Second))
}

func bucketTTL(rate float64, burst int) time.Duration {
	seconds := math.Ceil((float64(burst) / rate) * 2)
	if seconds < 1 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

func castToInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case int:
		return int64(val)
	case float64:
		return int64(val)
	default:
		return 0
	}
}

func castToFloat(v any) float64 {
	switch val := v.(type) {
	case float64:
		return val
	case int64:
		return float64(val)
	case string:
		parsed, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
