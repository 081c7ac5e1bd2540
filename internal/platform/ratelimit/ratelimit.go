// Package ratelimit is a token-bucket request limiter guarding both
// HTTP surfaces from a runaway or compromised caller. Grounded on the
// teacher's internal/rl.Limiter (Redis Lua token bucket) and
// internal/middleware/ratelimit.go's per-key bucket wiring; generalized
// with an in-memory fallback bucket so a deployment without Redis still
// enforces limits, matching internal/platform/cache's
// Store/RedisStore/MemoryStore split. The allowlist is adapted from
// internal/rl/policy.go's IsAllowlisted pattern matching.
package ratelimit

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nodewatch/fleetctl/internal/platform/metrics"
)

// tokenBucketScript mirrors the teacher's limiter.lua: refills at rps
// tokens/sec up to burst, consumes cost tokens atomically, and reports
// whether the request is allowed plus how long to wait otherwise.
const tokenBucketScript = `
local key = KEYS[1]
local now_ms = tonumber(ARGV[1])
local rps = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
  tokens = burst
  ts = now_ms
end

local elapsed = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rps)

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, math.ceil((burst / math.max(rps, 0.001)) * 1000))

return {allowed, tokens}
`

// Limiter enforces a requests-per-second/burst budget per key (typically
// an API key or source IP). With a Redis client it shares state across
// every panel/node process talking to the same Redis; without one it
// falls back to a local in-process bucket, matching one replica's view
// of the limit.
type Limiter struct {
	rdb    *redis.Client
	script *redis.Script

	mu    sync.Mutex
	local map[string]*localBucket
	clock func() time.Time

	// Allowlist exempts keys from rate limiting entirely. Entries are
	// matched exactly, as "*" (matches everything), or as a "prefix-*"
	// wildcard. Typically holds the panel's own internal API keys
	// (health checks, node-to-panel polling) that would otherwise share
	// a budget with untrusted external callers.
	Allowlist []string
}

type localBucket struct {
	tokens float64
	ts     time.Time
}

// New builds a Limiter. rdb may be nil, in which case every Consume call
// uses the in-process fallback bucket.
func New(rdb *redis.Client) *Limiter {
	return &Limiter{
		rdb:    rdb,
		script: redis.NewScript(tokenBucketScript),
		local:  make(map[string]*localBucket),
		clock:  time.Now,
	}
}

// Allow reports whether one request against key is permitted under the
// given rps/burst budget, consuming a token on success.
func (l *Limiter) Allow(ctx context.Context, key string, rps float64, burst int64) bool {
	if rps <= 0 || burst <= 0 || l.isAllowlisted(key) {
		return true
	}
	if l.rdb != nil {
		if allowed, err := l.allowRedis(ctx, key, rps, burst); err == nil {
			return allowed
		}
		// Redis unreachable: fail open through the local fallback rather
		// than blocking every request on a cache outage.
	}
	return l.allowLocal(key, rps, burst)
}

func (l *Limiter) allowRedis(ctx context.Context, key string, rps float64, burst int64) (bool, error) {
	res, err := l.script.Run(ctx, l.rdb, []string{"ratelimit:" + key}, l.clock().UnixMilli(), rps, burst, 1).Result()
	if err != nil {
		return false, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 1 {
		return false, nil
	}
	allowed, _ := arr[0].(int64)
	return allowed == 1, nil
}

func (l *Limiter) allowLocal(key string, rps float64, burst int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	b, ok := l.local[key]
	if !ok {
		b = &localBucket{tokens: float64(burst), ts: now}
		l.local[key] = b
	}
	elapsed := now.Sub(b.ts).Seconds()
	b.tokens = minF(float64(burst), b.tokens+elapsed*rps)
	b.ts = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (l *Limiter) isAllowlisted(key string) bool {
	for _, pat := range l.Allowlist {
		switch {
		case pat == key, pat == "*":
			return true
		case strings.HasSuffix(pat, "*") && strings.HasPrefix(key, strings.TrimSuffix(pat, "*")):
			return true
		}
	}
	return false
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Middleware rate-limits every request by keyFn(r) (typically the
// caller's API key or remote IP) at rps/burst, responding 429 when the
// budget is exhausted.
func (l *Limiter) Middleware(surface string, rps float64, burst int64, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(r.Context(), keyFn(r), rps, burst) {
				metrics.RateLimitRejections.WithLabelValues(surface).Inc()
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
