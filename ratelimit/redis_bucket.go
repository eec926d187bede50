package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/vvtv/llmpool/types"
)

// tokenBucketScript implements a leaky/token-bucket admission check
// atomically in Redis: each call refills by elapsed-time * rate since
// the last recorded timestamp, caps at burst, and decrements one
// token on admission. KEYS[1] is the bucket hash key; ARGV is
// rate-per-second, burst, now (unix seconds, float).
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
	tokens = burst
	ts = now
end

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate)

local allowed = 0
if tokens >= 1 then
	allowed = 1
	tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, math.ceil(burst / rate) + 1)

return allowed
`)

// RedisBucket is the distributed counterpart to Limiter, sharing one
// token budget across every kernel instance for tenants configured
// with `distributed: true` (spec §6 tenancy.distributed).
type RedisBucket struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
}

// NewRedisBucket wraps an existing *redis.Client. client may be nil,
// in which case Allow always admits (distributed limiting becomes a
// no-op rather than a hard dependency).
func NewRedisBucket(client *redis.Client, logger *zap.Logger) *RedisBucket {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBucket{client: client, logger: logger, prefix: "llmpool:ratelimit:"}
}

// Allow runs the Lua token-bucket script for tenantID. On any Redis
// error it fails open and logs a warning: a rate-limit backend outage
// must not itself become an outage for inference traffic.
func (b *RedisBucket) Allow(ctx context.Context, tenantID string, rps float64, burst int) error {
	if b.client == nil {
		return nil
	}
	if rps <= 0 {
		rps = 10
	}
	if burst <= 0 {
		burst = 1
	}

	key := b.prefix + tenantID
	now := float64(time.Now().UnixNano()) / 1e9

	res, err := tokenBucketScript.Run(ctx, b.client, []string{key}, rps, burst, now).Int()
	if err != nil {
		b.logger.Warn("distributed rate limiter unavailable, failing open",
			zap.String("tenant", tenantID), zap.Error(err))
		return nil
	}
	if res != 1 {
		return types.NewError(types.ErrRateLimited, "tenant rate limit exceeded (distributed)")
	}
	return nil
}
