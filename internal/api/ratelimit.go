package api

import (
	"context"
	"time"

	"rental-queue/internal/common/logger"

	"github.com/redis/go-redis/v9"
)

// Fixed window counter: the first hit in a window sets its expiry.
const rateLimitScript = `
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
if current > tonumber(ARGV[2]) then
  return 0
end
return 1
`

// RateLimiter bounds how often one caller may hit a route. Redis errors fail open.
type RateLimiter struct {
	client redis.UniversalClient
	script *redis.Script
	limit  int
	window time.Duration
	logger logger.Logger
}

func NewRateLimiter(client redis.UniversalClient, limit int, window time.Duration, log logger.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	return &RateLimiter{
		client: client,
		script: redis.NewScript(rateLimitScript),
		limit:  limit,
		window: window,
		logger: log,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, route, callerID string) bool {
	if l == nil || callerID == "" || l.limit <= 0 || l.window <= 0 {
		return true
	}
	ttl := l.window.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}

	ctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
	defer cancel()

	allowed, err := l.script.Run(ctx, l.client, []string{"ratelimit:" + route + ":" + callerID}, ttl, l.limit).Int64()
	if err != nil {
		l.logger.Warn("rate limiter unavailable", map[string]interface{}{
			"route": route,
			"error": err.Error(),
		})
		return true
	}
	return allowed == 1
}
