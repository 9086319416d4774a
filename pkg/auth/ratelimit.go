package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/originhq/origin/pkg/api"
	"github.com/originhq/origin/pkg/observability"
)

// rateLimitScript refills and consumes a per-tenant token bucket
// atomically. Both keys get their TTL refreshed on every touch so idle
// tenants' state expires.
//
// KEYS[1] = token count key   ("rate_limit:{tenant}")
// KEYS[2] = last refill key   ("rate_limit:{tenant}:last_refill")
// ARGV[1] = requests per minute (refill rate)
// ARGV[2] = key TTL in seconds
// ARGV[3] = current unix time, fractional seconds
// ARGV[4] = bucket capacity (burst)
var rateLimitScript = redis.NewScript(`
local tokens_key = KEYS[1]
local refill_key = KEYS[2]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local burst = tonumber(ARGV[4])

local tokens = tonumber(redis.call("GET", tokens_key))
local last_refill = tonumber(redis.call("GET", refill_key))
if not tokens then
    tokens = burst
end
if not last_refill then
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + (elapsed / 60.0) * limit
    if tokens > burst then
        tokens = burst
    end
end

local allowed = 0
if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
end

redis.call("SET", tokens_key, tokens, "EX", ttl)
redis.call("SET", refill_key, now, "EX", ttl)

return {allowed, math.floor(tokens)}
`)

// RateDecision is the outcome of one limiter check.
type RateDecision struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     int64
}

// RateLimiter is a per-tenant token bucket persisted in Redis.
type RateLimiter struct {
	client       *redis.Client
	defaultRPM   int
	defaultBurst int
	ttlSeconds   int
	logger       *slog.Logger

	now func() time.Time
}

// NewRateLimiter creates a limiter with the given default requests per
// minute, bucket capacity, and key TTL. burst <= 0 uses defaultRPM.
func NewRateLimiter(client *redis.Client, defaultRPM, burst, ttlSeconds int, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst <= 0 {
		burst = defaultRPM
	}
	return &RateLimiter{
		client:       client,
		defaultRPM:   defaultRPM,
		defaultBurst: burst,
		ttlSeconds:   ttlSeconds,
		logger:       logger,
		now:          time.Now,
	}
}

// Allow consumes one token from the tenant's bucket. rpm <= 0 uses the
// limiter defaults, including the configured burst capacity. A
// per-tenant rpm override sizes its own bucket so small overrides stay
// small.
func (l *RateLimiter) Allow(ctx context.Context, tenantID string, rpm int) (*RateDecision, error) {
	burst := rpm
	if rpm <= 0 {
		rpm = l.defaultRPM
		burst = l.defaultBurst
	}
	now := l.now()
	nowSecs := float64(now.UnixMicro()) / 1e6

	tokensKey := "rate_limit:" + tenantID
	refillKey := tokensKey + ":last_refill"

	res, err := rateLimitScript.Run(ctx, l.client,
		[]string{tokensKey, refillKey},
		rpm, l.ttlSeconds, nowSecs, burst,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("auth: rate limit script failed: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, fmt.Errorf("auth: unexpected rate limit script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	remaining, _ := vals[1].(int64)

	return &RateDecision{
		Allowed:   allowed == 1,
		Limit:     rpm,
		Remaining: int(remaining),
		Reset:     now.Unix() + 60,
	}, nil
}

// RateLimitMiddleware applies the limiter per authenticated tenant. A
// limiter backend failure fails open with a warning so Redis outages do
// not take down ingestion.
func RateLimitMiddleware(limiter *RateLimiter, metrics *observability.Metrics, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if PublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			id := IdentityFrom(r.Context())
			if id == nil || id.Tenant == nil {
				next.ServeHTTP(w, r)
				return
			}

			rpm := 0
			if id.Tenant.RateLimitRPM != nil {
				rpm = *id.Tenant.RateLimitRPM
			}

			decision, err := limiter.Allow(r.Context(), id.Tenant.ID, rpm)
			if err != nil {
				logger.Warn("rate limiter unavailable, failing open", "tenant_id", id.Tenant.ID, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset, 10))

			if !decision.Allowed {
				metrics.RecordRateLimitRejection(r.Context(), id.Tenant.ID)
				api.WriteTooManyRequests(w, r, 60)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
