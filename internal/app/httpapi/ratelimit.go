package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/decloud/controlplane/pkg/logger"
)

// RateLimiter throttles tenant API calls per caller (API key or client IP)
// using Redis INCR + EXPIRE.
type RateLimiter struct {
	redis  *redis.Client
	max    int
	window time.Duration
	log    *logger.Logger
}

// NewRateLimiter creates a limiter allowing max requests per window per
// caller. A nil redis client disables limiting.
func NewRateLimiter(rdb *redis.Client, max int, window time.Duration, log *logger.Logger) *RateLimiter {
	if log == nil {
		log = logger.NewDefault("ratelimit")
	}
	return &RateLimiter{redis: rdb, max: max, window: window, log: log}
}

// Middleware applies the limit to tenant API routes. Node-agent and public
// routes pass through untouched.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if rl == nil || rl.redis == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := publicPaths[r.URL.Path]; ok || strings.HasPrefix(r.URL.Path, nodePathPrefix) {
			next.ServeHTTP(w, r)
			return
		}
		key := fmt.Sprintf("api_ratelimit:%s", callerKey(r))

		count, err := rl.redis.Incr(r.Context(), key).Result()
		if err != nil {
			// Redis being down must not take the API down with it.
			rl.log.WithError(err).Warn("rate limit check failed, allowing request")
			next.ServeHTTP(w, r)
			return
		}
		if count == 1 {
			rl.redis.Expire(r.Context(), key, rl.window)
		}
		if count > int64(rl.max) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(rl.window.Seconds())))
			writeErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return "key:" + key
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return "ip:" + host
	}
	return "ip:" + r.RemoteAddr
}
