package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tripbell/tripbell/internal/redis"
)

// RateLimitMiddleware enforces the registration rate limit per authenticated
// user. A nil limiter (redis not configured) disables limiting; so does a
// limiter failure, availability over strictness.
func RateLimitMiddleware(limiter *redis.RateLimiter, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			userID, ok := UserID(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			result, err := limiter.Allow(r.Context(), userID)
			if err != nil {
				logger.Warn("rate limit check failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

			if !result.Allowed {
				retryAfter := int(time.Until(result.ResetAt).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded",
					"Too Many Requests", "Registration rate limit exceeded. Retry after the specified time.")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
