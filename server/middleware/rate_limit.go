package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// RateLimiter limits requests per client IP over a sliding window.
type RateLimiter struct {
	logger *zap.Logger
	limit  func(http.Handler) http.Handler
}

func NewRateLimiter(requests int, window time.Duration, logger *zap.Logger) *RateLimiter {
	rl := &RateLimiter{logger: logger}
	rl.limit = rl.newLimit(requests, window)
	return rl
}

func (rl *RateLimiter) newLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			rl.logger.Warn("Rate limit exceeded",
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("path", r.URL.Path))

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"Rate limit exceeded"}`))
		}))
}

// RateLimit applies the limiter's default limit.
func (rl *RateLimiter) RateLimit() gin.HandlerFunc {
	return wrap(rl.limit)
}

// RateLimitWithConfig applies a separate limit, e.g. for one route group.
func (rl *RateLimiter) RateLimitWithConfig(requests int, window time.Duration) gin.HandlerFunc {
	return wrap(rl.newLimit(requests, window))
}

// wrap runs a net/http middleware in a gin chain. The chain continues only
// when the middleware calls through to the next handler.
func wrap(mw func(http.Handler) http.Handler) gin.HandlerFunc {
	return func(c *gin.Context) {
		passed := false
		next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			passed = true
			c.Request = r
			c.Next()
		})

		mw(next).ServeHTTP(c.Writer, c.Request)

		if !passed {
			c.Abort()
		}
	}
}
