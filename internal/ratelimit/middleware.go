package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BuzzLyutic/kanban-api/pkg/respond"
)

// ClientKey identifies the caller of r: the first X-Forwarded-For entry, then
// X-Real-IP, then the host part of the peer address.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware rejects requests whose client has exhausted its bucket with
// 429 Too Many Requests. Admitted requests carry X-RateLimit-Limit and
// X-RateLimit-Remaining headers.
func Middleware(l *Limiter, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "ratelimit"))
	perMinute := perMinute(l.Config())

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			d := l.Allow(key)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				logger.Warn("rate limit exceeded",
					zap.String("client", key),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				respond.ErrorWithMessage(w, r, http.StatusTooManyRequests, "Too Many Requests",
					fmt.Sprintf("Rate limit exceeded. Maximum %d requests per minute per IP.", perMinute))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// perMinute expresses the sustained admission rate per minute.
func perMinute(cfg Config) int {
	if cfg.Window == 0 {
		return cfg.RefillTokens
	}
	return int(math.Round(float64(cfg.RefillTokens) * float64(time.Minute) / float64(cfg.Window)))
}
