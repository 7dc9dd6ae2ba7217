package ratelimit

import (
	"log/slog"
	"net"
	"net/http"
)

// Middleware enforces limiter on every request, keyed by client IP. Requests
// over the limit get 429 with a Retry-After hint. Limiter errors fail open:
// a broken limiter must not take down ingest.
func Middleware(limiter Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			allowed, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				logger.Debug("request rate limited", "key", key, "path", r.URL.Path)
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error": "rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client IP from RemoteAddr. X-Forwarded-For is not
// trusted: any client can set it to an arbitrary value and bypass the limit.
// Behind a trusted proxy, configure the proxy to rewrite RemoteAddr instead.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
