package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/technosupport/ts-sentinel/internal/ratelimit"
)

// ControlRateLimit bounds control actions per client IP. Redis errors fail
// open; a cache outage must not lock operators out of camera control.
func ControlRateLimit(limiter *ratelimit.Limiter, limit ratelimit.Limit) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil || limit.Rate <= 0 {
				next.ServeHTTP(w, r)
				return
			}
			dec, err := limiter.Check(r.Context(), "control:"+clientIP(r), limit)
			if err != nil {
				log.Printf("[api] rate limit check: %v", err)
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
			if !dec.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		// RealIP already stripped the port
		return r.RemoteAddr
	}
	return host
}
