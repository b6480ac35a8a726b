package middleware

import (
	"log"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// RequestLogger logs one line per request, tagged with the request id the
// router already assigned. Probe endpoints stay quiet so scrapers don't
// flood the log. The chi writer wrapper keeps Hijacker intact for the
// websocket upgrade.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		reqID := chimiddleware.GetReqID(r.Context())
		w.Header().Set("X-Request-ID", reqID)
		start := time.Now()

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Printf("[api] %s %s %s -> %d (%dB, %v)",
			reqID, r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start))
	})
}
