package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/technosupport/ts-sentinel/internal/middleware"
	"github.com/technosupport/ts-sentinel/internal/ratelimit"
	"github.com/technosupport/ts-sentinel/internal/tokens"
)

// Deps collects everything the router serves. Nil fields disable their
// surface: nil Auth leaves every endpoint open, nil Metrics drops /metrics,
// nil Hub answers the websocket route with 501.
type Deps struct {
	Control Controller
	Events  EventStore
	Cache   LatestCache
	Audit   Auditor
	Hub     *EventHub

	Auth        *middleware.ServiceAuth
	GateReads   bool
	Limiter     *ratelimit.Limiter
	ControlRate ratelimit.Limit
	Metrics     http.Handler
	MediaRoot   string
}

// NewRouter wires the control-plane HTTP surface.
func NewRouter(deps Deps) chi.Router {
	h := &Handlers{
		control:   deps.Control,
		events:    deps.Events,
		cache:     deps.Cache,
		audit:     deps.Audit,
		hub:       deps.Hub,
		mediaRoot: deps.MediaRoot,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestLogger)
	r.Use(middleware.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}

	readGate := passthrough
	controlGate := passthrough
	if deps.Auth != nil {
		controlGate = deps.Auth.Require(tokens.ScopeControl)
		if deps.GateReads {
			readGate = deps.Auth.Require(tokens.ScopeRead)
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(readGate)
			r.Get("/status", h.SystemStatus)
			r.Get("/cameras/{id}/status", h.CameraStatus)
			r.Get("/cameras/{id}/frame", h.CameraFrame)
			r.Get("/events", h.ListEvents)
			r.Get("/events/latest", h.LatestEvent)
			r.Get("/events/ws", h.ServeEventsWS)
			r.Get("/audit", h.AuditLog)
		})

		r.Group(func(r chi.Router) {
			r.Use(controlGate)
			r.Use(middleware.ControlRateLimit(deps.Limiter, deps.ControlRate))
			r.Post("/cameras/{id}/start", h.StartCamera)
			r.Post("/cameras/{id}/stop", h.StopCamera)
			r.Post("/cameras/{id}/restart", h.RestartCamera)
			r.Post("/workers/start-all", h.StartAllWorkers)
			r.Post("/workers/stop-all", h.StopAllWorkers)
			r.Post("/events/{id}/status", h.UpdateEventStatus)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(readGate)
		r.Get("/media/*", h.ServeMedia)
	})

	return r
}

func passthrough(next http.Handler) http.Handler { return next }
