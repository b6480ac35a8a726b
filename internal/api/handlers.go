// Package api is the control-plane HTTP surface: fleet status, per-camera
// control, the event store, live frames, media files and the websocket
// event feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/technosupport/ts-sentinel/internal/audit"
	"github.com/technosupport/ts-sentinel/internal/bus"
	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/middleware"
	"github.com/technosupport/ts-sentinel/internal/shm"
	"github.com/technosupport/ts-sentinel/internal/supervisor"
)

// Controller is the supervisor surface the API drives.
type Controller interface {
	Start(ctx context.Context, cameraID int64) error
	Stop(ctx context.Context, cameraID int64) error
	Restart(ctx context.Context, cameraID int64) error
	StartAll(ctx context.Context) (int, error)
	StopAll(ctx context.Context)
	Status() []supervisor.Status
	CameraStatus(ctx context.Context, cameraID int64) (supervisor.Status, error)
	Frame(cameraID int64) (*shm.FrameSnapshot, error)
}

// EventStore is the slice of the event model the API reads and updates.
type EventStore interface {
	List(ctx context.Context, f data.EventFilter) ([]*data.Event, int, error)
	Latest(ctx context.Context, cameraID int64) (*data.Event, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// LatestCache answers latest-event lookups before the store is consulted.
type LatestCache interface {
	LatestEvent(ctx context.Context, cameraID int64) (*bus.Message, error)
}

// Auditor records control actions and serves the recent trail.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry)
	Recent(ctx context.Context, limit int) ([]audit.Entry, error)
}

type Handlers struct {
	control   Controller
	events    EventStore
	cache     LatestCache
	audit     Auditor
	hub       *EventHub
	mediaRoot string
}

// Helpers
func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func cameraID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// GET /api/v1/status
func (h *Handlers) SystemStatus(w http.ResponseWriter, r *http.Request) {
	statuses := h.control.Status()
	running := 0
	for _, st := range statuses {
		if st.State == "running" {
			running++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"workers": statuses,
		"running": running,
		"time":    time.Now().UTC(),
	})
}

// GET /api/v1/cameras/{id}/status
func (h *Handlers) CameraStatus(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	st, err := h.control.CameraStatus(r.Context(), id)
	if errors.Is(err, supervisor.ErrUnknownCamera) {
		respondError(w, http.StatusNotFound, "camera not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "status lookup failed")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// GET /api/v1/cameras/{id}/frame serves the worker's latest annotated JPEG.
func (h *Handlers) CameraFrame(w http.ResponseWriter, r *http.Request) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	frame, err := h.control.Frame(id)
	switch {
	case errors.Is(err, supervisor.ErrNotRunning):
		respondError(w, http.StatusNotFound, "worker not running")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "frame read failed")
		return
	case frame == nil:
		respondError(w, http.StatusNotFound, "no frame published yet")
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Index", strconv.FormatInt(frame.Index, 10))
	w.Header().Set("X-Frame-Time", frame.Timestamp.UTC().Format(time.RFC3339Nano))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.JPEG)
}

// POST /api/v1/cameras/{id}/start
func (h *Handlers) StartCamera(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, audit.ActionStart, "started", h.control.Start)
}

// POST /api/v1/cameras/{id}/stop
func (h *Handlers) StopCamera(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, audit.ActionStop, "stopped", h.control.Stop)
}

// POST /api/v1/cameras/{id}/restart
func (h *Handlers) RestartCamera(w http.ResponseWriter, r *http.Request) {
	h.controlAction(w, r, audit.ActionRestart, "restarted", h.control.Restart)
}

func (h *Handlers) controlAction(w http.ResponseWriter, r *http.Request, action, okStatus string, fn func(context.Context, int64) error) {
	id, err := cameraID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera id")
		return
	}

	err = fn(r.Context(), id)
	h.recordAction(w, r, audit.Entry{Action: action, CameraID: &id}, err)

	switch {
	case errors.Is(err, supervisor.ErrUnknownCamera):
		respondError(w, http.StatusNotFound, "camera not found")
	case errors.Is(err, supervisor.ErrNotRunning):
		respondError(w, http.StatusConflict, "worker not running")
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": okStatus})
	}
}

// POST /api/v1/workers/start-all
func (h *Handlers) StartAllWorkers(w http.ResponseWriter, r *http.Request) {
	started, err := h.control.StartAll(r.Context())
	h.recordAction(w, r, audit.Entry{
		Action: audit.ActionStartAll,
		Detail: fmt.Sprintf("started %d", started),
	}, err)

	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("started %d, first error: %v", started, err))
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "started", "workers": started})
}

// POST /api/v1/workers/stop-all
func (h *Handlers) StopAllWorkers(w http.ResponseWriter, r *http.Request) {
	h.control.StopAll(r.Context())
	h.recordAction(w, r, audit.Entry{Action: audit.ActionStopAll}, nil)
	respondJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// recordAction stamps request metadata onto the entry and hands it to the
// auditor. A nil auditor means auditing is disabled.
func (h *Handlers) recordAction(w http.ResponseWriter, r *http.Request, e audit.Entry, err error) {
	if h.audit == nil {
		return
	}

	e.Result = audit.ResultSuccess
	if err != nil {
		e.Result = audit.ResultFailure
		if e.Detail != "" {
			e.Detail += ": "
		}
		e.Detail += err.Error()
	}

	if host, _, splitErr := net.SplitHostPort(r.RemoteAddr); splitErr == nil {
		e.ClientIP = host
	} else {
		e.ClientIP = r.RemoteAddr
	}
	e.RequestID = w.Header().Get("X-Request-ID")
	if claims, ok := middleware.ClaimsFrom(r.Context()); ok {
		e.Actor = claims.Subject
	}

	h.audit.Record(r.Context(), e)
}

// GET /api/v1/events
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	f, err := eventFilter(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, total, err := h.events.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	if events == nil {
		events = []*data.Event{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  total,
		"limit":  f.Limit,
		"offset": f.Offset,
	})
}

func eventFilter(r *http.Request) (data.EventFilter, error) {
	var f data.EventFilter
	q := r.URL.Query()

	if v := q.Get("camera_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, fmt.Errorf("invalid camera_id %q", v)
		}
		f.CameraID = &id
	}
	f.Type = q.Get("type")
	f.Status = q.Get("status")

	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid since %q, want RFC3339", v)
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("invalid until %q, want RFC3339", v)
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", v)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid offset %q", v)
		}
		f.Offset = n
	}
	return f, nil
}

// GET /api/v1/events/latest?camera_id=N answers from the live cache when it
// can and falls back to the store, shaping both the same way.
func (h *Handlers) LatestEvent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.URL.Query().Get("camera_id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid camera_id")
		return
	}

	if h.cache != nil {
		m, err := h.cache.LatestEvent(r.Context(), id)
		if err != nil {
			log.Printf("[api] live cache lookup: %v", err)
		}
		if m != nil {
			respondJSON(w, http.StatusOK, m)
			return
		}
	}

	ev, err := h.events.Latest(r.Context(), id)
	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "no events for camera")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	respondJSON(w, http.StatusOK, latestFromStore(ev))
}

func latestFromStore(ev *data.Event) *bus.Message {
	return &bus.Message{
		EventID:       ev.ID.String(),
		CameraID:      ev.CameraID,
		Type:          ev.Type,
		Confidence:    ev.Confidence,
		CapturedAt:    ev.CapturedAt,
		ClipPath:      ev.ClipPath,
		ThumbnailPath: ev.ThumbnailPath,
		SidecarPath:   ev.SidecarPath,
		BBox:          ev.BBox,
		FrameIndex:    ev.FrameIndex,
		Status:        ev.Status,
	}
}

// POST /api/v1/events/{id}/status
func (h *Handlers) UpdateEventStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid event id")
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !data.EventStatuses[req.Status] {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", req.Status))
		return
	}

	err = h.events.UpdateStatus(r.Context(), id, req.Status)
	h.recordAction(w, r, audit.Entry{
		Action: audit.ActionEventStatus,
		Detail: fmt.Sprintf("%s -> %s", id, req.Status),
	}, err)

	if errors.Is(err, data.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "status update failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": req.Status})
}

// GET /api/v1/audit
func (h *Handlers) AuditLog(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		respondError(w, http.StatusNotFound, "auditing disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, err := h.audit.Recent(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GET /media/* serves clips, thumbnails and sidecars from the media root.
func (h *Handlers) ServeMedia(w http.ResponseWriter, r *http.Request) {
	rel := chi.URLParam(r, "*")
	if rel == "" {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	// Collapse any ../ before anchoring under the media root.
	path := filepath.Join(h.mediaRoot, filepath.Clean("/"+rel))
	root := filepath.Clean(h.mediaRoot)
	if path != root && !strings.HasPrefix(path, root+string(os.PathSeparator)) {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}
