package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event statuses walk pending → reviewed | confirmed | dismissed; the review
// UI drives the transitions, the engine only ever writes "pending".
var EventStatuses = map[string]bool{
	"pending":   true,
	"reviewed":  true,
	"confirmed": true,
	"dismissed": true,
}

// Event is the durable record of one fired detection. Paths are relative to
// the media root; the clip file is guaranteed to exist at insert time.
type Event struct {
	ID            uuid.UUID `json:"id"`
	CameraID      int64     `json:"camera_id"`
	Type          string    `json:"event_type"`
	Confidence    float64   `json:"confidence"`
	CapturedAt    time.Time `json:"captured_at"`
	ClipPath      string    `json:"clip_path"`
	ThumbnailPath string    `json:"thumbnail_path"`
	SidecarPath   string    `json:"sidecar_path,omitempty"`
	Status        string    `json:"status"`
	BBox          []float64 `json:"bbox,omitempty"`
	FrameIndex    int64     `json:"frame_index"`
	CreatedAt     time.Time `json:"created_at"`
}

type EventModel struct {
	DB DBTX
}

const eventColumns = `id, camera_id, event_type, confidence, captured_at,
	       clip_path, thumbnail_path, sidecar_path, status, bbox, frame_index, created_at`

// Insert writes the event row. The id is generated client-side when unset so
// the caller can publish it on the bus without a read-back.
func (m EventModel) Insert(ctx context.Context, e *Event) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = "pending"
	}
	var bbox any
	if e.BBox != nil {
		b, err := json.Marshal(e.BBox)
		if err != nil {
			return fmt.Errorf("event bbox: %w", err)
		}
		bbox = b
	}

	query := `
		INSERT INTO events (
			id, camera_id, event_type, confidence, captured_at,
			clip_path, thumbnail_path, sidecar_path, status, bbox, frame_index
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at`

	return m.DB.QueryRowContext(ctx, query,
		e.ID, e.CameraID, e.Type, e.Confidence, e.CapturedAt,
		e.ClipPath, e.ThumbnailPath, e.SidecarPath, e.Status, bbox, e.FrameIndex,
	).Scan(&e.CreatedAt)
}

// EventFilter narrows List. Zero values mean "any".
type EventFilter struct {
	CameraID *int64
	Type     string
	Status   string
	Since    time.Time
	Until    time.Time
	Limit    int
	Offset   int
}

// List returns matching events newest-first plus the unpaged total.
func (m EventModel) List(ctx context.Context, f EventFilter) ([]*Event, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	nextArg := 1

	if f.CameraID != nil {
		where += fmt.Sprintf(" AND camera_id = $%d", nextArg)
		args = append(args, *f.CameraID)
		nextArg++
	}
	if f.Type != "" {
		where += fmt.Sprintf(" AND event_type = $%d", nextArg)
		args = append(args, f.Type)
		nextArg++
	}
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", nextArg)
		args = append(args, f.Status)
		nextArg++
	}
	if !f.Since.IsZero() {
		where += fmt.Sprintf(" AND created_at >= $%d", nextArg)
		args = append(args, f.Since)
		nextArg++
	}
	if !f.Until.IsZero() {
		where += fmt.Sprintf(" AND created_at < $%d", nextArg)
		args = append(args, f.Until)
		nextArg++
	}

	countQuery := "SELECT count(*) FROM events " + where
	var total int
	if err := m.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := fmt.Sprintf(`SELECT `+eventColumns+` FROM events %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, nextArg, nextArg+1)
	args = append(args, limit, f.Offset)

	rows, err := m.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, rows.Err()
}

// Latest returns the most recent event for one camera.
func (m EventModel) Latest(ctx context.Context, cameraID int64) (*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE camera_id = $1 ORDER BY created_at DESC LIMIT 1`
	e, err := scanEvent(m.DB.QueryRowContext(ctx, query, cameraID).Scan)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	return e, err
}

// UpdateStatus moves an event through the review workflow.
func (m EventModel) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	if !EventStatuses[status] {
		return fmt.Errorf("invalid event status %q", status)
	}
	res, err := m.DB.ExecContext(ctx, `UPDATE events SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// ListOlderThan feeds the retention sweep: oldest-first so repeated bounded
// passes drain the backlog.
func (m EventModel) ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events
		WHERE created_at < $1 ORDER BY created_at ASC LIMIT $2`
	rows, err := m.DB.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Delete removes one event row; artefact files are the caller's problem.
func (m EventModel) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := m.DB.ExecContext(ctx, `DELETE FROM events WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func scanEvent(scan func(dest ...any) error) (*Event, error) {
	var (
		e       Event
		sidecar sql.NullString
		bboxRaw []byte
	)
	err := scan(
		&e.ID, &e.CameraID, &e.Type, &e.Confidence, &e.CapturedAt,
		&e.ClipPath, &e.ThumbnailPath, &sidecar, &e.Status, &bboxRaw, &e.FrameIndex, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if sidecar.Valid {
		e.SidecarPath = sidecar.String
	}
	if len(bboxRaw) > 0 {
		if err := json.Unmarshal(bboxRaw, &e.BBox); err != nil {
			return nil, fmt.Errorf("event %s bbox: %w", e.ID, err)
		}
	}
	return &e, nil
}
