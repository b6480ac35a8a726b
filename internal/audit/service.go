// Package audit keeps an append-only record of control actions: who asked
// which camera to do what, and how it went. Entries that cannot reach the
// database spool to a local JSONL file and replay once it comes back.
package audit

import (
	"context"
	"database/sql"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Service writes audit entries to Postgres with local spool failover.
type Service struct {
	DB       *sql.DB
	spoolDir string

	spoolMu  sync.Mutex
	replayMu sync.Mutex
}

func NewService(db *sql.DB, spoolDir string) *Service {
	if err := os.MkdirAll(spoolDir, 0o750); err != nil {
		log.Printf("[audit] create spool dir %s: %v", spoolDir, err)
	}
	return &Service{DB: db, spoolDir: spoolDir}
}

// Record persists one entry. It never fails the control action it
// describes: database trouble falls back to the spool, and spool trouble
// only logs.
func (s *Service) Record(ctx context.Context, e Entry) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	if err := s.insert(ctx, e); err != nil {
		log.Printf("[audit] insert %s: %v, spooling", e.Action, err)
		if err := s.spool(e); err != nil {
			log.Printf("[audit] spool %s: %v, entry dropped", e.Action, err)
		}
	}
}

func (s *Service) insert(ctx context.Context, e Entry) error {
	query := `
		INSERT INTO control_audit (id, action, camera_id, result, detail, actor, client_ip, request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := s.DB.ExecContext(ctx, query,
		e.ID, e.Action, e.CameraID, e.Result, e.Detail, e.Actor, e.ClientIP, e.RequestID, e.CreatedAt)
	return err
}

// Recent returns the newest entries, most recent first.
func (s *Service) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, action, camera_id, result, detail, actor, client_ip, request_id, created_at
		FROM control_audit
		ORDER BY created_at DESC
		LIMIT $1`

	rows, err := s.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Action, &e.CameraID, &e.Result, &e.Detail,
			&e.Actor, &e.ClientIP, &e.RequestID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
