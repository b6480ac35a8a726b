// Package retention prunes events that aged out of the retention window:
// clip, thumbnail and sidecar files go first, then the row, so the API never
// offers dead links.
package retention

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/technosupport/ts-sentinel/internal/data"
)

// sweepBatch bounds one query so a large backlog drains in rounds instead
// of one giant result set.
const sweepBatch = 200

// EventStore is the slice of the event model the sweeper needs.
type EventStore interface {
	ListOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*data.Event, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// Sweeper deletes expired events and their media files.
type Sweeper struct {
	store     EventStore
	mediaRoot string
	days      int
	interval  time.Duration
}

func NewSweeper(store EventStore, mediaRoot string, days int) *Sweeper {
	return &Sweeper{store: store, mediaRoot: mediaRoot, days: days, interval: 24 * time.Hour}
}

// Run sweeps once at start and then daily until ctx ends. Days <= 0
// disables the sweep entirely.
func (s *Sweeper) Run(ctx context.Context) {
	if s.days <= 0 {
		return
	}

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep removes events older than the retention window, oldest first, in
// bounded batches until the backlog drains. Returns how many rows went.
func (s *Sweeper) Sweep(ctx context.Context) int {
	cutoff := time.Now().AddDate(0, 0, -s.days)
	deleted := 0

	for {
		events, err := s.store.ListOlderThan(ctx, cutoff, sweepBatch)
		if err != nil {
			log.Printf("[retention] list expired: %v", err)
			return deleted
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if ctx.Err() != nil {
				return deleted
			}
			s.removeArtifacts(ev)
			if err := s.store.Delete(ctx, ev.ID); err != nil {
				// Abort the pass; retrying the same row forever
				// would spin. The next tick picks it back up.
				log.Printf("[retention] delete event %s: %v", ev.ID, err)
				return deleted
			}
			deleted++
		}

		if len(events) < sweepBatch {
			break
		}
	}

	if deleted > 0 {
		log.Printf("[retention] swept %d events older than %d days", deleted, s.days)
	}
	return deleted
}

// removeArtifacts unlinks the media files. A file already gone is fine; the
// row still goes.
func (s *Sweeper) removeArtifacts(ev *data.Event) {
	for _, rel := range []string{ev.ClipPath, ev.ThumbnailPath, ev.SidecarPath} {
		if rel == "" {
			continue
		}
		path := filepath.Join(s.mediaRoot, rel)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("[retention] remove %s: %v", path, err)
		}
	}
}
