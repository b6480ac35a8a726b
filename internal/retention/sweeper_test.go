package retention

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/technosupport/ts-sentinel/internal/data"
)

type fakeStore struct {
	expired   []*data.Event
	listErr   error
	deleteErr error
	deleted   []uuid.UUID
	cutoff    time.Time
}

func (f *fakeStore) ListOlderThan(_ context.Context, cutoff time.Time, limit int) ([]*data.Event, error) {
	f.cutoff = cutoff
	if f.listErr != nil {
		return nil, f.listErr
	}
	// Simulate rows leaving the table as they are deleted.
	remaining := f.expired[len(f.deleted):]
	if len(remaining) > limit {
		remaining = remaining[:limit]
	}
	return remaining, nil
}

func (f *fakeStore) Delete(_ context.Context, id uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func writeArtifact(t *testing.T, root, rel string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func TestSweepRemovesArtifactsAndRows(t *testing.T) {
	root := t.TempDir()
	ev := &data.Event{
		ID:            uuid.New(),
		CameraID:      3,
		ClipPath:      "clips/camera_3/old.mp4",
		ThumbnailPath: "thumbnails/camera_3/old.jpg",
		SidecarPath:   "json/camera_3/old.json",
	}
	clip := writeArtifact(t, root, ev.ClipPath)
	thumb := writeArtifact(t, root, ev.ThumbnailPath)
	sidecar := writeArtifact(t, root, ev.SidecarPath)

	store := &fakeStore{expired: []*data.Event{ev}}
	s := NewSweeper(store, root, 30)

	n := s.Sweep(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []uuid.UUID{ev.ID}, store.deleted)

	for _, path := range []string{clip, thumb, sidecar} {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), "artifact %s should be gone", path)
	}

	// Cutoff honors the retention window.
	wantCutoff := time.Now().AddDate(0, 0, -30)
	assert.WithinDuration(t, wantCutoff, store.cutoff, time.Minute)
}

func TestSweepToleratesMissingArtifacts(t *testing.T) {
	ev := &data.Event{ID: uuid.New(), ClipPath: "clips/never_written.mp4"}
	store := &fakeStore{expired: []*data.Event{ev}}
	s := NewSweeper(store, t.TempDir(), 30)

	n := s.Sweep(context.Background())
	assert.Equal(t, 1, n)
	assert.Len(t, store.deleted, 1)
}

func TestSweepDrainsBacklogInBatches(t *testing.T) {
	var expired []*data.Event
	for i := 0; i < sweepBatch+25; i++ {
		expired = append(expired, &data.Event{ID: uuid.New()})
	}
	store := &fakeStore{expired: expired}
	s := NewSweeper(store, t.TempDir(), 7)

	n := s.Sweep(context.Background())
	assert.Equal(t, sweepBatch+25, n)
	assert.Len(t, store.deleted, sweepBatch+25)
}

func TestSweepAbortsOnDeleteError(t *testing.T) {
	store := &fakeStore{
		expired:   []*data.Event{{ID: uuid.New()}, {ID: uuid.New()}},
		deleteErr: errors.New("deadlock"),
	}
	s := NewSweeper(store, t.TempDir(), 7)

	n := s.Sweep(context.Background())
	assert.Equal(t, 0, n)
	assert.Empty(t, store.deleted)
}

func TestRunDisabledWithoutRetentionDays(t *testing.T) {
	store := &fakeStore{expired: []*data.Event{{ID: uuid.New()}}}
	s := NewSweeper(store, t.TempDir(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx)

	assert.Empty(t, store.deleted, "days=0 must not sweep")
}
