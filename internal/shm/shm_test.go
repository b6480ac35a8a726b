package shm

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	path := StatePath(t.TempDir(), 7)

	w, err := Create(path, 7)
	require.NoError(t, err)
	defer w.Close()

	started := time.Now()
	w.SetState(StateRunning, "")
	w.SetFrames(1234)
	w.SetEvents(3)
	w.SetReconnects(1)
	w.Touch(started.Add(5 * time.Second))

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, int64(7), st.CameraID)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, "running", st.StateName)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, uint64(1234), st.FramesProcessed)
	assert.Equal(t, uint64(3), st.EventsDetected)
	assert.Equal(t, uint64(1), st.Reconnects)
	assert.Empty(t, st.LastError)
	assert.WithinDuration(t, started, st.StartedAt, 2*time.Second)
	assert.WithinDuration(t, started.Add(5*time.Second), st.LastHeartbeat, time.Millisecond)
}

func TestStateTransitionsVisibleToReader(t *testing.T) {
	path := StatePath(t.TempDir(), 2)

	w, err := Create(path, 2)
	require.NoError(t, err)
	defer w.Close()
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StateStarting, st.State)

	w.SetState(StateReconnecting, "rtsp: read timed out")
	st, err = r.Status()
	require.NoError(t, err)
	assert.Equal(t, StateReconnecting, st.State)
	assert.Equal(t, "rtsp: read timed out", st.LastError)

	// Recovery clears the error text.
	w.SetState(StateRunning, "")
	st, err = r.Status()
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st.State)
	assert.Empty(t, st.LastError)
}

func TestLongErrorTruncated(t *testing.T) {
	path := StatePath(t.TempDir(), 3)

	w, err := Create(path, 3)
	require.NoError(t, err)
	defer w.Close()
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	long := strings.Repeat("x", 4000)
	w.SetState(StateError, long)

	st, err := r.Status()
	require.NoError(t, err)
	assert.Len(t, st.LastError, maxErrLen)
	assert.Equal(t, long[:maxErrLen], st.LastError)
}

func TestFrameSlotRoundTrip(t *testing.T) {
	path := StatePath(t.TempDir(), 4)

	w, err := Create(path, 4)
	require.NoError(t, err)
	defer w.Close()
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	// Nothing published yet.
	snap, err := r.Frame()
	require.NoError(t, err)
	assert.Nil(t, snap)

	ts := time.Now()
	jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0xFF, 0xD9}
	require.NoError(t, w.PublishFrame(42, ts, 1920, 1080, jpeg))

	snap, err = r.Frame()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(42), snap.Index)
	assert.Equal(t, 1920, snap.Width)
	assert.Equal(t, 1080, snap.Height)
	assert.Equal(t, jpeg, snap.JPEG)
	assert.WithinDuration(t, ts, snap.Timestamp, time.Millisecond)

	// A second publish replaces the slot rather than queueing.
	require.NoError(t, w.PublishFrame(43, ts, 1920, 1080, []byte{0xFF, 0xD8, 0xFF, 0xD9}))
	snap, err = r.Frame()
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(43), snap.Index)
	assert.Len(t, snap.JPEG, 4)
}

func TestPublishFrameRejectsOversize(t *testing.T) {
	path := StatePath(t.TempDir(), 5)

	w, err := Create(path, 5)
	require.NoError(t, err)
	defer w.Close()

	err = w.PublishFrame(1, time.Now(), 1, 1, make([]byte, FrameCap+1))
	assert.ErrorIs(t, err, ErrFrameSize)
}

func TestOpenRejectsForeignFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Open(filepath.Join(dir, "missing.state"))
	assert.Error(t, err)

	short := filepath.Join(dir, "short.state")
	require.NoError(t, os.WriteFile(short, []byte("not a state file"), 0o644))
	_, err = Open(short)
	assert.ErrorIs(t, err, ErrBadMagic)

	// Right size, wrong magic.
	junk := filepath.Join(dir, "junk.state")
	require.NoError(t, os.WriteFile(junk, make([]byte, fileSize), 0o644))
	_, err = Open(junk)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestCreateResetsPreviousIncarnation(t *testing.T) {
	path := StatePath(t.TempDir(), 6)

	w1, err := Create(path, 6)
	require.NoError(t, err)
	w1.SetState(StateError, "crashed")
	w1.SetFrames(999)
	require.NoError(t, w1.Close())

	w2, err := Create(path, 6)
	require.NoError(t, err)
	defer w2.Close()

	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	st, err := r.Status()
	require.NoError(t, err)
	assert.Equal(t, StateStarting, st.State)
	assert.Empty(t, st.LastError)
	assert.Zero(t, st.FramesProcessed)
}

func TestConcurrentReadersSeeConsistentSnapshots(t *testing.T) {
	path := StatePath(t.TempDir(), 8)

	w, err := Create(path, 8)
	require.NoError(t, err)
	defer w.Close()
	r, err := Open(path)
	require.NoError(t, err)
	defer r.Close()

	// The writer flips between two states whose error text matches the
	// state name; a torn read would pair one state with the other's text.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			default:
			}
			if i%2 == 0 {
				w.SetState(StateRunning, "")
			} else {
				w.SetState(StateReconnecting, "rtsp: read timed out")
			}
		}
	}()

	for i := 0; i < 2000; i++ {
		st, err := r.Status()
		if err != nil {
			// Writer was mid-update for every retry; try again.
			continue
		}
		switch st.State {
		case StateRunning:
			assert.Empty(t, st.LastError)
		case StateReconnecting:
			assert.Equal(t, "rtsp: read timed out", st.LastError)
		case StateStarting:
			// Initial state before the writer's first flip.
		default:
			t.Fatalf("impossible state %v", st.State)
		}
	}
	close(done)
	wg.Wait()
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "error", StateError.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestStatusUptime(t *testing.T) {
	now := time.Now()
	st := Status{StartedAt: now.Add(-90 * time.Second)}
	assert.Equal(t, 90*time.Second, st.Uptime(now))
	assert.Zero(t, Status{}.Uptime(now))
}
