// Package supervisor owns the camera worker processes: it spawns one
// process per enabled camera, restarts crashed workers with exponential
// backoff, kills workers whose heartbeat goes stale, and merges every
// worker's shared state file into one status feed for the API.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/technosupport/ts-sentinel/internal/data"
	"github.com/technosupport/ts-sentinel/internal/shm"
)

var (
	ErrUnknownCamera = errors.New("supervisor: unknown camera")
	ErrNotRunning    = errors.New("supervisor: worker not running")
)

// maxRestartBackoff caps the crash backoff no matter how often a worker
// has died.
const maxRestartBackoff = 60 * time.Second

// exitConfig is the worker's exit code for configuration failures.
const exitConfig = 2

type Config struct {
	StateDir         string
	StopTimeout      time.Duration
	HeartbeatTimeout time.Duration
	Tick             time.Duration
	MaxRestarts      int
	RestartBackoff   time.Duration
	// AutoRestart lets the tick loop cycle workers flagged stale by a
	// config change, one per tick.
	AutoRestart bool
}

func (c Config) withDefaults() Config {
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10 * time.Second
	}
	if c.Tick <= 0 {
		c.Tick = 5 * time.Second
	}
	if c.RestartBackoff <= 0 {
		c.RestartBackoff = 3 * time.Second
	}
	if c.MaxRestarts == 0 {
		c.MaxRestarts = 5
	}
	return c
}

// CameraSource is the slice of the camera store the supervisor needs.
type CameraSource interface {
	Get(ctx context.Context, id int64) (*data.Camera, error)
	List(ctx context.Context, enabledOnly bool) ([]*data.Camera, error)
}

// StatusSink receives the final status of a worker that left the running
// set, so the latest counters survive the process. Implementations log
// their own failures.
type StatusSink interface {
	SaveWorkerStatus(ctx context.Context, st Status)
}

// Proc is one spawned worker process.
type Proc interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed or unknown.
	ExitCode() int
}

// Launcher spawns worker processes. Swapped for a fake in tests.
type Launcher interface {
	Launch(cameraID int64) (Proc, error)
}

// Status is one camera's row in the status feed: the worker's own state
// file merged with what only the supervisor knows (pending restarts,
// stale config, gave-up errors).
type Status struct {
	CameraID        int64     `json:"camera_id"`
	CameraName      string    `json:"camera_name,omitempty"`
	State           string    `json:"state"`
	PID             int       `json:"pid,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	FramesProcessed uint64    `json:"frames_processed"`
	EventsDetected  uint64    `json:"events_detected"`
	Reconnects      uint64    `json:"reconnects"`
	PersistFailures uint64    `json:"persist_failures"`
	Restarts        int       `json:"restarts,omitempty"`
	RestartPending  bool      `json:"restart_pending,omitempty"`
	ConfigStale     bool      `json:"config_stale,omitempty"`
	LastError       string    `json:"last_error,omitempty"`
}

func (st *Status) merge(snap shm.Status) {
	st.State = snap.StateName
	st.PID = snap.PID
	st.StartedAt = snap.StartedAt
	st.LastHeartbeat = snap.LastHeartbeat
	st.FramesProcessed = snap.FramesProcessed
	st.EventsDetected = snap.EventsDetected
	st.Reconnects = snap.Reconnects
	st.PersistFailures = snap.PersistFailures
	st.LastError = snap.LastError
}

type handle struct {
	camera     *data.Camera
	statePath  string
	proc       Proc
	reader     *shm.Reader
	launchedAt time.Time

	// last freezes the state file snapshot taken when the process died,
	// so the feed keeps crash-time counters while the relaunch pends.
	last *shm.Status

	restarts      int
	restartAt     time.Time // when a pending crash relaunch may run
	lastExitCode  int
	stopRequested bool
	configStale   bool

	// stopped is closed when the handle leaves the running set.
	stopped chan struct{}
}

type Supervisor struct {
	cfg      Config
	cameras  CameraSource
	launcher Launcher
	sink     StatusSink

	mu      sync.Mutex
	workers map[int64]*handle
	// retired keeps the final status of cameras no longer managed, so
	// the feed can still answer for them.
	retired map[int64]Status
}

func New(cfg Config, cameras CameraSource, launcher Launcher) *Supervisor {
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		cameras:  cameras,
		launcher: launcher,
		workers:  make(map[int64]*handle),
		retired:  make(map[int64]Status),
	}
}

// SetStatusSink registers the terminal-status sink. Call before Run.
func (s *Supervisor) SetStatusSink(sink StatusSink) { s.sink = sink }

// Start spawns the worker for one camera. Starting a camera that is
// already managed is a no-op.
func (s *Supervisor) Start(ctx context.Context, cameraID int64) error {
	s.mu.Lock()
	_, running := s.workers[cameraID]
	s.mu.Unlock()
	if running {
		return nil
	}

	cam, err := s.cameras.Get(ctx, cameraID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrUnknownCamera, cameraID)
	}
	if err != nil {
		return fmt.Errorf("supervisor: load camera %d: %w", cameraID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workers[cameraID]; ok {
		return nil
	}
	h := &handle{
		camera:    cam,
		statePath: shm.StatePath(s.cfg.StateDir, cameraID),
		stopped:   make(chan struct{}),
	}
	if err := s.launch(h); err != nil {
		return err
	}
	s.workers[cameraID] = h
	delete(s.retired, cameraID)
	return nil
}

// launch spawns the process for h. Callers hold s.mu.
func (s *Supervisor) launch(h *handle) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("supervisor: state dir: %w", err)
	}
	// Drop the previous incarnation's state file so the feed never
	// presents a dead process's counters as live.
	_ = os.Remove(h.statePath)
	if h.reader != nil {
		h.reader.Close()
		h.reader = nil
	}
	proc, err := s.launcher.Launch(h.camera.ID)
	if err != nil {
		return fmt.Errorf("supervisor: spawn worker %d: %w", h.camera.ID, err)
	}
	h.proc = proc
	h.launchedAt = time.Now()
	h.restartAt = time.Time{}
	h.last = nil
	h.configStale = false
	log.Printf("[supervisor] camera %d: worker started (pid %d)", h.camera.ID, proc.PID())
	return nil
}

// Stop terminates one camera's worker: SIGTERM, then SIGKILL after the
// stop timeout. Stopping a camera that is not managed is a no-op; a
// concurrent Stop waits for the first one to finish.
func (s *Supervisor) Stop(ctx context.Context, cameraID int64) error {
	s.mu.Lock()
	h, ok := s.workers[cameraID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	if h.stopRequested {
		s.mu.Unlock()
		select {
		case <-h.stopped:
		case <-ctx.Done():
		}
		return nil
	}
	h.stopRequested = true
	proc := h.proc
	s.mu.Unlock()

	if proc != nil {
		log.Printf("[supervisor] camera %d: stopping worker (pid %d)", cameraID, proc.PID())
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			_ = proc.Kill()
		}
		select {
		case <-proc.Done():
		case <-time.After(s.cfg.StopTimeout):
			log.Printf("[supervisor] camera %d: worker ignored SIGTERM for %s, killing", cameraID, s.cfg.StopTimeout)
			_ = proc.Kill()
			<-proc.Done()
		case <-ctx.Done():
			_ = proc.Kill()
			<-proc.Done()
		}
	}

	s.mu.Lock()
	s.finalizeLocked(cameraID, h, shm.StateStopped, "")
	s.mu.Unlock()
	return nil
}

// Restart stops the camera's worker if running and starts a fresh one,
// which re-reads the camera row.
func (s *Supervisor) Restart(ctx context.Context, cameraID int64) error {
	if err := s.Stop(ctx, cameraID); err != nil {
		return err
	}
	return s.Start(ctx, cameraID)
}

// StartAll starts every enabled camera and returns how many came up. The
// first failure is returned after the rest have been attempted.
func (s *Supervisor) StartAll(ctx context.Context) (int, error) {
	cams, err := s.cameras.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("supervisor: list cameras: %w", err)
	}
	started := 0
	var firstErr error
	for _, cam := range cams {
		if err := s.Start(ctx, cam.ID); err != nil {
			log.Printf("[supervisor] camera %d: start failed: %v", cam.ID, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started++
	}
	return started, firstErr
}

// StopAll stops every managed worker concurrently and waits for all of
// them.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_ = s.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// MarkAllStale flags every running worker as needing a restart to pick up
// new engine config. With AutoRestart the tick loop cycles them one at a
// time; otherwise the flag only shows in the status feed.
func (s *Supervisor) MarkAllStale() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.workers {
		if !h.stopRequested {
			h.configStale = true
			n++
		}
	}
	if n > 0 {
		log.Printf("[supervisor] engine config changed, %d running worker(s) need a restart", n)
	}
}

// Status reports every camera the supervisor knows about, running or
// retired, ordered by camera ID.
func (s *Supervisor) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.workers)+len(s.retired))
	for id, h := range s.workers {
		out = append(out, s.statusLocked(id, h))
	}
	for _, st := range s.retired {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// CameraStatus reports one camera. A camera that exists but was never
// managed in this process reports as stopped.
func (s *Supervisor) CameraStatus(ctx context.Context, cameraID int64) (Status, error) {
	s.mu.Lock()
	if h, ok := s.workers[cameraID]; ok {
		st := s.statusLocked(cameraID, h)
		s.mu.Unlock()
		return st, nil
	}
	if st, ok := s.retired[cameraID]; ok {
		s.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	cam, err := s.cameras.Get(ctx, cameraID)
	if errors.Is(err, data.ErrRecordNotFound) {
		return Status{}, fmt.Errorf("%w: %d", ErrUnknownCamera, cameraID)
	}
	if err != nil {
		return Status{}, fmt.Errorf("supervisor: load camera %d: %w", cameraID, err)
	}
	return Status{CameraID: cam.ID, CameraName: cam.Name, State: shm.StateStopped.String()}, nil
}

// Frame copies the latest annotated frame out of a running worker's state
// file, or nil when none has been published yet.
func (s *Supervisor) Frame(cameraID int64) (*shm.FrameSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.workers[cameraID]
	if !ok || h.proc == nil || h.stopRequested {
		return nil, fmt.Errorf("%w: camera %d", ErrNotRunning, cameraID)
	}
	if h.reader == nil {
		r, err := shm.Open(h.statePath)
		if err != nil {
			return nil, fmt.Errorf("%w: camera %d", ErrNotRunning, cameraID)
		}
		h.reader = r
	}
	return h.reader.Frame()
}

// Run drives supervision until ctx is cancelled. It does not stop the
// workers on exit; the caller decides when to StopAll.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	now := time.Now()
	var staleID int64
	var hasStale bool

	s.mu.Lock()
	for id, h := range s.workers {
		if h.stopRequested {
			continue
		}
		if h.proc == nil {
			if !h.restartAt.IsZero() && now.After(h.restartAt) {
				if err := s.launch(h); err != nil {
					log.Printf("[supervisor] camera %d: relaunch failed: %v", id, err)
					h.restartAt = now.Add(s.backoff(h.restarts))
				}
			}
			continue
		}
		select {
		case <-h.proc.Done():
			s.reapLocked(id, h, now)
			continue
		default:
		}
		if s.heartbeatExpired(h, now) {
			log.Printf("[supervisor] camera %d: heartbeat stale, killing worker (pid %d)", id, h.proc.PID())
			_ = h.proc.Kill()
			continue
		}
		if h.configStale && s.cfg.AutoRestart && !hasStale {
			staleID, hasStale = id, true
		}
	}
	s.mu.Unlock()

	// Cycle at most one stale worker per tick so a config change never
	// takes the whole site dark at once.
	if hasStale {
		log.Printf("[supervisor] camera %d: restarting for new engine config", staleID)
		if err := s.Restart(ctx, staleID); err != nil {
			log.Printf("[supervisor] camera %d: config restart failed: %v", staleID, err)
		}
	}
}

// heartbeatExpired holds when a live worker's state file heartbeat is
// older than the timeout. Fresh launches get one timeout of grace before
// the file is trusted.
func (s *Supervisor) heartbeatExpired(h *handle, now time.Time) bool {
	if s.cfg.HeartbeatTimeout <= 0 {
		return false
	}
	if now.Sub(h.launchedAt) <= s.cfg.HeartbeatTimeout {
		return false
	}
	snap, ok := s.readState(h)
	if !ok || snap.LastHeartbeat.Unix() <= 0 {
		// Never wrote a heartbeat past the grace period: stuck at birth.
		return true
	}
	return now.Sub(snap.LastHeartbeat) > s.cfg.HeartbeatTimeout
}

// reapLocked handles a process found dead without a stop request:
// schedule a backed-off relaunch, or retire the camera when the exit is a
// config error or the crash budget is spent. Callers hold s.mu.
func (s *Supervisor) reapLocked(id int64, h *handle, now time.Time) {
	code := h.proc.ExitCode()
	h.lastExitCode = code
	if snap, ok := s.readState(h); ok {
		h.last = &snap
	}
	if h.reader != nil {
		h.reader.Close()
		h.reader = nil
	}
	h.proc = nil

	if code == exitConfig {
		log.Printf("[supervisor] camera %d: worker exited with a config error, not restarting", id)
		s.finalizeLocked(id, h, shm.StateError, exitReason(code))
		return
	}
	h.restarts++
	if s.cfg.MaxRestarts > 0 && h.restarts > s.cfg.MaxRestarts {
		log.Printf("[supervisor] camera %d: worker crashed again after %d restarts, giving up", id, h.restarts-1)
		s.finalizeLocked(id, h, shm.StateError,
			fmt.Sprintf("gave up after %d restarts: %s", h.restarts-1, exitReason(code)))
		return
	}
	delay := s.backoff(h.restarts)
	h.restartAt = now.Add(delay)
	log.Printf("[supervisor] camera %d: worker died (%s), restart %d/%d in %s",
		id, exitReason(code), h.restarts, s.cfg.MaxRestarts, delay)
}

// finalizeLocked moves a handle out of the running set and records its
// final status. Callers hold s.mu.
func (s *Supervisor) finalizeLocked(id int64, h *handle, state shm.State, lastErr string) {
	st := Status{CameraID: id, CameraName: h.camera.Name, Restarts: h.restarts}
	if snap, ok := s.readState(h); ok {
		st.merge(snap)
	}
	st.State = state.String()
	st.PID = 0
	st.UptimeSeconds = 0
	if lastErr != "" {
		st.LastError = lastErr
	}
	if h.reader != nil {
		h.reader.Close()
		h.reader = nil
	}
	delete(s.workers, id)
	s.retired[id] = st
	close(h.stopped)
	if s.sink != nil {
		go s.sink.SaveWorkerStatus(context.Background(), st)
	}
	log.Printf("[supervisor] camera %d: worker %s", id, st.State)
}

func (s *Supervisor) statusLocked(id int64, h *handle) Status {
	st := Status{
		CameraID:    id,
		CameraName:  h.camera.Name,
		State:       shm.StateStarting.String(),
		Restarts:    h.restarts,
		ConfigStale: h.configStale,
	}
	if snap, ok := s.readState(h); ok {
		st.merge(snap)
	}
	now := time.Now()
	switch {
	case h.stopRequested:
		st.State = shm.StateStopping.String()
	case h.proc == nil:
		st.State = shm.StateStarting.String()
		st.PID = 0
		st.RestartPending = true
		st.UptimeSeconds = 0
		if st.LastError == "" {
			st.LastError = exitReason(h.lastExitCode)
		}
	default:
		if st.StartedAt.Unix() > 0 {
			st.UptimeSeconds = now.Sub(st.StartedAt).Seconds()
		}
	}
	return st
}

// readState returns the worker's state file snapshot: the frozen
// crash-time copy when the process is gone, else a live read. Callers
// hold s.mu.
func (s *Supervisor) readState(h *handle) (shm.Status, bool) {
	if h.last != nil {
		return *h.last, true
	}
	if h.reader == nil {
		r, err := shm.Open(h.statePath)
		if err != nil {
			return shm.Status{}, false
		}
		h.reader = r
	}
	snap, err := h.reader.Status()
	if err != nil {
		return shm.Status{}, false
	}
	return snap, true
}

func (s *Supervisor) backoff(restart int) time.Duration {
	d := s.cfg.RestartBackoff
	for i := 1; i < restart; i++ {
		d *= 2
		if d >= maxRestartBackoff {
			return maxRestartBackoff
		}
	}
	if d > maxRestartBackoff {
		d = maxRestartBackoff
	}
	return d
}

func exitReason(code int) string {
	switch code {
	case 0:
		return "exited cleanly"
	case exitConfig:
		return "configuration error (exit code 2)"
	case -1:
		return "killed"
	default:
		return fmt.Sprintf("exit code %d", code)
	}
}
