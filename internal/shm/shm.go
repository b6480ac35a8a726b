// Package shm implements the per-worker shared state file: a small
// memory-mapped region the worker process writes and the supervisor reads.
// It carries the worker's status fields and a single-slot latest-frame
// register. Writers overwrite, readers copy out; there is no queue.
//
// Torn reads are prevented with sequence locks: the writer makes the
// sequence odd, mutates, then makes it even again, and readers retry while
// the sequence is odd or changed underneath them. Counters and the
// heartbeat are plain atomics and need no sequence. Files are host-local
// and transient, so all fields are native-endian.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// State is the worker lifecycle state machine.
type State uint32

const (
	StateStarting State = iota
	StateRunning
	StateReconnecting
	StateStopping
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

const (
	magic   = 0x534e544c // "SNTL"
	version = 1

	// FrameCap bounds the JPEG slot. Annotated 1080p frames stay well under.
	FrameCap = 1 << 20

	maxErrLen = 255

	offMagic      = 0
	offVersion    = 4
	offCameraID   = 8
	offStatusSeq  = 16
	offState      = 24
	offPID        = 28
	offStartNano  = 32
	offErrLen     = 40
	offErrBuf     = 48
	offHeartbeat    = 304
	offFrames       = 312
	offEvents       = 320
	offReconnects   = 328
	offPersistFails = 336
	offFrameSeq     = 344
	offFrameIndex   = 352
	offFrameNano    = 360
	offFrameW       = 368
	offFrameH       = 372
	offFrameLen     = 376
	offFrameData    = 384

	fileSize = offFrameData + FrameCap
)

var (
	ErrBadMagic  = errors.New("shm: not a worker state file")
	ErrTornRead  = errors.New("shm: reader kept losing races with the writer")
	ErrFrameSize = errors.New("shm: frame exceeds slot capacity")
)

// readRetries bounds how often a reader retries a torn snapshot before
// giving up with ErrTornRead.
const readRetries = 16

type mapped []byte

func (m mapped) u32(off int) *uint32 { return (*uint32)(unsafe.Pointer(&m[off])) }
func (m mapped) u64(off int) *uint64 { return (*uint64)(unsafe.Pointer(&m[off])) }
func (m mapped) i64(off int) *int64  { return (*int64)(unsafe.Pointer(&m[off])) }

// Status is one consistent snapshot of a worker's externally visible state.
type Status struct {
	CameraID        int64     `json:"camera_id"`
	State           State     `json:"-"`
	StateName       string    `json:"state"`
	PID             int       `json:"pid"`
	StartedAt       time.Time `json:"started_at"`
	LastHeartbeat   time.Time `json:"last_heartbeat"`
	FramesProcessed uint64    `json:"frames_processed"`
	EventsDetected  uint64    `json:"events_detected"`
	Reconnects      uint64    `json:"reconnects"`
	PersistFailures uint64    `json:"persist_failures"`
	LastError       string    `json:"last_error,omitempty"`
}

// Uptime is the wall-clock time since the worker started.
func (s Status) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// FrameSnapshot is a copied-out latest frame.
type FrameSnapshot struct {
	Index     int64
	Timestamp time.Time
	Width     int
	Height    int
	JPEG      []byte
}

// Writer is the worker-side handle. One worker owns one file; methods are
// safe for the worker's own goroutines.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	mem  mapped
	path string
}

// Create builds (or resets) the state file for one camera and maps it.
func Create(path string, cameraID int64) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	if err := f.Truncate(fileSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: size %s: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, fileSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	w := &Writer{f: f, mem: mem, path: path}

	// Zero any previous incarnation before stamping the header.
	for i := range mem {
		mem[i] = 0
	}
	*w.mem.u32(offMagic) = magic
	*w.mem.u32(offVersion) = version
	*w.mem.i64(offCameraID) = cameraID
	*w.mem.u32(offPID) = uint32(os.Getpid())
	*w.mem.i64(offStartNano) = time.Now().UnixNano()
	atomic.StoreInt64(w.mem.i64(offHeartbeat), time.Now().UnixNano())
	return w, nil
}

// SetState publishes the lifecycle state and the most recent error text
// (empty clears it). Long errors are truncated to fit the slot.
func (w *Writer) SetState(s State, lastErr string) {
	if len(lastErr) > maxErrLen {
		lastErr = lastErr[:maxErrLen]
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.mem.u64(offStatusSeq)
	atomic.AddUint64(seq, 1)
	*w.mem.u32(offState) = uint32(s)
	*w.mem.u32(offErrLen) = uint32(len(lastErr))
	copy(w.mem[offErrBuf:offErrBuf+maxErrLen+1], lastErr)
	atomic.AddUint64(seq, 1)
}

// Touch refreshes the heartbeat. The supervisor treats a stale heartbeat as
// a hung worker.
func (w *Writer) Touch(now time.Time) {
	atomic.StoreInt64(w.mem.i64(offHeartbeat), now.UnixNano())
}

func (w *Writer) SetFrames(n uint64)          { atomic.StoreUint64(w.mem.u64(offFrames), n) }
func (w *Writer) SetEvents(n uint64)          { atomic.StoreUint64(w.mem.u64(offEvents), n) }
func (w *Writer) SetReconnects(n uint64)      { atomic.StoreUint64(w.mem.u64(offReconnects), n) }
func (w *Writer) SetPersistFailures(n uint64) { atomic.StoreUint64(w.mem.u64(offPersistFails), n) }

// PublishFrame overwrites the latest-frame slot.
func (w *Writer) PublishFrame(index int64, ts time.Time, width, height int, jpeg []byte) error {
	if len(jpeg) > FrameCap {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(jpeg))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	seq := w.mem.u64(offFrameSeq)
	atomic.AddUint64(seq, 1)
	*w.mem.i64(offFrameIndex) = index
	*w.mem.i64(offFrameNano) = ts.UnixNano()
	*w.mem.u32(offFrameW) = uint32(width)
	*w.mem.u32(offFrameH) = uint32(height)
	*w.mem.u32(offFrameLen) = uint32(len(jpeg))
	copy(w.mem[offFrameData:offFrameData+FrameCap], jpeg)
	atomic.AddUint64(seq, 1)
	return nil
}

// Close unmaps and closes the file, leaving it on disk for the supervisor
// to inspect and clean up.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mem == nil {
		return nil
	}
	err := unix.Munmap(w.mem)
	w.mem = nil
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader is the supervisor-side handle. Reads never block the writer.
type Reader struct {
	f   *os.File
	mem mapped
}

// Open maps an existing state file read-only.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < fileSize {
		f.Close()
		return nil, ErrBadMagic
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, fileSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	r := &Reader{f: f, mem: mem}
	if *r.mem.u32(offMagic) != magic || *r.mem.u32(offVersion) != version {
		r.Close()
		return nil, ErrBadMagic
	}
	return r, nil
}

// Status returns a consistent snapshot of the worker's state.
func (r *Reader) Status() (Status, error) {
	seq := r.mem.u64(offStatusSeq)
	var st Status
	for try := 0; try < readRetries; try++ {
		s1 := atomic.LoadUint64(seq)
		if s1%2 != 0 {
			runtime.Gosched()
			continue
		}
		state := State(*r.mem.u32(offState))
		errLen := int(*r.mem.u32(offErrLen))
		if errLen > maxErrLen {
			errLen = maxErrLen
		}
		lastErr := string(r.mem[offErrBuf : offErrBuf+errLen])
		startNano := *r.mem.i64(offStartNano)
		if atomic.LoadUint64(seq) != s1 {
			continue
		}
		st = Status{
			CameraID:        *r.mem.i64(offCameraID),
			State:           state,
			StateName:       state.String(),
			PID:             int(*r.mem.u32(offPID)),
			StartedAt:       time.Unix(0, startNano),
			LastHeartbeat:   time.Unix(0, atomic.LoadInt64(r.mem.i64(offHeartbeat))),
			FramesProcessed: atomic.LoadUint64(r.mem.u64(offFrames)),
			EventsDetected:  atomic.LoadUint64(r.mem.u64(offEvents)),
			Reconnects:      atomic.LoadUint64(r.mem.u64(offReconnects)),
			PersistFailures: atomic.LoadUint64(r.mem.u64(offPersistFails)),
			LastError:       lastErr,
		}
		return st, nil
	}
	return st, ErrTornRead
}

// Frame copies out the latest published frame, or nil when the worker has
// not published one yet.
func (r *Reader) Frame() (*FrameSnapshot, error) {
	seq := r.mem.u64(offFrameSeq)
	for try := 0; try < readRetries; try++ {
		s1 := atomic.LoadUint64(seq)
		if s1%2 != 0 {
			runtime.Gosched()
			continue
		}
		n := int(*r.mem.u32(offFrameLen))
		if n == 0 {
			if atomic.LoadUint64(seq) == s1 {
				return nil, nil
			}
			continue
		}
		if n > FrameCap {
			n = FrameCap
		}
		snap := &FrameSnapshot{
			Index:     *r.mem.i64(offFrameIndex),
			Timestamp: time.Unix(0, *r.mem.i64(offFrameNano)),
			Width:     int(*r.mem.u32(offFrameW)),
			Height:    int(*r.mem.u32(offFrameH)),
			JPEG:      make([]byte, n),
		}
		copy(snap.JPEG, r.mem[offFrameData:offFrameData+n])
		if atomic.LoadUint64(seq) != s1 {
			continue
		}
		return snap, nil
	}
	return nil, ErrTornRead
}

func (r *Reader) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// StatePath is the canonical state file location for one camera.
func StatePath(dir string, cameraID int64) string {
	return filepath.Join(dir, fmt.Sprintf("camera_%d.state", cameraID))
}
