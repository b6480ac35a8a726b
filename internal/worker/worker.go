// Package worker runs one camera end to end inside its own process: RTSP
// capture with reconnection, the rolling clip buffer, the detector chain,
// and event persistence. Its externally visible state lives in the shared
// state file the supervisor reads.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"runtime"
	"time"

	"github.com/technosupport/ts-sentinel/internal/buffer"
	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/detect"
	"github.com/technosupport/ts-sentinel/internal/shm"
	"github.com/technosupport/ts-sentinel/internal/sink"
)

// Notifier fans out events this worker persisted. Implementations must not
// block the detection loop for long; failures are theirs to log.
type Notifier interface {
	EventSaved(ctx context.Context, ev *sink.Event)
}

type Config struct {
	CameraID  int64
	StatePath string

	// Dial produces a fresh capture source per (re)connection attempt.
	Dial   func(ctx context.Context) (capture.Source, error)
	Policy capture.ReconnectPolicy

	// Build constructs the detector chain and sink after the state file
	// exists, so a model load failure lands in the error state where the
	// supervisor can see it.
	Build    func(ctx context.Context) (*Pipeline, error)
	Notifier Notifier

	// BufferFrames caps the clip buffer; BufferStride buffers every Nth
	// frame and DetectStride runs the detectors every Nth. ClipFrames is
	// how much tail a saved clip takes.
	BufferFrames int
	BufferStride int
	DetectStride int
	ClipFrames   int

	// PinCPU restricts the process to core camera_id mod cpu_count.
	PinCPU bool
}

func (c *Config) defaults() {
	if c.BufferFrames <= 0 {
		c.BufferFrames = 450
	}
	if c.BufferStride <= 0 {
		c.BufferStride = 2
	}
	if c.DetectStride <= 0 {
		c.DetectStride = 4
	}
	if c.ClipFrames <= 0 {
		c.ClipFrames = 150
	}
}

const heartbeatPeriod = 5 * time.Second

// Worker is single-goroutine at heart: one loop alternates read and
// process, which keeps event ordering trivial and leaves the frame queue
// inside the capture source to absorb inference stalls.
type Worker struct {
	cfg     Config
	state   *shm.Writer
	unified *detect.Unified
	sink    *sink.Sink

	// raw feeds saved clips; annotated feeds the thumbnail and mirrors raw
	// when a frame was skipped or not annotated.
	raw       *buffer.Ring[*capture.Frame]
	annotated *buffer.Ring[*capture.Frame]

	// pending holds detections from the current frame until the buffer has
	// received the frame, so the clip tail always includes the trigger.
	pending []detect.Detection

	frames       uint64
	events       uint64
	reconnects   uint64
	persistFails uint64
}

func New(cfg Config) (*Worker, error) {
	cfg.defaults()
	if cfg.Dial == nil {
		return nil, errors.New("worker: nil dial")
	}
	if cfg.Build == nil {
		return nil, errors.New("worker: nil pipeline builder")
	}
	clone := (*capture.Frame).Clone
	return &Worker{
		cfg:       cfg,
		raw:       buffer.NewRing[*capture.Frame](cfg.BufferFrames, clone),
		annotated: buffer.NewRing[*capture.Frame](cfg.BufferFrames, clone),
	}, nil
}

// Run drives the worker until the context is cancelled (graceful stop,
// returns nil) or a fatal error lands it in the error state.
func (w *Worker) Run(ctx context.Context) error {
	state, err := shm.Create(w.cfg.StatePath, w.cfg.CameraID)
	if err != nil {
		return err
	}
	defer state.Close()
	w.state = state
	state.SetState(shm.StateStarting, "")

	go func() {
		t := time.NewTicker(heartbeatPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				state.Touch(now)
			}
		}
	}()

	if w.cfg.PinCPU {
		core := int(w.cfg.CameraID % int64(runtime.NumCPU()))
		if err := pinToCore(core); err != nil {
			log.Printf("[worker %d] cpu pin to core %d: %v", w.cfg.CameraID, core, err)
		} else {
			log.Printf("[worker %d] pinned to core %d", w.cfg.CameraID, core)
		}
	}

	pipe, err := w.cfg.Build(ctx)
	if err != nil {
		return w.fatal(&Error{Kind: KindConfig, Stage: "pipeline", Err: err})
	}
	defer pipe.Close()
	w.unified = pipe.Unified
	w.sink = pipe.Sink

	src := capture.NewResilient(w.cfg.CameraID, w.cfg.Policy, w.cfg.Dial)
	src.OnReconnecting = func(reason string) {
		state.SetState(shm.StateReconnecting, reason)
	}
	src.OnRecovered = func() {
		w.reconnects++
		state.SetReconnects(w.reconnects)
		state.SetState(shm.StateRunning, "")
	}

	if err := src.Open(ctx); err != nil {
		if ctx.Err() != nil {
			state.SetState(shm.StateStopped, "")
			return nil
		}
		return w.fatal(classify("open", err))
	}
	defer src.Close()
	state.SetState(shm.StateRunning, "")
	log.Printf("[worker %d] running", w.cfg.CameraID)

	err = w.loop(ctx, src)
	if err != nil && ctx.Err() == nil {
		return w.fatal(classify("capture", err))
	}
	state.SetState(shm.StateStopping, "")
	state.SetState(shm.StateStopped, "")
	log.Printf("[worker %d] stopped", w.cfg.CameraID)
	return nil
}

func (w *Worker) fatal(err error) error {
	w.state.SetState(shm.StateError, err.Error())
	log.Printf("[worker %d] fatal: %v", w.cfg.CameraID, err)
	return err
}

func (w *Worker) loop(ctx context.Context, src *capture.Resilient) error {
	for {
		f, err := src.Read(ctx)
		if err != nil {
			return err
		}
		w.frames++
		w.state.SetFrames(w.frames)
		w.state.Touch(time.Now())

		var annotated *capture.Frame
		if f.Index%int64(w.cfg.DetectStride) == 0 {
			res, err := w.detect(f)
			if err != nil {
				return err
			}
			annotated = res
		}

		if f.Index%int64(w.cfg.BufferStride) == 0 {
			w.raw.Append(f)
			if annotated != nil {
				w.annotated.Append(annotated)
			} else {
				w.annotated.Append(f)
			}
		}

		if err := w.persistPending(ctx); err != nil {
			return err
		}
	}
}

// detect decodes and processes one frame. It returns the annotated
// rendition, or nil when the frame was skipped, and an error only when the
// failure is fatal for the worker.
func (w *Worker) detect(f *capture.Frame) (*capture.Frame, error) {
	img, err := f.Decode()
	if err != nil {
		log.Printf("[worker %d] frame %d decode: %v", w.cfg.CameraID, f.Index, err)
		return nil, nil
	}
	res, err := w.unified.Process(detect.NewFrame(f.Index, f.Timestamp, img))
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}

	annotated := encodeAnnotated(f, res.Annotated)
	if annotated != nil {
		if err := w.state.PublishFrame(annotated.Index, annotated.Timestamp, annotated.Width, annotated.Height, annotated.JPEG); err != nil {
			log.Printf("[worker %d] publish frame %d: %v", w.cfg.CameraID, f.Index, err)
		}
	}
	w.pending = append(w.pending, res.Detections...)
	return annotated, nil
}

// persistPending writes out detections collected on this frame. Persistence
// failure is logged and surfaced through the status error string; the
// worker keeps running and the detection is dropped, not retried.
func (w *Worker) persistPending(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	dets := w.pending
	w.pending = w.pending[:0]
	for _, det := range dets {
		snap := w.raw.Tail(w.cfg.ClipFrames)
		var thumb *capture.Frame
		if last, ok := w.annotated.Last(); ok {
			thumb = last
		}
		ev, err := w.sink.Persist(ctx, det, snap, thumb)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.persistFails++
			w.state.SetPersistFailures(w.persistFails)
			log.Printf("[worker %d] persist %s: %v", w.cfg.CameraID, det.Type, err)
			w.state.SetState(shm.StateRunning, fmt.Sprintf("persist %s: %v", det.Type, err))
			continue
		}
		w.events++
		w.state.SetEvents(w.events)
		if w.cfg.Notifier != nil {
			w.cfg.Notifier.EventSaved(ctx, ev)
		}
	}
	return nil
}

// encodeAnnotated re-encodes the overlay rendering as a frame that shares
// the source frame's identity.
func encodeAnnotated(f *capture.Frame, img *image.RGBA) *capture.Frame {
	if img == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		return nil
	}
	cp := *f
	cp.JPEG = buf.Bytes()
	cp.Width = img.Bounds().Dx()
	cp.Height = img.Bounds().Dy()
	return &cp
}
