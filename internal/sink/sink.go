// Package sink persists a fired detection as evidence on disk plus a durable
// event record: clip first, then thumbnail, then JSON sidecar, and only when
// the clip exists is the record handed to the store.
package sink

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/detect"
)

var ErrNoFrames = errors.New("sink: empty buffer snapshot")

// Event is the durable record of one fired detection. The sink generates
// the ID so the sidecar, the store row and the bus message share it.
type Event struct {
	ID            uuid.UUID
	CameraID      int64
	Type          string
	Confidence    float64
	CapturedAt    time.Time
	ClipPath      string
	ThumbnailPath string
	SidecarPath   string
	Status        string
	BBox          []float64
	FrameIndex    int64
}

// Recorder inserts the event record into the external store.
type Recorder interface {
	RecordEvent(ctx context.Context, ev *Event) error
}

// CameraInfo is the identity stamped into filenames and sidecars. Code is
// the operator-facing camera code; ID is the store key.
type CameraInfo struct {
	ID   int64
	Code string
	Name string
}

func (c CameraInfo) slug() string {
	if c.Code != "" {
		return c.Code
	}
	return fmt.Sprintf("%d", c.ID)
}

type Config struct {
	// MediaRoot holds the clips/, thumbnails/ and json/ subtrees. Paths in
	// events and sidecars are relative to it.
	MediaRoot string

	// FPS is the effective buffer rate the clip is written and transcoded at.
	FPS int

	// TranscodeTimeout caps the H.264 conversion; past it the intermediate
	// AVI is kept as the clip.
	TranscodeTimeout time.Duration

	// FFmpegPath overrides the transcoder binary, mainly for tests.
	FFmpegPath string
}

func (c *Config) defaults() {
	if c.FPS <= 0 {
		c.FPS = 15
	}
	if c.TranscodeTimeout <= 0 {
		c.TranscodeTimeout = 180 * time.Second
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
}

// Sink writes one camera's events. Persist is called from the worker's
// detection loop, so it never runs concurrently with itself.
type Sink struct {
	cfg      Config
	camera   CameraInfo
	recorder Recorder
}

func New(cfg Config, camera CameraInfo, recorder Recorder) *Sink {
	cfg.defaults()
	return &Sink{cfg: cfg, camera: camera, recorder: recorder}
}

// Persist runs the five persistence steps for one detection against a raw
// buffer snapshot. thumb is the annotated trigger frame for the thumbnail;
// nil falls back to the newest clip frame. The stop signal is honored
// between steps; a cancelled context aborts with whatever was already on
// disk left in place.
func (s *Sink) Persist(ctx context.Context, det detect.Detection, frames []*capture.Frame, thumb *capture.Frame) (*Event, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}
	if thumb == nil {
		thumb = frames[len(frames)-1]
	}

	now := time.Now()
	base := fmt.Sprintf("%s_%s_%s", det.Type, s.camera.slug(), now.Format("20060102_150405"))

	for _, sub := range []string{"clips", "thumbnails", "json"} {
		if err := os.MkdirAll(filepath.Join(s.cfg.MediaRoot, sub), 0o755); err != nil {
			return nil, fmt.Errorf("sink: media dir: %w", err)
		}
	}

	tempName := fmt.Sprintf("%s_%s_temp.avi", base, uniqueSuffix())
	tempPath := filepath.Join(s.cfg.MediaRoot, "clips", tempName)
	if err := s.writeIntermediate(ctx, tempPath, det.Type, frames); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Transcode failure keeps the intermediate as the clip; the sidecar
	// flags it so operators know the file needs converting.
	clipRel := filepath.Join("clips", base+".mp4")
	transcodeFailed := false
	if err := s.transcode(ctx, tempPath, filepath.Join(s.cfg.MediaRoot, clipRel)); err != nil {
		log.Printf("[sink] camera %d: transcode failed, keeping intermediate: %v", s.camera.ID, err)
		clipRel = filepath.Join("clips", tempName)
		transcodeFailed = true
	} else if err := os.Remove(tempPath); err != nil {
		log.Printf("[sink] camera %d: remove %s: %v", s.camera.ID, tempPath, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	thumbRel := filepath.Join("thumbnails", base+".jpg")
	if err := s.writeThumbnail(filepath.Join(s.cfg.MediaRoot, thumbRel), det.Type, thumb); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bbox := []float64{
		math.Round(float64(det.BBox.X1)),
		math.Round(float64(det.BBox.Y1)),
		math.Round(float64(det.BBox.X2)),
		math.Round(float64(det.BBox.Y2)),
	}
	eventID := uuid.New()
	sidecarRel := filepath.Join("json", base+".json")
	body := map[string]any{
		"event_id":       eventID.String(),
		"timestamp":      now.Format(sidecarTimeLayout),
		"event_type":     string(det.Type),
		"camera_id":      s.camera.slug(),
		"camera_name":    s.camera.Name,
		"confidence":     math.Round(det.Confidence*1000) / 1000,
		"frame_number":   det.FrameIndex,
		"bbox":           bbox,
		"clip_path":      clipRel,
		"thumbnail_path": thumbRel,
		"trigger_time":   thumb.Timestamp.Format(sidecarTimeLayout),
		"frames_saved":   len(frames),
		"duration_sec":   math.Round(float64(len(frames))/float64(s.cfg.FPS)*100) / 100,
	}
	if transcodeFailed {
		body["transcode_failed"] = true
	}
	for k, v := range det.Metadata {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}
	if err := WriteSidecar(filepath.Join(s.cfg.MediaRoot, sidecarRel), body); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ev := &Event{
		ID:            eventID,
		CameraID:      s.camera.ID,
		Type:          string(det.Type),
		Confidence:    det.Confidence,
		CapturedAt:    now,
		ClipPath:      clipRel,
		ThumbnailPath: thumbRel,
		SidecarPath:   sidecarRel,
		Status:        "pending",
		BBox:          bbox,
		FrameIndex:    det.FrameIndex,
	}
	if s.recorder != nil {
		if err := s.recorder.RecordEvent(ctx, ev); err != nil {
			return nil, fmt.Errorf("sink: record event: %w", err)
		}
	}
	log.Printf("[sink] camera %d: %s event saved: %s", s.camera.ID, det.Type, clipRel)
	return ev, nil
}

const sidecarTimeLayout = "2006-01-02T15:04:05.000-07:00"

func uniqueSuffix() string {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("%06x", time.Now().UnixNano()&0xffffff)
	}
	return hex.EncodeToString(b[:])
}
