// Package detect implements the per-frame event detectors and the unified
// pipeline that fans a frame out to them. Detectors are stateful within one
// worker: each keeps its own consecutive-candidate streak and cooldown
// anchor, so a single instance must only ever see frames from one camera in
// index order.
package detect

import (
	"image"
	"image/draw"
	"math"
	"time"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// Type tags the kind of event a detection reports.
type Type string

const (
	TypeCash     Type = "cash"
	TypeViolence Type = "violence"
	TypeFire     Type = "fire"
)

// Frame wraps one decoded capture frame. The luma plane is derived lazily
// and cached because several detectors want it for the same frame.
type Frame struct {
	Index     int64
	Timestamp time.Time
	Image     image.Image

	gray *image.Gray
}

func NewFrame(index int64, ts time.Time, img image.Image) *Frame {
	return &Frame{Index: index, Timestamp: ts, Image: img}
}

func (f *Frame) Bounds() image.Rectangle { return f.Image.Bounds() }

// Gray returns the cached luma plane, converting on first use.
func (f *Frame) Gray() *image.Gray {
	if f.gray == nil {
		g := image.NewGray(f.Image.Bounds())
		draw.Draw(g, g.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
		f.gray = g
	}
	return f.gray
}

// Detection is a single fired finding. Metadata carries the type-specific
// sidecar fields exactly as they are written to the event JSON.
type Detection struct {
	Type       Type
	Confidence float64
	BBox       vision.BBox
	FrameIndex int64
	Metadata   map[string]any
}

// Detector is the capability shared by all event detectors. Process may
// return an error only for model-call failures; the caller treats those as
// transient and skips the frame. Geometric misses are simply an empty slice.
type Detector interface {
	Name() string
	Enabled() bool
	Process(f *Frame, poses []vision.PoseResult) ([]Detection, error)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// roundPx snaps a model coordinate to a whole pixel for metadata output.
func roundPx(v float32) float64 { return math.Round(float64(v)) }
