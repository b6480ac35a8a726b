package detect

import (
	"fmt"
	"image"
	"log"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// PoseSource runs the person-pose model for one frame.
type PoseSource interface {
	Detect(img image.Image) ([]vision.PoseResult, error)
}

// ErrInferenceStorm reports that model calls kept failing past the tolerated
// streak; the worker treats it as fatal.
var ErrInferenceStorm = fmt.Errorf("detect: inference failing persistently")

// maxInferenceErrStreak bounds how many consecutive model failures are
// skipped before Process gives up.
const maxInferenceErrStreak = 30

// Result is the outcome of processing one frame: whatever fired, the poses
// that informed it, and the annotated rendering.
type Result struct {
	Detections []Detection
	Poses      []vision.PoseResult
	Annotated  *image.RGBA
}

// Unified fans one frame out to the detectors in fixed order (cash, then
// violence, then fire) and renders the overlay whether or not anything
// fired. Detector order matters: each one keeps per-frame temporal state, so
// callers must feed frames in capture order.
type Unified struct {
	pose      PoseSource
	overlay   *Overlay
	detectors []Detector
	errStreak int
}

func NewUnified(pose PoseSource, overlay *Overlay, detectors ...Detector) *Unified {
	return &Unified{pose: pose, overlay: overlay, detectors: detectors}
}

// Process runs pose inference, every enabled detector, and the overlay. A
// transient model failure skips the frame and returns a nil Result; once
// maxInferenceErrStreak failures accumulate back-to-back it returns
// ErrInferenceStorm instead.
func (u *Unified) Process(f *Frame) (*Result, error) {
	poses, err := u.pose.Detect(f.Image)
	if err != nil {
		return nil, u.inferenceFailed("pose", f.Index, err)
	}

	var dets []Detection
	for _, d := range u.detectors {
		if !d.Enabled() {
			continue
		}
		found, err := d.Process(f, poses)
		if err != nil {
			return nil, u.inferenceFailed(d.Name(), f.Index, err)
		}
		dets = append(dets, found...)
	}
	u.errStreak = 0

	return &Result{
		Detections: dets,
		Poses:      poses,
		Annotated:  u.overlay.Render(f, poses, dets),
	}, nil
}

func (u *Unified) inferenceFailed(stage string, frameIndex int64, err error) error {
	u.errStreak++
	if u.errStreak >= maxInferenceErrStreak {
		return fmt.Errorf("%w: %s failed %d frames in a row, last: %v",
			ErrInferenceStorm, stage, u.errStreak, err)
	}
	log.Printf("[detect] %s inference failed on frame %d (streak %d): %v",
		stage, frameIndex, u.errStreak, err)
	return nil
}
