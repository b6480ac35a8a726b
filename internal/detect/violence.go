package detect

import (
	"image"
	"math"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// ViolenceConfig carries the tunables for the close-combat detector.
type ViolenceConfig struct {
	Zone            Zone    // optional; pairs fully inside it are ignored
	Confidence      float64 // aggression score floor
	MinFrames       int     // consecutive candidate frames before an event
	CooldownFrames  int64
	MotionThreshold float64 // mean luma delta floor, [0,255]
	PoseConfidence  float32
}

// proximityFactor scales the mean bbox diagonal into the center-distance
// bound used for pairs whose boxes do not overlap.
const proximityFactor = 0.6

// Aggression score weights. Motion dominates, then contact, then posture.
const (
	violenceMotionWeight  = 0.45
	violenceOverlapWeight = 0.30
	violenceRaisedWeight  = 0.25
)

// ViolenceDetector flags sustained close-combat between two people. A pair
// qualifies only when the boxes overlap or the centers are within the
// proximity bound, and never when both centers sit inside the cashier zone.
// Single-person activity is never violence.
type ViolenceDetector struct {
	cfg      ViolenceConfig
	enabled  bool
	prevGray *image.Gray
	streak   int
	lastEmit int64

	// motionFn is a seam for tests; production uses meanAbsLumaDiff.
	motionFn func(prev, cur *image.Gray, r image.Rectangle) float64
}

func NewViolenceDetector(cfg ViolenceConfig, enabled bool) *ViolenceDetector {
	return &ViolenceDetector{cfg: cfg, enabled: enabled, lastEmit: -1, motionFn: meanAbsLumaDiff}
}

func (d *ViolenceDetector) Name() string  { return string(TypeViolence) }
func (d *ViolenceDetector) Enabled() bool { return d.enabled }

type violenceCandidate struct {
	i, j        int
	overlap     float64
	motion      float64
	raised      int
	score       float64
	closeCombat bool
	box         vision.BBox
}

func (d *ViolenceDetector) Process(f *Frame, poses []vision.PoseResult) ([]Detection, error) {
	cur := f.Gray()
	prev := d.prevGray
	d.prevGray = cur

	cand := d.findCandidate(prev, cur, poses)
	if cand == nil {
		d.streak = 0
		return nil, nil
	}
	d.streak++
	if d.streak < d.cfg.MinFrames {
		return nil, nil
	}
	if d.lastEmit >= 0 && f.Index-d.lastEmit < d.cfg.CooldownFrames {
		return nil, nil
	}
	d.lastEmit = f.Index
	d.streak = 0

	return []Detection{{
		Type:       TypeViolence,
		Confidence: cand.score,
		BBox:       cand.box,
		FrameIndex: f.Index,
		Metadata: map[string]any{
			"event_type":            string(TypeViolence),
			"people_involved":       2,
			"motion_magnitude":      round1(cand.motion),
			"close_combat_detected": cand.closeCombat,
			"violence_detection": map[string]any{
				"min_violence_frames": d.cfg.MinFrames,
				"violence_confidence": round3(d.cfg.Confidence),
				"motion_threshold":    round1(d.cfg.MotionThreshold),
			},
		},
	}}, nil
}

// findCandidate returns the highest-scoring qualifying pair, or nil.
func (d *ViolenceDetector) findCandidate(prev, cur *image.Gray, poses []vision.PoseResult) *violenceCandidate {
	if len(poses) < 2 {
		return nil
	}
	var best *violenceCandidate
	for i := 0; i < len(poses); i++ {
		for j := i + 1; j < len(poses); j++ {
			pi, pj := poses[i], poses[j]
			overlap := float64(pi.BBox.OverlapRatio(pj.BBox))
			cix, ciy := pi.Center(d.cfg.PoseConfidence)
			cjx, cjy := pj.Center(d.cfg.PoseConfidence)
			centerDist := math.Hypot(float64(cix-cjx), float64(ciy-cjy))
			bound := proximityFactor * float64(pi.BBox.Diagonal()+pj.BBox.Diagonal()) / 2
			if overlap <= 0 && centerDist >= bound {
				continue
			}
			if d.cfg.Zone != nil && d.cfg.Zone.Contains(cix, ciy) && d.cfg.Zone.Contains(cjx, cjy) {
				continue // counter-side motion is transaction, not combat
			}

			union := pi.BBox.Union(pj.BBox)
			motion := d.motionFn(prev, cur, rectFromBBox(union))
			if motion < d.cfg.MotionThreshold {
				continue
			}
			raised := 0
			if armRaised(pi, d.cfg.PoseConfidence) {
				raised++
			}
			if armRaised(pj, d.cfg.PoseConfidence) {
				raised++
			}
			score := violenceMotionWeight*motionScore(motion, d.cfg.MotionThreshold) +
				violenceOverlapWeight*math.Min(1, overlap*2) +
				violenceRaisedWeight*float64(raised)/2
			if score < d.cfg.Confidence {
				continue
			}
			c := &violenceCandidate{
				i: i, j: j,
				overlap:     overlap,
				motion:      motion,
				raised:      raised,
				score:       score,
				closeCombat: overlap > 0,
				box:         union,
			}
			if best == nil || c.score > best.score {
				best = c
			}
		}
	}
	return best
}

// motionScore saturates at twice the configured floor, so motion right at
// the floor contributes half the weight.
func motionScore(motion, threshold float64) float64 {
	if threshold <= 0 {
		if motion > 0 {
			return 1
		}
		return 0
	}
	return math.Min(1, motion/(2*threshold))
}

// armRaised reports whether either wrist sits above its own shoulder.
func armRaised(p vision.PoseResult, minConf float32) bool {
	sides := [2][2]int{
		{vision.KeypointLeftWrist, vision.KeypointLeftShoulder},
		{vision.KeypointRightWrist, vision.KeypointRightShoulder},
	}
	for _, s := range sides {
		w, sh := p.Keypoints[s[0]], p.Keypoints[s[1]]
		if w.Confidence >= minConf && sh.Confidence >= minConf && w.Y < sh.Y {
			return true
		}
	}
	return false
}
