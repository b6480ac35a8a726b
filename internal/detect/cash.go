package detect

import (
	"math"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// CashConfig carries the tunables for the hand-to-hand exchange detector.
type CashConfig struct {
	Zone              Zone
	HandTouchDistance float64 // pixel threshold, strict less-than
	PoseConfidence    float32 // keypoint floor for wrists and centers
	MinFrames         int     // consecutive candidate frames before an event
	CooldownFrames    int64   // frames between two cash events
	Confidence        float64 // minimum distance score to promote
}

// CashDetector flags a cashier-customer hand touch at the counter. Roles
// come from each person's center point: inside the cashier zone means
// cashier, outside means customer. A pair participates only when exactly one
// member is the cashier; two customers or two cashiers touching is never a
// transaction.
type CashDetector struct {
	cfg      CashConfig
	enabled  bool
	streak   int
	lastEmit int64
}

func NewCashDetector(cfg CashConfig, enabled bool) *CashDetector {
	return &CashDetector{cfg: cfg, enabled: enabled, lastEmit: -1}
}

func (d *CashDetector) Name() string  { return string(TypeCash) }
func (d *CashDetector) Enabled() bool { return d.enabled }

var handSides = [2]string{"left", "right"}

// cashPerson is the per-frame view of one pose the pair search works on.
type cashPerson struct {
	inZone   bool
	centerX  float32
	centerY  float32
	wrists   [2]vision.Keypoint // left, right
	wristOK  [2]bool            // confidence at or above the pose floor
	minWrist float32            // lowest confidence among participating wrists
}

// cashCandidate is the winning hand pair of one frame.
type cashCandidate struct {
	cashier, customer           int
	cashierHand, customerHand   string
	cashierWrist, customerWrist vision.Keypoint
	distance                    float64
}

func (d *CashDetector) Process(f *Frame, poses []vision.PoseResult) ([]Detection, error) {
	people := d.classify(poses)
	cand := d.findCandidate(poses, people)
	if cand == nil {
		d.streak = 0
		return nil, nil
	}
	d.streak++

	score := 1 - cand.distance/d.cfg.HandTouchDistance
	if d.streak < d.cfg.MinFrames || score < d.cfg.Confidence {
		return nil, nil
	}
	if d.lastEmit >= 0 && f.Index-d.lastEmit < d.cfg.CooldownFrames {
		return nil, nil
	}
	d.lastEmit = f.Index
	d.streak = 0

	return []Detection{{
		Type:       TypeCash,
		Confidence: score,
		BBox:       poses[cand.cashier].BBox.Union(poses[cand.customer].BBox),
		FrameIndex: f.Index,
		Metadata:   d.metadata(cand, poses, people),
	}}, nil
}

func (d *CashDetector) classify(poses []vision.PoseResult) []cashPerson {
	people := make([]cashPerson, len(poses))
	for i, p := range poses {
		cp := cashPerson{}
		cp.centerX, cp.centerY = p.Center(d.cfg.PoseConfidence)
		cp.inZone = d.cfg.Zone != nil && d.cfg.Zone.Contains(cp.centerX, cp.centerY)
		cp.wrists[0] = p.Keypoints[vision.KeypointLeftWrist]
		cp.wrists[1] = p.Keypoints[vision.KeypointRightWrist]
		for s := range cp.wrists {
			if cp.wrists[s].Confidence >= d.cfg.PoseConfidence {
				cp.wristOK[s] = true
				if cp.minWrist == 0 || cp.wrists[s].Confidence < cp.minWrist {
					cp.minWrist = cp.wrists[s].Confidence
				}
			}
		}
		people[i] = cp
	}
	return people
}

// findCandidate scans every cashier-customer pair and all four wrist
// combinations, keeping the closest accepted touch. Iteration order is fixed
// so repeated runs over the same poses pick the same pair.
func (d *CashDetector) findCandidate(poses []vision.PoseResult, people []cashPerson) *cashCandidate {
	if len(poses) < 2 || d.cfg.Zone == nil {
		return nil
	}
	var best *cashCandidate
	for i := 0; i < len(people); i++ {
		for j := i + 1; j < len(people); j++ {
			if people[i].inZone == people[j].inZone {
				continue
			}
			ci, cu := i, j
			if people[j].inZone {
				ci, cu = j, i
			}
			for cs := range handSides {
				if !people[ci].wristOK[cs] {
					continue
				}
				for us := range handSides {
					if !people[cu].wristOK[us] {
						continue
					}
					cw, uw := people[ci].wrists[cs], people[cu].wrists[us]
					dist := math.Hypot(float64(cw.X-uw.X), float64(cw.Y-uw.Y))
					if dist >= d.cfg.HandTouchDistance {
						continue
					}
					c := &cashCandidate{
						cashier: ci, customer: cu,
						cashierHand: handSides[cs], customerHand: handSides[us],
						cashierWrist: cw, customerWrist: uw,
						distance: dist,
					}
					if better(c, best, people) {
						best = c
					}
				}
			}
		}
	}
	return best
}

// better orders candidates by distance, then by the customer's weakest wrist
// confidence (higher wins), then by the customer's center x (leftmost wins).
// Remaining ties keep the earlier candidate.
func better(c, best *cashCandidate, people []cashPerson) bool {
	if best == nil {
		return true
	}
	if c.distance != best.distance {
		return c.distance < best.distance
	}
	cw, bw := people[c.customer].minWrist, people[best.customer].minWrist
	if cw != bw {
		return cw > bw
	}
	return people[c.customer].centerX < people[best.customer].centerX
}

func (d *CashDetector) metadata(c *cashCandidate, poses []vision.PoseResult, people []cashPerson) map[string]any {
	return map[string]any{
		"event_type": string(TypeCash),
		"cashier":    cashPersonMeta(poses[c.cashier], people[c.cashier], true, c.cashierHand),
		"customer":   cashPersonMeta(poses[c.customer], people[c.customer], false, c.customerHand),
		"measured_hand_distance": round1(c.distance),
		"distance_threshold":     int(d.cfg.HandTouchDistance),
		"interaction_point": []float64{
			roundPx((c.cashierWrist.X + c.customerWrist.X) / 2),
			roundPx((c.cashierWrist.Y + c.customerWrist.Y) / 2),
		},
		"people_count": len(poses),
		"cash_detection": map[string]any{
			"hand_touch_distance_threshold": int(d.cfg.HandTouchDistance),
			"cashier_zone":                  d.cfg.Zone.Spec(),
			"pose_confidence":               round3(float64(d.cfg.PoseConfidence)),
		},
	}
}

func cashPersonMeta(p vision.PoseResult, cp cashPerson, inZone bool, handUsed string) map[string]any {
	lw := p.Keypoints[vision.KeypointLeftWrist]
	rw := p.Keypoints[vision.KeypointRightWrist]
	return map[string]any{
		"center": []float64{roundPx(cp.centerX), roundPx(cp.centerY)},
		"bbox": []float64{
			roundPx(p.BBox.X1), roundPx(p.BBox.Y1),
			roundPx(p.BBox.X2), roundPx(p.BBox.Y2),
		},
		"hands": map[string]any{
			"left":  []float64{roundPx(lw.X), roundPx(lw.Y), round3(float64(lw.Confidence))},
			"right": []float64{roundPx(rw.X), roundPx(rw.Y), round3(float64(rw.Confidence))},
		},
		"in_zone":   inZone,
		"hand_used": handUsed,
	}
}
