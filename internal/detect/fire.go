package detect

import (
	"image"
	"math"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// ObjectSource runs the fire/smoke object model for one frame.
type ObjectSource interface {
	Detect(img image.Image) ([]vision.ObjectBox, error)
}

// FireConfig carries the tunables for the fire detector.
type FireConfig struct {
	Confidence     float64 // model confidence floor
	MinFrames      int     // consecutive candidate frames before an event
	CooldownFrames int64
	MinArea        int     // color fallback: flame region floor in px²
	FlickerFloor   float64 // color fallback: temporal variance floor
	FlickerWindow  int     // frames of mask-area history
	PersonDamping  bool    // halve confidence of boxes mostly covered by a person
}

const (
	defaultFireMinArea       = 3000
	defaultFireFlickerFloor  = 0.4
	defaultFireFlickerWindow = 10

	// Color-path confidence: a base for passing the area gate plus a gain
	// from how strongly the region flickers, capped below the model path.
	colorBaseConfidence = 0.5
	colorFlickerGain    = 0.3
	colorSmokeBonus     = 0.05
	colorMaxConfidence  = 0.95

	// A flame box mostly inside a person box is usually clothing or a
	// reflection; its confidence is halved before the floor check.
	personCoverRatio = 0.5
)

// FireDetector stacks two methods: the fire/smoke model, and a color+flicker
// fallback that runs only when the model returns no box above the floor. A
// rising smoke plume raises the fallback's confidence but never promotes a
// candidate by itself.
type FireDetector struct {
	cfg     FireConfig
	objects ObjectSource
	enabled bool

	areas    []float64 // recent fallback mask areas
	smoke    smokeTracker
	streak   int
	lastEmit int64
}

func NewFireDetector(cfg FireConfig, objects ObjectSource, enabled bool) *FireDetector {
	if cfg.MinArea <= 0 {
		cfg.MinArea = defaultFireMinArea
	}
	if cfg.FlickerFloor <= 0 {
		cfg.FlickerFloor = defaultFireFlickerFloor
	}
	if cfg.FlickerWindow <= 0 {
		cfg.FlickerWindow = defaultFireFlickerWindow
	}
	return &FireDetector{cfg: cfg, objects: objects, enabled: enabled, lastEmit: -1}
}

func (d *FireDetector) Name() string  { return string(TypeFire) }
func (d *FireDetector) Enabled() bool { return d.enabled }

type fireCandidate struct {
	method     string // "yolo" or "color_based"
	confidence float64
	box        vision.BBox
	area       int
	smoke      bool
	flicker    float64
}

func (d *FireDetector) Process(f *Frame, poses []vision.PoseResult) ([]Detection, error) {
	cand, err := d.findCandidate(f, poses)
	if err != nil {
		return nil, err
	}
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
		Type:       TypeFire,
		Confidence: cand.confidence,
		BBox:       cand.box,
		FrameIndex: f.Index,
		Metadata: map[string]any{
			"event_type": string(TypeFire),
			"fire_detection": map[string]any{
				"min_fire_frames":  d.cfg.MinFrames,
				"fire_confidence":  round3(d.cfg.Confidence),
				"detection_method": cand.method,
			},
			"fire_area":        cand.area,
			"smoke_detected":   cand.smoke,
			"flickering_score": round3(cand.flicker),
		},
	}}, nil
}

func (d *FireDetector) findCandidate(f *Frame, poses []vision.PoseResult) (*fireCandidate, error) {
	if d.objects != nil {
		boxes, err := d.objects.Detect(f.Image)
		if err != nil {
			return nil, err
		}
		if c := d.modelCandidate(boxes, poses); c != nil {
			return c, nil
		}
	}
	return d.colorCandidate(f), nil
}

// modelCandidate keeps the strongest fire or smoke box above the floor.
// Person boxes in the same list (from an optional general object model)
// join the pose boxes for damping.
func (d *FireDetector) modelCandidate(boxes []vision.ObjectBox, poses []vision.PoseResult) *fireCandidate {
	var persons []vision.BBox
	for _, b := range boxes {
		if b.Label == "person" {
			persons = append(persons, b.BBox)
		}
	}
	var best *fireCandidate
	smoke := false
	for _, b := range boxes {
		if b.Label != "fire" && b.Label != "smoke" {
			continue
		}
		conf := float64(b.Confidence)
		if d.cfg.PersonDamping && (coveredByPerson(b.BBox, poses) || coveredByBox(b.BBox, persons)) {
			conf *= 0.5
		}
		if conf < d.cfg.Confidence {
			continue
		}
		if b.Label == "smoke" {
			smoke = true
		}
		if best == nil || conf > best.confidence {
			best = &fireCandidate{
				method:     "yolo",
				confidence: conf,
				box:        b.BBox,
				area:       int(b.BBox.Area()),
			}
		}
	}
	if best != nil {
		best.smoke = smoke
	}
	return best
}

// colorCandidate runs the HSV flame mask, flicker score and smoke plume
// tracking. The mask-area history advances every frame the fallback runs so
// a steady orange light settles to a low flicker score.
func (d *FireDetector) colorCandidate(f *Frame) *fireCandidate {
	mask, area := fireMask(f.Image)
	d.pushArea(float64(area))
	flicker := flickerScore(d.areas)

	rising := d.smoke.observe(f.Image, f.Gray())

	comp := largestComponent(mask)
	if comp.Area < d.cfg.MinArea || flicker < d.cfg.FlickerFloor {
		return nil
	}
	conf := colorBaseConfidence + colorFlickerGain*flicker
	if rising {
		conf += colorSmokeBonus
	}
	if conf > colorMaxConfidence {
		conf = colorMaxConfidence
	}
	return &fireCandidate{
		method:     "color_based",
		confidence: conf,
		box:        bboxFromRect(comp.Rect),
		area:       comp.Area,
		smoke:      rising,
		flicker:    flicker,
	}
}

func (d *FireDetector) pushArea(a float64) {
	d.areas = append(d.areas, a)
	if len(d.areas) > d.cfg.FlickerWindow {
		d.areas = d.areas[1:]
	}
}

// flickerScore is the coefficient of variation of the recent masked areas,
// capped to [0,1]. Steady light sources score near zero; flames flutter.
func flickerScore(areas []float64) float64 {
	if len(areas) < 3 {
		return 0
	}
	var sum float64
	for _, a := range areas {
		sum += a
	}
	mean := sum / float64(len(areas))
	if mean <= 0 {
		return 0
	}
	var varsum float64
	for _, a := range areas {
		dv := a - mean
		varsum += dv * dv
	}
	cv := math.Sqrt(varsum/float64(len(areas))) / mean
	if cv > 1 {
		cv = 1
	}
	return cv
}

// coveredByPerson reports whether more than half of box b sits inside any
// person's bounding box.
func coveredByPerson(b vision.BBox, poses []vision.PoseResult) bool {
	area := b.Area()
	if area <= 0 {
		return false
	}
	for _, p := range poses {
		if b.Intersection(p.BBox).Area()/area > personCoverRatio {
			return true
		}
	}
	return false
}

func coveredByBox(b vision.BBox, persons []vision.BBox) bool {
	area := b.Area()
	if area <= 0 {
		return false
	}
	for _, p := range persons {
		if b.Intersection(p).Area()/area > personCoverRatio {
			return true
		}
	}
	return false
}
