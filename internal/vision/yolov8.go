package vision

import "sort"

// YOLOv8 export conventions. Outputs are channel-major: value for channel c of
// anchor a sits at out[c*numAnchors + a]. Pose models emit 4 box channels, one
// confidence channel and x/y/conf triplets per keypoint; detect models emit 4
// box channels plus one score channel per class.
const (
	defaultInputSize = 640
	nmsIoUThreshold  = 0.45
)

// anchorsFor returns the prediction count for a square input: one anchor per
// cell at strides 8, 16 and 32.
func anchorsFor(size int) int {
	s8 := size / 8
	s16 := size / 16
	s32 := size / 32
	return s8*s8 + s16*s16 + s32*s32
}

func boxFromAnchor(out []float32, na, a int, lb letterbox) BBox {
	cx := out[0*na+a]
	cy := out[1*na+a]
	w := out[2*na+a]
	h := out[3*na+a]
	x1, y1 := lb.toSource(cx-w/2, cy-h/2)
	x2, y2 := lb.toSource(cx+w/2, cy+h/2)
	return BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// decodePose converts a pose tensor into PoseResults above minConf, NMS'd and
// mapped back to source coordinates.
func decodePose(out []float32, na int, minConf float32, lb letterbox) []PoseResult {
	var results []PoseResult
	for a := 0; a < na; a++ {
		conf := out[4*na+a]
		if conf < minConf {
			continue
		}
		p := PoseResult{
			BBox:       boxFromAnchor(out, na, a, lb),
			Confidence: conf,
		}
		for k := 0; k < NumKeypoints; k++ {
			base := (5 + 3*k) * na
			kx, ky := lb.toSource(out[base+a], out[base+na+a])
			p.Keypoints[k] = Keypoint{X: kx, Y: ky, Confidence: out[base+2*na+a]}
		}
		results = append(results, p)
	}
	return nmsPoses(results)
}

// decodeObjects converts a detect tensor into labelled boxes above minConf.
// Each anchor contributes its best-scoring class only.
func decodeObjects(out []float32, na int, classes []string, minConf float32, lb letterbox) []ObjectBox {
	var results []ObjectBox
	for a := 0; a < na; a++ {
		bestClass := -1
		var bestScore float32
		for c := range classes {
			score := out[(4+c)*na+a]
			if score > bestScore {
				bestScore = score
				bestClass = c
			}
		}
		if bestClass < 0 || bestScore < minConf {
			continue
		}
		results = append(results, ObjectBox{
			Label:      classes[bestClass],
			Confidence: bestScore,
			BBox:       boxFromAnchor(out, na, a, lb),
		})
	}
	return nmsObjects(results)
}

func nmsPoses(in []PoseResult) []PoseResult {
	if len(in) <= 1 {
		return in
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Confidence > in[j].Confidence })
	keep := in[:0]
	suppressed := make([]bool, len(in))
	for i := range in {
		if suppressed[i] {
			continue
		}
		keep = append(keep, in[i])
		for j := i + 1; j < len(in); j++ {
			if !suppressed[j] && in[i].BBox.IoU(in[j].BBox) > nmsIoUThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}

// nmsObjects suppresses per class, so an overlapping fire and smoke box can
// both survive.
func nmsObjects(in []ObjectBox) []ObjectBox {
	if len(in) <= 1 {
		return in
	}
	sort.Slice(in, func(i, j int) bool { return in[i].Confidence > in[j].Confidence })
	keep := in[:0]
	suppressed := make([]bool, len(in))
	for i := range in {
		if suppressed[i] {
			continue
		}
		keep = append(keep, in[i])
		for j := i + 1; j < len(in); j++ {
			if suppressed[j] || in[j].Label != in[i].Label {
				continue
			}
			if in[i].BBox.IoU(in[j].BBox) > nmsIoUThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep
}
