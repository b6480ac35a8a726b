package vision

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poseTensor builds a channel-major pose output with the given anchors set.
type poseAnchor struct {
	idx        int
	cx, cy     float32
	w, h       float32
	conf       float32
	keypoints  [NumKeypoints][3]float32
}

func buildPoseTensor(na int, anchors []poseAnchor) []float32 {
	out := make([]float32, (4+1+3*NumKeypoints)*na)
	for _, an := range anchors {
		out[0*na+an.idx] = an.cx
		out[1*na+an.idx] = an.cy
		out[2*na+an.idx] = an.w
		out[3*na+an.idx] = an.h
		out[4*na+an.idx] = an.conf
		for k := 0; k < NumKeypoints; k++ {
			base := (5 + 3*k) * na
			out[base+an.idx] = an.keypoints[k][0]
			out[base+na+an.idx] = an.keypoints[k][1]
			out[base+2*na+an.idx] = an.keypoints[k][2]
		}
	}
	return out
}

func identityLetterbox(w, h int) letterbox {
	return letterbox{scale: 1, padX: 0, padY: 0, srcW: w, srcH: h}
}

func TestAnchorsFor(t *testing.T) {
	assert.Equal(t, 8400, anchorsFor(640))
	assert.Equal(t, 2100, anchorsFor(320))
}

func TestDecodePose_ConfidenceFloorAndMapping(t *testing.T) {
	na := anchorsFor(640)
	an := poseAnchor{idx: 42, cx: 320, cy: 240, w: 100, h: 200, conf: 0.9}
	an.keypoints[KeypointLeftWrist] = [3]float32{300, 250, 0.8}
	weak := poseAnchor{idx: 7, cx: 100, cy: 100, w: 50, h: 50, conf: 0.1}

	out := buildPoseTensor(na, []poseAnchor{an, weak})
	poses := decodePose(out, na, 0.25, identityLetterbox(640, 640))

	require.Len(t, poses, 1)
	p := poses[0]
	assert.InDelta(t, 270, p.BBox.X1, 0.01)
	assert.InDelta(t, 140, p.BBox.Y1, 0.01)
	assert.InDelta(t, 370, p.BBox.X2, 0.01)
	assert.InDelta(t, 340, p.BBox.Y2, 0.01)
	assert.InDelta(t, 0.9, p.Confidence, 1e-6)
	assert.InDelta(t, 300, p.Keypoints[KeypointLeftWrist].X, 0.01)
	assert.InDelta(t, 0.8, p.Keypoints[KeypointLeftWrist].Confidence, 1e-6)
}

func TestDecodePose_LetterboxMapsBack(t *testing.T) {
	// 1920x1080 source letterboxed into 640x640: scale 1/3, 140px top pad.
	img := image.NewRGBA(image.Rect(0, 0, 1920, 1080))
	data := make([]float32, 3*640*640)
	lb := fillInputTensor(img, data, 640, 640)

	assert.InDelta(t, 1.0/3.0, lb.scale, 1e-3)
	assert.InDelta(t, 0, lb.padX, 1.0)
	assert.InDelta(t, 140, lb.padY, 1.0)

	na := anchorsFor(640)
	an := poseAnchor{idx: 0, cx: 320, cy: 320, w: 60, h: 60, conf: 0.7}
	out := buildPoseTensor(na, []poseAnchor{an})
	poses := decodePose(out, na, 0.25, lb)

	require.Len(t, poses, 1)
	cx, cy := poses[0].BBox.Center()
	assert.InDelta(t, 960, cx, 2.0)
	assert.InDelta(t, 540, cy, 2.0)
}

func TestDecodePose_NMSKeepsStrongest(t *testing.T) {
	na := anchorsFor(640)
	a := poseAnchor{idx: 1, cx: 320, cy: 320, w: 100, h: 100, conf: 0.9}
	b := poseAnchor{idx: 2, cx: 325, cy: 322, w: 100, h: 100, conf: 0.6}
	c := poseAnchor{idx: 3, cx: 100, cy: 100, w: 40, h: 40, conf: 0.7}

	out := buildPoseTensor(na, []poseAnchor{a, b, c})
	poses := decodePose(out, na, 0.25, identityLetterbox(640, 640))

	require.Len(t, poses, 2)
	assert.InDelta(t, 0.9, poses[0].Confidence, 1e-6)
	assert.InDelta(t, 0.7, poses[1].Confidence, 1e-6)
}

func buildObjectTensor(na int, classes int, set func(out []float32)) []float32 {
	out := make([]float32, (4+classes)*na)
	set(out)
	return out
}

func TestDecodeObjects_BestClassWins(t *testing.T) {
	na := anchorsFor(640)
	out := buildObjectTensor(na, 2, func(out []float32) {
		out[0*na+5] = 320 // cx
		out[1*na+5] = 240 // cy
		out[2*na+5] = 80  // w
		out[3*na+5] = 60  // h
		out[4*na+5] = 0.3 // fire
		out[5*na+5] = 0.8 // smoke
	})

	boxes := decodeObjects(out, na, FireClasses, 0.25, identityLetterbox(640, 640))
	require.Len(t, boxes, 1)
	assert.Equal(t, "smoke", boxes[0].Label)
	assert.InDelta(t, 0.8, boxes[0].Confidence, 1e-6)
}

func TestDecodeObjects_PerClassNMS(t *testing.T) {
	na := anchorsFor(640)
	out := buildObjectTensor(na, 2, func(out []float32) {
		// Two near-identical fire boxes plus one smoke box on the same spot.
		for _, idx := range []int{10, 11} {
			out[0*na+idx] = 320
			out[1*na+idx] = 240
			out[2*na+idx] = 100
			out[3*na+idx] = 100
		}
		out[4*na+10] = 0.9
		out[4*na+11] = 0.7
		out[0*na+12] = 322
		out[1*na+12] = 241
		out[2*na+12] = 100
		out[3*na+12] = 100
		out[5*na+12] = 0.6
	})

	boxes := decodeObjects(out, na, FireClasses, 0.25, identityLetterbox(640, 640))
	require.Len(t, boxes, 2)

	labels := map[string]float32{}
	for _, b := range boxes {
		labels[b.Label] = b.Confidence
	}
	assert.InDelta(t, 0.9, labels["fire"], 1e-6)
	assert.InDelta(t, 0.6, labels["smoke"], 1e-6)
}

func TestPoseCenterFallbacks(t *testing.T) {
	p := PoseResult{BBox: BBox{X1: 0, Y1: 0, X2: 100, Y2: 200}}
	p.Keypoints[KeypointLeftHip] = Keypoint{X: 40, Y: 120, Confidence: 0.9}
	p.Keypoints[KeypointRightHip] = Keypoint{X: 60, Y: 124, Confidence: 0.9}
	p.Keypoints[KeypointLeftShoulder] = Keypoint{X: 30, Y: 60, Confidence: 0.9}
	p.Keypoints[KeypointRightShoulder] = Keypoint{X: 70, Y: 64, Confidence: 0.9}

	x, y := p.Center(0.3)
	assert.InDelta(t, 50, x, 1e-4)
	assert.InDelta(t, 122, y, 1e-4)

	// Hips below floor: shoulders take over.
	p.Keypoints[KeypointRightHip].Confidence = 0.1
	x, y = p.Center(0.3)
	assert.InDelta(t, 50, x, 1e-4)
	assert.InDelta(t, 62, y, 1e-4)

	// Shoulders gone too: bbox center.
	p.Keypoints[KeypointLeftShoulder].Confidence = 0
	x, y = p.Center(0.3)
	assert.InDelta(t, 50, x, 1e-4)
	assert.InDelta(t, 100, y, 1e-4)
}

func TestBBoxOverlapRatio(t *testing.T) {
	big := BBox{X1: 0, Y1: 0, X2: 100, Y2: 100}
	small := BBox{X1: 10, Y1: 10, X2: 30, Y2: 30} // fully inside
	apart := BBox{X1: 200, Y1: 200, X2: 220, Y2: 220}

	assert.InDelta(t, 1.0, big.OverlapRatio(small), 1e-6)
	assert.InDelta(t, 0.0, big.OverlapRatio(apart), 1e-6)

	half := BBox{X1: 50, Y1: 0, X2: 150, Y2: 100}
	assert.InDelta(t, 0.5, big.OverlapRatio(half), 1e-6)
}
