package detect

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

var testImage = image.NewRGBA(image.Rect(0, 0, 8, 8))

func testFrame(index int64) *Frame {
	return NewFrame(index, time.Unix(1700000000+index, 0), testImage)
}

// testPose builds a person whose hip midpoint lands at (cx, cy).
func testPose(cx, cy float32, left, right vision.Keypoint) vision.PoseResult {
	p := vision.PoseResult{
		BBox:       vision.BBox{X1: cx - 50, Y1: cy - 120, X2: cx + 50, Y2: cy + 120},
		Confidence: 0.95,
	}
	p.Keypoints[vision.KeypointLeftHip] = vision.Keypoint{X: cx - 10, Y: cy, Confidence: 0.9}
	p.Keypoints[vision.KeypointRightHip] = vision.Keypoint{X: cx + 10, Y: cy, Confidence: 0.9}
	p.Keypoints[vision.KeypointLeftWrist] = left
	p.Keypoints[vision.KeypointRightWrist] = right
	return p
}

func defaultCashConfig() CashConfig {
	return CashConfig{
		Zone:              RectZone{X1: 500, Y1: 400, X2: 650, Y2: 500},
		HandTouchDistance: 100,
		PoseConfidence:    0.3,
		MinFrames:         1,
		CooldownFrames:    45,
		Confidence:        0.1,
	}
}

// counterPair is one cashier (in zone) and one customer (outside), wrists
// 80.2px apart.
func counterPair() []vision.PoseResult {
	cashier := testPose(575, 450,
		vision.Keypoint{X: 600, Y: 450, Confidence: 0.9},
		vision.Keypoint{},
	)
	customer := testPose(700, 450,
		vision.Keypoint{X: 680, Y: 455, Confidence: 0.9},
		vision.Keypoint{},
	)
	return []vision.PoseResult{cashier, customer}
}

func TestCashEventAndCooldown(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	poses := counterPair()

	var fired []int64
	for i := int64(0); i < 60; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		for _, det := range dets {
			fired = append(fired, det.FrameIndex)
		}
	}
	// First event immediately, then nothing until the cooldown elapses.
	assert.Equal(t, []int64{0, 45}, fired)
}

func TestCashBothInZoneNeverFires(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	poses := []vision.PoseResult{
		testPose(550, 450, vision.Keypoint{X: 600, Y: 450, Confidence: 0.9}, vision.Keypoint{}),
		testPose(620, 450, vision.Keypoint{X: 610, Y: 452, Confidence: 0.9}, vision.Keypoint{}),
	}
	for i := int64(0); i < 60; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		assert.Empty(t, dets)
	}
}

func TestCashLowWristConfidenceNeverFires(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	poses := []vision.PoseResult{
		testPose(575, 450, vision.Keypoint{X: 600, Y: 450, Confidence: 0.25}, vision.Keypoint{}),
		testPose(700, 450, vision.Keypoint{X: 680, Y: 455, Confidence: 0.25}, vision.Keypoint{}),
	}
	for i := int64(0); i < 60; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		assert.Empty(t, dets)
	}
}

func TestCashWristConfidenceAtFloorAccepted(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	poses := []vision.PoseResult{
		testPose(575, 450, vision.Keypoint{X: 600, Y: 450, Confidence: 0.3}, vision.Keypoint{}),
		testPose(700, 450, vision.Keypoint{X: 680, Y: 455, Confidence: 0.3}, vision.Keypoint{}),
	}
	dets, err := d.Process(testFrame(0), poses)
	require.NoError(t, err)
	require.Len(t, dets, 1)
}

func TestCashDistanceAtThresholdRejected(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	// Exactly 100px apart: strict less-than must reject.
	poses := []vision.PoseResult{
		testPose(575, 450, vision.Keypoint{X: 600, Y: 450, Confidence: 0.9}, vision.Keypoint{}),
		testPose(700, 450, vision.Keypoint{X: 700, Y: 450, Confidence: 0.9}, vision.Keypoint{}),
	}
	dets, err := d.Process(testFrame(0), poses)
	require.NoError(t, err)
	assert.Empty(t, dets)
}

func TestCashNoEventBeforeMinFrames(t *testing.T) {
	cfg := defaultCashConfig()
	cfg.MinFrames = 5
	d := NewCashDetector(cfg, true)
	poses := counterPair()

	for i := int64(0); i < 4; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		assert.Empty(t, dets, "frame %d is before the temporal gate", i)
	}
	dets, err := d.Process(testFrame(4), poses)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
}

func TestCashStreakResetsOnGap(t *testing.T) {
	cfg := defaultCashConfig()
	cfg.MinFrames = 3
	d := NewCashDetector(cfg, true)
	poses := counterPair()

	// Two candidate frames, then a frame with nobody near.
	for i := int64(0); i < 2; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		assert.Empty(t, dets)
	}
	dets, err := d.Process(testFrame(2), nil)
	require.NoError(t, err)
	assert.Empty(t, dets)

	// The streak starts over: two more candidates are still not enough.
	for i := int64(3); i < 5; i++ {
		dets, err := d.Process(testFrame(i), poses)
		require.NoError(t, err)
		assert.Empty(t, dets)
	}
	dets, err = d.Process(testFrame(5), poses)
	require.NoError(t, err)
	assert.Len(t, dets, 1)
}

func TestCashMetadataContract(t *testing.T) {
	d := NewCashDetector(defaultCashConfig(), true)
	dets, err := d.Process(testFrame(0), counterPair())
	require.NoError(t, err)
	require.Len(t, dets, 1)

	det := dets[0]
	assert.Equal(t, TypeCash, det.Type)
	assert.InDelta(t, 1-80.156/100, det.Confidence, 0.001)

	m := det.Metadata
	assert.Equal(t, "cash", m["event_type"])
	assert.Equal(t, 80.2, m["measured_hand_distance"])
	assert.Equal(t, 100, m["distance_threshold"])
	assert.Equal(t, 2, m["people_count"])
	assert.Equal(t, []float64{640, 453}, m["interaction_point"])

	cashier := m["cashier"].(map[string]any)
	assert.Equal(t, true, cashier["in_zone"])
	assert.Equal(t, "left", cashier["hand_used"])
	assert.Equal(t, []float64{575, 450}, cashier["center"])

	customer := m["customer"].(map[string]any)
	assert.Equal(t, false, customer["in_zone"])
	assert.Equal(t, "left", customer["hand_used"])

	cd := m["cash_detection"].(map[string]any)
	assert.Equal(t, 100, cd["hand_touch_distance_threshold"])
	assert.Equal(t, 0.3, cd["pose_confidence"])
	assert.Equal(t, []float64{500, 400, 650, 500}, cd["cashier_zone"])
}

func TestCashTieBreaks(t *testing.T) {
	cfg := defaultCashConfig()
	d := NewCashDetector(cfg, true)

	cashier := testPose(575, 450, vision.Keypoint{X: 500, Y: 450, Confidence: 0.9}, vision.Keypoint{})

	// Two customers exactly 80px from the cashier's wrist. The one with the
	// stronger weakest-wrist wins.
	weak := testPose(700, 300, vision.Keypoint{X: 500, Y: 370, Confidence: 0.8}, vision.Keypoint{})
	strong := testPose(700, 550, vision.Keypoint{X: 580, Y: 450, Confidence: 0.9}, vision.Keypoint{})

	dets, err := d.Process(testFrame(0), []vision.PoseResult{cashier, weak, strong})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	customer := dets[0].Metadata["customer"].(map[string]any)
	assert.Equal(t, []float64{700, 550}, customer["center"])

	// Equal confidences: the leftmost customer center wins.
	d = NewCashDetector(cfg, true)
	left := testPose(690, 300, vision.Keypoint{X: 500, Y: 370, Confidence: 0.9}, vision.Keypoint{})
	right := testPose(700, 550, vision.Keypoint{X: 580, Y: 450, Confidence: 0.9}, vision.Keypoint{})
	dets, err = d.Process(testFrame(0), []vision.PoseResult{cashier, right, left})
	require.NoError(t, err)
	require.Len(t, dets, 1)
	customer = dets[0].Metadata["customer"].(map[string]any)
	assert.Equal(t, []float64{690, 300}, customer["center"])
}

func TestCashDisabledZoneOrSoloNeverFires(t *testing.T) {
	cfg := defaultCashConfig()
	cfg.Zone = nil
	d := NewCashDetector(cfg, true)
	dets, err := d.Process(testFrame(0), counterPair())
	require.NoError(t, err)
	assert.Empty(t, dets)

	d = NewCashDetector(defaultCashConfig(), true)
	dets, err = d.Process(testFrame(0), counterPair()[:1])
	require.NoError(t, err)
	assert.Empty(t, dets)
}
