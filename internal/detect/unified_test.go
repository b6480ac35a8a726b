package detect

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

type stubPose struct {
	poses []vision.PoseResult
	err   error
	calls int
}

func (s *stubPose) Detect(img image.Image) ([]vision.PoseResult, error) {
	s.calls++
	return s.poses, s.err
}

// orderProbe records the order detectors ran in.
type orderProbe struct {
	name    string
	enabled bool
	order   *[]string
	emit    []Detection
	err     error
}

func (p *orderProbe) Name() string  { return p.name }
func (p *orderProbe) Enabled() bool { return p.enabled }

func (p *orderProbe) Process(f *Frame, poses []vision.PoseResult) ([]Detection, error) {
	*p.order = append(*p.order, p.name)
	return p.emit, p.err
}

func TestUnifiedRunsDetectorsInOrder(t *testing.T) {
	var order []string
	pose := &stubPose{}
	u := NewUnified(pose, NewOverlay(OverlayConfig{}),
		&orderProbe{name: "cash", enabled: true, order: &order},
		&orderProbe{name: "violence", enabled: true, order: &order},
		&orderProbe{name: "fire", enabled: true, order: &order},
	)

	res, err := u.Process(testFrame(0))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []string{"cash", "violence", "fire"}, order)
	assert.Equal(t, 1, pose.calls)
}

func TestUnifiedSkipsDisabledDetectors(t *testing.T) {
	var order []string
	u := NewUnified(&stubPose{}, NewOverlay(OverlayConfig{}),
		&orderProbe{name: "cash", enabled: true, order: &order},
		&orderProbe{name: "violence", enabled: false, order: &order},
		&orderProbe{name: "fire", enabled: true, order: &order},
	)

	_, err := u.Process(testFrame(0))
	require.NoError(t, err)
	assert.Equal(t, []string{"cash", "fire"}, order)
}

func TestUnifiedCollectsDetectionsAndAnnotates(t *testing.T) {
	var order []string
	det := Detection{Type: TypeFire, Confidence: 0.9, FrameIndex: 7,
		BBox: vision.BBox{X1: 1, Y1: 1, X2: 5, Y2: 5}}
	u := NewUnified(&stubPose{}, NewOverlay(OverlayConfig{}),
		&orderProbe{name: "fire", enabled: true, order: &order, emit: []Detection{det}},
	)

	res, err := u.Process(testFrame(7))
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, TypeFire, res.Detections[0].Type)

	// The overlay renders every processed frame, detections or not.
	require.NotNil(t, res.Annotated)
	assert.Equal(t, testImage.Bounds(), res.Annotated.Bounds())
}

func TestUnifiedTransientInferenceErrorSkipsFrame(t *testing.T) {
	pose := &stubPose{err: errors.New("onnx call failed")}
	u := NewUnified(pose, NewOverlay(OverlayConfig{}))

	res, err := u.Process(testFrame(0))
	require.NoError(t, err)
	assert.Nil(t, res)

	// A good frame resets the streak.
	pose.err = nil
	res, err = u.Process(testFrame(1))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Zero(t, u.errStreak)
}

func TestUnifiedEscalatesPersistentInferenceFailure(t *testing.T) {
	pose := &stubPose{err: errors.New("onnx call failed")}
	u := NewUnified(pose, NewOverlay(OverlayConfig{}))

	var fatal error
	for i := int64(0); i < maxInferenceErrStreak; i++ {
		_, err := u.Process(testFrame(i))
		if err != nil {
			fatal = err
			break
		}
	}
	require.Error(t, fatal)
	assert.ErrorIs(t, fatal, ErrInferenceStorm)
}
