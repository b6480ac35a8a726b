package sink

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/detect"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

func testFrames(t *testing.T, n int) []*capture.Frame {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	base := time.Now().Add(-time.Duration(n) * 66 * time.Millisecond)
	frames := make([]*capture.Frame, n)
	for i := range frames {
		frames[i] = &capture.Frame{
			CameraID:  7,
			Index:     int64(100 + i),
			Timestamp: base.Add(time.Duration(i) * 66 * time.Millisecond),
			Width:     64,
			Height:    48,
			JPEG:      append([]byte(nil), buf.Bytes()...),
		}
	}
	return frames
}

func cashDetection() detect.Detection {
	return detect.Detection{
		Type:       detect.TypeCash,
		Confidence: 0.85123,
		BBox:       vision.BBox{X1: 100, Y1: 100, X2: 200, Y2: 200},
		FrameIndex: 1234,
		Metadata: map[string]any{
			"event_type":             "cash",
			"measured_hand_distance": 85.5,
			"people_count":           2,
		},
	}
}

// fakeFFmpeg writes a stand-in transcoder: success copies the input to the
// output path, failure exits nonzero without producing anything.
func fakeFFmpeg(t *testing.T, succeed bool) string {
	t.Helper()
	script := "#!/bin/sh\nexit 1\n"
	if succeed {
		script = "#!/bin/sh\nfor last; do :; done\ncp \"$3\" \"$last\"\n"
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type stubRecorder struct {
	root        string
	events      []*Event
	err         error
	clipExisted bool
}

func (r *stubRecorder) RecordEvent(_ context.Context, ev *Event) error {
	if r.err != nil {
		return r.err
	}
	_, statErr := os.Stat(filepath.Join(r.root, ev.ClipPath))
	r.clipExisted = statErr == nil
	r.events = append(r.events, ev)
	return nil
}

func newTestSink(t *testing.T, transcodeOK bool) (*Sink, *stubRecorder, string) {
	t.Helper()
	root := t.TempDir()
	rec := &stubRecorder{root: root}
	s := New(
		Config{MediaRoot: root, FFmpegPath: fakeFFmpeg(t, transcodeOK)},
		CameraInfo{ID: 7, Code: "CAM-7", Name: "Front Till"},
		rec,
	)
	return s, rec, root
}

func TestPersistWritesAllArtifacts(t *testing.T) {
	s, rec, root := newTestSink(t, true)

	frames := testFrames(t, 6)
	ev, err := s.Persist(context.Background(), cashDetection(), frames, nil)
	require.NoError(t, err)
	require.NotNil(t, ev)

	assert.Regexp(t, regexp.MustCompile(`^clips/cash_CAM-7_\d{8}_\d{6}\.mp4$`), filepath.ToSlash(ev.ClipPath))
	assert.Regexp(t, regexp.MustCompile(`^thumbnails/cash_CAM-7_\d{8}_\d{6}\.jpg$`), filepath.ToSlash(ev.ThumbnailPath))
	assert.Regexp(t, regexp.MustCompile(`^json/cash_CAM-7_\d{8}_\d{6}\.json$`), filepath.ToSlash(ev.SidecarPath))
	for _, rel := range []string{ev.ClipPath, ev.ThumbnailPath, ev.SidecarPath} {
		info, statErr := os.Stat(filepath.Join(root, rel))
		require.NoError(t, statErr, rel)
		assert.Positive(t, info.Size(), rel)
	}

	// The intermediate AVI is gone after a clean transcode.
	leftovers, globErr := filepath.Glob(filepath.Join(root, "clips", "*_temp.avi"))
	require.NoError(t, globErr)
	assert.Empty(t, leftovers)

	assert.Equal(t, int64(7), ev.CameraID)
	assert.Equal(t, "cash", ev.Type)
	assert.Equal(t, "pending", ev.Status)
	assert.Equal(t, int64(1234), ev.FrameIndex)
	assert.Equal(t, []float64{100, 100, 200, 200}, ev.BBox)

	require.Len(t, rec.events, 1)
	assert.True(t, rec.clipExisted, "event row must be recorded only after the clip exists")

	// Thumbnail decodes back to the frame dimensions.
	thumb, openErr := os.Open(filepath.Join(root, ev.ThumbnailPath))
	require.NoError(t, openErr)
	defer thumb.Close()
	img, decErr := jpeg.Decode(thumb)
	require.NoError(t, decErr)
	assert.Equal(t, image.Rect(0, 0, 64, 48), img.Bounds())
}

func TestPersistSidecarContents(t *testing.T) {
	s, _, root := newTestSink(t, true)

	frames := testFrames(t, 6)
	ev, err := s.Persist(context.Background(), cashDetection(), frames, nil)
	require.NoError(t, err)

	body, err := ReadSidecar(filepath.Join(root, ev.SidecarPath))
	require.NoError(t, err)

	assert.Equal(t, "cash", body["event_type"])
	assert.Equal(t, "CAM-7", body["camera_id"])
	assert.Equal(t, "Front Till", body["camera_name"])
	assert.InDelta(t, 0.851, body["confidence"], 1e-9)
	assert.EqualValues(t, 1234, body["frame_number"])
	assert.Equal(t, []any{100.0, 100.0, 200.0, 200.0}, body["bbox"])
	assert.Equal(t, filepath.ToSlash(ev.ClipPath), filepath.ToSlash(body["clip_path"].(string)))
	assert.Equal(t, filepath.ToSlash(ev.ThumbnailPath), filepath.ToSlash(body["thumbnail_path"].(string)))
	assert.EqualValues(t, 6, body["frames_saved"])
	assert.InDelta(t, 0.4, body["duration_sec"], 1e-9)
	assert.NotContains(t, body, "transcode_failed")

	// Detector metadata merges at the top level next to the envelope.
	assert.InDelta(t, 85.5, body["measured_hand_distance"], 1e-9)
	assert.EqualValues(t, 2, body["people_count"])

	ts, tsErr := time.Parse(sidecarTimeLayout, body["timestamp"].(string))
	require.NoError(t, tsErr)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
	_, trigErr := time.Parse(sidecarTimeLayout, body["trigger_time"].(string))
	require.NoError(t, trigErr)
}

func TestPersistTranscodeFailureKeepsIntermediate(t *testing.T) {
	s, rec, root := newTestSink(t, false)

	ev, err := s.Persist(context.Background(), cashDetection(), testFrames(t, 4), nil)
	require.NoError(t, err)

	assert.Regexp(t, regexp.MustCompile(`^clips/cash_CAM-7_\d{8}_\d{6}_[0-9a-f]{6}_temp\.avi$`), filepath.ToSlash(ev.ClipPath))
	_, statErr := os.Stat(filepath.Join(root, ev.ClipPath))
	require.NoError(t, statErr)

	body, err := ReadSidecar(filepath.Join(root, ev.SidecarPath))
	require.NoError(t, err)
	assert.Equal(t, true, body["transcode_failed"])

	// Even the fallback clip counts as evidence; the record still lands.
	require.Len(t, rec.events, 1)
	assert.True(t, rec.clipExisted)
}

func TestPersistUsesAnnotatedThumbFrame(t *testing.T) {
	s, _, root := newTestSink(t, true)

	// A thumb frame with its own dimensions proves the thumbnail came from
	// it and not from the clip tail.
	img := image.NewRGBA(image.Rect(0, 0, 96, 72))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	thumb := &capture.Frame{
		CameraID:  7,
		Index:     105,
		Timestamp: time.Now(),
		Width:     96,
		Height:    72,
		JPEG:      buf.Bytes(),
	}

	ev, err := s.Persist(context.Background(), cashDetection(), testFrames(t, 4), thumb)
	require.NoError(t, err)

	f, openErr := os.Open(filepath.Join(root, ev.ThumbnailPath))
	require.NoError(t, openErr)
	defer f.Close()
	decoded, decErr := jpeg.Decode(f)
	require.NoError(t, decErr)
	assert.Equal(t, image.Rect(0, 0, 96, 72), decoded.Bounds())
}

func TestPersistEmptySnapshotRejected(t *testing.T) {
	s, rec, _ := newTestSink(t, true)

	_, err := s.Persist(context.Background(), cashDetection(), nil, nil)
	assert.ErrorIs(t, err, ErrNoFrames)
	assert.Empty(t, rec.events)
}

func TestPersistRecorderErrorPropagates(t *testing.T) {
	s, rec, _ := newTestSink(t, true)
	rec.err = errors.New("connection refused")

	_, err := s.Persist(context.Background(), cashDetection(), testFrames(t, 3), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPersistHonorsCancelledContext(t *testing.T) {
	s, rec, _ := newTestSink(t, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Persist(ctx, cashDetection(), testFrames(t, 3), nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rec.events)
}

func TestPersistFallsBackToCameraID(t *testing.T) {
	root := t.TempDir()
	s := New(
		Config{MediaRoot: root, FFmpegPath: fakeFFmpeg(t, true)},
		CameraInfo{ID: 12, Name: "Unnamed"},
		nil,
	)

	ev, err := s.Persist(context.Background(), cashDetection(), testFrames(t, 2), nil)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^clips/cash_12_\d{8}_\d{6}\.mp4$`), filepath.ToSlash(ev.ClipPath))
}

func TestSidecarRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "event.json")
	body := map[string]any{
		"timestamp":  "2026-08-25T10:15:00.000+03:00",
		"event_type": "fire",
		"camera_id":  "CAM-3",
		"fire_detection": map[string]any{
			"detection_method": "color_based",
			"min_fire_frames":  10.0,
		},
		"fire_area":    14400.0,
		"future_key":   "readers must carry unknowns through",
		"confidence":   0.753,
		"frames_saved": 150.0,
	}
	require.NoError(t, WriteSidecar(path, body))

	got, err := ReadSidecar(path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestReadSidecarErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := ReadSidecar(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{nope"), 0o644))
	_, err = ReadSidecar(bad)
	assert.Error(t, err)
}
