package capture

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}))
	return buf.Bytes()
}

// slowReader feeds the stream in small chunks so markers split across reads.
type slowReader struct {
	data  []byte
	chunk int
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestMJPEGScannerExtractsFrames(t *testing.T) {
	f1 := encodeTestJPEG(t, 32, 24)
	f2 := encodeTestJPEG(t, 32, 24)

	stream := append([]byte("garbage-prefix"), f1...)
	stream = append(stream, []byte("mid")...)
	stream = append(stream, f2...)

	s := newMJPEGScanner(&slowReader{data: stream, chunk: 7})

	got1, err := s.Next()
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(got1))
	assert.NoError(t, err)

	got2, err := s.Next()
	require.NoError(t, err)
	_, err = jpeg.Decode(bytes.NewReader(got2))
	assert.NoError(t, err)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameClone(t *testing.T) {
	f := &Frame{CameraID: 3, Index: 7, JPEG: []byte{1, 2, 3}, Width: 10, Height: 20}
	cp := f.Clone()
	f.JPEG[0] = 9
	assert.Equal(t, byte(1), cp.JPEG[0])
	assert.Equal(t, f.Index, cp.Index)
}

// flakySource fails a scripted number of reads, then succeeds forever.
type flakySource struct {
	failuresLeft int
	opens        int
	reads        int
	closed       int
}

func (f *flakySource) Open(ctx context.Context) error { f.opens++; return nil }

func (f *flakySource) Read(ctx context.Context) (*Frame, error) {
	f.reads++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return nil, ErrStreamLost
	}
	return &Frame{Timestamp: time.Now(), JPEG: []byte{0xFF}}, nil
}

func (f *flakySource) Close() error { f.closed++; return nil }

func newTestResilient(src Source, policy ReconnectPolicy) *Resilient {
	r := NewResilient(1, policy, func(ctx context.Context) (Source, error) {
		return src, nil
	})
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return r
}

func TestResilientRecoversAfterOutage(t *testing.T) {
	src := &flakySource{failuresLeft: 25}
	policy := DefaultReconnectPolicy()
	policy.MaxConsecutiveFailures = 20
	policy.StaleAfter = time.Hour // isolate the counter path

	r := newTestResilient(src, policy)

	var transitions []string
	r.OnReconnecting = func(reason string) { transitions = append(transitions, "reconnecting") }
	r.OnRecovered = func() { transitions = append(transitions, "running") }

	ctx := context.Background()
	require.NoError(t, r.Open(ctx))

	f, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Index)
	assert.Equal(t, int64(1), f.CameraID)

	assert.Equal(t, []string{"reconnecting", "running"}, transitions)
	assert.Equal(t, 1, r.Reconnects())
	assert.GreaterOrEqual(t, src.closed, 1)

	// Index keeps climbing across the recovered connection.
	f2, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), f2.Index)
}

func TestResilientGivesUpAfterStorms(t *testing.T) {
	src := &flakySource{failuresLeft: 1 << 30}
	policy := DefaultReconnectPolicy()
	policy.MaxConsecutiveFailures = 3
	policy.MaxStorms = 2
	policy.StaleAfter = time.Hour

	r := newTestResilient(src, policy)
	require.NoError(t, r.Open(context.Background()))

	_, err := r.Read(context.Background())
	assert.ErrorIs(t, err, ErrReconnectStorm)
}

func TestResilientOpenRetriesExhausted(t *testing.T) {
	dialErr := errors.New("refused")
	r := NewResilient(2, ReconnectPolicy{OpenAttempts: 3, MaxConsecutiveFailures: 1, MaxStorms: 1},
		func(ctx context.Context) (Source, error) { return nil, dialErr })
	r.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	err := r.Open(context.Background())
	assert.ErrorIs(t, err, ErrOpenFailed)
}

func TestResilientStopsOnCancel(t *testing.T) {
	src := &flakySource{failuresLeft: 1 << 30}
	policy := DefaultReconnectPolicy()
	policy.MaxConsecutiveFailures = 5
	policy.MaxStorms = 100
	policy.StaleAfter = time.Hour

	r := newTestResilient(src, policy)
	require.NoError(t, r.Open(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Read(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
