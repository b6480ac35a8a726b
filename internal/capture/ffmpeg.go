package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

var (
	// ErrOpenFailed marks a connection that never produced a decodable frame.
	ErrOpenFailed = errors.New("stream open failed")
	// ErrStreamLost marks a read failure on an established connection.
	ErrStreamLost = errors.New("stream lost")
)

// Source produces frames from one camera connection. Implementations are not
// safe for concurrent Read calls.
type Source interface {
	Open(ctx context.Context) error
	Read(ctx context.Context) (*Frame, error)
	Close() error
}

// SourceConfig carries the per-connection knobs. Zero values fall back to the
// documented defaults.
type SourceConfig struct {
	URL        string
	FFmpegPath string

	// SocketTimeout is handed to ffmpeg's RTSP stack (-stimeout, microseconds).
	SocketTimeout time.Duration
	// OpenTimeout bounds the wait for the probe frame after spawning ffmpeg.
	OpenTimeout time.Duration
	// ReadTimeout bounds the wait for each subsequent frame.
	ReadTimeout time.Duration
	// QueueSize is the jitter queue between the pipe reader and Read.
	QueueSize int
	// FPS asks ffmpeg to resample the stream; 0 keeps the camera rate.
	FPS int
	// ScaleWidth/ScaleHeight downscale at the demuxer; 0 keeps the camera
	// resolution.
	ScaleWidth  int
	ScaleHeight int
}

func (c *SourceConfig) defaults() {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 60 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 5
	}
}

// FFmpegSource decodes an RTSP (or any ffmpeg-supported) stream to JPEG
// frames via a child process writing image2pipe to stdout.
type FFmpegSource struct {
	cfg SourceConfig

	mu      sync.Mutex
	cmd     *exec.Cmd
	frames  chan *Frame
	readErr error
	stderr  *tailBuffer
	pending *Frame
	done    chan struct{}
}

var _ Source = (*FFmpegSource)(nil)

func NewFFmpegSource(cfg SourceConfig) *FFmpegSource {
	cfg.defaults()
	return &FFmpegSource{cfg: cfg}
}

func (s *FFmpegSource) args() []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if strings.HasPrefix(s.cfg.URL, "rtsp://") {
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", fmt.Sprintf("%d", s.cfg.SocketTimeout.Microseconds()),
		)
	}
	args = append(args, "-i", s.cfg.URL)
	var filters []string
	if s.cfg.FPS > 0 {
		filters = append(filters, fmt.Sprintf("fps=%d", s.cfg.FPS))
	}
	if s.cfg.ScaleWidth > 0 && s.cfg.ScaleHeight > 0 {
		filters = append(filters, fmt.Sprintf("scale=%d:%d", s.cfg.ScaleWidth, s.cfg.ScaleHeight))
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	return args
}

// Open spawns ffmpeg and waits for one decodable probe frame. The probe frame
// is handed to the first Read so nothing is lost.
func (s *FFmpegSource) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: already open", ErrOpenFailed)
	}

	cmd := exec.Command(s.cfg.FFmpegPath, s.args()...)
	stderr := newTailBuffer(2048)
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: stdout pipe: %v", ErrOpenFailed, err)
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: start %s: %v", ErrOpenFailed, s.cfg.FFmpegPath, err)
	}

	s.cmd = cmd
	s.stderr = stderr
	s.frames = make(chan *Frame, s.cfg.QueueSize)
	s.done = make(chan struct{})
	s.readErr = nil
	s.pending = nil
	frames := s.frames
	s.mu.Unlock()

	go s.pump(stdout, frames)

	select {
	case f, ok := <-frames:
		if !ok {
			err := s.takeReadErr()
			s.Close()
			return fmt.Errorf("%w: %v (%s)", ErrOpenFailed, err, stderr.String())
		}
		s.pending = f
		return nil
	case <-time.After(s.cfg.OpenTimeout):
		s.Close()
		return fmt.Errorf("%w: no frame within %s (%s)", ErrOpenFailed, s.cfg.OpenTimeout, stderr.String())
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// pump drains ffmpeg stdout into the jitter queue. When the queue is full the
// oldest frame is dropped, trading latency for liveness the way a small
// camera-side buffer would.
func (s *FFmpegSource) pump(stdout io.Reader, frames chan *Frame) {
	defer close(frames)
	defer close(s.done)

	scanner := newMJPEGScanner(stdout)
	for {
		data, err := scanner.Next()
		if err != nil {
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			return
		}
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			// Torn frame; skip it rather than kill the stream.
			continue
		}
		f := &Frame{
			Timestamp: time.Now(),
			Width:     cfg.Width,
			Height:    cfg.Height,
			JPEG:      data,
		}
		select {
		case frames <- f:
		default:
			select {
			case <-frames:
			default:
			}
			select {
			case frames <- f:
			default:
			}
		}
	}
}

// Read returns the next frame or ErrStreamLost on EOF, pipe error or timeout.
func (s *FFmpegSource) Read(ctx context.Context) (*Frame, error) {
	if s.pending != nil {
		f := s.pending
		s.pending = nil
		return f, nil
	}
	s.mu.Lock()
	frames := s.frames
	s.mu.Unlock()
	if frames == nil {
		return nil, fmt.Errorf("%w: source not open", ErrStreamLost)
	}

	timer := time.NewTimer(s.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-frames:
		if !ok {
			return nil, fmt.Errorf("%w: %v (%s)", ErrStreamLost, s.takeReadErr(), s.stderrTail())
		}
		return f, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: no frame within %s", ErrStreamLost, s.cfg.ReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close kills the child process and reaps it.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	cmd := s.cmd
	done := s.done
	s.cmd = nil
	s.frames = nil
	s.pending = nil
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	if done != nil {
		<-done
	}
	return nil
}

func (s *FFmpegSource) takeReadErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr == nil {
		return errors.New("stream ended")
	}
	return s.readErr
}

func (s *FFmpegSource) stderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stderr == nil {
		return ""
	}
	return s.stderr.String()
}

// tailBuffer keeps the last n bytes written, for error diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	t.mu.Unlock()
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
