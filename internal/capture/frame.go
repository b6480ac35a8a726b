// Package capture reads frames from a camera's RTSP stream through an ffmpeg
// child process and applies the worker's reconnection policy.
package capture

import (
	"bytes"
	"image"
	"image/jpeg"
	"time"
)

// Frame is one captured image. Pixels stay JPEG-encoded until a consumer
// needs them; the rolling buffer and the clip writer both work on the encoded
// bytes directly.
type Frame struct {
	CameraID  int64
	Index     int64
	Timestamp time.Time
	Width     int
	Height    int
	JPEG      []byte
}

// Decode decompresses the frame for pixel-level work.
func (f *Frame) Decode() (image.Image, error) {
	return jpeg.Decode(bytes.NewReader(f.JPEG))
}

// Clone deep-copies the frame so ring snapshots stay valid after the source
// buffer moves on.
func (f *Frame) Clone() *Frame {
	cp := *f
	cp.JPEG = make([]byte, len(f.JPEG))
	copy(cp.JPEG, f.JPEG)
	return &cp
}
