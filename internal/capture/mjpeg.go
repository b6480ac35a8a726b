package capture

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// maxFrameBytes bounds scanner memory when the stream is corrupt and no EOI
// marker ever arrives.
const maxFrameBytes = 16 << 20

// mjpegScanner extracts complete JPEG images from ffmpeg's image2pipe output
// by scanning for SOI/EOI markers.
type mjpegScanner struct {
	r   io.Reader
	buf []byte
}

func newMJPEGScanner(r io.Reader) *mjpegScanner {
	return &mjpegScanner{r: r, buf: make([]byte, 0, 256<<10)}
}

// Next returns the next complete JPEG. The returned slice is freshly
// allocated and safe to retain.
func (s *mjpegScanner) Next() ([]byte, error) {
	chunk := make([]byte, 64<<10)
	for {
		if frame := s.extract(); frame != nil {
			return frame, nil
		}
		if len(s.buf) > maxFrameBytes {
			return nil, fmt.Errorf("mjpeg stream corrupt: %d buffered bytes without frame end", len(s.buf))
		}

		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(s.buf) > 0 {
				// Partial trailing frame is dropped; stream is over anyway.
				s.buf = s.buf[:0]
			}
			return nil, err
		}
	}
}

func (s *mjpegScanner) extract() []byte {
	start := bytes.Index(s.buf, jpegSOI)
	if start < 0 {
		// No start marker: keep one byte in case a marker split across reads.
		if len(s.buf) > 1 {
			s.buf = s.buf[len(s.buf)-1:]
		}
		return nil
	}
	if start > 0 {
		s.buf = s.buf[start:]
	}

	end := bytes.Index(s.buf[2:], jpegEOI)
	if end < 0 {
		return nil
	}
	frameLen := 2 + end + 2
	frame := make([]byte, frameLen)
	copy(frame, s.buf[:frameLen])
	s.buf = append(s.buf[:0], s.buf[frameLen:]...)
	return frame
}
