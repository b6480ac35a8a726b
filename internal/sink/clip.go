package sink

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/icza/mjpeg"

	"github.com/technosupport/ts-sentinel/internal/capture"
	"github.com/technosupport/ts-sentinel/internal/detect"
)

// writeIntermediate writes the buffer snapshot as an MJPEG AVI, stamping the
// event label on every frame. Frames that fail to decode are skipped.
func (s *Sink) writeIntermediate(ctx context.Context, path string, t detect.Type, frames []*capture.Frame) error {
	first := frames[0]
	aw, err := mjpeg.New(path, int32(first.Width), int32(first.Height), int32(s.cfg.FPS))
	if err != nil {
		return fmt.Errorf("sink: open intermediate: %w", err)
	}

	label := strings.ToUpper(string(t)) + " DETECTED"
	for i, f := range frames {
		if i%32 == 0 {
			if err := ctx.Err(); err != nil {
				aw.Close()
				return err
			}
		}
		stamped, err := stampFrame(f, label, t)
		if err != nil {
			continue
		}
		if err := aw.AddFrame(stamped); err != nil {
			aw.Close()
			return fmt.Errorf("sink: write frame %d: %w", i, err)
		}
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("sink: close intermediate: %w", err)
	}
	return nil
}

// writeThumbnail saves the newest frame as a JPEG with a short label box.
func (s *Sink) writeThumbnail(path string, t detect.Type, f *capture.Frame) error {
	stamped, err := stampFrame(f, strings.ToUpper(string(t)), t)
	if err != nil {
		return fmt.Errorf("sink: thumbnail: %w", err)
	}
	if err := os.WriteFile(path, stamped, 0o644); err != nil {
		return fmt.Errorf("sink: thumbnail: %w", err)
	}
	return nil
}

// stampFrame decodes one frame, draws the label box and re-encodes it.
func stampFrame(f *capture.Frame, label string, t detect.Type) ([]byte, error) {
	img, err := f.Decode()
	if err != nil {
		return nil, err
	}
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(img.Bounds())
		draw.Draw(rgba, rgba.Bounds(), img, img.Bounds().Min, draw.Src)
	}
	detect.StampLabel(rgba, label, t)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, rgba, &jpeg.Options{Quality: 85}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// transcode converts the intermediate AVI to a faststart H.264 MP4.
func (s *Sink) transcode(ctx context.Context, src, dst string) error {
	tctx, cancel := context.WithTimeout(ctx, s.cfg.TranscodeTimeout)
	defer cancel()

	args := []string{
		"-y", "-i", src,
		"-c:v", "libx264", "-preset", "fast", "-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-r", strconv.Itoa(s.cfg.FPS),
		dst,
	}
	cmd := exec.CommandContext(tctx, s.cfg.FFmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		os.Remove(dst)
		return fmt.Errorf("ffmpeg: %w: %s", err, lastLine(&stderr))
	}
	return nil
}

func lastLine(buf *bytes.Buffer) string {
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}
