package detect

import "image"

const (
	// Exponential moving average rate for the luma background model.
	smokeBGAlpha = 0.05
	// A pixel counts as plume when it departs this far from the background.
	smokeFGDelta = 25
	// Grayish plume color bounds, OpenCV HSV scale.
	smokeMaxSaturation = 50
	smokeMinValue      = 100
	smokeMaxValue      = 220
	// Minimum plume size and the centroid climb that counts as rising.
	smokeMinArea   = 1500
	smokeMinAscent = 0.5
)

// smokeTracker watches for a gray, low-saturation region that departs from a
// slowly adapting background and whose centroid drifts upward. It is an
// auxiliary signal only; it boosts a flame candidate but never creates one.
type smokeTracker struct {
	bg        []float32
	w, h      int
	lastY     float64
	hasSample bool
}

// observe updates the background model and reports whether a rising plume is
// present this frame.
func (s *smokeTracker) observe(img image.Image, gray *image.Gray) bool {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if s.bg == nil || s.w != w || s.h != h {
		s.bg = make([]float32, w*h)
		s.w, s.h = w, h
		for y := 0; y < h; y++ {
			row := gray.Pix[gray.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
			for x := 0; x < w; x++ {
				s.bg[y*w+x] = float32(row[x])
			}
		}
		s.hasSample = false
		return false
	}

	var area int
	var sumY float64
	for y := 0; y < h; y++ {
		row := gray.Pix[gray.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
		for x := 0; x < w; x++ {
			luma := float32(row[x])
			bg := s.bg[y*w+x]
			s.bg[y*w+x] = bg + smokeBGAlpha*(luma-bg)

			d := luma - bg
			if d < 0 {
				d = -d
			}
			if d < smokeFGDelta {
				continue
			}
			r16, g16, b16, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			_, sat, val := rgbToHSV(uint8(r16>>8), uint8(g16>>8), uint8(b16>>8))
			if sat > smokeMaxSaturation || val < smokeMinValue || val > smokeMaxValue {
				continue
			}
			area++
			sumY += float64(bounds.Min.Y + y)
		}
	}

	if area < smokeMinArea {
		s.hasSample = false
		return false
	}
	centroidY := sumY / float64(area)
	rising := s.hasSample && s.lastY-centroidY >= smokeMinAscent
	s.lastY = centroidY
	s.hasSample = true
	return rising
}
