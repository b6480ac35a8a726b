package detect

import (
	"image"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

// meanAbsLumaDiff measures motion as the mean absolute luma difference
// between two frames inside region r, in [0,255]. Frames with mismatched
// geometry (resolution change mid-stream) report zero motion.
func meanAbsLumaDiff(prev, cur *image.Gray, r image.Rectangle) float64 {
	if prev == nil || cur == nil || prev.Bounds() != cur.Bounds() {
		return 0
	}
	r = r.Intersect(cur.Bounds())
	if r.Empty() {
		return 0
	}
	var sum int64
	w := r.Dx()
	for y := r.Min.Y; y < r.Max.Y; y++ {
		prow := prev.Pix[prev.PixOffset(r.Min.X, y):]
		crow := cur.Pix[cur.PixOffset(r.Min.X, y):]
		for i := 0; i < w; i++ {
			d := int64(prow[i]) - int64(crow[i])
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return float64(sum) / float64(int64(w)*int64(r.Dy()))
}

func rectFromBBox(b vision.BBox) image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

func bboxFromRect(r image.Rectangle) vision.BBox {
	return vision.BBox{
		X1: float32(r.Min.X), Y1: float32(r.Min.Y),
		X2: float32(r.Max.X), Y2: float32(r.Max.Y),
	}
}
