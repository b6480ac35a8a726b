package detect

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"strings"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/technosupport/ts-sentinel/internal/vision"
)

var (
	colorCashier  = color.RGBA{G: 200, A: 255}
	colorCustomer = color.RGBA{R: 30, G: 144, B: 255, A: 255}
	colorZone     = color.RGBA{R: 255, G: 255, A: 255}
	colorWrist    = color.RGBA{R: 255, G: 255, A: 255}
	colorTouchOK  = color.RGBA{G: 255, A: 255}
	colorTouchFar = color.RGBA{R: 220, G: 40, B: 40, A: 255}
	colorBannerBG = color.RGBA{A: 255}
)

var typeColors = map[Type]color.RGBA{
	TypeCash:     {G: 255, A: 255},
	TypeViolence: {R: 255, A: 255},
	TypeFire:     {R: 255, G: 165, A: 255},
}

type OverlayConfig struct {
	Zone              Zone
	PoseConfidence    float32
	HandTouchDistance float64
}

// Overlay renders the per-frame annotation layer: the cashier zone outline,
// person boxes colored by role, wrist markers, the closest cross-role hand
// pair, and a banner for each fired detection.
type Overlay struct {
	cfg OverlayConfig
}

func NewOverlay(cfg OverlayConfig) *Overlay { return &Overlay{cfg: cfg} }

// Render draws onto a fresh copy of the frame; the original stays untouched.
func (o *Overlay) Render(f *Frame, poses []vision.PoseResult, dets []Detection) *image.RGBA {
	dst := image.NewRGBA(f.Image.Bounds())
	draw.Draw(dst, dst.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)

	o.drawZone(dst)
	o.drawPeople(dst, poses)
	o.drawTouchLine(dst, poses)
	drawBanners(dst, dets)
	return dst
}

func (o *Overlay) drawZone(dst *image.RGBA) {
	if o.cfg.Zone == nil {
		return
	}
	pts := o.cfg.Zone.Outline()
	n := len(pts)
	if n < 2 {
		return
	}
	for i := 0; i < n; i++ {
		a, b := pts[i], pts[(i+1)%n]
		drawLine(dst, int(a[0]), int(a[1]), int(b[0]), int(b[1]), colorZone)
	}
}

func (o *Overlay) drawPeople(dst *image.RGBA, poses []vision.PoseResult) {
	for _, p := range poses {
		cx, cy := p.Center(o.cfg.PoseConfidence)
		role := colorCustomer
		if o.cfg.Zone != nil && o.cfg.Zone.Contains(cx, cy) {
			role = colorCashier
		}
		rectOutline(dst, rectFromBBox(p.BBox), role, 2)
		for _, k := range []int{vision.KeypointLeftWrist, vision.KeypointRightWrist} {
			kp := p.Keypoints[k]
			if kp.Confidence >= o.cfg.PoseConfidence {
				fillCircle(dst, int(kp.X), int(kp.Y), 4, colorWrist)
			}
		}
	}
}

// drawTouchLine connects the closest cashier-customer wrist pair, green when
// the distance clears the touch threshold and red otherwise.
func (o *Overlay) drawTouchLine(dst *image.RGBA, poses []vision.PoseResult) {
	if o.cfg.Zone == nil || o.cfg.HandTouchDistance <= 0 || len(poses) < 2 {
		return
	}
	type wristPoint struct {
		kp     vision.Keypoint
		inZone bool
	}
	var wrists []wristPoint
	for _, p := range poses {
		cx, cy := p.Center(o.cfg.PoseConfidence)
		in := o.cfg.Zone.Contains(cx, cy)
		for _, k := range []int{vision.KeypointLeftWrist, vision.KeypointRightWrist} {
			kp := p.Keypoints[k]
			if kp.Confidence >= o.cfg.PoseConfidence {
				wrists = append(wrists, wristPoint{kp: kp, inZone: in})
			}
		}
	}
	bestDist := math.Inf(1)
	var a, b vision.Keypoint
	for i := 0; i < len(wrists); i++ {
		for j := i + 1; j < len(wrists); j++ {
			if wrists[i].inZone == wrists[j].inZone {
				continue
			}
			d := math.Hypot(float64(wrists[i].kp.X-wrists[j].kp.X), float64(wrists[i].kp.Y-wrists[j].kp.Y))
			if d < bestDist {
				bestDist, a, b = d, wrists[i].kp, wrists[j].kp
			}
		}
	}
	if math.IsInf(bestDist, 1) {
		return
	}
	c := colorTouchFar
	if bestDist < o.cfg.HandTouchDistance {
		c = colorTouchOK
	}
	drawLine(dst, int(a.X), int(a.Y), int(b.X), int(b.Y), c)
}

func drawBanners(dst *image.RGBA, dets []Detection) {
	for i, det := range dets {
		label := strings.ToUpper(string(det.Type)) + " DETECTED"
		c, ok := typeColors[det.Type]
		if !ok {
			c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
		}
		top := 10 + i*34
		fillRect(dst, image.Rect(10, top, 14+len(label)*7+8, top+24), colorBannerBG)
		drawString(dst, 14, top+17, label, c)
		rectOutline(dst, rectFromBBox(det.BBox), c, 2)
	}
}

// StampLabel draws the black label box the clip writer stamps on every
// saved frame and on thumbnails.
func StampLabel(dst *image.RGBA, label string, t Type) {
	c, ok := typeColors[t]
	if !ok {
		c = color.RGBA{R: 255, G: 255, B: 255, A: 255}
	}
	fillRect(dst, image.Rect(10, 10, 14+len(label)*7+8, 34), colorBannerBG)
	drawString(dst, 14, 27, label, c)
}

func fillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	draw.Draw(dst, r.Intersect(dst.Bounds()), &image.Uniform{C: c}, image.Point{}, draw.Src)
}

func rectOutline(dst *image.RGBA, r image.Rectangle, c color.RGBA, thickness int) {
	r = r.Intersect(dst.Bounds())
	if r.Empty() {
		return
	}
	t := thickness
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t), c)
	fillRect(dst, image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y), c)
	fillRect(dst, image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y), c)
}

func fillCircle(dst *image.RGBA, cx, cy, radius int, c color.RGBA) {
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx*dx+dy*dy <= radius*radius {
				dst.SetRGBA(cx+dx, cy+dy, c)
			}
		}
	}
}

// drawLine is integer Bresenham.
func drawLine(dst *image.RGBA, x0, y0, x1, y1 int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		dst.SetRGBA(x0, y0, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func drawString(dst *image.RGBA, x, y int, s string, c color.RGBA) {
	d := font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
