package detect

import (
	"image"
	"image/color"
)

var gray255 = color.Gray{Y: 255}

// rgbToHSV converts 8-bit RGB to HSV with H in [0,180), S and V in [0,255].
// The hue is halved so the fire/skin ranges below can be written with the
// same constants the color masks were tuned against.
func rgbToHSV(r, g, b uint8) (uint8, uint8, uint8) {
	maxc := r
	if g > maxc {
		maxc = g
	}
	if b > maxc {
		maxc = b
	}
	minc := r
	if g < minc {
		minc = g
	}
	if b < minc {
		minc = b
	}

	v := maxc
	diff := int(maxc) - int(minc)
	if diff == 0 {
		return 0, 0, v
	}
	s := uint8(255 * diff / int(maxc))

	var h int
	switch maxc {
	case r:
		h = (60*(int(g)-int(b)))/diff + 360
	case g:
		h = (60*(int(b)-int(r)))/diff + 120
	default:
		h = (60*(int(r)-int(g)))/diff + 240
	}
	h %= 360
	return uint8(h / 2), s, v
}

// Bright-orange flame ranges, plus the skin range subtracted from them.
// Hue values are in the halved [0,180) scale.
type hsvRange struct {
	hLo, hHi uint8
	sLo, sHi uint8
	vLo, vHi uint8
}

func (rg hsvRange) contains(h, s, v uint8) bool {
	return h >= rg.hLo && h <= rg.hHi &&
		s >= rg.sLo && s <= rg.sHi &&
		v >= rg.vLo && v <= rg.vHi
}

var (
	flameOrange = hsvRange{hLo: 5, hHi: 25, sLo: 150, sHi: 255, vLo: 200, vHi: 255}
	flameRed    = hsvRange{hLo: 0, hHi: 5, sLo: 200, sHi: 255, vLo: 220, vHi: 255}
	skinTone    = hsvRange{hLo: 0, hHi: 25, sLo: 20, sHi: 170, vLo: 70, vHi: 200}
)

// fireMask flags bright flame-colored pixels, excluding skin tones. It
// returns the binary mask (255 = flame) and the number of set pixels.
func fireMask(img image.Image) (*image.Gray, int) {
	bounds := img.Bounds()
	mask := image.NewGray(bounds)
	area := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r16, g16, b16, _ := img.At(x, y).RGBA()
			h, s, v := rgbToHSV(uint8(r16>>8), uint8(g16>>8), uint8(b16>>8))
			if !flameOrange.contains(h, s, v) && !flameRed.contains(h, s, v) {
				continue
			}
			if skinTone.contains(h, s, v) {
				continue
			}
			mask.SetGray(x, y, gray255)
			area++
		}
	}
	return mask, area
}
