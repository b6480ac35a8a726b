package detect

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
)

func grayFill(w, h int, v uint8) *image.Gray {
	g := image.NewGray(image.Rect(0, 0, w, h))
	for i := range g.Pix {
		g.Pix[i] = v
	}
	return g
}

func TestMeanAbsLumaDiff(t *testing.T) {
	a := grayFill(32, 32, 100)
	b := grayFill(32, 32, 100)
	full := a.Bounds()

	assert.Equal(t, 0.0, meanAbsLumaDiff(a, b, full))

	// Uniform shift shows up as exactly that shift.
	c := grayFill(32, 32, 140)
	assert.Equal(t, 40.0, meanAbsLumaDiff(a, c, full))

	// Restricting the region measures only inside it.
	d := grayFill(32, 32, 100)
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			d.SetGray(x, y, gray255)
		}
	}
	assert.Equal(t, 155.0, meanAbsLumaDiff(a, d, image.Rect(0, 0, 32, 16)))
	assert.Equal(t, 0.0, meanAbsLumaDiff(a, d, image.Rect(0, 16, 32, 32)))
}

func TestMeanAbsLumaDiffGuards(t *testing.T) {
	a := grayFill(32, 32, 100)
	assert.Equal(t, 0.0, meanAbsLumaDiff(nil, a, a.Bounds()))
	assert.Equal(t, 0.0, meanAbsLumaDiff(a, nil, a.Bounds()))

	// Resolution change mid-stream must not be compared.
	small := grayFill(16, 16, 0)
	assert.Equal(t, 0.0, meanAbsLumaDiff(small, a, a.Bounds()))

	// Region fully outside the frame.
	assert.Equal(t, 0.0, meanAbsLumaDiff(a, a, image.Rect(100, 100, 200, 200)))
}
