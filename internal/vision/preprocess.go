package vision

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// letterbox records how a source image was scaled and padded into the model
// input square so detections can be mapped back to source coordinates.
type letterbox struct {
	scale float32
	padX  float32
	padY  float32
	srcW  int
	srcH  int
}

// fillInputTensor letterboxes img into an inW×inH canvas (gray padding, aspect
// preserved) and writes normalized RGB planes in CHW order into data, which
// must hold 3*inW*inH values.
func fillInputTensor(img image.Image, data []float32, inW, inH int) letterbox {
	b := img.Bounds()
	srcW, srcH := b.Dx(), b.Dy()

	sx := float32(inW) / float32(srcW)
	sy := float32(inH) / float32(srcH)
	scale := sx
	if sy < sx {
		scale = sy
	}
	dstW := int(float32(srcW)*scale + 0.5)
	dstH := int(float32(srcH)*scale + 0.5)
	padX := (inW - dstW) / 2
	padY := (inH - dstH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, inW, inH))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{color.RGBA{114, 114, 114, 255}}, image.Point{}, draw.Src)
	xdraw.ApproxBiLinear.Scale(canvas,
		image.Rect(padX, padY, padX+dstW, padY+dstH),
		img, b, xdraw.Src, nil)

	plane := inW * inH
	i := 0
	for y := 0; y < inH; y++ {
		row := canvas.Pix[y*canvas.Stride : y*canvas.Stride+inW*4]
		for x := 0; x < inW; x++ {
			data[i] = float32(row[x*4]) / 255.0
			data[plane+i] = float32(row[x*4+1]) / 255.0
			data[2*plane+i] = float32(row[x*4+2]) / 255.0
			i++
		}
	}

	return letterbox{
		scale: scale,
		padX:  float32(padX),
		padY:  float32(padY),
		srcW:  srcW,
		srcH:  srcH,
	}
}

// toSource maps a model-space point back into source image pixels, clamped to
// the image bounds.
func (lb letterbox) toSource(x, y float32) (float32, float32) {
	sx := (x - lb.padX) / lb.scale
	sy := (y - lb.padY) / lb.scale
	return clamp32(sx, 0, float32(lb.srcW)), clamp32(sy, 0, float32(lb.srcH))
}

func clamp32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
