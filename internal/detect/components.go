package detect

import "image"

// component is one connected region of a binary mask.
type component struct {
	Area int
	Rect image.Rectangle
}

// largestComponent finds the biggest 4-connected region of set pixels in a
// binary mask (any non-zero byte counts). A zero-area component means the
// mask was empty.
func largestComponent(mask *image.Gray) component {
	bounds := mask.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w == 0 || h == 0 {
		return component{}
	}

	labels := make([]int32, w*h)
	parent := []int32{0} // parent[0] unused; labels start at 1

	find := func(x int32) int32 {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int32) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	next := int32(1)
	for y := 0; y < h; y++ {
		row := mask.Pix[mask.PixOffset(bounds.Min.X, bounds.Min.Y+y):]
		for x := 0; x < w; x++ {
			if row[x] == 0 {
				continue
			}
			var left, up int32
			if x > 0 {
				left = labels[y*w+x-1]
			}
			if y > 0 {
				up = labels[(y-1)*w+x]
			}
			switch {
			case left == 0 && up == 0:
				parent = append(parent, next)
				labels[y*w+x] = next
				next++
			case left != 0 && up == 0:
				labels[y*w+x] = left
			case left == 0 && up != 0:
				labels[y*w+x] = up
			default:
				labels[y*w+x] = left
				union(left, up)
			}
		}
	}

	areas := make(map[int32]int)
	rects := make(map[int32]image.Rectangle)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			l := labels[y*w+x]
			if l == 0 {
				continue
			}
			root := find(l)
			areas[root]++
			px := image.Rect(bounds.Min.X+x, bounds.Min.Y+y, bounds.Min.X+x+1, bounds.Min.Y+y+1)
			if r, ok := rects[root]; ok {
				rects[root] = r.Union(px)
			} else {
				rects[root] = px
			}
		}
	}

	var bestLabel int32
	best := component{}
	for l, a := range areas {
		if a > best.Area || (a == best.Area && (bestLabel == 0 || l < bestLabel)) {
			best = component{Area: a, Rect: rects[l]}
			bestLabel = l
		}
	}
	return best
}
