package detect

import "fmt"

// Zone classifies a person's center point as inside or outside the cashier
// area. Membership is decided from the center point alone.
type Zone interface {
	Contains(x, y float32) bool
	// Spec returns the zone in its stored form, echoed verbatim into event
	// metadata: [x1,y1,x2,y2] for rectangles, [[x,y],...] for polygons.
	Spec() any
	// Outline returns the corner points in draw order for overlay rendering.
	Outline() [][2]float32
}

// RectZone is an axis-aligned zone. Edges count as inside.
type RectZone struct {
	X1, Y1, X2, Y2 float32
}

func (z RectZone) Contains(x, y float32) bool {
	return x >= z.X1 && x <= z.X2 && y >= z.Y1 && y <= z.Y2
}

func (z RectZone) Spec() any {
	return []float64{float64(z.X1), float64(z.Y1), float64(z.X2), float64(z.Y2)}
}

func (z RectZone) Outline() [][2]float32 {
	return [][2]float32{{z.X1, z.Y1}, {z.X2, z.Y1}, {z.X2, z.Y2}, {z.X1, z.Y2}}
}

// PolygonZone tests membership by even-odd ray casting.
type PolygonZone struct {
	Vertices [][2]float32
}

func (z PolygonZone) Contains(x, y float32) bool {
	n := len(z.Vertices)
	if n < 3 {
		return false
	}
	inside := false
	j := n - 1
	for i := 0; i < n; i++ {
		xi, yi := z.Vertices[i][0], z.Vertices[i][1]
		xj, yj := z.Vertices[j][0], z.Vertices[j][1]
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
		j = i
	}
	return inside
}

func (z PolygonZone) Spec() any {
	pts := make([][]float64, 0, len(z.Vertices))
	for _, v := range z.Vertices {
		pts = append(pts, []float64{float64(v[0]), float64(v[1])})
	}
	return pts
}

func (z PolygonZone) Outline() [][2]float32 { return z.Vertices }

// NewZone builds a Zone from configured coordinates. A polygon with three or
// more vertices takes precedence over the rectangle.
func NewZone(rect []float64, polygon [][]float64) (Zone, error) {
	if len(polygon) >= 3 {
		verts := make([][2]float32, 0, len(polygon))
		for i, p := range polygon {
			if len(p) != 2 {
				return nil, fmt.Errorf("polygon vertex %d: want [x,y], got %d values", i, len(p))
			}
			verts = append(verts, [2]float32{float32(p[0]), float32(p[1])})
		}
		return PolygonZone{Vertices: verts}, nil
	}
	if len(rect) == 4 {
		z := RectZone{
			X1: float32(rect[0]), Y1: float32(rect[1]),
			X2: float32(rect[2]), Y2: float32(rect[3]),
		}
		if z.X2 < z.X1 || z.Y2 < z.Y1 {
			return nil, fmt.Errorf("rectangle zone [%v]: x2/y2 must not be below x1/y1", rect)
		}
		return z, nil
	}
	return nil, fmt.Errorf("zone needs a 4-value rectangle or a polygon with >=3 vertices")
}
