package vision

import "math"

// COCO keypoint indices as emitted by the pose model.
const (
	KeypointNose          = 0
	KeypointLeftEye       = 1
	KeypointRightEye      = 2
	KeypointLeftEar       = 3
	KeypointRightEar      = 4
	KeypointLeftShoulder  = 5
	KeypointRightShoulder = 6
	KeypointLeftElbow     = 7
	KeypointRightElbow    = 8
	KeypointLeftWrist     = 9
	KeypointRightWrist    = 10
	KeypointLeftHip       = 11
	KeypointRightHip      = 12
	KeypointLeftKnee      = 13
	KeypointRightKnee     = 14
	KeypointLeftAnkle     = 15
	KeypointRightAnkle    = 16

	NumKeypoints = 17
)

type Keypoint struct {
	X          float32 `json:"x"`
	Y          float32 `json:"y"`
	Confidence float32 `json:"confidence"`
}

// BBox is an axis-aligned box in image pixels, origin top-left.
type BBox struct {
	X1 float32 `json:"x1"`
	Y1 float32 `json:"y1"`
	X2 float32 `json:"x2"`
	Y2 float32 `json:"y2"`
}

func (b BBox) Width() float32  { return b.X2 - b.X1 }
func (b BBox) Height() float32 { return b.Y2 - b.Y1 }

func (b BBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

func (b BBox) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

func (b BBox) Diagonal() float32 {
	w, h := float64(b.Width()), float64(b.Height())
	return float32(math.Sqrt(w*w + h*h))
}

// Intersection returns the overlapping region, which may have zero area.
func (b BBox) Intersection(o BBox) BBox {
	return BBox{
		X1: max32(b.X1, o.X1),
		Y1: max32(b.Y1, o.Y1),
		X2: min32(b.X2, o.X2),
		Y2: min32(b.Y2, o.Y2),
	}
}

func (b BBox) Union(o BBox) BBox {
	return BBox{
		X1: min32(b.X1, o.X1),
		Y1: min32(b.Y1, o.Y1),
		X2: max32(b.X2, o.X2),
		Y2: max32(b.Y2, o.Y2),
	}
}

// IoU is intersection over union, used by NMS.
func (b BBox) IoU(o BBox) float32 {
	inter := b.Intersection(o).Area()
	if inter <= 0 {
		return 0
	}
	return inter / (b.Area() + o.Area() - inter)
}

// OverlapRatio is intersection over the smaller box's area. Two boxes where
// one mostly sits inside the other score close to 1 even when their sizes
// differ a lot, which is the behavior the close-combat check wants.
func (b BBox) OverlapRatio(o BBox) float32 {
	inter := b.Intersection(o).Area()
	if inter <= 0 {
		return 0
	}
	smaller := min32(b.Area(), o.Area())
	if smaller <= 0 {
		return 0
	}
	return inter / smaller
}

// PoseResult is one detected person with COCO keypoints.
type PoseResult struct {
	BBox       BBox                   `json:"bbox"`
	Confidence float32                `json:"confidence"`
	Keypoints  [NumKeypoints]Keypoint `json:"keypoints"`
}

// Center picks the person's anchor point: hip midpoint when both hips clear
// minConf, else shoulder midpoint, else the bbox center. Zone membership is
// decided from this point.
func (p PoseResult) Center(minConf float32) (float32, float32) {
	lh, rh := p.Keypoints[KeypointLeftHip], p.Keypoints[KeypointRightHip]
	if lh.Confidence >= minConf && rh.Confidence >= minConf {
		return (lh.X + rh.X) / 2, (lh.Y + rh.Y) / 2
	}
	ls, rs := p.Keypoints[KeypointLeftShoulder], p.Keypoints[KeypointRightShoulder]
	if ls.Confidence >= minConf && rs.Confidence >= minConf {
		return (ls.X + rs.X) / 2, (ls.Y + rs.Y) / 2
	}
	return p.BBox.Center()
}

// ObjectBox is one labelled detection from an object model.
type ObjectBox struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
	BBox       BBox    `json:"bbox"`
}

func min32(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}
