package tracker

import (
	"fmt"
	"math"
)

// BoundingBox is an axis-aligned rectangle in image pixel coordinates.
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

func NewBoundingBox(xmin, ymin, xmax, ymax float64) BoundingBox {
	return BoundingBox{XMin: xmin, YMin: ymin, XMax: xmax, YMax: ymax}
}

func (b BoundingBox) Width() float64 {
	return b.XMax - b.XMin
}

func (b BoundingBox) Height() float64 {
	return b.YMax - b.YMin
}

func (b BoundingBox) Area() float64 {
	if b.XMax <= b.XMin || b.YMax <= b.YMin {
		return 0
	}
	return b.Width() * b.Height()
}

func (b BoundingBox) Center() (float64, float64) {
	return b.XMin + b.Width()/2, b.YMin + b.Height()/2
}

// Finite reports whether every coordinate is a real number.
func (b BoundingBox) Finite() bool {
	for _, v := range [4]float64{b.XMin, b.YMin, b.XMax, b.YMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Validate returns ErrMalformedDetection for non-finite or degenerate boxes.
func (b BoundingBox) Validate() error {
	if !b.Finite() {
		return fmt.Errorf("%w: non-finite coordinates %v", ErrMalformedDetection, b)
	}
	if b.XMin >= b.XMax || b.YMin >= b.YMax {
		return fmt.Errorf("%w: degenerate box %v", ErrMalformedDetection, b)
	}
	return nil
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.2f, %.2f)", b.XMin, b.YMin, b.XMax, b.YMax)
}

// IoU returns area(a∩b) / area(a∪b), or 0 when the boxes do not overlap.
func IoU(a, b BoundingBox) float64 {
	iw := math.Min(a.XMax, b.XMax) - math.Max(a.XMin, b.XMin)
	if iw <= 0 {
		return 0
	}
	ih := math.Min(a.YMax, b.YMax) - math.Max(a.YMin, b.YMin)
	if ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// measurement converts a box to the filter's observation space
// (center x, center y, scale/area, aspect ratio w/h).
func (b BoundingBox) measurement() [4]float64 {
	cx, cy := b.Center()
	w, h := b.Width(), b.Height()
	return [4]float64{cx, cy, w * h, w / h}
}

// boxFromMeasurement is the inverse of measurement. A non-positive scale or
// aspect ratio collapses the box to its center point.
func boxFromMeasurement(cx, cy, s, r float64) BoundingBox {
	if s <= 0 || r <= 0 {
		return BoundingBox{XMin: cx, YMin: cy, XMax: cx, YMax: cy}
	}
	w := math.Sqrt(s * r)
	h := s / w
	return BoundingBox{
		XMin: cx - w/2,
		YMin: cy - h/2,
		XMax: cx + w/2,
		YMax: cy + h/2,
	}
}
