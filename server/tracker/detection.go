package tracker

import (
	"fmt"
	"math"
)

// Detection is one object reported by the detector for a single frame.
type Detection struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
	ClassLabel string      `json:"class_label"`
}

// Validate checks the box and that the confidence is a probability.
func (d Detection) Validate() error {
	if err := d.Box.Validate(); err != nil {
		return err
	}
	if math.IsNaN(d.Confidence) || d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedDetection, d.Confidence)
	}
	return nil
}
