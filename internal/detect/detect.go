// Package detect defines the object-detector capability consumed by the
// crosswalk pipeline, plus adapters and postprocessors around it.
package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/dj-oyu/crosswalk-monitor/internal/geometry"
)

// PersonClassID is the COCO class id of "person".
const PersonClassID = 0

// ErrMalformedOutput is returned when a detector produced unusable output.
var ErrMalformedOutput = errors.New("malformed detector output")

// Detection is one object found by a detector.
type Detection struct {
	Box        geometry.Box `json:"box"`
	ClassID    int          `json:"class_id"`
	Confidence float64      `json:"confidence"`
	Label      string       `json:"label,omitempty"`
}

// Detector finds objects in a frame. Detections below confidence are dropped
// by the implementation.
type Detector interface {
	Detect(ctx context.Context, frame image.Image, confidence float64) ([]Detection, error)
}

// DetectorFunc adapts a plain function to the Detector interface.
type DetectorFunc func(ctx context.Context, frame image.Image, confidence float64) ([]Detection, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, frame image.Image, confidence float64) ([]Detection, error) {
	return f(ctx, frame, confidence)
}

// Boxes extracts the boxes of dets, preserving order.
func Boxes(dets []Detection) []geometry.Box {
	boxes := make([]geometry.Box, len(dets))
	for i, d := range dets {
		boxes[i] = d.Box
	}
	return boxes
}

// Validate rejects detections carrying non-finite coordinates or scores.
// Degenerate or inverted boxes pass; geometry handles them.
func Validate(dets []Detection) error {
	for i, d := range dets {
		for _, v := range []float64{d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, d.Confidence} {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: detection %d has non-finite value %v", ErrMalformedOutput, i, v)
			}
		}
	}
	return nil
}
