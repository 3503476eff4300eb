// Package inference defines the black-box contracts for the neural models
// the pipeline drives. The pipeline never sees model internals: a detector
// is anything that maps an image to raw detections, a segmenter anything
// that maps an image to tagged regions. The HTTP adapter in this package
// speaks to the external inference service; tests substitute deterministic
// fakes.
package inference

import (
	"context"
	"image"

	"github.com/FourTwoN/demeter-vision/internal/geometry"
	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// RawDetection is one model output in the coordinate space of the image
// that was handed to the model — segment-local when the image is a crop.
// X and Y are the box center.
type RawDetection struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Confidence float64 `json:"confidence"`
	Class      string  `json:"class,omitempty"`
}

// Region is one model-proposed spatial region of a full photo.
type Region struct {
	Label string             `json:"label"`
	Type  vision.SegmentType `json:"type"`
	BBox  geometry.BBox      `json:"bbox"`
}

// Detector returns raw detections for an image. Implementations must be
// safe for concurrent use: one loaded detector is shared by all segment
// tasks on a worker.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]RawDetection, error)
}

// Segmenter proposes tagged regions for a full photo.
type Segmenter interface {
	Segment(ctx context.Context, img image.Image) ([]Region, error)
}
