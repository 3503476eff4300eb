// Package vision holds the domain types shared by the segmentation,
// detection, estimation, and aggregation stages, plus the detection
// post-processing primitives (IoU merging, sliding-window layout).
package vision

import (
	"github.com/FourTwoN/demeter-vision/internal/geometry"
)

// SegmentType selects the detection strategy for a segment.
type SegmentType string

const (
	// SegmentTiled marks a large or irregular growing area. Accurate
	// counting needs a sliding-window pass with overlap merging.
	SegmentTiled SegmentType = "tiled"

	// SegmentDirect marks a small bounded container. A single
	// full-crop detection pass suffices.
	SegmentDirect SegmentType = "direct"
)

// Valid reports whether t is a known segment type.
func (t SegmentType) Valid() bool {
	return t == SegmentTiled || t == SegmentDirect
}

// Segment is a named spatial region of one session's photo. Segments are
// created by the segmentation stage and immutable afterwards.
type Segment struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId"`
	Label     string        `json:"label,omitempty"`
	Type      SegmentType   `json:"type"`
	BBox      geometry.BBox `json:"bbox"`
}

// Detection is one detected object instance. Coordinates are ALWAYS in
// full-image pixel space: the detection stage applies the segment offset
// before a Detection ever leaves its boundary, and nothing downstream may
// transform them again.
type Detection struct {
	ID        string `json:"id"`
	SegmentID string `json:"segmentId"`

	// Center position and extent, full-image pixels.
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`

	Confidence float64 `json:"confidence"`
	Class      string  `json:"class,omitempty"`
}

// Corners returns the detection box as (x1, y1, x2, y2).
func (d Detection) Corners() (x1, y1, x2, y2 float64) {
	halfW, halfH := d.Width/2, d.Height/2
	return d.X - halfW, d.Y - halfH, d.X + halfW, d.Y + halfH
}
