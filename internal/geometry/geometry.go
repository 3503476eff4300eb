// Package geometry defines the coordinate contract between cropped-segment
// space and full-image space. All conversions between the two spaces go
// through this package; no other package may add or subtract segment
// offsets on its own.
package geometry

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidGeometry indicates a malformed segment bounding box
// (zero or negative extent on either axis).
var ErrInvalidGeometry = errors.New("invalid geometry")

// BBox is a segment bounding box normalized to the full image,
// each coordinate in [0,1] with (X1,Y1) the top-left corner.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Validate reports whether the box has positive extent on both axes.
func (b BBox) Validate() error {
	if b.X2 <= b.X1 || b.Y2 <= b.Y1 {
		return fmt.Errorf("bbox [%g,%g,%g,%g]: %w", b.X1, b.Y1, b.X2, b.Y2, ErrInvalidGeometry)
	}
	return nil
}

// Offset returns the segment's pixel offset inside a full image of the
// given dimensions: the top-left corner of the crop.
func (b BBox) Offset(imageWidth, imageHeight int) (x, y float64) {
	return b.X1 * float64(imageWidth), b.Y1 * float64(imageHeight)
}

// PixelRect returns the segment's crop rectangle in full-image pixels,
// clamped to the image bounds.
func (b BBox) PixelRect(imageWidth, imageHeight int) image.Rectangle {
	r := image.Rect(
		int(math.Floor(b.X1*float64(imageWidth))),
		int(math.Floor(b.Y1*float64(imageHeight))),
		int(math.Ceil(b.X2*float64(imageWidth))),
		int(math.Ceil(b.Y2*float64(imageHeight))),
	)
	return r.Intersect(image.Rect(0, 0, imageWidth, imageHeight))
}

// PixelWidth returns the segment's width in full-image pixels.
func (b BBox) PixelWidth(imageWidth int) float64 {
	return (b.X2 - b.X1) * float64(imageWidth)
}

// PixelHeight returns the segment's height in full-image pixels.
func (b BBox) PixelHeight(imageHeight int) float64 {
	return (b.Y2 - b.Y1) * float64(imageHeight)
}

// ToFullImage maps a point from segment-local pixel space into full-image
// pixel space. This is a one-way map: local coordinates come straight from
// a detector run over the crop, and the returned coordinates are the only
// form a detection may be stored or drawn in.
func ToFullImage(localX, localY float64, bbox BBox, imageWidth, imageHeight int) (fullX, fullY float64, err error) {
	if err := bbox.Validate(); err != nil {
		return 0, 0, err
	}
	offX, offY := bbox.Offset(imageWidth, imageHeight)
	return localX + offX, localY + offY, nil
}

// ToSegmentLocal is the inverse of ToFullImage. It exists for round-trip
// verification and for tooling that re-inspects a stored detection against
// its crop; pipeline code never stores its output.
func ToSegmentLocal(fullX, fullY float64, bbox BBox, imageWidth, imageHeight int) (localX, localY float64, err error) {
	if err := bbox.Validate(); err != nil {
		return 0, 0, err
	}
	offX, offY := bbox.Offset(imageWidth, imageHeight)
	return fullX - offX, fullY - offY, nil
}
