// Package imaging provides the image IO helpers the pipeline stages share:
// decoding source photos, cropping segment regions, and extracting the
// EXIF location hint used to pre-assign a greenhouse location.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"

	// Source photos arrive as JPEG from field devices; PNG shows up in
	// test fixtures and re-uploaded artifacts.
	_ "image/jpeg"
	_ "image/png"
)

// Decode parses raw photo bytes into an image. The format is detected
// from the file header (JPEG or PNG).
func Decode(data []byte) (image.Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	_ = format
	return img, nil
}

// Crop copies the given full-image rectangle into a new image whose
// bounds start at the origin. Detectors therefore always see
// segment-local coordinates beginning at (0,0).
func Crop(img image.Image, r image.Rectangle) image.Image {
	r = r.Intersect(img.Bounds())
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst
}

// Dimensions returns the pixel width and height of an image.
func Dimensions(img image.Image) (width, height int) {
	b := img.Bounds()
	return b.Dx(), b.Dy()
}
