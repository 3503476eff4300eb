package viz

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// decodeOverlay gunzips and decodes a rendered overlay.
func decodeOverlay(t *testing.T, data []byte) image.Image {
	t.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("overlay is not gzip: %v", err)
	}
	defer zr.Close()
	img, err := png.Decode(zr)
	if err != nil {
		t.Fatalf("overlay is not PNG: %v", err)
	}
	return img
}

func isMarker(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 == 255 && g>>8 == 64 && b>>8 == 32
}

func TestOverlayDrawsAtGivenCoordinates(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 400, 300))

	// One detection centered at (200, 150), 40x20 box. The photo fits
	// the size cap, so the overlay must not rescale: the box outline
	// lands exactly at the given full-image coordinates.
	det := vision.Detection{X: 200, Y: 150, Width: 40, Height: 20}

	data, err := NewRenderer().Overlay(src, []vision.Detection{det})
	if err != nil {
		t.Fatalf("Overlay() error = %v", err)
	}

	overlay := decodeOverlay(t, data)
	if got := overlay.Bounds(); got.Dx() != 400 || got.Dy() != 300 {
		t.Fatalf("overlay size = %dx%d, want 400x300", got.Dx(), got.Dy())
	}

	// Top edge of the box: y = 150 - 10 = 140, x spanning 180..220.
	if !isMarker(overlay.At(200, 140)) {
		t.Error("no marker on top edge of detection box at (200, 140)")
	}
	// Left edge: x = 180.
	if !isMarker(overlay.At(180, 150)) {
		t.Error("no marker on left edge of detection box at (180, 150)")
	}
	// Center stays untouched (outline only).
	if isMarker(overlay.At(200, 150)) {
		t.Error("marker at box center; overlay should draw outlines only")
	}
}

func TestOverlayScalesOversizedPhotos(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3200, 1600))
	det := vision.Detection{X: 1600, Y: 800, Width: 200, Height: 200}

	data, err := NewRenderer().Overlay(src, []vision.Detection{det})
	if err != nil {
		t.Fatalf("Overlay() error = %v", err)
	}

	overlay := decodeOverlay(t, data)
	if got := overlay.Bounds(); got.Dx() != 1600 || got.Dy() != 800 {
		t.Fatalf("overlay size = %dx%d, want 1600x800 (half scale)", got.Dx(), got.Dy())
	}

	// The box scales with the photo: top edge at (800, 350) in the
	// half-scale overlay.
	if !isMarker(overlay.At(800, 350)) {
		t.Error("no marker at half-scale top edge (800, 350)")
	}
}

func TestOverlayNilImage(t *testing.T) {
	if _, err := NewRenderer().Overlay(nil, nil); err == nil {
		t.Error("Overlay(nil) succeeded, want error")
	}
}

func TestOverlayClampsOutOfBoundsBoxes(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	// Box partially outside the canvas must not panic.
	det := vision.Detection{X: 95, Y: 5, Width: 30, Height: 30}

	if _, err := NewRenderer().Overlay(src, []vision.Detection{det}); err != nil {
		t.Fatalf("Overlay() with edge box error = %v", err)
	}
}
