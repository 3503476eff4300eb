// Package viz renders the per-session visualization overlay: the source
// photo with every detection marked. Detections arrive in full-image
// pixel space and are drawn as-is; this package performs no coordinate
// transforms of its own. If a marker lands off its plant, the bug is
// upstream, not here.
package viz

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"

	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// maxOverlayEdge caps the longer edge of the rendered overlay. Review
// UIs display overlays as thumbnails; shipping a 12-megapixel PNG per
// session wastes storage and bandwidth.
const maxOverlayEdge = 1600

var markerColor = color.RGBA{R: 255, G: 64, B: 32, A: 255}

// Renderer draws detection overlays.
type Renderer struct {
	maxEdge int
}

// NewRenderer creates a Renderer with the default output size cap.
func NewRenderer() *Renderer {
	return &Renderer{maxEdge: maxOverlayEdge}
}

// Overlay renders the photo with one box outline per detection, scaled
// down to the output cap, and returns it as gzip-compressed PNG bytes.
func (r *Renderer) Overlay(img image.Image, detections []vision.Detection) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("render overlay: nil image")
	}

	canvas, scale := r.scaled(img)

	for _, d := range detections {
		x1, y1, x2, y2 := d.Corners()
		drawBox(canvas,
			int(x1*scale), int(y1*scale),
			int(x2*scale), int(y2*scale))
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("render overlay: %w", err)
	}
	if err := png.Encode(zw, canvas); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress overlay: %w", err)
	}

	log.Debug().
		Int("detections", len(detections)).
		Int("bytes", buf.Len()).
		Float64("scale", scale).
		Msg("Overlay rendered")

	return buf.Bytes(), nil
}

// scaled copies the photo onto a mutable canvas, downscaling so the
// longer edge fits the cap. Returns the canvas and the applied scale
// factor (1.0 when the photo already fits).
func (r *Renderer) scaled(img image.Image) (*image.RGBA, float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	longer := w
	if h > longer {
		longer = h
	}
	scale := 1.0
	if longer > r.maxEdge {
		scale = float64(r.maxEdge) / float64(longer)
	}

	dstW := int(float64(w) * scale)
	dstH := int(float64(h) * scale)
	canvas := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	if scale == 1.0 {
		draw.Draw(canvas, canvas.Bounds(), img, b.Min, draw.Src)
	} else {
		xdraw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), img, b, xdraw.Src, nil)
	}
	return canvas, scale
}

// drawBox draws a one-pixel rectangle outline, clamped to the canvas.
func drawBox(canvas *image.RGBA, x1, y1, x2, y2 int) {
	b := canvas.Bounds()
	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}
	x1 = clamp(x1, b.Min.X, b.Max.X-1)
	x2 = clamp(x2, b.Min.X, b.Max.X-1)
	y1 = clamp(y1, b.Min.Y, b.Max.Y-1)
	y2 = clamp(y2, b.Min.Y, b.Max.Y-1)

	for x := x1; x <= x2; x++ {
		canvas.SetRGBA(x, y1, markerColor)
		canvas.SetRGBA(x, y2, markerColor)
	}
	for y := y1; y <= y2; y++ {
		canvas.SetRGBA(x1, y, markerColor)
		canvas.SetRGBA(x2, y, markerColor)
	}
}
