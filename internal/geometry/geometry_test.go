package geometry

import (
	"errors"
	"image"
	"math"
	"testing"
)

func TestToFullImage(t *testing.T) {
	// 4000x3000 image, segment [0.2,0.3,0.6,0.8] puts the crop origin at (800,900).
	bbox := BBox{X1: 0.2, Y1: 0.3, X2: 0.6, Y2: 0.8}

	fullX, fullY, err := ToFullImage(100.5, 200.3, bbox, 4000, 3000)
	if err != nil {
		t.Fatalf("ToFullImage() error = %v", err)
	}
	if fullX != 900.5 || fullY != 1100.3 {
		t.Errorf("ToFullImage() = (%v, %v), want (900.5, 1100.3)", fullX, fullY)
	}
}

func TestToFullImageRoundTrip(t *testing.T) {
	const tol = 1e-9

	boxes := []BBox{
		{X1: 0, Y1: 0, X2: 1, Y2: 1},
		{X1: 0.2, Y1: 0.3, X2: 0.6, Y2: 0.8},
		{X1: 0.737, Y1: 0.111, X2: 0.93, Y2: 0.444},
	}
	points := [][2]float64{{0, 0}, {1.5, 2.25}, {100.5, 200.3}, {511, 479.999}}

	for _, bbox := range boxes {
		for _, p := range points {
			fullX, fullY, err := ToFullImage(p[0], p[1], bbox, 4000, 3000)
			if err != nil {
				t.Fatalf("ToFullImage(%v, %v) error = %v", p, bbox, err)
			}
			localX, localY, err := ToSegmentLocal(fullX, fullY, bbox, 4000, 3000)
			if err != nil {
				t.Fatalf("ToSegmentLocal(%v, %v) error = %v", p, bbox, err)
			}
			if math.Abs(localX-p[0]) > tol || math.Abs(localY-p[1]) > tol {
				t.Errorf("round trip via %v: got (%v, %v), want (%v, %v)", bbox, localX, localY, p[0], p[1])
			}
		}
	}
}

func TestValidateRejectsDegenerateBoxes(t *testing.T) {
	bad := []BBox{
		{X1: 0.5, Y1: 0.1, X2: 0.5, Y2: 0.9}, // zero width
		{X1: 0.6, Y1: 0.1, X2: 0.5, Y2: 0.9}, // inverted x
		{X1: 0.1, Y1: 0.9, X2: 0.9, Y2: 0.9}, // zero height
		{X1: 0.1, Y1: 0.9, X2: 0.9, Y2: 0.2}, // inverted y
	}
	for _, b := range bad {
		if err := b.Validate(); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("Validate(%v) = %v, want ErrInvalidGeometry", b, err)
		}
		if _, _, err := ToFullImage(1, 1, b, 100, 100); !errors.Is(err, ErrInvalidGeometry) {
			t.Errorf("ToFullImage with %v = %v, want ErrInvalidGeometry", b, err)
		}
	}

	good := BBox{X1: 0.1, Y1: 0.2, X2: 0.3, Y2: 0.4}
	if err := good.Validate(); err != nil {
		t.Errorf("Validate(%v) = %v, want nil", good, err)
	}
}

func TestPixelRect(t *testing.T) {
	bbox := BBox{X1: 0.2, Y1: 0.3, X2: 0.6, Y2: 0.8}
	got := bbox.PixelRect(4000, 3000)
	want := image.Rect(800, 900, 2400, 2400)
	if got != want {
		t.Errorf("PixelRect() = %v, want %v", got, want)
	}

	// Boxes spilling past 1.0 clamp to the image bounds.
	wide := BBox{X1: 0.9, Y1: 0.9, X2: 1.2, Y2: 1.1}
	got = wide.PixelRect(1000, 1000)
	want = image.Rect(900, 900, 1000, 1000)
	if got != want {
		t.Errorf("PixelRect() clamped = %v, want %v", got, want)
	}
}

func TestOffsetAndExtent(t *testing.T) {
	bbox := BBox{X1: 0.25, Y1: 0.5, X2: 0.75, Y2: 1.0}
	x, y := bbox.Offset(800, 600)
	if x != 200 || y != 300 {
		t.Errorf("Offset() = (%v, %v), want (200, 300)", x, y)
	}
	if w := bbox.PixelWidth(800); w != 400 {
		t.Errorf("PixelWidth() = %v, want 400", w)
	}
	if h := bbox.PixelHeight(600); h != 300 {
		t.Errorf("PixelHeight() = %v, want 300", h)
	}
}
