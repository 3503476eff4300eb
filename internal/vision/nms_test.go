package vision

import (
	"math"
	"testing"
)

func TestIoU(t *testing.T) {
	a := Detection{X: 50, Y: 50, Width: 100, Height: 100}

	tests := []struct {
		name string
		b    Detection
		want float64
	}{
		{"identical", Detection{X: 50, Y: 50, Width: 100, Height: 100}, 1.0},
		{"disjoint", Detection{X: 500, Y: 500, Width: 100, Height: 100}, 0},
		{"half overlap", Detection{X: 100, Y: 50, Width: 100, Height: 100}, 1.0 / 3.0},
		{"zero area", Detection{X: 50, Y: 50, Width: 0, Height: 0}, 0},
	}
	for _, tt := range tests {
		if got := IoU(a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("%s: IoU() = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestNonMaxSuppressMergesDuplicates(t *testing.T) {
	// The same plant seen by two overlapping windows: nearly identical
	// boxes, slightly different confidence. Must merge to one.
	dets := []Detection{
		{X: 320, Y: 240, Width: 40, Height: 40, Confidence: 0.91},
		{X: 322, Y: 241, Width: 40, Height: 40, Confidence: 0.85},
	}
	got := NonMaxSuppress(dets, 0.45)
	if len(got) != 1 {
		t.Fatalf("NonMaxSuppress() kept %d detections, want 1", len(got))
	}
	if got[0].Confidence != 0.91 {
		t.Errorf("kept confidence = %v, want the higher one (0.91)", got[0].Confidence)
	}
}

func TestNonMaxSuppressKeepsDistinctObjects(t *testing.T) {
	dets := []Detection{
		{X: 100, Y: 100, Width: 40, Height: 40, Confidence: 0.9},
		{X: 300, Y: 100, Width: 40, Height: 40, Confidence: 0.8},
		{X: 100, Y: 300, Width: 40, Height: 40, Confidence: 0.7},
	}
	got := NonMaxSuppress(dets, 0.45)
	if len(got) != 3 {
		t.Errorf("NonMaxSuppress() kept %d detections, want 3", len(got))
	}
}

func TestNonMaxSuppressRespectsClass(t *testing.T) {
	// Overlapping boxes of different classes are different objects.
	dets := []Detection{
		{X: 100, Y: 100, Width: 40, Height: 40, Confidence: 0.9, Class: "seedling"},
		{X: 101, Y: 100, Width: 40, Height: 40, Confidence: 0.8, Class: "pot"},
	}
	got := NonMaxSuppress(dets, 0.45)
	if len(got) != 2 {
		t.Errorf("NonMaxSuppress() kept %d detections, want 2", len(got))
	}
}

func TestNonMaxSuppressDoesNotModifyInput(t *testing.T) {
	dets := []Detection{
		{X: 10, Y: 10, Width: 4, Height: 4, Confidence: 0.1},
		{X: 10, Y: 10, Width: 4, Height: 4, Confidence: 0.9},
	}
	_ = NonMaxSuppress(dets, 0.5)
	if dets[0].Confidence != 0.1 {
		t.Error("NonMaxSuppress() reordered the input slice")
	}
}
