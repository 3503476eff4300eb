package vision

import "sort"

// IoU returns the intersection-over-union of two detection boxes.
// Zero-area boxes yield 0.
func IoU(a, b Detection) float64 {
	ax1, ay1, ax2, ay2 := a.Corners()
	bx1, by1, bx2, by2 := b.Corners()

	ix1 := max(ax1, bx1)
	iy1 := max(ay1, by1)
	ix2 := min(ax2, bx2)
	iy2 := min(ay2, by2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := a.Width*a.Height + b.Width*b.Height - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// NonMaxSuppress merges duplicate detections of the same object using
// greedy IoU suppression: detections are visited in descending confidence
// order, and any later detection overlapping a kept one above iouThreshold
// is discarded. Windowed tiling produces such duplicates wherever an
// object straddles two overlapping windows.
//
// The input slice is not modified; the result preserves descending
// confidence order.
func NonMaxSuppress(detections []Detection, iouThreshold float64) []Detection {
	if len(detections) <= 1 {
		return append([]Detection(nil), detections...)
	}

	sorted := append([]Detection(nil), detections...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]Detection, 0, len(sorted))
	for _, cand := range sorted {
		suppressed := false
		for _, k := range kept {
			if cand.Class == k.Class && IoU(cand, k) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, cand)
		}
	}
	return kept
}
