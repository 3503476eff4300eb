package vision

import "image"

// Windows lays out sliding detection windows over a crop of the given
// size. Adjacent windows share overlap*tileSize pixels so objects cut by
// a window edge appear whole in the neighbouring window; the final row
// and column are pinned to the crop edge rather than spilling past it.
//
// A crop smaller than one window yields a single window covering the
// whole crop.
func Windows(cropWidth, cropHeight, tileSize int, overlap float64) []image.Rectangle {
	if cropWidth <= 0 || cropHeight <= 0 || tileSize <= 0 {
		return nil
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= 1 {
		overlap = 0.9
	}

	stride := int(float64(tileSize) * (1 - overlap))
	if stride < 1 {
		stride = 1
	}

	xs := axisOffsets(cropWidth, tileSize, stride)
	ys := axisOffsets(cropHeight, tileSize, stride)

	windows := make([]image.Rectangle, 0, len(xs)*len(ys))
	for _, y := range ys {
		for _, x := range xs {
			w := image.Rect(x, y, x+tileSize, y+tileSize)
			windows = append(windows, w.Intersect(image.Rect(0, 0, cropWidth, cropHeight)))
		}
	}
	return windows
}

// axisOffsets returns window start positions along one axis, stepping by
// stride and ending with a window flush against the far edge.
func axisOffsets(extent, tileSize, stride int) []int {
	if extent <= tileSize {
		return []int{0}
	}
	var offsets []int
	last := extent - tileSize
	for x := 0; x < last; x += stride {
		offsets = append(offsets, x)
	}
	return append(offsets, last)
}
