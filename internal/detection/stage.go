// Package detection turns one segment of a session photo into a list of
// detections expressed in full-image pixel space.
//
// The coordinate transform from crop-local to full-image space happens
// inside this stage, unconditionally, before any Detection leaves it.
// Callers never see crop-local coordinates and have nothing to forget —
// the historical overlay-misalignment bug came from exactly that omitted
// step when the transform was a caller-side utility.
package detection

import (
	"context"
	"fmt"
	"image"

	"github.com/rs/zerolog/log"

	"github.com/FourTwoN/demeter-vision/internal/geometry"
	"github.com/FourTwoN/demeter-vision/internal/ids"
	"github.com/FourTwoN/demeter-vision/internal/imaging"
	"github.com/FourTwoN/demeter-vision/internal/inference"
	"github.com/FourTwoN/demeter-vision/internal/resources"
	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// Params are the deployment-fixed detection settings.
type Params struct {
	TileSize      int     // sliding window edge for tiled segments
	TileOverlap   float64 // fraction of TileSize shared between windows
	NMSThreshold  float64 // IoU above which windowed duplicates merge
	MinConfidence float64 // detections below this score are dropped
}

// Stage runs the detection model over segment crops.
type Stage struct {
	cache    *resources.Cache
	workerID int
	params   Params
}

// NewStage creates a detection stage that loads its model through the
// given resource cache, bound to workerID's device.
func NewStage(cache *resources.Cache, workerID int, params Params) *Stage {
	return &Stage{cache: cache, workerID: workerID, params: params}
}

// Detect crops the photo to the segment, runs the strategy the segment
// type selects, and returns detections in full-image pixel space.
func (s *Stage) Detect(ctx context.Context, img image.Image, seg vision.Segment) ([]vision.Detection, error) {
	if err := seg.BBox.Validate(); err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	imageWidth, imageHeight := imaging.Dimensions(img)
	crop := imaging.Crop(img, seg.BBox.PixelRect(imageWidth, imageHeight))
	cropWidth, cropHeight := imaging.Dimensions(crop)

	handle, err := s.cache.Get(ctx, resources.KindDetector, s.workerID)
	if err != nil {
		return nil, fmt.Errorf("detector unavailable: %w", err)
	}
	detector, ok := handle.(inference.Detector)
	if !ok {
		return nil, fmt.Errorf("cached detector handle has type %T", handle)
	}

	var local []vision.Detection
	switch seg.Type {
	case vision.SegmentTiled:
		local, err = s.detectTiled(ctx, detector, crop, cropWidth, cropHeight)
	case vision.SegmentDirect:
		local, err = s.detectDirect(ctx, detector, crop)
	default:
		return nil, fmt.Errorf("segment %s has unknown type %q", seg.ID, seg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
	}

	// Re-express every detection in full-image space. This is the only
	// exit from crop-local coordinates; nothing below the return sees
	// them again.
	out := make([]vision.Detection, 0, len(local))
	dropped := 0
	for _, d := range local {
		if d.X < 0 || d.Y < 0 || d.X > float64(cropWidth) || d.Y > float64(cropHeight) {
			dropped++
			continue
		}
		fullX, fullY, err := geometry.ToFullImage(d.X, d.Y, seg.BBox, imageWidth, imageHeight)
		if err != nil {
			return nil, fmt.Errorf("segment %s: %w", seg.ID, err)
		}
		d.ID = ids.New("det-")
		d.SegmentID = seg.ID
		d.X = fullX
		d.Y = fullY
		out = append(out, d)
	}

	if dropped > 0 {
		log.Warn().
			Str("segmentId", seg.ID).
			Int("dropped", dropped).
			Msg("Detector returned positions outside its own crop — dropped")
	}

	log.Debug().
		Str("segmentId", seg.ID).
		Str("type", string(seg.Type)).
		Int("detections", len(out)).
		Msg("Segment detection complete")

	return out, nil
}

// detectDirect runs a single detection pass over the whole crop.
func (s *Stage) detectDirect(ctx context.Context, detector inference.Detector, crop image.Image) ([]vision.Detection, error) {
	raw, err := detector.Detect(ctx, crop)
	if err != nil {
		return nil, fmt.Errorf("direct detection: %w", err)
	}
	return s.keepConfident(raw, 0, 0), nil
}

// detectTiled slides fixed-size windows over the crop, detects in each,
// and merges the per-window results with non-maximum suppression so an
// object straddling two windows counts once.
func (s *Stage) detectTiled(ctx context.Context, detector inference.Detector, crop image.Image, cropWidth, cropHeight int) ([]vision.Detection, error) {
	windows := vision.Windows(cropWidth, cropHeight, s.params.TileSize, s.params.TileOverlap)

	var all []vision.Detection
	for _, win := range windows {
		sub := imaging.Crop(crop, win)
		raw, err := detector.Detect(ctx, sub)
		if err != nil {
			return nil, fmt.Errorf("window %v: %w", win, err)
		}
		all = append(all, s.keepConfident(raw, float64(win.Min.X), float64(win.Min.Y))...)
	}

	return vision.NonMaxSuppress(all, s.params.NMSThreshold), nil
}

// keepConfident converts raw model output to crop-local detections,
// shifting by the window origin and dropping low-confidence boxes.
func (s *Stage) keepConfident(raw []inference.RawDetection, offX, offY float64) []vision.Detection {
	kept := make([]vision.Detection, 0, len(raw))
	for _, r := range raw {
		if r.Confidence < s.params.MinConfidence {
			continue
		}
		kept = append(kept, vision.Detection{
			X:          r.X + offX,
			Y:          r.Y + offY,
			Width:      r.Width,
			Height:     r.Height,
			Confidence: r.Confidence,
			Class:      r.Class,
		})
	}
	return kept
}
