// Package segmentation splits a full greenhouse photo into named regions,
// each tagged with the detection strategy its geometry calls for.
package segmentation

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/rs/zerolog/log"

	"github.com/FourTwoN/demeter-vision/internal/ids"
	"github.com/FourTwoN/demeter-vision/internal/inference"
	"github.com/FourTwoN/demeter-vision/internal/resources"
	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// ErrSegmentationFailure indicates the source photo could not be
// segmented at all (unreadable or corrupt input). A photo with no
// plantable regions is NOT a failure: that returns an empty list.
var ErrSegmentationFailure = errors.New("segmentation failure")

// Stage runs the segmentation model over a session's photo.
type Stage struct {
	cache    *resources.Cache
	workerID int
}

// NewStage creates a segmentation stage that loads its model through the
// given resource cache, bound to workerID's device.
func NewStage(cache *resources.Cache, workerID int) *Stage {
	return &Stage{cache: cache, workerID: workerID}
}

// Segment proposes the segments of one session photo. Returns an empty
// slice, not an error, when the model finds no regions; a session with
// zero segments completes with zero results.
func (s *Stage) Segment(ctx context.Context, img image.Image, sessionID string) ([]vision.Segment, error) {
	if img == nil {
		return nil, fmt.Errorf("nil image: %w", ErrSegmentationFailure)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("empty image %v: %w", b, ErrSegmentationFailure)
	}

	handle, err := s.cache.Get(ctx, resources.KindSegmenter, s.workerID)
	if err != nil {
		return nil, fmt.Errorf("segmenter unavailable: %w", err)
	}
	segmenter, ok := handle.(inference.Segmenter)
	if !ok {
		return nil, fmt.Errorf("cached segmenter handle has type %T: %w", handle, ErrSegmentationFailure)
	}

	regions, err := segmenter.Segment(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("segment photo: %v: %w", err, ErrSegmentationFailure)
	}

	segments := make([]vision.Segment, 0, len(regions))
	for _, r := range regions {
		if err := r.BBox.Validate(); err != nil {
			log.Warn().
				Str("sessionId", sessionID).
				Str("label", r.Label).
				Err(err).
				Msg("Segmenter proposed a degenerate region — skipped")
			continue
		}
		if !r.Type.Valid() {
			log.Warn().
				Str("sessionId", sessionID).
				Str("label", r.Label).
				Str("type", string(r.Type)).
				Msg("Segmenter proposed an unknown segment type — skipped")
			continue
		}
		segments = append(segments, vision.Segment{
			ID:        ids.New("seg-"),
			SessionID: sessionID,
			Label:     r.Label,
			Type:      r.Type,
			BBox:      r.BBox,
		})
	}

	log.Info().
		Str("sessionId", sessionID).
		Int("regions", len(regions)).
		Int("segments", len(segments)).
		Msg("Segmentation complete")

	return segments, nil
}
