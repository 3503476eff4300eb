// Package pipeline drives one photo-processing session from accepted
// photo to aggregated result: segmentation, fan-out of per-segment
// detection and estimation tasks, a join barrier, and a single
// aggregation pass. The coordinator owns the session state machine;
// nothing else mutates session status.
//
// Child tasks run on an in-process bounded worker pool. The dispatch
// payload is deliberately tiny (session id plus segment id equivalents);
// moving the pool behind a distributed queue changes the transport, not
// the join semantics.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/FourTwoN/demeter-vision/internal/aggregation"
	"github.com/FourTwoN/demeter-vision/internal/detection"
	"github.com/FourTwoN/demeter-vision/internal/estimation"
	"github.com/FourTwoN/demeter-vision/internal/imaging"
	"github.com/FourTwoN/demeter-vision/internal/metrics"
	"github.com/FourTwoN/demeter-vision/internal/segmentation"
	"github.com/FourTwoN/demeter-vision/internal/storage"
	"github.com/FourTwoN/demeter-vision/internal/store"
	"github.com/FourTwoN/demeter-vision/internal/vision"
	"github.com/FourTwoN/demeter-vision/internal/viz"
)

// State is a coordinator-side processing state. Terminal states map to
// the persisted session statuses in the store package.
type State string

const (
	StatePending            State = "PENDING"
	StateSegmenting         State = "SEGMENTING"
	StateDetecting          State = "DETECTING"
	StateAggregating        State = "AGGREGATING"
	StateCompleted          State = "COMPLETED"
	StateFailed             State = "FAILED"
	StatePartiallyCompleted State = "PARTIALLY_COMPLETED"
)

// Options tune the fan-out stage.
type Options struct {
	// MaxParallelSegments bounds concurrent child tasks.
	MaxParallelSegments int

	// SegmentTimeout is the per-child deadline. A child exceeding it is
	// a per-segment failure, never a session failure.
	SegmentTimeout time.Duration
}

// Coordinator runs sessions end to end.
type Coordinator struct {
	segmenter *segmentation.Stage
	detector  *detection.Stage
	estimator *estimation.Estimator
	renderer  *viz.Renderer
	blobs     storage.BlobStore
	sessions  store.SessionStore
	opts      Options
}

// New creates a Coordinator. blobs must already be wrapped in the
// resilience policy; the coordinator issues plain calls.
func New(
	segmenter *segmentation.Stage,
	detector *detection.Stage,
	estimator *estimation.Estimator,
	renderer *viz.Renderer,
	blobs storage.BlobStore,
	sessions store.SessionStore,
	opts Options,
) *Coordinator {
	if opts.MaxParallelSegments < 1 {
		opts.MaxParallelSegments = 1
	}
	if opts.SegmentTimeout <= 0 {
		opts.SegmentTimeout = 2 * time.Minute
	}
	return &Coordinator{
		segmenter: segmenter,
		detector:  detector,
		estimator: estimator,
		renderer:  renderer,
		blobs:     blobs,
		sessions:  sessions,
		opts:      opts,
	}
}

// Run processes one session to a terminal state and returns its
// aggregated result. Returns a *SessionFailure when the session as a
// whole failed; per-segment failures do not produce an error, they
// appear in the result's Failed list.
func (c *Coordinator) Run(ctx context.Context, sessionID string) (*aggregation.AggregatedResult, error) {
	started := time.Now()
	rec := metrics.New("Demeter/Pipeline").Property("sessionId", sessionID)
	defer func() {
		rec.Metric("SessionDuration", float64(time.Since(started).Milliseconds()), metrics.UnitMilliseconds)
		rec.Flush()
	}()

	if err := c.ensureSession(ctx, sessionID); err != nil {
		return nil, c.fail(ctx, rec, sessionID, "session lookup", err)
	}
	c.setStatus(ctx, sessionID, store.StatusRunning, "")

	// SEGMENTING: fetch and decode the source photo, then propose
	// segments.
	log.Info().Str("sessionId", sessionID).Str("state", string(StateSegmenting)).Msg("Session state")

	data, err := c.blobs.Fetch(ctx, sessionID)
	if err != nil {
		return nil, c.fail(ctx, rec, sessionID, "fetch source photo", err)
	}
	img, err := imaging.Decode(data)
	if err != nil {
		return nil, c.fail(ctx, rec, sessionID, "decode source photo", err)
	}
	imageWidth, imageHeight := imaging.Dimensions(img)

	c.recordLocationHint(ctx, sessionID, data)

	segments, err := c.segmenter.Segment(ctx, img, sessionID)
	if err != nil {
		return nil, c.fail(ctx, rec, sessionID, "segmentation", err)
	}
	rec.Metric("SegmentCount", float64(len(segments)), metrics.UnitCount)

	// DETECTING: fan out one child task per segment onto the bounded
	// pool. Children settle outcomes through the barrier instead of
	// returning errors, so one failure never tears down its siblings.
	log.Info().
		Str("sessionId", sessionID).
		Str("state", string(StateDetecting)).
		Int("segments", len(segments)).
		Msg("Session state")

	barrier := NewBarrier(len(segments))
	var g errgroup.Group
	g.SetLimit(c.opts.MaxParallelSegments)
	for i, seg := range segments {
		i, seg := i, seg
		g.Go(func() error {
			barrier.Report(i, c.runSegmentTask(ctx, img, imageWidth, imageHeight, seg))
			return nil
		})
	}
	g.Wait()
	<-barrier.Done()

	results, failures := c.settleOutcomes(ctx, sessionID, barrier.Outcomes())
	rec.Metric("FailedSegments", float64(len(failures)), metrics.UnitCount)

	if ctx.Err() != nil {
		return nil, c.fail(ctx, rec, sessionID, "fan-out", ctx.Err())
	}
	if len(segments) > 0 && len(results) == 0 {
		return nil, c.fail(ctx, rec, sessionID, "fan-out", ErrAllSegmentsFailed)
	}

	// AGGREGATING: render and upload artifacts, roll up the outcome
	// set, persist the result.
	log.Info().Str("sessionId", sessionID).Str("state", string(StateAggregating)).Msg("Session state")

	result, err := c.aggregate(ctx, sessionID, img, results, failures)
	if err != nil {
		return nil, c.fail(ctx, rec, sessionID, "aggregation", err)
	}
	rec.Metric("DetectionTotal", float64(result.TotalDetected), metrics.UnitCount)
	rec.Metric("EstimatedTotal", result.TotalEstimated, metrics.UnitNone)

	state := StateCompleted
	status := store.StatusCompleted
	statusMsg := ""
	if len(failures) > 0 {
		state = StatePartiallyCompleted
		status = store.StatusPartiallyCompleted
		statusMsg = fmt.Sprintf("%d of %d segment tasks failed", len(failures), len(segments))
	}
	c.setStatus(ctx, sessionID, status, statusMsg)

	log.Info().
		Str("sessionId", sessionID).
		Str("state", string(state)).
		Int("totalDetected", result.TotalDetected).
		Float64("totalEstimated", result.TotalEstimated).
		Int("failedSegments", len(failures)).
		Dur("duration", time.Since(started)).
		Msg("Session finished")

	return result, nil
}

// ensureSession loads the session record, creating a pending one when
// the worker is invoked for a photo no service registered yet.
func (c *Coordinator) ensureSession(ctx context.Context, sessionID string) error {
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session != nil {
		return nil
	}
	now := time.Now().Unix()
	return c.sessions.PutSession(ctx, &store.Session{
		ID:        sessionID,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// recordLocationHint persists the photo's EXIF GPS position on the
// session record. Best-effort: photos without EXIF are a normal field
// condition.
func (c *Coordinator) recordLocationHint(ctx context.Context, sessionID string, data []byte) {
	hint, err := imaging.ExtractLocationHint(data)
	if err != nil || !hint.HasGPS {
		return
	}
	session, err := c.sessions.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		return
	}
	session.HasLocation = true
	session.Latitude = hint.Latitude
	session.Longitude = hint.Longitude
	if err := c.sessions.PutSession(ctx, session); err != nil {
		log.Warn().Str("sessionId", sessionID).Err(err).Msg("Failed to persist location hint")
	}
}

// runSegmentTask is one child task: detection over the segment crop,
// then estimation for tiled segments. Errors settle as outcomes, never
// as returned errors.
func (c *Coordinator) runSegmentTask(ctx context.Context, img image.Image, imageWidth, imageHeight int, seg vision.Segment) Outcome {
	if ctx.Err() != nil {
		// Session cancelled before this child ran.
		return Outcome{SegmentID: seg.ID, Err: ctx.Err(), Cancelled: true}
	}

	taskCtx, cancel := context.WithTimeout(ctx, c.opts.SegmentTimeout)
	defer cancel()

	detections, err := c.detector.Detect(taskCtx, img, seg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", c.opts.SegmentTimeout, err)
		}
		return Outcome{
			SegmentID: seg.ID,
			Err:       &SegmentTaskFailure{SegmentID: seg.ID, Err: err},
			Cancelled: ctx.Err() != nil,
		}
	}

	estimate := c.estimator.Estimate(seg, imageWidth, imageHeight, detections)

	return Outcome{
		SegmentID: seg.ID,
		Result: &aggregation.SegmentResult{
			Segment:    seg,
			Detections: detections,
			Estimate:   estimate,
		},
	}
}

// settleOutcomes partitions the joined outcome set and persists one
// segment task record per child. Store write failures are logged, not
// fatal: the aggregated result is the durable artifact.
func (c *Coordinator) settleOutcomes(ctx context.Context, sessionID string, outcomes []Outcome) ([]aggregation.SegmentResult, []aggregation.SegmentFailure) {
	var results []aggregation.SegmentResult
	var failures []aggregation.SegmentFailure

	for _, o := range outcomes {
		task := &store.SegmentTask{SegmentID: o.SegmentID}
		switch {
		case o.Result != nil:
			results = append(results, *o.Result)
			task.Status = store.TaskCompleted
			task.DetectedCount = len(o.Result.Detections)
			if o.Result.Estimate != nil {
				task.Quantity = o.Result.Estimate.Quantity
			} else {
				task.Quantity = float64(len(o.Result.Detections))
			}
		case o.Cancelled:
			failures = append(failures, aggregation.SegmentFailure{
				SegmentID: o.SegmentID,
				Reason:    "cancelled",
			})
			task.Status = store.TaskCancelled
			task.Reason = "cancelled"
		default:
			failures = append(failures, aggregation.SegmentFailure{
				SegmentID: o.SegmentID,
				Reason:    o.Err.Error(),
			})
			task.Status = store.TaskFailed
			task.Reason = o.Err.Error()
			log.Warn().
				Str("sessionId", sessionID).
				Str("segmentId", o.SegmentID).
				Err(o.Err).
				Msg("Segment task failed")
		}
		if err := c.sessions.PutSegmentTask(ctx, sessionID, task); err != nil {
			log.Error().
				Str("sessionId", sessionID).
				Str("segmentId", o.SegmentID).
				Err(err).
				Msg("Failed to persist segment task record")
		}
	}
	return results, failures
}

// aggregate renders and uploads the overlay, rolls up the outcomes,
// uploads the serialized result, and persists it. Storage failures here
// (after the resilience policy gave up) fail the session: losing the
// result silently is worse than failing loudly.
func (c *Coordinator) aggregate(ctx context.Context, sessionID string, img image.Image, results []aggregation.SegmentResult, failures []aggregation.SegmentFailure) (*aggregation.AggregatedResult, error) {
	var artifacts []string

	var allDetections []vision.Detection
	for _, r := range results {
		allDetections = append(allDetections, r.Detections...)
	}

	if c.renderer != nil {
		overlay, err := c.renderer.Overlay(img, allDetections)
		if err != nil {
			return nil, fmt.Errorf("render overlay: %w", err)
		}
		ref, err := c.blobs.Upload(ctx, sessionID, storage.ArtifactOverlay, overlay)
		if err != nil {
			return nil, fmt.Errorf("upload overlay: %w", err)
		}
		artifacts = append(artifacts, ref)
	}

	result := aggregation.Aggregate(sessionID, results, failures, artifacts)

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("serialize result: %w", err)
	}
	ref, err := c.blobs.Upload(ctx, sessionID, storage.ArtifactResult, payload)
	if err != nil {
		return nil, fmt.Errorf("upload result: %w", err)
	}
	result.Artifacts = append(result.Artifacts, ref)

	if err := c.sessions.PutResult(ctx, sessionID, &result); err != nil {
		return nil, fmt.Errorf("persist result: %w", err)
	}
	return &result, nil
}

// fail records a session-wide failure and returns it as the run error.
func (c *Coordinator) fail(ctx context.Context, rec *metrics.Recorder, sessionID, stage string, err error) error {
	sf := &SessionFailure{SessionID: sessionID, Stage: stage, Err: err}
	rec.Count("SessionFailed").Property("failureStage", stage)

	log.Error().
		Str("sessionId", sessionID).
		Str("state", string(StateFailed)).
		Str("stage", stage).
		Err(err).
		Msg("Session failed")

	// Status writes during teardown use a fresh context: the session
	// context may already be cancelled.
	statusCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		statusCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	c.setStatus(statusCtx, sessionID, store.StatusFailed, sf.Error())
	return sf
}

// setStatus updates the persisted session status, logging on failure.
func (c *Coordinator) setStatus(ctx context.Context, sessionID, status, msg string) {
	if err := c.sessions.UpdateSessionStatus(ctx, sessionID, status, msg); err != nil {
		log.Error().
			Str("sessionId", sessionID).
			Str("status", status).
			Err(err).
			Msg("Failed to update session status")
	}
}
