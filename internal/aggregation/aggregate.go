// Package aggregation merges per-segment outcomes into one session-level
// result. It runs exactly once per session, strictly after the join
// barrier: every input is a settled child outcome, never an in-flight
// partial. Given the same outcomes it produces the same bytes, so a
// replayed callback cannot fork the stock ledger.
package aggregation

import (
	"sort"

	"github.com/FourTwoN/demeter-vision/internal/estimation"
	"github.com/FourTwoN/demeter-vision/internal/vision"
)

// SegmentResult is one successful child task outcome.
type SegmentResult struct {
	Segment    vision.Segment
	Detections []vision.Detection
	Estimate   *estimation.Estimate
}

// SegmentFailure records one failed child task: segment id plus the
// reason surfaced to the session's caller.
type SegmentFailure struct {
	SegmentID string `json:"segmentId"`
	Reason    string `json:"reason"`
}

// SegmentSummary is the per-segment line of an aggregated result.
type SegmentSummary struct {
	SegmentID     string             `json:"segmentId"`
	Label         string             `json:"label,omitempty"`
	Type          vision.SegmentType `json:"type"`
	DetectedCount int                `json:"detectedCount"`
	Quantity      float64            `json:"quantity"`
	Method        estimation.Method  `json:"method"`
	LowConfidence bool               `json:"lowConfidence,omitempty"`
}

// AggregatedResult is the session-level rollup an external stock-ledger
// service consumes. The core never writes stock records itself.
type AggregatedResult struct {
	SessionID      string           `json:"sessionId"`
	TotalDetected  int              `json:"totalDetected"`
	TotalEstimated float64          `json:"totalEstimated"`
	Segments       []SegmentSummary `json:"segments"`
	Failed         []SegmentFailure `json:"failed,omitempty"`
	Artifacts      []string         `json:"artifacts,omitempty"`
}

// Aggregate rolls the settled child outcomes of one session into a
// single result. Ordering is deterministic (segments and failures sorted
// by segment id, artifacts sorted), so re-running over the same outcomes
// is byte-identical.
func Aggregate(sessionID string, results []SegmentResult, failures []SegmentFailure, artifacts []string) AggregatedResult {
	agg := AggregatedResult{SessionID: sessionID}

	agg.Segments = make([]SegmentSummary, 0, len(results))
	for _, r := range results {
		summary := SegmentSummary{
			SegmentID:     r.Segment.ID,
			Label:         r.Segment.Label,
			Type:          r.Segment.Type,
			DetectedCount: len(r.Detections),
		}
		if r.Estimate != nil {
			summary.Quantity = r.Estimate.Quantity
			summary.Method = r.Estimate.Method
			summary.LowConfidence = r.Estimate.LowConfidence
		} else {
			// Direct segments: the detection count IS the quantity.
			summary.Quantity = float64(len(r.Detections))
			summary.Method = estimation.MethodRawCount
		}
		agg.TotalDetected += summary.DetectedCount
		agg.TotalEstimated += summary.Quantity
		agg.Segments = append(agg.Segments, summary)
	}
	sort.Slice(agg.Segments, func(i, j int) bool {
		return agg.Segments[i].SegmentID < agg.Segments[j].SegmentID
	})

	if len(failures) > 0 {
		agg.Failed = append([]SegmentFailure(nil), failures...)
		sort.Slice(agg.Failed, func(i, j int) bool {
			return agg.Failed[i].SegmentID < agg.Failed[j].SegmentID
		})
	}

	if len(artifacts) > 0 {
		agg.Artifacts = append([]string(nil), artifacts...)
		sort.Strings(agg.Artifacts)
	}

	return agg
}
