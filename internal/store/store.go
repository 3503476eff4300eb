// Package store persists processing-session state: session metadata,
// per-segment task outcomes, and the aggregated result. The production
// implementation is a single-table DynamoDB design where all records for
// a session share a partition key (SESSION#{sessionId}); sort keys
// distinguish record types (META, SEGTASK#, RESULT). A TTL attribute
// auto-deletes records, matching the photo bucket lifecycle policy.
//
// The in-memory implementation backs tests and single-node deployments
// without a table.
package store

import (
	"context"
	"time"

	"github.com/FourTwoN/demeter-vision/internal/aggregation"
)

// SessionTTL is the default time-to-live for all DynamoDB records.
// Matches the S3 photo bucket lifecycle policy (30 days).
const SessionTTL = 30 * 24 * time.Hour

// Session statuses. A session is terminal once it reaches completed,
// failed, or partially_completed.
const (
	StatusPending            = "pending"
	StatusRunning            = "running"
	StatusCompleted          = "completed"
	StatusFailed             = "failed"
	StatusPartiallyCompleted = "partially_completed"
)

// SegmentTask statuses.
const (
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Session is one photo-processing run (DynamoDB SK = META).
type Session struct {
	ID        string `json:"id" dynamodbav:"-"`
	Status    string `json:"status" dynamodbav:"status"`
	Error     string `json:"error,omitempty" dynamodbav:"error,omitempty"`
	CreatedAt int64  `json:"createdAt" dynamodbav:"createdAt"`
	UpdatedAt int64  `json:"updatedAt" dynamodbav:"updatedAt"`

	// Location hint from the photo's EXIF block, when present.
	HasLocation bool    `json:"hasLocation,omitempty" dynamodbav:"hasLocation,omitempty"`
	Latitude    float64 `json:"latitude,omitempty" dynamodbav:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty" dynamodbav:"longitude,omitempty"`
}

// SegmentTask is the settled outcome of one segment's child task
// (DynamoDB SK = SEGTASK#{segmentId}).
type SegmentTask struct {
	SegmentID string `json:"segmentId" dynamodbav:"-"`
	SessionID string `json:"-" dynamodbav:"-"`
	Status    string `json:"status" dynamodbav:"status"`
	Reason    string `json:"reason,omitempty" dynamodbav:"reason,omitempty"`

	DetectedCount int     `json:"detectedCount" dynamodbav:"detectedCount"`
	Quantity      float64 `json:"quantity" dynamodbav:"quantity"`
}

// SessionStore defines the persistence interface for pipeline state.
// Each method is safe for concurrent use. All Get methods return
// (nil, nil) when the requested record does not exist; all Put methods
// perform full-item replacement (upsert semantics).
type SessionStore interface {
	// PutSession creates or replaces a session metadata record.
	PutSession(ctx context.Context, session *Session) error

	// GetSession retrieves session metadata by ID. Returns nil, nil if not found.
	GetSession(ctx context.Context, sessionID string) (*Session, error)

	// UpdateSessionStatus updates the status (and optional error) field
	// of a session without overwriting other fields.
	UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error

	// PutSegmentTask creates or replaces a segment task record.
	PutSegmentTask(ctx context.Context, sessionID string, task *SegmentTask) error

	// ListSegmentTasks retrieves all segment task records for a session.
	ListSegmentTasks(ctx context.Context, sessionID string) ([]*SegmentTask, error)

	// PutResult stores the session's aggregated result.
	PutResult(ctx context.Context, sessionID string, result *aggregation.AggregatedResult) error

	// GetResult retrieves the aggregated result. Returns nil, nil if not found.
	GetResult(ctx context.Context, sessionID string) (*aggregation.AggregatedResult, error)
}
