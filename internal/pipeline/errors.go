package pipeline

import (
	"errors"
	"fmt"
)

// ErrAllSegmentsFailed fails a session when it dispatched at least one
// child task and every one of them failed.
var ErrAllSegmentsFailed = errors.New("all segment tasks failed")

// SegmentTaskFailure wraps an error local to one segment's child task.
// It never fails the session by itself; the coordinator records it and
// keeps the sibling tasks running.
type SegmentTaskFailure struct {
	SegmentID string
	Err       error
}

func (f *SegmentTaskFailure) Error() string {
	return fmt.Sprintf("segment task %s: %v", f.SegmentID, f.Err)
}

func (f *SegmentTaskFailure) Unwrap() error { return f.Err }

// SessionFailure is a session-wide error: the run could not produce a
// result at all. Stage names the pipeline step that raised it.
type SessionFailure struct {
	SessionID string
	Stage     string
	Err       error
}

func (f *SessionFailure) Error() string {
	return fmt.Sprintf("session %s failed at %s: %v", f.SessionID, f.Stage, f.Err)
}

func (f *SessionFailure) Unwrap() error { return f.Err }
