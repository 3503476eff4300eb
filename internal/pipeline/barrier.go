package pipeline

import (
	"sync/atomic"

	"github.com/FourTwoN/demeter-vision/internal/aggregation"
)

// Outcome is one settled child task. Exactly one of Result and Err is
// set; Cancelled marks tasks that never ran (or were interrupted)
// because the session was cancelled.
type Outcome struct {
	SegmentID string
	Result    *aggregation.SegmentResult
	Err       error
	Cancelled bool
}

// Barrier joins a fixed number of child task outcomes. The count is set
// when the barrier is created, before any child is dispatched, so a
// child finishing before its siblings are even scheduled cannot release
// the join early. Each child owns one slot and reports exactly once;
// the barrier releases exactly once, when the last slot settles.
type Barrier struct {
	outcomes  []Outcome
	remaining atomic.Int64
	done      chan struct{}
}

// NewBarrier creates a barrier expecting n outcomes. A zero-count
// barrier is released immediately.
func NewBarrier(n int) *Barrier {
	b := &Barrier{
		outcomes: make([]Outcome, n),
		done:     make(chan struct{}),
	}
	b.remaining.Store(int64(n))
	if n == 0 {
		close(b.done)
	}
	return b
}

// Report settles one child's slot. The slot index partitions the
// outcome slice between children, so no lock is needed. Reporting more
// outcomes than the barrier expects is a programming error and panics.
func (b *Barrier) Report(slot int, o Outcome) {
	b.outcomes[slot] = o
	left := b.remaining.Add(-1)
	if left < 0 {
		panic("pipeline: barrier released twice")
	}
	if left == 0 {
		close(b.done)
	}
}

// Done returns a channel closed once every expected outcome has been
// reported.
func (b *Barrier) Done() <-chan struct{} {
	return b.done
}

// Outcomes returns the settled outcome set. Valid only after Done has
// closed.
func (b *Barrier) Outcomes() []Outcome {
	return b.outcomes
}
