package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/FourTwoN/demeter-vision/internal/aggregation"
)

// MemoryStore is an in-memory SessionStore for tests and single-node
// deployments without a DynamoDB table. Safe for concurrent use.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	tasks    map[string]map[string]SegmentTask // sessionID → segmentID → task
	results  map[string]aggregation.AggregatedResult
}

var _ SessionStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		tasks:    make(map[string]map[string]SegmentTask),
		results:  make(map[string]aggregation.AggregatedResult),
	}
}

// PutSession creates or replaces a session metadata record.
func (s *MemoryStore) PutSession(_ context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = *session
	return nil
}

// GetSession retrieves session metadata. Returns nil, nil if not found.
func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

// UpdateSessionStatus updates status, error, and updatedAt. Updating a
// session that was never stored is an error: fabricating a record here
// would hide a broken upstream id.
func (s *MemoryStore) UpdateSessionStatus(_ context.Context, sessionID, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update status of unknown session %s", sessionID)
	}
	session.Status = status
	if errMsg != "" {
		session.Error = errMsg
	}
	session.UpdatedAt = time.Now().Unix()
	s.sessions[sessionID] = session
	return nil
}

// PutSegmentTask creates or replaces a segment task record.
func (s *MemoryStore) PutSegmentTask(_ context.Context, sessionID string, task *SegmentTask) error {
	if task.SegmentID == "" {
		return fmt.Errorf("segment task has no segment id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks[sessionID] == nil {
		s.tasks[sessionID] = make(map[string]SegmentTask)
	}
	t := *task
	t.SessionID = sessionID
	s.tasks[sessionID][task.SegmentID] = t
	return nil
}

// ListSegmentTasks retrieves all segment task records for a session,
// sorted by segment id.
func (s *MemoryStore) ListSegmentTasks(_ context.Context, sessionID string) ([]*SegmentTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := make([]*SegmentTask, 0, len(s.tasks[sessionID]))
	for _, t := range s.tasks[sessionID] {
		t := t
		tasks = append(tasks, &t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].SegmentID < tasks[j].SegmentID })
	return tasks, nil
}

// PutResult stores the session's aggregated result.
func (s *MemoryStore) PutResult(_ context.Context, sessionID string, result *aggregation.AggregatedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[sessionID] = *result
	return nil
}

// GetResult retrieves the aggregated result. Returns nil, nil if not found.
func (s *MemoryStore) GetResult(_ context.Context, sessionID string) (*aggregation.AggregatedResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[sessionID]
	if !ok {
		return nil, nil
	}
	return &result, nil
}
