package memory

import (
	"context"
	"sync"
)

// MarkerStore is an in-memory implementation of app.AttemptMarkerStore,
// useful for tests and single-instance deployments.
type MarkerStore struct {
	mu        sync.RWMutex
	attempted map[string]struct{}
}

func NewMarkerStore() *MarkerStore {
	return &MarkerStore{
		attempted: make(map[string]struct{}),
	}
}

func (s *MarkerStore) Attempted(_ context.Context, userID, quizID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.attempted[markerKey(userID, quizID)]
	return ok, nil
}

func (s *MarkerStore) MarkAttempted(_ context.Context, userID, quizID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempted[markerKey(userID, quizID)] = struct{}{}
	return nil
}

func markerKey(userID, quizID string) string {
	return userID + "/" + quizID
}
