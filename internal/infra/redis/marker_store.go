package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// MarkerStore keeps the per-(user, quiz) attempted marker in Redis so a
// reload, or another gateway instance, cannot restart a finished attempt.
type MarkerStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewMarkerStore builds a store. A zero ttl keeps markers forever.
func NewMarkerStore(client *redis.Client, ttl time.Duration) *MarkerStore {
	return &MarkerStore{client: client, ttl: ttl}
}

func (s *MarkerStore) Attempted(ctx context.Context, userID, quizID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(userID, quizID)).Result()
	if err != nil {
		return false, fmt.Errorf("check attempted marker: %w", err)
	}
	return n > 0, nil
}

func (s *MarkerStore) MarkAttempted(ctx context.Context, userID, quizID string) error {
	if err := s.client.Set(ctx, s.key(userID, quizID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("set attempted marker: %w", err)
	}
	return nil
}

func (s *MarkerStore) key(userID, quizID string) string {
	return "quiz:attempted:" + userID + ":" + quizID
}
