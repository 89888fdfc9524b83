package memory

import (
	"context"
	"sync"

	"quiz-arena-gateway/internal/domain"
)

// Journal keeps attempt records in memory. It backs deployments without
// Postgres and doubles as the test journal.
type Journal struct {
	mu      sync.RWMutex
	records []domain.AttemptRecord
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Record(_ context.Context, rec domain.AttemptRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records = append(j.records, rec)
	return nil
}

func (j *Journal) MarkDelivered(_ context.Context, submissionID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	for i := range j.records {
		if j.records[i].SubmissionID == submissionID {
			j.records[i].Delivered = true
		}
	}
	return nil
}

// Records returns a copy of everything recorded so far.
func (j *Journal) Records() []domain.AttemptRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]domain.AttemptRecord, len(j.records))
	copy(out, j.records)
	return out
}
