package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quiz-arena-gateway/internal/domain"
)

// AttemptJournal persists submission outcomes to Postgres so a delivery
// failure leaves a durable trace instead of a silently stranded attempt.
type AttemptJournal struct {
	pool *pgxpool.Pool
}

func NewAttemptJournal(pool *pgxpool.Pool) *AttemptJournal {
	return &AttemptJournal{pool: pool}
}

func (j *AttemptJournal) Record(ctx context.Context, rec domain.AttemptRecord) error {
	_, err := j.pool.Exec(ctx, `
		INSERT INTO attempts (id, user_id, quiz_id, submission_id, score, time_taken, trigger, delivered, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.ID, rec.UserID, rec.QuizID, rec.SubmissionID, rec.Score, rec.TimeTaken, rec.Trigger, rec.Delivered, rec.RecordedAt)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (j *AttemptJournal) MarkDelivered(ctx context.Context, submissionID int64) error {
	_, err := j.pool.Exec(ctx, `UPDATE attempts SET delivered = TRUE WHERE submission_id = $1`, submissionID)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// Undelivered lists attempts whose submission never reached the backend.
func (j *AttemptJournal) Undelivered(ctx context.Context, quizID string) ([]domain.AttemptRecord, error) {
	rows, err := j.pool.Query(ctx, `
		SELECT id, user_id, quiz_id, submission_id, score, time_taken, trigger, delivered, recorded_at
		FROM attempts WHERE quiz_id = $1 AND NOT delivered ORDER BY recorded_at`, quizID)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()

	var records []domain.AttemptRecord
	for rows.Next() {
		var rec domain.AttemptRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.QuizID, &rec.SubmissionID, &rec.Score,
			&rec.TimeTaken, &rec.Trigger, &rec.Delivered, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
