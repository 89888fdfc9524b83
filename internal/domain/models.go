package domain

import "time"

// Question is a single multiple-choice question as served by the quiz backend.
// Correct is 1-based per the backend contract; callers comparing against the
// 0-based option indices users select must subtract 1 first.
type Question struct {
	Text      string   `json:"question"`
	Options   []string `json:"options"`
	Correct   int      `json:"correct"`
	TimeLimit int      `json:"time_limit,omitempty"` // seconds; 0 means use the quiz default
}

// Quiz is the content of one quiz as consumed by the attempt controller.
// Question order is significant and fixed for the attempt's duration.
type Quiz struct {
	ID                string     `json:"id"`
	Title             string     `json:"title"`
	Description       string     `json:"description"`
	TimeLimit         int        `json:"time_limit"` // default per-question seconds
	Questions         []Question `json:"questions"`
	HasQuestionTimers bool       `json:"has_question_timers"`
}

// SubmissionStart is the backend's acknowledgment of a started attempt.
// StartedAt is the authoritative start instant; elapsed-time calculations
// anchor to it rather than to local clocks.
type SubmissionStart struct {
	SubmissionID int64     `json:"submission_id"`
	StartedAt    time.Time `json:"started_at"`
}

// AttemptResult is the scored outcome sent to the backend on submission.
// Answers carries 1-based option values keyed by question index, mirroring
// the backend's 1-based Correct field.
type AttemptResult struct {
	SubmissionID      int64          `json:"submission_id"`
	Answers           map[string]int `json:"answers"`
	Score             int            `json:"score"`
	CorrectCount      int            `json:"correct_count"`
	IncorrectCount    int            `json:"incorrect_count"`
	NotAttemptedCount int            `json:"not_attempted_count"`
	TimeTaken         float64        `json:"time_taken"`
	StartedAt         time.Time      `json:"started_at"`
}

// LeaderboardEntry is one participant's normalized result row. Rank is not
// part of the backend payload; the ranking engine assigns it.
type LeaderboardEntry struct {
	Rank              int     `json:"rank"`
	Username          string  `json:"username"`
	FullName          string  `json:"full_name,omitempty"`
	Email             string  `json:"email,omitempty"`
	Score             float64 `json:"score"`
	CorrectCount      int     `json:"correct_count"`
	IncorrectCount    int     `json:"incorrect_count"`
	NotAttemptedCount int     `json:"not_attempted_count"`
	TimeTaken         float64 `json:"time_taken"`
	SubmittedAt       string  `json:"submitted_at,omitempty"`
	IsCurrentUser     bool    `json:"is_current_user"`
}

// AttemptRecord is the durable journal row written for every submission
// outcome, delivered or not.
type AttemptRecord struct {
	ID           string
	UserID       string
	QuizID       string
	SubmissionID int64
	Score        int
	TimeTaken    float64
	Trigger      string
	Delivered    bool
	RecordedAt   time.Time
}

// RankedBoard is the tiered view produced by the ranking engine.
type RankedBoard struct {
	QuizID          string             `json:"quizId"`
	TopThree        []LeaderboardEntry `json:"topThree"`
	Remaining       []LeaderboardEntry `json:"remaining"`
	CurrentUser     *LeaderboardEntry  `json:"currentUser,omitempty"`
	HasParticipants bool               `json:"hasParticipants"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}
