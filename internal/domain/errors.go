package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrQuizEmpty indicates quiz content with no questions, which cannot be attempted.
	ErrQuizEmpty = errors.New("quiz has no questions")
	// ErrAlreadyAttempted is returned when a user re-enters a quiz they already took.
	ErrAlreadyAttempted = errors.New("quiz already attempted")
	// ErrNotStarted is returned for actions on an attempt that never started.
	ErrNotStarted = errors.New("attempt not started")
	// ErrAlreadyStarted is returned when start is requested twice.
	ErrAlreadyStarted = errors.New("attempt already started")
	// ErrAttemptEnded is returned for actions after the attempt reached its end.
	ErrAttemptEnded = errors.New("attempt already ended")
	// ErrOptionOutOfRange indicates a selected option index is not one of the presented options.
	ErrOptionOutOfRange = errors.New("option index out of range")
	// ErrSubmitNotAllowed is returned for a manual submit away from the last question.
	ErrSubmitNotAllowed = errors.New("submit only allowed on the last question")
	// ErrRetryExhausted is returned when a failed submission has already been retried.
	ErrRetryExhausted = errors.New("submission retry already used")
	// ErrNothingToRetry is returned when retry is requested but delivery succeeded.
	ErrNothingToRetry = errors.New("no failed submission to retry")
)
