package app

import (
	"context"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"quiz-arena-gateway/internal/domain"
)

// QuizBackend is the slice of the external quiz service the controller drives.
type QuizBackend interface {
	StartSubmission(ctx context.Context, quizID string) (domain.SubmissionStart, error)
	SubmitAttempt(ctx context.Context, quizID string, result domain.AttemptResult) error
	SubmitFeedback(ctx context.Context, quizID, text string) error
}

// AttemptMarkerStore records the one-bit "already attempted" marker per
// (user, quiz). Its presence on attach short-circuits re-entry.
type AttemptMarkerStore interface {
	Attempted(ctx context.Context, userID, quizID string) (bool, error)
	MarkAttempted(ctx context.Context, userID, quizID string) error
}

// AttemptJournal durably records submission outcomes so a failed delivery is
// not silently lost.
type AttemptJournal interface {
	Record(ctx context.Context, rec domain.AttemptRecord) error
	MarkDelivered(ctx context.Context, submissionID int64) error
}

// Phase is the attempt lifecycle phase.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseInProgress Phase = "in_progress"
	PhaseEnded      Phase = "ended"
)

// ViolationKind identifies which proctoring trigger fired.
type ViolationKind string

const (
	ViolationHidden         ViolationKind = "hidden"
	ViolationBlur           ViolationKind = "blur"
	ViolationFullscreenExit ViolationKind = "fullscreen_exit"
)

// EventType tags events emitted to attempt subscribers.
type EventType string

const (
	EventState       EventType = "state"
	EventWarning     EventType = "warning"
	EventEnded       EventType = "ended"
	EventSubmitError EventType = "submitError"
)

// Event is pushed to subscribers on every observable transition.
type Event struct {
	Type      EventType
	Snapshot  Snapshot
	Violation *ViolationNotice
	Summary   *AttemptSummary
	Err       string
}

// ViolationNotice accompanies EventWarning.
type ViolationNotice struct {
	Kind  ViolationKind `json:"kind"`
	Count int           `json:"count"`
	Limit int           `json:"limit"`
}

// AttemptSummary accompanies EventEnded.
type AttemptSummary struct {
	Score             int     `json:"score"`
	CorrectCount      int     `json:"correctCount"`
	IncorrectCount    int     `json:"incorrectCount"`
	NotAttemptedCount int     `json:"notAttemptedCount"`
	QuestionCount     int     `json:"questionCount"`
	TimeTaken         float64 `json:"timeTaken"`
	Delivered         bool    `json:"delivered"`
	Trigger           string  `json:"trigger"`
	ExitFullscreen    bool    `json:"exitFullscreen"`
}

// Snapshot is a point-in-time view of the attempt state.
type Snapshot struct {
	Phase          Phase `json:"phase"`
	QuestionIndex  int   `json:"questionIndex"`
	QuestionCount  int   `json:"questionCount"`
	TimeRemaining  int   `json:"timeRemaining"`
	ViolationCount int   `json:"violationCount"`
	Paused         bool  `json:"paused"`
	Submitted      bool  `json:"submitted"`
	AnswerCount    int   `json:"answerCount"`
}

// QuestionView is the client-safe projection of a question. It never carries
// the correct index.
type QuestionView struct {
	Index     int      `json:"index"`
	Text      string   `json:"question"`
	Options   []string `json:"options"`
	TimeLimit int      `json:"timeLimit"`
	IsLast    bool     `json:"isLast"`
}

// AttemptConfig tunes the proctoring and timing rules.
type AttemptConfig struct {
	QuestionSeconds   int           // fallback per-question limit when quiz and question carry none
	ViolationLimit    int           // accepted violations that force submission
	ViolationCooldown time.Duration // window in which overlapping browser events collapse to one
	SubmitTimeout     time.Duration // deadline for the submission network call
}

// DefaultAttemptConfig mirrors the proctoring rules enforced in production.
func DefaultAttemptConfig() AttemptConfig {
	return AttemptConfig{
		QuestionSeconds:   60,
		ViolationLimit:    3,
		ViolationCooldown: 2 * time.Second,
		SubmitTimeout:     10 * time.Second,
	}
}

// AttemptDeps bundles the collaborators an attempt needs.
type AttemptDeps struct {
	Backend QuizBackend
	Markers AttemptMarkerStore
	Journal AttemptJournal
	Logger  *slog.Logger
}

// Attempt drives one timed, proctored quiz attempt from start to a single
// terminal submission. It owns its countdown ticker and event listeners, so
// tearing everything down is one Close call.
type Attempt struct {
	quiz    domain.Quiz
	userID  string
	cfg     AttemptConfig
	backend QuizBackend
	markers AttemptMarkerStore
	journal AttemptJournal
	logger  *slog.Logger
	now     func() time.Time

	mu             sync.Mutex
	phase          Phase
	manualTick     bool
	starting       bool
	current        int
	answers        map[int]int // question index -> selected option, both 0-based
	timeRemaining  int
	violations     int
	paused         bool
	submitted      bool
	visible        bool
	fullscreen     bool
	lastViolation  time.Time
	submissionID   int64
	startedAt      time.Time
	deliveryFailed bool
	retried        bool
	pendingResult  domain.AttemptResult
	lastSummary    *AttemptSummary
	feedbackSent   bool
	subscribers    map[chan Event]struct{}
	tickCancel     context.CancelFunc
}

// NewAttempt builds a controller for one user's attempt at one quiz.
func NewAttempt(quiz domain.Quiz, userID string, deps AttemptDeps, cfg AttemptConfig) *Attempt {
	a := newAttemptWithClock(quiz, userID, deps, cfg, time.Now)
	a.manualTick = false
	return a
}

// NewAttemptWithClock is test-only for deterministic timestamps.
func NewAttemptWithClock(quiz domain.Quiz, userID string, deps AttemptDeps, cfg AttemptConfig, now func() time.Time) *Attempt {
	return newAttemptWithClock(quiz, userID, deps, cfg, now)
}

// newAttemptWithClock allows deterministic timestamps in tests. Attempts
// built this way do not run a wall-clock ticker; tests drive Tick directly.
func newAttemptWithClock(quiz domain.Quiz, userID string, deps AttemptDeps, cfg AttemptConfig, now func() time.Time) *Attempt {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QuestionSeconds <= 0 {
		cfg.QuestionSeconds = DefaultAttemptConfig().QuestionSeconds
	}
	if cfg.ViolationLimit <= 0 {
		cfg.ViolationLimit = DefaultAttemptConfig().ViolationLimit
	}
	if cfg.ViolationCooldown <= 0 {
		cfg.ViolationCooldown = DefaultAttemptConfig().ViolationCooldown
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultAttemptConfig().SubmitTimeout
	}
	return &Attempt{
		quiz:        quiz,
		userID:      userID,
		cfg:         cfg,
		backend:     deps.Backend,
		markers:     deps.Markers,
		journal:     deps.Journal,
		logger:      logger,
		now:         now,
		phase:       PhaseNotStarted,
		manualTick:  true,
		answers:     make(map[int]int),
		visible:     true,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Start moves NotStarted to InProgress: checks the attempted marker, asks the
// backend for a submission id and the authoritative start instant, and arms
// the countdown. A failed start leaves no session state behind.
func (a *Attempt) Start(ctx context.Context) error {
	if len(a.quiz.Questions) == 0 {
		return domain.ErrQuizEmpty
	}
	a.mu.Lock()
	if a.phase != PhaseNotStarted || a.starting {
		a.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	a.starting = true
	a.mu.Unlock()

	fail := func(err error) error {
		a.mu.Lock()
		a.starting = false
		a.mu.Unlock()
		return err
	}

	if a.markers != nil {
		attempted, err := a.markers.Attempted(ctx, a.userID, a.quiz.ID)
		if err != nil {
			return fail(err)
		}
		if attempted {
			return fail(domain.ErrAlreadyAttempted)
		}
	}

	start, err := a.backend.StartSubmission(ctx, a.quiz.ID)
	if err != nil {
		return fail(err)
	}

	a.mu.Lock()
	a.starting = false
	a.phase = PhaseInProgress
	a.submissionID = start.SubmissionID
	a.startedAt = start.StartedAt
	a.fullscreen = true // client requested fullscreen before starting
	if a.quiz.HasQuestionTimers {
		a.resetClockLocked(0)
		if !a.manualTick {
			tickCtx, cancel := context.WithCancel(context.Background())
			a.tickCancel = cancel
			go a.runTicker(tickCtx)
		}
	}
	a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
	a.mu.Unlock()
	return nil
}

func (a *Attempt) runTicker(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Tick()
		}
	}
}

// SelectAnswer records the user's option for the current question. Re-answering
// is permitted until submission.
func (a *Attempt) SelectAnswer(option int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress {
		return phaseError(a.phase)
	}
	if option < 0 || option >= len(a.quiz.Questions[a.current].Options) {
		return domain.ErrOptionOutOfRange
	}
	a.answers[a.current] = option
	a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
	return nil
}

// Next advances to the next question and resets its clock. A no-op on the
// last question.
func (a *Attempt) Next() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress {
		return phaseError(a.phase)
	}
	if a.current >= len(a.quiz.Questions)-1 {
		return nil
	}
	a.current++
	a.resetClockLocked(a.current)
	a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
	return nil
}

// Tick decrements the current question's remaining time by one second. At
// zero it submits on the last question, otherwise auto-advances. Ticks while
// paused do not decrement.
func (a *Attempt) Tick() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress || a.paused || !a.quiz.HasQuestionTimers {
		return
	}
	if a.timeRemaining > 0 {
		a.timeRemaining--
	}
	if a.timeRemaining > 0 {
		a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
		return
	}
	if a.current >= len(a.quiz.Questions)-1 {
		a.submitLocked("timer")
		return
	}
	// Automatic advance: an unanswered question simply stays unattempted.
	a.current++
	a.resetClockLocked(a.current)
	a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
}

// ReportHidden handles the document becoming hidden.
func (a *Attempt) ReportHidden() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible = false
	if a.phase == PhaseInProgress {
		a.violationLocked(ViolationHidden)
	}
}

// ReportVisible handles the document becoming visible again.
func (a *Attempt) ReportVisible() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.visible = true
}

// ReportBlur handles the window losing focus while the document is still
// visible, which covers OS-level focus switches visibility does not catch.
func (a *Attempt) ReportBlur() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase == PhaseInProgress && a.visible {
		a.violationLocked(ViolationBlur)
	}
}

// ReportFullscreen handles fullscreen state changes. Leaving fullscreen only
// counts while the attempt is in progress and the document is visible; the
// phase check keeps the exitFullscreen performed at submission time from
// registering as a violation.
func (a *Attempt) ReportFullscreen(active bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fullscreen = active
	if !active && a.phase == PhaseInProgress && a.visible {
		a.violationLocked(ViolationFullscreenExit)
	}
}

// violationLocked applies the shared cooldown, increments the counter, and
// either pauses with a warning or forces submission at the limit.
func (a *Attempt) violationLocked(kind ViolationKind) {
	now := a.now()
	if !a.lastViolation.IsZero() && now.Sub(a.lastViolation) < a.cfg.ViolationCooldown {
		return
	}
	a.lastViolation = now
	a.violations++
	if a.violations >= a.cfg.ViolationLimit {
		a.logger.Warn("violation limit reached, forcing submission",
			"quiz", a.quiz.ID, "user", a.userID, "kind", string(kind))
		a.submitLocked("violations")
		return
	}
	a.paused = true
	a.broadcastLocked(Event{
		Type:     EventWarning,
		Snapshot: a.snapshotLocked(),
		Violation: &ViolationNotice{
			Kind:  kind,
			Count: a.violations,
			Limit: a.cfg.ViolationLimit,
		},
	})
}

// Resume acknowledges a violation prompt; the client re-enters fullscreen and
// the clock starts ticking again.
func (a *Attempt) Resume() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress || !a.paused {
		return
	}
	a.paused = false
	a.fullscreen = true
	a.broadcastLocked(Event{Type: EventState, Snapshot: a.snapshotLocked()})
}

// Submit handles the explicit submit action, which is only offered on the
// last question.
func (a *Attempt) Submit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress {
		return phaseError(a.phase)
	}
	if a.current != len(a.quiz.Questions)-1 {
		return domain.ErrSubmitNotAllowed
	}
	a.submitLocked("manual")
	return nil
}

// ForceSubmit covers the page-unload path: submit whatever exists if the
// attempt is still running.
func (a *Attempt) ForceSubmit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.phase != PhaseInProgress {
		return
	}
	a.submitLocked("unload")
}

// submitLocked is the single terminal transition. The one-shot guard makes
// the network submission fire at most once no matter which trigger races in
// first, or how often a trigger condition recurs.
func (a *Attempt) submitLocked(trigger string) {
	if a.submitted {
		return
	}
	a.submitted = true
	a.phase = PhaseEnded
	a.paused = false
	if a.tickCancel != nil {
		a.tickCancel()
		a.tickCancel = nil
	}
	result := a.buildResultLocked()
	a.pendingResult = result
	go a.deliver(result, trigger)
}

// buildResultLocked computes the scored outcome. Answer values go out 1-based
// to mirror the backend's 1-based correct field.
func (a *Attempt) buildResultLocked() domain.AttemptResult {
	total := len(a.quiz.Questions)
	correct, notAttempted := 0, 0
	for idx, q := range a.quiz.Questions {
		selected, ok := a.answers[idx]
		if !ok {
			notAttempted++
			continue
		}
		if selected == q.Correct-1 {
			correct++
		}
	}
	incorrect := total - correct - notAttempted
	score := 0
	if total > 0 {
		score = int(math.Round(float64(correct) / float64(total) * 100))
	}
	wireAnswers := make(map[string]int, len(a.answers))
	for idx, selected := range a.answers {
		wireAnswers[strconv.Itoa(idx)] = selected + 1
	}
	return domain.AttemptResult{
		SubmissionID:      a.submissionID,
		Answers:           wireAnswers,
		Score:             score,
		CorrectCount:      correct,
		IncorrectCount:    incorrect,
		NotAttemptedCount: notAttempted,
		TimeTaken:         a.now().Sub(a.startedAt).Seconds(),
		StartedAt:         a.startedAt,
	}
}

// deliver performs the submission network call off the state lock, records
// the outcome in the journal, and notifies subscribers.
func (a *Attempt) deliver(result domain.AttemptResult, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SubmitTimeout)
	defer cancel()

	err := a.backend.SubmitAttempt(ctx, a.quiz.ID, result)
	delivered := err == nil
	if delivered {
		if a.markers != nil {
			if merr := a.markers.MarkAttempted(ctx, a.userID, a.quiz.ID); merr != nil {
				a.logger.Error("mark attempted failed", "quiz", a.quiz.ID, "user", a.userID, "err", merr)
			}
		}
	} else {
		a.logger.Error("submission delivery failed", "quiz", a.quiz.ID, "user", a.userID, "err", err)
	}
	if a.journal != nil {
		rec := domain.AttemptRecord{
			ID:           uuid.NewString(),
			UserID:       a.userID,
			QuizID:       a.quiz.ID,
			SubmissionID: result.SubmissionID,
			Score:        result.Score,
			TimeTaken:    result.TimeTaken,
			Trigger:      trigger,
			Delivered:    delivered,
			RecordedAt:   a.now(),
		}
		if jerr := a.journal.Record(ctx, rec); jerr != nil {
			a.logger.Error("journal record failed", "submission", result.SubmissionID, "err", jerr)
		}
	}

	a.mu.Lock()
	a.deliveryFailed = !delivered
	summary := AttemptSummary{
		Score:             result.Score,
		CorrectCount:      result.CorrectCount,
		IncorrectCount:    result.IncorrectCount,
		NotAttemptedCount: result.NotAttemptedCount,
		QuestionCount:     len(a.quiz.Questions),
		TimeTaken:         result.TimeTaken,
		Delivered:         delivered,
		Trigger:           trigger,
		ExitFullscreen:    a.fullscreen,
	}
	a.lastSummary = &summary
	ev := Event{Type: EventEnded, Snapshot: a.snapshotLocked(), Summary: &summary}
	if err != nil {
		ev.Err = err.Error()
	}
	a.broadcastLocked(ev)
	a.mu.Unlock()
}

// RetrySubmit re-sends a failed submission once, on explicit user action.
// Delivery stays bounded: one original call plus at most one retry.
func (a *Attempt) RetrySubmit(ctx context.Context) error {
	a.mu.Lock()
	if !a.submitted || !a.deliveryFailed {
		a.mu.Unlock()
		return domain.ErrNothingToRetry
	}
	if a.retried {
		a.mu.Unlock()
		return domain.ErrRetryExhausted
	}
	a.retried = true
	result := a.pendingResult
	a.mu.Unlock()

	err := a.backend.SubmitAttempt(ctx, a.quiz.ID, result)
	if err != nil {
		a.mu.Lock()
		a.broadcastLocked(Event{Type: EventSubmitError, Snapshot: a.snapshotLocked(), Err: err.Error()})
		a.mu.Unlock()
		return err
	}
	if a.markers != nil {
		if merr := a.markers.MarkAttempted(ctx, a.userID, a.quiz.ID); merr != nil {
			a.logger.Error("mark attempted failed", "quiz", a.quiz.ID, "user", a.userID, "err", merr)
		}
	}
	if a.journal != nil {
		if jerr := a.journal.MarkDelivered(ctx, result.SubmissionID); jerr != nil {
			a.logger.Error("journal mark delivered failed", "submission", result.SubmissionID, "err", jerr)
		}
	}
	a.mu.Lock()
	a.deliveryFailed = false
	if a.lastSummary != nil {
		s := *a.lastSummary
		s.Delivered = true
		a.lastSummary = &s
		a.broadcastLocked(Event{Type: EventEnded, Snapshot: a.snapshotLocked(), Summary: &s})
	}
	a.mu.Unlock()
	return nil
}

// Feedback forwards the one-time post-submission feedback text. Failures are
// logged, never surfaced: feedback must not block leaving the quiz.
func (a *Attempt) Feedback(ctx context.Context, text string) {
	a.mu.Lock()
	if a.phase != PhaseEnded || a.feedbackSent {
		a.mu.Unlock()
		return
	}
	a.feedbackSent = true
	a.mu.Unlock()

	if err := a.backend.SubmitFeedback(ctx, a.quiz.ID, text); err != nil {
		a.logger.Warn("feedback submission failed", "quiz", a.quiz.ID, "err", err)
	}
}

// Subscribe returns a channel receiving attempt events. The caller must
// invoke the returned cancel function to avoid leaks.
func (a *Attempt) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)

	a.mu.Lock()
	a.subscribers[ch] = struct{}{}
	initial := Event{Type: EventState, Snapshot: a.snapshotLocked()}
	a.mu.Unlock()

	ch <- initial

	cancel := func() {
		a.mu.Lock()
		if _, ok := a.subscribers[ch]; ok {
			delete(a.subscribers, ch)
			close(ch)
		}
		a.mu.Unlock()
	}
	return ch, cancel
}

// Close tears the attempt down: the countdown stops and all subscriber
// channels are released. Safe to call more than once.
func (a *Attempt) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.tickCancel != nil {
		a.tickCancel()
		a.tickCancel = nil
	}
	for ch := range a.subscribers {
		delete(a.subscribers, ch)
		close(ch)
	}
}

// Snapshot returns the current attempt state.
func (a *Attempt) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// CurrentQuestion returns the client-safe view of the question in play.
func (a *Attempt) CurrentQuestion() QuestionView {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.questionViewLocked(a.current)
}

// Summary returns the final summary once the attempt has been delivered (or
// delivery has failed), and false before that.
func (a *Attempt) Summary() (AttemptSummary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastSummary == nil {
		return AttemptSummary{}, false
	}
	return *a.lastSummary, true
}

func (a *Attempt) questionViewLocked(idx int) QuestionView {
	q := a.quiz.Questions[idx]
	options := make([]string, len(q.Options))
	copy(options, q.Options)
	return QuestionView{
		Index:     idx,
		Text:      q.Text,
		Options:   options,
		TimeLimit: a.limitFor(idx),
		IsLast:    idx == len(a.quiz.Questions)-1,
	}
}

func (a *Attempt) snapshotLocked() Snapshot {
	return Snapshot{
		Phase:          a.phase,
		QuestionIndex:  a.current,
		QuestionCount:  len(a.quiz.Questions),
		TimeRemaining:  a.timeRemaining,
		ViolationCount: a.violations,
		Paused:         a.paused,
		Submitted:      a.submitted,
		AnswerCount:    len(a.answers),
	}
}

func (a *Attempt) resetClockLocked(idx int) {
	a.timeRemaining = a.limitFor(idx)
}

func (a *Attempt) limitFor(idx int) int {
	if limit := a.quiz.Questions[idx].TimeLimit; limit > 0 {
		return limit
	}
	if a.quiz.TimeLimit > 0 {
		return a.quiz.TimeLimit
	}
	return a.cfg.QuestionSeconds
}

func (a *Attempt) broadcastLocked(ev Event) {
	for ch := range a.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop the oldest event rather than block the state machine on a
			// slow consumer.
			select {
			case <-ch:
			default:
			}
			ch <- ev
		}
	}
}

func phaseError(p Phase) error {
	if p == PhaseEnded {
		return domain.ErrAttemptEnded
	}
	return domain.ErrNotStarted
}
