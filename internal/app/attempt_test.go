package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quiz-arena-gateway/internal/app"
	"quiz-arena-gateway/internal/domain"
	"quiz-arena-gateway/internal/infra/memory"
)

type fakeBackend struct {
	mu          sync.Mutex
	startErr    error
	submitErr   error
	startCalls  int
	submitCalls int
	lastResult  domain.AttemptResult
	feedback    []string
	start       domain.SubmissionStart
}

func (b *fakeBackend) StartSubmission(_ context.Context, _ string) (domain.SubmissionStart, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startCalls++
	if b.startErr != nil {
		return domain.SubmissionStart{}, b.startErr
	}
	return b.start, nil
}

func (b *fakeBackend) SubmitAttempt(_ context.Context, _ string, result domain.AttemptResult) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	b.lastResult = result
	return b.submitErr
}

func (b *fakeBackend) SubmitFeedback(_ context.Context, _ string, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.feedback = append(b.feedback, text)
	return nil
}

func (b *fakeBackend) submits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitCalls
}

func (b *fakeBackend) result() domain.AttemptResult {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastResult
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fourQuestionQuiz() domain.Quiz {
	return domain.Quiz{
		ID:                "quiz-1",
		Title:             "Sample",
		HasQuestionTimers: true,
		Questions: []domain.Question{
			{Text: "q0", Options: []string{"a", "b", "c"}, Correct: 1, TimeLimit: 30},
			{Text: "q1", Options: []string{"a", "b", "c"}, Correct: 2, TimeLimit: 20},
			{Text: "q2", Options: []string{"a", "b", "c"}, Correct: 1, TimeLimit: 10},
			{Text: "q3", Options: []string{"a", "b", "c"}, Correct: 3, TimeLimit: 15},
		},
	}
}

func newTestAttempt(t *testing.T, quiz domain.Quiz, backend *fakeBackend, clock *fakeClock) *app.Attempt {
	t.Helper()
	if backend.start.SubmissionID == 0 {
		backend.start = domain.SubmissionStart{SubmissionID: 42, StartedAt: clock.Now()}
	}
	attempt := app.NewAttemptWithClock(quiz, "u1", app.AttemptDeps{
		Backend: backend,
		Markers: memory.NewMarkerStore(),
		Journal: memory.NewJournal(),
	}, app.AttemptConfig{}, clock.Now)
	t.Cleanup(attempt.Close)
	return attempt
}

func waitForEnded(t *testing.T, events <-chan app.Event) app.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("event channel closed before ended event")
			}
			if ev.Type == app.EventEnded {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for ended event")
		}
	}
}

func TestStartFailureLeavesNoSession(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("backend down")}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if got := attempt.Snapshot().Phase; got != app.PhaseNotStarted {
		t.Fatalf("expected NotStarted after failed start, got %s", got)
	}

	// A later start must still be possible once the backend recovers.
	backend.mu.Lock()
	backend.startErr = nil
	backend.mu.Unlock()
	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("second start failed: %v", err)
	}
	if got := attempt.Snapshot().Phase; got != app.PhaseInProgress {
		t.Fatalf("expected InProgress, got %s", got)
	}
}

func TestStartRejectsQuizWithoutQuestions(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, domain.Quiz{ID: "quiz-1", HasQuestionTimers: true}, backend, clock)

	if err := attempt.Start(context.Background()); err != domain.ErrQuizEmpty {
		t.Fatalf("expected ErrQuizEmpty, got %v", err)
	}
	if backend.startCalls != 0 {
		t.Fatalf("backend start should not be called, got %d calls", backend.startCalls)
	}
	// The attempt must stay usable: state reads and teardown still work.
	if got := attempt.Snapshot().Phase; got != app.PhaseNotStarted {
		t.Fatalf("expected NotStarted, got %s", got)
	}
	attempt.ForceSubmit()
	attempt.Close()
}

func TestAlreadyAttemptedBlocksStart(t *testing.T) {
	backend := &fakeBackend{start: domain.SubmissionStart{SubmissionID: 7, StartedAt: time.Now()}}
	markers := memory.NewMarkerStore()
	_ = markers.MarkAttempted(context.Background(), "u1", "quiz-1")

	attempt := app.NewAttemptWithClock(fourQuestionQuiz(), "u1", app.AttemptDeps{
		Backend: backend,
		Markers: markers,
	}, app.AttemptConfig{}, time.Now)
	defer attempt.Close()

	if err := attempt.Start(context.Background()); err != domain.ErrAlreadyAttempted {
		t.Fatalf("expected ErrAlreadyAttempted, got %v", err)
	}
	if backend.startCalls != 0 {
		t.Fatalf("backend start should not be called, got %d calls", backend.startCalls)
	}
}

func TestScoringArithmetic(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	clock.Advance(90 * time.Second)

	if err := attempt.SelectAnswer(0); err != nil { // q0: correct (1-1)
		t.Fatalf("answer q0: %v", err)
	}
	if err := attempt.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := attempt.SelectAnswer(1); err != nil { // q1: correct (2-1)
		t.Fatalf("answer q1: %v", err)
	}
	if err := attempt.Next(); err != nil {
		t.Fatalf("next: %v", err)
	}
	if err := attempt.Next(); err != nil { // q2 skipped
		t.Fatalf("next: %v", err)
	}
	if err := attempt.SelectAnswer(1); err != nil { // q3: incorrect (correct is 3-1)
		t.Fatalf("answer q3: %v", err)
	}
	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	ev := waitForEnded(t, events)
	if !ev.Summary.Delivered {
		t.Fatalf("expected delivered summary, got %+v", ev.Summary)
	}

	result := backend.result()
	if result.CorrectCount != 2 || result.IncorrectCount != 1 || result.NotAttemptedCount != 1 {
		t.Fatalf("unexpected counts: %+v", result)
	}
	if result.Score != 50 {
		t.Fatalf("expected score 50, got %d", result.Score)
	}
	if result.TimeTaken != 90 {
		t.Fatalf("expected time taken 90s, got %v", result.TimeTaken)
	}
	// Wire answers are 1-based values keyed by question index.
	want := map[string]int{"0": 1, "1": 2, "3": 2}
	if len(result.Answers) != len(want) {
		t.Fatalf("unexpected answers %v", result.Answers)
	}
	for k, v := range want {
		if result.Answers[k] != v {
			t.Fatalf("answer %s: expected %d, got %d", k, v, result.Answers[k])
		}
	}
}

func TestSubmitFiresExactlyOnce(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := fourQuestionQuiz()
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	for i := 0; i < len(quiz.Questions)-1; i++ {
		if err := attempt.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// A racing timer expiry and the unload path must both hit the guard.
	for i := 0; i < 20; i++ {
		attempt.Tick()
	}
	attempt.ForceSubmit()

	waitForEnded(t, events)
	if got := backend.submits(); got != 1 {
		t.Fatalf("expected exactly one submission call, got %d", got)
	}
}

func TestSubmitOnlyOnLastQuestion(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := attempt.Submit(); err != domain.ErrSubmitNotAllowed {
		t.Fatalf("expected ErrSubmitNotAllowed, got %v", err)
	}
}

func TestViolationCooldown(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	attempt.ReportHidden()
	attempt.ReportVisible()
	clock.Advance(500 * time.Millisecond)
	attempt.ReportBlur() // within cooldown, ignored
	if got := attempt.Snapshot().ViolationCount; got != 1 {
		t.Fatalf("expected 1 violation after overlapping events, got %d", got)
	}

	clock.Advance(3 * time.Second)
	attempt.ReportBlur()
	if got := attempt.Snapshot().ViolationCount; got != 2 {
		t.Fatalf("expected 2 violations after cooldown passed, got %d", got)
	}
}

func TestThirdViolationForcesSubmission(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	// No answers at all: the forced submission uses whatever exists.
	for i := 0; i < 3; i++ {
		attempt.ReportHidden()
		attempt.ReportVisible()
		clock.Advance(3 * time.Second)
	}

	ev := waitForEnded(t, events)
	if ev.Summary.Trigger != "violations" {
		t.Fatalf("expected violations trigger, got %q", ev.Summary.Trigger)
	}
	result := backend.result()
	if result.NotAttemptedCount != 4 || result.Score != 0 {
		t.Fatalf("expected all unattempted with score 0, got %+v", result)
	}
	if got := attempt.Snapshot().Phase; got != app.PhaseEnded {
		t.Fatalf("expected Ended, got %s", got)
	}
}

func TestWarningPausesAndResumeUnpauses(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	before := attempt.Snapshot().TimeRemaining
	attempt.ReportHidden()
	attempt.ReportVisible()
	snap := attempt.Snapshot()
	if !snap.Paused {
		t.Fatalf("expected paused after first violation")
	}

	attempt.Tick()
	if got := attempt.Snapshot().TimeRemaining; got != before {
		t.Fatalf("paused tick must not decrement: had %d, got %d", before, got)
	}

	attempt.Resume()
	attempt.Tick()
	if got := attempt.Snapshot().TimeRemaining; got != before-1 {
		t.Fatalf("expected %d after resume and tick, got %d", before-1, got)
	}
}

func TestTimerAutoAdvance(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := fourQuestionQuiz()
	quiz.Questions[0].TimeLimit = 2
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	attempt.Tick()
	snap := attempt.Snapshot()
	if snap.QuestionIndex != 0 || snap.TimeRemaining != 1 {
		t.Fatalf("expected q0 with 1s left, got %+v", snap)
	}

	attempt.Tick()
	snap = attempt.Snapshot()
	if snap.QuestionIndex != 1 {
		t.Fatalf("expected auto-advance to question 1, got %d", snap.QuestionIndex)
	}
	if snap.TimeRemaining != quiz.Questions[1].TimeLimit {
		t.Fatalf("expected clock reset to %d, got %d", quiz.Questions[1].TimeLimit, snap.TimeRemaining)
	}
	if backend.submits() != 0 {
		t.Fatalf("auto-advance must not submit")
	}
}

func TestTimerExpiryOnLastQuestionSubmits(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := fourQuestionQuiz()
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	for i := 0; i < len(quiz.Questions)-1; i++ {
		if err := attempt.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	for i := 0; i < quiz.Questions[3].TimeLimit; i++ {
		attempt.Tick()
	}

	ev := waitForEnded(t, events)
	if ev.Summary.Trigger != "timer" {
		t.Fatalf("expected timer trigger, got %q", ev.Summary.Trigger)
	}
}

func TestAdvanceIsNoopOnLastQuestion(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := fourQuestionQuiz()
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i := 0; i < 10; i++ {
		if err := attempt.Next(); err != nil {
			t.Fatalf("next: %v", err)
		}
	}
	if got := attempt.Snapshot().QuestionIndex; got != len(quiz.Questions)-1 {
		t.Fatalf("expected to stay on last question, got %d", got)
	}
}

func TestReanswerOverwrites(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{Text: "q0", Options: []string{"a", "b"}, Correct: 2},
		},
	}
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	if err := attempt.SelectAnswer(0); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if err := attempt.SelectAnswer(1); err != nil {
		t.Fatalf("re-answer: %v", err)
	}
	if err := attempt.SelectAnswer(5); err != domain.ErrOptionOutOfRange {
		t.Fatalf("expected ErrOptionOutOfRange, got %v", err)
	}
	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}

	waitForEnded(t, events)
	if got := backend.result().CorrectCount; got != 1 {
		t.Fatalf("expected overwrite to the correct option, got %d correct", got)
	}
}

func TestFullscreenExitAfterEndIsNotAViolation(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{Text: "q0", Options: []string{"a", "b"}, Correct: 1},
		},
	}
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForEnded(t, events)

	// The submit flow itself exits fullscreen; that exit must not count.
	attempt.ReportFullscreen(false)
	if got := attempt.Snapshot().ViolationCount; got != 0 {
		t.Fatalf("expected no violation after end, got %d", got)
	}
	if got := backend.submits(); got != 1 {
		t.Fatalf("expected single submission, got %d", got)
	}
}

func TestBlurWhileHiddenNotDoubleCounted(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	attempt := newTestAttempt(t, fourQuestionQuiz(), backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	attempt.ReportHidden()
	clock.Advance(3 * time.Second)
	attempt.ReportBlur() // still hidden, not counted
	if got := attempt.Snapshot().ViolationCount; got != 1 {
		t.Fatalf("expected blur while hidden to be ignored, got %d violations", got)
	}
}

func TestSubmitFailureAllowsOneExplicitRetry(t *testing.T) {
	backend := &fakeBackend{
		submitErr: errors.New("gateway timeout"),
		start:     domain.SubmissionStart{SubmissionID: 42, StartedAt: time.Now()},
	}
	clock := newFakeClock()
	quiz := domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{Text: "q0", Options: []string{"a", "b"}, Correct: 1},
		},
	}
	markers := memory.NewMarkerStore()
	journal := memory.NewJournal()
	attempt := app.NewAttemptWithClock(quiz, "u1", app.AttemptDeps{
		Backend: backend,
		Markers: markers,
		Journal: journal,
	}, app.AttemptConfig{}, clock.Now)
	t.Cleanup(attempt.Close)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	events, cancel := attempt.Subscribe()
	defer cancel()

	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	ev := waitForEnded(t, events)
	if ev.Summary.Delivered {
		t.Fatalf("expected failed delivery")
	}
	// The session is Ended locally even though the server never saw it.
	if got := attempt.Snapshot().Phase; got != app.PhaseEnded {
		t.Fatalf("expected Ended, got %s", got)
	}
	if got := backend.submits(); got != 1 {
		t.Fatalf("no automatic retry expected, got %d calls", got)
	}

	backend.mu.Lock()
	backend.submitErr = nil
	backend.mu.Unlock()
	if err := attempt.RetrySubmit(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := backend.submits(); got != 2 {
		t.Fatalf("expected retry to submit once more, got %d", got)
	}
	if err := attempt.RetrySubmit(context.Background()); err != domain.ErrNothingToRetry {
		t.Fatalf("expected ErrNothingToRetry after success, got %v", err)
	}

	// A successful retry also settles the bookkeeping: the journal row flips
	// to delivered and the attempted marker is set.
	records := journal.Records()
	if len(records) != 1 || !records[0].Delivered {
		t.Fatalf("expected delivered journal row, got %+v", records)
	}
	if attempted, _ := markers.Attempted(context.Background(), "u1", "quiz-1"); !attempted {
		t.Fatalf("expected attempted marker after successful retry")
	}
}

func TestFeedbackIsOneShot(t *testing.T) {
	backend := &fakeBackend{}
	clock := newFakeClock()
	quiz := domain.Quiz{
		ID: "quiz-1",
		Questions: []domain.Question{
			{Text: "q0", Options: []string{"a", "b"}, Correct: 1},
		},
	}
	attempt := newTestAttempt(t, quiz, backend, clock)

	if err := attempt.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	attempt.Feedback(context.Background(), "too early") // before end, dropped
	events, cancel := attempt.Subscribe()
	defer cancel()
	if err := attempt.Submit(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitForEnded(t, events)

	attempt.Feedback(context.Background(), "great quiz")
	attempt.Feedback(context.Background(), "second thoughts")

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.feedback) != 1 || backend.feedback[0] != "great quiz" {
		t.Fatalf("expected one feedback entry, got %v", backend.feedback)
	}
}
