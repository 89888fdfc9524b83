package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"quiz-arena-gateway/internal/domain"
)

// LeaderboardSource fetches raw leaderboard entries for a quiz.
type LeaderboardSource interface {
	GetLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error)
}

// Poller periodically fetches one quiz's leaderboard, runs the ranking
// engine, and fans the ranked board out to subscribers. Stopping the poller
// cancels the interval and releases every subscriber channel, so view
// teardown is a single call.
type Poller struct {
	quizID   string
	source   LeaderboardSource
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu          sync.Mutex
	latest      *domain.RankedBoard
	subscribers map[chan domain.RankedBoard]struct{}
	cancel      context.CancelFunc
	stopped     bool
}

// NewPoller builds a poller for one quiz. Run must be called to start it.
func NewPoller(quizID string, source LeaderboardSource, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller{
		quizID:      quizID,
		source:      source,
		interval:    interval,
		logger:      logger,
		now:         time.Now,
		subscribers: make(map[chan domain.RankedBoard]struct{}),
	}
}

// Run fetches immediately and then on every interval until the context is
// cancelled or Stop is called.
func (p *Poller) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		cancel()
		return
	}
	p.cancel = cancel
	p.mu.Unlock()

	p.refresh(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Poller) refresh(ctx context.Context) {
	entries, err := p.source.GetLeaderboard(ctx, p.quizID)
	if err != nil {
		// Transient fetch failures keep the previous board on screen.
		p.logger.Warn("leaderboard refresh failed", "quiz", p.quizID, "err", err)
		return
	}
	board := RankEntries(p.quizID, entries, p.now())

	p.mu.Lock()
	p.latest = &board
	for ch := range p.subscribers {
		select {
		case ch <- board:
		default:
			// A stale board is worthless; replace it instead of blocking.
			select {
			case <-ch:
			default:
			}
			ch <- board
		}
	}
	p.mu.Unlock()
}

// Subscribe registers for ranked board updates. The latest board, when one
// exists, is delivered immediately. The caller must invoke the returned
// cancel function.
func (p *Poller) Subscribe() (<-chan domain.RankedBoard, func()) {
	ch := make(chan domain.RankedBoard, 4)

	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	latest := p.latest
	p.mu.Unlock()

	if latest != nil {
		ch <- *latest
	}

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subscribers[ch]; ok {
			delete(p.subscribers, ch)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel
}

// Latest returns the most recent ranked board, if any fetch has succeeded.
func (p *Poller) Latest() (domain.RankedBoard, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return domain.RankedBoard{}, false
	}
	return *p.latest, true
}

// SubscriberCount reports how many live subscribers remain.
func (p *Poller) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Stop cancels polling and closes all subscriber channels.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	for ch := range p.subscribers {
		delete(p.subscribers, ch)
		close(ch)
	}
}
