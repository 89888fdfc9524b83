package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quiz-arena-gateway/internal/app"
	"quiz-arena-gateway/internal/domain"
)

// LeaderboardHandler streams ranked leaderboards over websockets. One poller
// runs per quiz while at least one viewer is connected; the last viewer
// leaving stops it.
type LeaderboardHandler struct {
	source   app.LeaderboardSource
	interval time.Duration
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	pollers map[string]*refCountedPoller
}

type refCountedPoller struct {
	poller *app.Poller
	refs   int
	cancel context.CancelFunc
}

func NewLeaderboardHandler(source app.LeaderboardSource, interval time.Duration, logger *slog.Logger) *LeaderboardHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LeaderboardHandler{
		source:   source,
		interval: interval,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pollers: make(map[string]*refCountedPoller),
	}
}

// ServeWS subscribes one viewer to live ranked boards for a quiz.
func (h *LeaderboardHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	if quizID == "" {
		http.Error(w, "missing quizId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	poller := h.acquire(quizID)
	defer h.release(quizID)

	updates, cancel := poller.Subscribe()
	defer cancel()

	readerGone := make(chan struct{})
	go func() {
		defer close(readerGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case board, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(outboundMessage[domain.RankedBoard]{Type: "leaderboard", Payload: board}); err != nil {
				return
			}
		case <-readerGone:
			return
		}
	}
}

func (h *LeaderboardHandler) acquire(quizID string) *app.Poller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rc, ok := h.pollers[quizID]; ok {
		rc.refs++
		return rc.poller
	}
	poller := app.NewPoller(quizID, h.source, h.interval, h.logger)
	ctx, cancel := context.WithCancel(context.Background())
	go poller.Run(ctx)
	h.pollers[quizID] = &refCountedPoller{poller: poller, refs: 1, cancel: cancel}
	return poller
}

func (h *LeaderboardHandler) release(quizID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rc, ok := h.pollers[quizID]
	if !ok {
		return
	}
	rc.refs--
	if rc.refs > 0 {
		return
	}
	rc.cancel()
	rc.poller.Stop()
	delete(h.pollers, quizID)
}
