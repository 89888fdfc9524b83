package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"quiz-arena-gateway/internal/app"
)

// NewRouter wires the gateway's HTTP surface: health, the attempt and
// leaderboard websockets, and a one-shot ranked leaderboard endpoint.
func NewRouter(attempts *AttemptHandler, boards *LeaderboardHandler) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/ws/attempt", attempts.ServeWS)
	r.Get("/ws/leaderboard", boards.ServeWS)
	r.Get("/quizzes/{quizID}/leaderboard", boards.ServeSnapshot)
	return r
}

// ServeSnapshot returns the current ranked board without subscribing.
func (h *LeaderboardHandler) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	quizID := chi.URLParam(r, "quizID")
	if quizID == "" {
		http.Error(w, "missing quizID", http.StatusBadRequest)
		return
	}
	entries, err := h.source.GetLeaderboard(r.Context(), quizID)
	if err != nil {
		h.logger.Error("leaderboard fetch failed", "quiz", quizID, "err", err)
		http.Error(w, "leaderboard unavailable", http.StatusBadGateway)
		return
	}
	board := app.RankEntries(quizID, entries, time.Now())
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(board); err != nil {
		h.logger.Error("encode leaderboard", "quiz", quizID, "err", err)
	}
}
