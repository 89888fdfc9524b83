package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"quiz-arena-gateway/internal/app"
	"quiz-arena-gateway/internal/domain"
	"quiz-arena-gateway/internal/infra/backend"
)

// QuizSource loads quiz content (usually through a cache).
type QuizSource interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// AttemptHandler upgrades one websocket per quiz attempt and wires the
// browser's events into the attempt state machine.
type AttemptHandler struct {
	quizzes  QuizSource
	backend  *backend.Client
	markers  app.AttemptMarkerStore
	journal  app.AttemptJournal
	cfg      app.AttemptConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewAttemptHandler(quizzes QuizSource, client *backend.Client, markers app.AttemptMarkerStore, journal app.AttemptJournal, cfg app.AttemptConfig, logger *slog.Logger) *AttemptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AttemptHandler{
		quizzes: quizzes,
		backend: client,
		markers: markers,
		journal: journal,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Option int `json:"option"`
}

type fullscreenPayload struct {
	Active bool `json:"active"`
}

type feedbackPayload struct {
	Text string `json:"text"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// ServeWS runs one attempt over a websocket. Browsers cannot set headers on
// websocket requests, so the bearer token travels as a query parameter.
func (h *AttemptHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	userID := r.URL.Query().Get("userId")
	token := r.URL.Query().Get("token")
	if quizID == "" || userID == "" {
		http.Error(w, "missing quizId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sendError := func(msg string) {
		_ = conn.WriteJSON(outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: msg}})
	}

	quiz, err := h.quizzes.GetQuiz(r.Context(), quizID)
	if err != nil {
		sendError(err.Error())
		return
	}

	// Re-entry short-circuit: a finished quiz cannot be reopened by reload.
	if h.markers != nil {
		attempted, merr := h.markers.Attempted(r.Context(), userID, quizID)
		if merr != nil {
			sendError(merr.Error())
			return
		}
		if attempted {
			sendError(domain.ErrAlreadyAttempted.Error())
			return
		}
	}

	client := h.backend
	if token != "" {
		client = client.WithToken(token)
	}

	attempt := app.NewAttempt(quiz, userID, app.AttemptDeps{
		Backend: client,
		Markers: h.markers,
		Journal: h.journal,
		Logger:  h.logger,
	}, h.cfg)
	defer attempt.Close()
	// A vanished connection is the unload path: whatever exists gets submitted.
	defer attempt.ForceSubmit()

	events, cancel := attempt.Subscribe()
	defer cancel()

	send := make(chan any, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.logger.Debug("ws write error", "err", err)
				return
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		lastQuestion := -1
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				var out any = eventToMessage(ev)
				select {
				case send <- out:
				case <-closeSignals:
					return
				}
				if ev.Snapshot.Phase == app.PhaseInProgress && ev.Snapshot.QuestionIndex != lastQuestion {
					lastQuestion = ev.Snapshot.QuestionIndex
					select {
					case send <- outboundMessage[app.QuestionView]{Type: "question", Payload: attempt.CurrentQuestion()}:
					case <-closeSignals:
						return
					}
				}
			case <-closeSignals:
				return
			}
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		if err := h.dispatch(r.Context(), attempt, inbound); err != nil {
			select {
			case send <- outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: err.Error()}}:
			case <-closeSignals:
			}
		}
	}

	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

func (h *AttemptHandler) dispatch(ctx context.Context, attempt *app.Attempt, inbound inboundMessage) error {
	switch inbound.Type {
	case "start":
		return attempt.Start(ctx)
	case "answer":
		var payload answerPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return errors.New("invalid answer payload")
		}
		return attempt.SelectAnswer(payload.Option)
	case "next":
		return attempt.Next()
	case "submit":
		return attempt.Submit()
	case "resume":
		attempt.Resume()
		return nil
	case "hidden":
		attempt.ReportHidden()
		return nil
	case "visible":
		attempt.ReportVisible()
		return nil
	case "blur":
		attempt.ReportBlur()
		return nil
	case "fullscreen":
		var payload fullscreenPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return errors.New("invalid fullscreen payload")
		}
		attempt.ReportFullscreen(payload.Active)
		return nil
	case "feedback":
		var payload feedbackPayload
		if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
			return errors.New("invalid feedback payload")
		}
		attempt.Feedback(ctx, payload.Text)
		return nil
	case "retry":
		return attempt.RetrySubmit(ctx)
	default:
		return errors.New("unsupported message type")
	}
}

func eventToMessage(ev app.Event) any {
	switch ev.Type {
	case app.EventWarning:
		return outboundMessage[*app.ViolationNotice]{Type: "warning", Payload: ev.Violation}
	case app.EventEnded:
		return outboundMessage[*app.AttemptSummary]{Type: "ended", Payload: ev.Summary}
	case app.EventSubmitError:
		return outboundMessage[errorPayload]{Type: "error", Payload: errorPayload{Message: ev.Err}}
	default:
		return outboundMessage[app.Snapshot]{Type: "state", Payload: ev.Snapshot}
	}
}
