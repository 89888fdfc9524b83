// Package backend is the HTTP client for the external quiz service. All
// loose backend shapes (nullable counts, flat vs split leaderboards) are
// normalized here, at the boundary, into strict domain types.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quiz-arena-gateway/internal/domain"
)

// Client talks to the quiz backend with a bearer token. The token is opaque;
// the gateway attaches it and never inspects it.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the given base URL. A nil httpClient falls
// back to a 15 second timeout default.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// WithToken returns a copy of the client bound to a different bearer token,
// for per-connection credentials.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// GetQuiz fetches quiz content.
func (c *Client) GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/quizzes/"+quizID, nil)
	if err != nil {
		return domain.Quiz{}, fmt.Errorf("get quiz: %w", err)
	}
	if status == http.StatusNotFound {
		return domain.Quiz{}, domain.ErrQuizNotFound
	}
	if status != http.StatusOK {
		return domain.Quiz{}, fmt.Errorf("get quiz: unexpected status %d", status)
	}
	var quiz domain.Quiz
	if err := json.Unmarshal(body, &quiz); err != nil {
		return domain.Quiz{}, fmt.Errorf("decode quiz: %w", err)
	}
	if len(quiz.Questions) == 0 {
		return domain.Quiz{}, domain.ErrQuizEmpty
	}
	if quiz.ID == "" {
		quiz.ID = quizID
	}
	return quiz, nil
}

// StartSubmission registers the attempt start and returns the submission id
// plus the server's authoritative start instant.
func (c *Client) StartSubmission(ctx context.Context, quizID string) (domain.SubmissionStart, error) {
	body, status, err := c.do(ctx, http.MethodPost, "/submissions/start/"+quizID, nil)
	if err != nil {
		return domain.SubmissionStart{}, fmt.Errorf("start submission: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return domain.SubmissionStart{}, fmt.Errorf("start submission: unexpected status %d", status)
	}
	var start domain.SubmissionStart
	if err := json.Unmarshal(body, &start); err != nil {
		return domain.SubmissionStart{}, fmt.Errorf("decode submission start: %w", err)
	}
	return start, nil
}

// SubmitAttempt posts the scored attempt. Only success or failure matters to
// callers; the response payload is discarded.
func (c *Client) SubmitAttempt(ctx context.Context, quizID string, result domain.AttemptResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode attempt result: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, "/quizzes/"+quizID+"/submit", payload)
	if err != nil {
		return fmt.Errorf("submit attempt: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("submit attempt: unexpected status %d", status)
	}
	return nil
}

// SubmitFeedback forwards post-quiz feedback text.
func (c *Client) SubmitFeedback(ctx context.Context, quizID, text string) error {
	payload, err := json.Marshal(map[string]any{
		"quiz_id":       quizID,
		"feedback_text": text,
	})
	if err != nil {
		return fmt.Errorf("encode feedback: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, "/quizzes/submit-feedback", payload)
	if err != nil {
		return fmt.Errorf("submit feedback: %w", err)
	}
	if status < 200 || status > 299 {
		return fmt.Errorf("submit feedback: unexpected status %d", status)
	}
	return nil
}

// GetLeaderboard fetches and normalizes leaderboard entries. Both response
// shapes the backend is known to produce are accepted.
func (c *Client) GetLeaderboard(ctx context.Context, quizID string) ([]domain.LeaderboardEntry, error) {
	body, status, err := c.do(ctx, http.MethodGet, "/quizzes/"+quizID+"/leaderboard", nil)
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("get leaderboard: unexpected status %d", status)
	}
	return decodeLeaderboard(body)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// wireEntry matches the backend row where several fields arrive null or
// absent depending on the submission's state.
type wireEntry struct {
	Username          string   `json:"username"`
	FullName          string   `json:"full_name"`
	Email             string   `json:"email"`
	Score             *float64 `json:"score"`
	CorrectCount      *int     `json:"correct_count"`
	IncorrectCount    *int     `json:"incorrect_count"`
	NotAttemptedCount *int     `json:"not_attempted_count"`
	TimeTaken         *float64 `json:"time_taken"`
	SubmittedAt       string   `json:"submitted_at"`
	IsCurrentUser     bool     `json:"is_current_user"`
}

type splitBoard struct {
	TopThree []wireEntry `json:"top_3"`
	Others   []wireEntry `json:"others"`
}

// decodeLeaderboard accepts either a flat array of entries or the
// {top_3, others} split shape, concatenating the latter without trusting its
// ordering or sizing, and coerces nullable fields to zero.
func decodeLeaderboard(body []byte) ([]domain.LeaderboardEntry, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	var rows []wireEntry
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(body, &rows); err != nil {
			return nil, fmt.Errorf("decode leaderboard: %w", err)
		}
	} else {
		var split splitBoard
		if err := json.Unmarshal(body, &split); err != nil {
			return nil, fmt.Errorf("decode leaderboard: %w", err)
		}
		rows = append(split.TopThree, split.Others...)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, domain.LeaderboardEntry{
			Username:          row.Username,
			FullName:          row.FullName,
			Email:             row.Email,
			Score:             floatOrZero(row.Score),
			CorrectCount:      intOrZero(row.CorrectCount),
			IncorrectCount:    intOrZero(row.IncorrectCount),
			NotAttemptedCount: intOrZero(row.NotAttemptedCount),
			TimeTaken:         floatOrZero(row.TimeTaken),
			SubmittedAt:       row.SubmittedAt,
			IsCurrentUser:     row.IsCurrentUser,
		})
	}
	return entries, nil
}

func intOrZero(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func floatOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}
