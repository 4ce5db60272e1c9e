// Package validation talks to the remote service that scores a free-text
// answer against the study material.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const validatePath = "/api/validate-answer"

// Result is the service's verdict on one answer. Score is on the 0-100
// scale.
type Result struct {
	Score          float64 `json:"score"`
	IsCorrect      bool    `json:"is_correct"`
	Feedback       string  `json:"feedback"`
	Similarity     float64 `json:"similarity"`
	BestMatchChunk *string `json:"best_match_chunk,omitempty"`
}

// RoundedScore is Score rounded to the nearest integer and clamped to 0-100,
// ready for the scheduler.
func (r *Result) RoundedScore() int {
	s := int(math.Round(r.Score))
	return min(max(s, 0), 100)
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("validation service returned %d", e.StatusCode)
	}
	return fmt.Sprintf("validation service returned %d: %s", e.StatusCode, e.Detail)
}

// Client calls the validation API.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient returns a client for the service at baseURL.
func NewClient(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log.With("component", "validation"),
	}
}

type request struct {
	QuestionID any    `json:"question_id"`
	UserAnswer string `json:"user_answer"`
}

// questionID sends numeric ids as numbers, other ids as strings and an
// empty id as null.
func questionID(id string) any {
	if id == "" {
		return nil
	}
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}

// Validate asks the service to score answer for the given question.
func (c *Client) Validate(ctx context.Context, qid, answer string) (*Result, error) {
	body, err := json.Marshal(request{QuestionID: questionID(qid), UserAnswer: answer})
	if err != nil {
		return nil, fmt.Errorf("encode validation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+validatePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("validation request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read validation response: %w", err)
	}
	c.log.Debug("Validation response", "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &detail) == nil {
			apiErr.Detail = detail.Detail
		}
		return nil, apiErr
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode validation response: %w", err)
	}
	return &res, nil
}
