package slack

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/edumesones/executive-sql-to-text/agent/pkg/viz"
	"github.com/edumesones/executive-sql-to-text/agent/pkg/workflow"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
)

// ErrStreamEnded is returned when the stream closes before a terminal event.
var ErrStreamEnded = errors.New("unexpected end of stream")

// APIError is a failure reported by the analytics API, either as a non-200
// response or as an error event on the stream.
type APIError struct {
	StatusCode int
	Message    string
	// Answer is the partial answer carried by an error event, when any.
	Answer *Answer
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("API error: %s (status %d)", e.Message, e.StatusCode)
	}
	return "API error: " + e.Message
}

// Column is a result column as served by the API.
type Column struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
}

// Answer is the API's answer to one question.
type Answer struct {
	SessionID       uuid.UUID `json:"session_id"`
	TurnID          uuid.UUID `json:"turn_id"`
	Question        string    `json:"question"`
	SQL             *string   `json:"sql"`
	Columns         []Column  `json:"columns"`
	Rows            [][]any   `json:"rows"`
	RowCount        int       `json:"row_count"`
	Truncated       bool      `json:"truncated"`
	Chart           *viz.Spec `json:"chart"`
	Insights        []string  `json:"insights"`
	Recommendations []string  `json:"recommendations"`
	Warnings        []string  `json:"warnings"`
	DurationMs      int64     `json:"duration_ms"`
	FromCache       bool      `json:"from_cache"`
	Error           *string   `json:"error"`
}

// APIClient is an HTTP client for the analytics API.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// NewAPIClient creates a new API client. Responses are gzip-decoded
// transparently.
func NewAPIClient(baseURL string, log *slog.Logger) *APIClient {
	return &APIClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Transport: gzhttp.Transport(http.DefaultTransport),
			Timeout:   5 * time.Minute,
		},
		log: log,
	}
}

type queryRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type startedEventData struct {
	RunID     uuid.UUID `json:"run_id"`
	SessionID uuid.UUID `json:"session_id"`
}

type doneEventData struct {
	Response Answer `json:"response"`
}

type errorEventData struct {
	Error    string  `json:"error"`
	Response *Answer `json:"response"`
}

// Ask streams a question through POST /api/query/stream. onStage is called
// for every stage transition. A zero sessionID starts a new session.
func (c *APIClient) Ask(ctx context.Context, question string, sessionID uuid.UUID, userID string, onStage func(workflow.Event)) (*Answer, error) {
	body := queryRequest{Question: question, UserID: userID}
	if sessionID != uuid.Nil {
		body.SessionID = sessionID.String()
	}
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/query/stream", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody errorEventData
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
			msg = errBody.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	return c.parseSSEStream(ctx, resp.Body, onStage)
}

// parseSSEStream reads the stream until a done or error event.
func (c *APIClient) parseSSEStream(ctx context.Context, body io.Reader, onStage func(workflow.Event)) (*Answer, error) {
	reader := bufio.NewReader(body)
	var eventType string

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamEnded
			}
			return nil, fmt.Errorf("error reading stream: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			eventType = ""
			continue
		}
		if v, ok := strings.CutPrefix(line, "event: "); ok {
			eventType = v
			continue
		}
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			c.log.Debug("slack: unexpected stream line", "line", line)
			continue
		}

		switch eventType {
		case "workflow_started":
			var started startedEventData
			if err := json.Unmarshal([]byte(data), &started); err == nil {
				c.log.Debug("slack: workflow started", "run_id", started.RunID, "session_id", started.SessionID)
			}

		case "stage":
			var ev workflow.Event
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				c.log.Warn("slack: failed to parse stage event", "error", err)
				continue
			}
			if onStage != nil {
				onStage(ev)
			}

		case "done":
			var done doneEventData
			if err := json.Unmarshal([]byte(data), &done); err != nil {
				return nil, fmt.Errorf("failed to parse done event: %w", err)
			}
			return &done.Response, nil

		case "error":
			var errData errorEventData
			if err := json.Unmarshal([]byte(data), &errData); err != nil {
				return nil, fmt.Errorf("failed to parse error event: %w", err)
			}
			return errData.Response, &APIError{Message: errData.Error, Answer: errData.Response}

		case "heartbeat":

		default:
			c.log.Debug("slack: unknown event type", "type", eventType)
		}
	}
}
