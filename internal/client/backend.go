// Package client talks to the multi-agent inference backend: a streaming
// chat client, a non-streaming fallback, the image-generation stream, and
// the request lifecycle controller that owns cancellation and failure
// classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/parakleon/parakleon/internal/config"
	"github.com/parakleon/parakleon/internal/sse"
)

// maxErrorBodySize caps how much of a non-2xx response body is read for the
// error message.
const maxErrorBodySize = 64 * 1024

var errStreamCutShort = errors.New("stream ended before completion")

// Backend is an HTTP client to the multi-agent inference backend.
type Backend struct {
	baseURL     string
	imageGenURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewBackend creates a backend client. Timeouts are applied per request via
// context, not on the http.Client, because streaming responses legitimately
// outlive any single-read deadline.
func NewBackend(cfg config.BackendConfig, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		imageGenURL: strings.TrimSuffix(cfg.ImageGenURL, "/"),
		httpClient:  &http.Client{},
		logger:      logger,
	}
}

// ChatStreamRequest is the body of one streaming chat call.
type ChatStreamRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
}

// HistoryMessage is one prior turn sent to the non-streaming endpoint.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of one non-streaming chat call.
type ChatRequest struct {
	Message   string           `json:"message"`
	Mode      string           `json:"mode"`
	History   []HistoryMessage `json:"history"`
	SessionID string           `json:"session_id,omitempty"`
}

// ChatResult is a completed non-streaming exchange.
type ChatResult struct {
	Response      string
	Agent         string
	AgentName     string
	SessionID     string
	ExecutionTime float64
	ToolsUsed     []string
	Routing       *sse.Routing
}

// AgentInfo describes one backend agent.
type AgentInfo struct {
	Type         string   `json:"type"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// StreamChat opens the streaming chat endpoint and yields decoded events in
// arrival order. The sequence is finite and ends after a terminal event; a
// stream that ends without one (including a truncated final frame) yields a
// transport error instead of silently succeeding.
func (b *Backend) StreamChat(ctx context.Context, req ChatStreamRequest) iter.Seq2[sse.Event, error] {
	return func(yield func(sse.Event, error) bool) {
		resp, err := b.post(ctx, b.baseURL+"/api/multi-agent/chat/stream", req)
		if err != nil {
			yield(nil, err)
			return
		}
		defer closeBody(resp.Body, b.logger)

		reader := sse.NewLineReader(resp.Body)
		decoder := &sse.ChatDecoder{}
		sawTerminal := false

		for line, err := range reader.Lines() {
			if err != nil {
				yield(nil, fmt.Errorf("chat stream: %w", err))
				return
			}
			if name, ok := sse.EventName(line); ok {
				b.logger.Debug("stream event line", "event", name)
				continue
			}
			events, err := decoder.Decode(line)
			if err != nil {
				yield(nil, protocolErr(err))
				return
			}
			for _, ev := range events {
				switch ev.(type) {
				case sse.Done, sse.ErrorEvent:
					sawTerminal = true
				}
				if !yield(ev, nil) {
					return
				}
			}
			if sawTerminal {
				return
			}
		}

		if !sawTerminal {
			// Covers both a clean close without done/error and a dropped
			// unterminated fragment.
			yield(nil, transportErr(fmt.Errorf("%w (truncated=%v)", errStreamCutShort, reader.Truncated())))
		}
	}
}

// Chat calls the non-streaming fallback endpoint. The backend answers with
// one of several ad hoc envelopes; all known shapes are accepted.
func (b *Backend) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	resp, err := b.post(ctx, b.baseURL+"/api/multi-agent/chat", req)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp.Body, b.logger)

	var envelope struct {
		Status   string `json:"status"`
		Error    string `json:"error"`
		Response string `json:"response"`
		Output   string `json:"output"`
		Text     string `json:"text"`
		Choices  []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		AgentUsed     string       `json:"agent_used"`
		AgentName     string       `json:"agent_name"`
		SessionID     string       `json:"session_id"`
		ExecutionTime float64      `json:"execution_time"`
		ToolsUsed     []string     `json:"tools_used"`
		Routing       *sse.Routing `json:"routing"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, protocolErr(fmt.Errorf("decode chat response: %w", err))
	}
	if envelope.Status == "error" || envelope.Error != "" {
		msg := envelope.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, transportErr(errors.New(msg))
	}

	text := envelope.Response
	if text == "" && len(envelope.Choices) > 0 {
		text = envelope.Choices[0].Message.Content
	}
	if text == "" {
		text = envelope.Output
	}
	if text == "" {
		text = envelope.Text
	}

	return &ChatResult{
		Response:      text,
		Agent:         envelope.AgentUsed,
		AgentName:     envelope.AgentName,
		SessionID:     envelope.SessionID,
		ExecutionTime: envelope.ExecutionTime,
		ToolsUsed:     envelope.ToolsUsed,
		Routing:       envelope.Routing,
	}, nil
}

// GenerateImage opens the image-generation stream and yields progress
// frames. The base64 image arrives only on the complete frame.
func (b *Backend) GenerateImage(ctx context.Context, prompt string) iter.Seq2[*sse.ImageEvent, error] {
	return func(yield func(*sse.ImageEvent, error) bool) {
		body := struct {
			Prompt string `json:"prompt"`
		}{Prompt: prompt}

		resp, err := b.post(ctx, b.imageGenURL+"/api/generate-image-stream", body)
		if err != nil {
			yield(nil, err)
			return
		}
		defer closeBody(resp.Body, b.logger)

		reader := sse.NewLineReader(resp.Body)
		var decoder sse.ImageDecoder
		sawTerminal := false

		for line, err := range reader.Lines() {
			if err != nil {
				yield(nil, fmt.Errorf("image stream: %w", err))
				return
			}
			ev, err := decoder.Decode(line)
			if err != nil {
				yield(nil, protocolErr(err))
				return
			}
			if ev == nil {
				continue
			}
			if ev.Status == sse.ImageComplete || ev.Status == sse.ImageError {
				sawTerminal = true
			}
			if !yield(ev, nil) {
				return
			}
			if sawTerminal {
				return
			}
		}
		if !sawTerminal {
			yield(nil, transportErr(errStreamCutShort))
		}
	}
}

// Health checks backend liveness.
func (b *Backend) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return transportErr(err)
	}
	defer closeBody(resp.Body, b.logger)
	if resp.StatusCode != http.StatusOK {
		return httpErr(resp.StatusCode, "")
	}
	return nil
}

// Agents lists the agents the backend can route to.
func (b *Backend) Agents(ctx context.Context) ([]AgentInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/multi-agent/agents", nil)
	if err != nil {
		return nil, fmt.Errorf("build agents request: %w", err)
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, transportErr(err)
	}
	defer closeBody(resp.Body, b.logger)
	if resp.StatusCode != http.StatusOK {
		return nil, httpErr(resp.StatusCode, "")
	}

	var envelope struct {
		Status string      `json:"status"`
		Count  int         `json:"count"`
		Agents []AgentInfo `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, protocolErr(fmt.Errorf("decode agents response: %w", err))
	}
	return envelope.Agents, nil
}

// AgentCount reports how many agents the backend routes to. It satisfies the
// quality monitor's prober.
func (b *Backend) AgentCount(ctx context.Context) (int, error) {
	agents, err := b.Agents(ctx)
	if err != nil {
		return 0, err
	}
	return len(agents), nil
}

func (b *Backend) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// Classified later by the lifecycle controller using the
			// cancellation reason; keep the context error visible.
			return nil, ctxErr
		}
		return nil, transportErr(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		closeBody(resp.Body, b.logger)
		return nil, httpErr(resp.StatusCode, msg)
	}
	return resp, nil
}

// readErrorBody extracts the error field from a JSON error body, falling
// back to the raw text.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodySize))
	if err != nil || len(data) == 0 {
		return ""
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

func closeBody(c io.Closer, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Debug("failed to close response body", "error", err)
	}
}

// Retry runs fn up to 1+attempts times with a fixed backoff between tries,
// respecting context cancellation. It wraps only the non-streaming call
// pattern; streams are never replayed automatically because already
// rendered text cannot be rolled back.
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Cancellation is not retryable, and neither is a desynced frame.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && reqErr.Kind == KindProtocol {
			return zero, err
		}
	}
	return zero, lastErr
}
