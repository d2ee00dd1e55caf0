package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame reports a data: payload that failed to decode as JSON.
// Malformed JSON means the client and backend have desynced, so the whole
// request fails rather than skipping the frame.
var ErrMalformedFrame = errors.New("malformed stream frame")

// Event is one decoded chat-stream frame.
type Event interface {
	event()
}

// Start announces which agent will answer and under which session.
type Start struct {
	Agent     string
	AgentName string
	SessionID string
	Routing   *Routing
}

// Chunk carries one increment of assistant text.
type Chunk struct {
	Content string
}

// Done terminates a successful stream with its execution metadata.
type Done struct {
	ExecutionTime float64
	ToolsUsed     []string
}

// ErrorEvent terminates a failed stream.
type ErrorEvent struct {
	Message string
}

func (Start) event()      {}
func (Chunk) event()      {}
func (Done) event()       {}
func (ErrorEvent) event() {}

// Routing describes how the backend chose the responding agent.
type Routing struct {
	Classification Classification `json:"classification"`
}

// Classification is the router's confidence in its agent choice.
type Classification struct {
	Confidence float64 `json:"confidence"`
}

// chatPayload is the ad hoc wire shape of one chat data: frame.
type chatPayload struct {
	Type          string   `json:"type"`
	Agent         string   `json:"agent"`
	AgentName     string   `json:"agent_name"`
	SessionID     string   `json:"session_id"`
	Routing       *Routing `json:"routing"`
	Content       string   `json:"content"`
	Error         string   `json:"error"`
	ExecutionTime float64  `json:"execution_time"`
	ToolsUsed     []string `json:"tools_used"`
}

// ChatDecoder turns chat-stream lines into typed events.
//
// The backend does not always send an explicit start frame before the first
// chunk; the decoder synthesizes one with an empty agent identity so the
// reducer always observes Start before any Chunk.
type ChatDecoder struct {
	started bool
}

// EventName reports the name of an "event: <name>" line. These lines are
// informational only; callers may log them and must otherwise ignore them.
func EventName(line string) (string, bool) {
	name, ok := strings.CutPrefix(line, "event:")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(name), true
}

// Decode maps one line to zero, one, or two events. Lines without a
// recognized prefix yield nothing. A data: line with invalid JSON returns
// ErrMalformedFrame.
func (d *ChatDecoder) Decode(line string) ([]Event, error) {
	payload, ok := strings.CutPrefix(line, "data:")
	if !ok {
		return nil, nil
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, nil
	}

	var p chatPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	var events []Event

	switch {
	case p.Type == "start":
		d.started = true
		return []Event{Start{
			Agent:     p.Agent,
			AgentName: p.AgentName,
			SessionID: p.SessionID,
			Routing:   p.Routing,
		}}, nil

	case p.Type == "error" || (p.Type == "" && p.Error != ""):
		msg := p.Content
		if msg == "" {
			msg = p.Error
		}
		if msg == "" {
			msg = "unknown streaming error"
		}
		return []Event{ErrorEvent{Message: msg}}, nil

	case p.Type == "done":
		if !d.started {
			d.started = true
			events = append(events, Start{})
		}
		return append(events, Done{
			ExecutionTime: p.ExecutionTime,
			ToolsUsed:     p.ToolsUsed,
		}), nil

	case p.Type == "chunk" || p.Content != "":
		if !d.started {
			d.started = true
			events = append(events, Start{})
		}
		return append(events, Chunk{Content: p.Content}), nil

	default:
		// Recognized JSON, unrecognized shape. Ignore, matching the source.
		return nil, nil
	}
}
