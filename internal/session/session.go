// Package session holds the client-side state of one streaming chat
// exchange: a pure reducer folds decoded stream events into an accumulating
// assistant message, with no I/O and no host dependencies.
package session

import (
	"github.com/parakleon/parakleon/internal/sse"
)

// Mode selects how the backend routes a message to an agent.
type Mode string

const (
	// ModeAuto lets the backend classify the message and pick an agent.
	ModeAuto Mode = "auto"
	// ModeManual pins the exchange to a user-selected agent.
	ModeManual Mode = "manual"
)

// ChatSession correlates multiple turns of one conversation. The session ID
// is assigned by the backend on the first response and stable thereafter.
type ChatSession struct {
	SessionID     string
	Mode          Mode
	SelectedAgent string
}

// Phase is the lifecycle position of one exchange.
type Phase int

const (
	// Idle means no event has been folded yet.
	Idle Phase = iota
	// Streaming means a start has been observed and text may still arrive.
	Streaming
	// Finalized means the stream ended with done; the message is complete.
	Finalized
	// Failed means the stream ended with an error frame; the partial message
	// is left unfinalized for the caller to discard or mark.
	Failed
)

// Message is the accumulating assistant reply. Text only ever grows until
// the exchange finalizes.
type Message struct {
	Agent         string
	AgentName     string
	Text          string
	ToolsUsed     []string
	ExecutionTime float64
	Confidence    *float64
	Finalized     bool
}

// State is one exchange's full reducer state.
type State struct {
	Phase      Phase
	SessionID  string
	Routing    *sse.Routing
	Message    Message
	FailureMsg string
}

// Apply folds one event into the state. It is a pure function: the input
// state is not mutated and the result depends only on its arguments.
//
// Once the phase is Finalized or Failed no event changes the state again;
// a new exchange starts from a fresh State.
func Apply(s State, ev sse.Event) State {
	if s.Phase == Finalized || s.Phase == Failed {
		return s
	}

	switch e := ev.(type) {
	case sse.Start:
		s.Phase = Streaming
		if e.SessionID != "" {
			s.SessionID = e.SessionID
		}
		if e.Routing != nil {
			s.Routing = e.Routing
			conf := e.Routing.Classification.Confidence
			s.Message.Confidence = &conf
		}
		if e.Agent != "" {
			s.Message.Agent = e.Agent
		}
		if e.AgentName != "" {
			s.Message.AgentName = e.AgentName
		}

	case sse.Chunk:
		// The only mutation path for Text, append-only.
		s.Phase = Streaming
		s.Message.Text += e.Content

	case sse.Done:
		s.Phase = Finalized
		s.Message.ExecutionTime = e.ExecutionTime
		s.Message.ToolsUsed = e.ToolsUsed
		s.Message.Finalized = true

	case sse.ErrorEvent:
		s.Phase = Failed
		s.FailureMsg = e.Message
	}

	return s
}

// DisplayName returns the label for the responding agent, preferring the
// human-readable name. An exchange whose stream never identified an agent
// falls back to a generic label.
func (m Message) DisplayName() string {
	if m.AgentName != "" {
		return m.AgentName
	}
	if m.Agent != "" {
		return m.Agent
	}
	return "AI"
}

// Terminal reports whether the exchange has reached a final phase.
func (s State) Terminal() bool {
	return s.Phase == Finalized || s.Phase == Failed
}
