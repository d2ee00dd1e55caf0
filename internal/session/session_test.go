package session

import (
	"reflect"
	"testing"

	"github.com/parakleon/parakleon/internal/sse"
)

func TestApplyHappyPath(t *testing.T) {
	t.Parallel()

	var s State
	s = Apply(s, sse.Start{Agent: "coder", SessionID: "abc"})
	s = Apply(s, sse.Chunk{Content: "Hi "})
	s = Apply(s, sse.Chunk{Content: "there"})
	s = Apply(s, sse.Done{ExecutionTime: 1.2, ToolsUsed: []string{}})

	if s.Phase != Finalized {
		t.Fatalf("phase = %v, want Finalized", s.Phase)
	}
	if s.Message.Text != "Hi there" {
		t.Errorf("text = %q, want %q", s.Message.Text, "Hi there")
	}
	if !s.Message.Finalized {
		t.Error("message not finalized")
	}
	if s.Message.Agent != "coder" {
		t.Errorf("agent = %q", s.Message.Agent)
	}
	if s.SessionID != "abc" {
		t.Errorf("session id = %q", s.SessionID)
	}
	if s.Message.ExecutionTime != 1.2 {
		t.Errorf("execution time = %v", s.Message.ExecutionTime)
	}
}

func TestApplyTextMonotonic(t *testing.T) {
	t.Parallel()

	chunks := []string{"a", "", "bc", "def", "", "g"}
	var s State
	s = Apply(s, sse.Start{})

	var want string
	prevLen := 0
	for _, c := range chunks {
		s = Apply(s, sse.Chunk{Content: c})
		want += c
		if len(s.Message.Text) < prevLen {
			t.Fatalf("text shrank: %d -> %d", prevLen, len(s.Message.Text))
		}
		prevLen = len(s.Message.Text)
	}
	if s.Message.Text != want {
		t.Errorf("text = %q, want concatenation %q", s.Message.Text, want)
	}
}

func TestApplyTerminalIsIdempotent(t *testing.T) {
	t.Parallel()

	var s State
	s = Apply(s, sse.Start{Agent: "coder"})
	s = Apply(s, sse.Chunk{Content: "partial"})
	s = Apply(s, sse.Done{ExecutionTime: 0.5})

	after := Apply(s, sse.Chunk{Content: "late"})
	after = Apply(after, sse.ErrorEvent{Message: "late error"})
	after = Apply(after, sse.Done{ExecutionTime: 9})

	if !reflect.DeepEqual(after, s) {
		t.Errorf("state changed after terminal event:\n got %+v\nwant %+v", after, s)
	}

	var f State
	f = Apply(f, sse.Start{})
	f = Apply(f, sse.ErrorEvent{Message: "boom"})
	if f.Phase != Failed || f.FailureMsg != "boom" {
		t.Fatalf("failed state = %+v", f)
	}
	if got := Apply(f, sse.Chunk{Content: "x"}); !reflect.DeepEqual(got, f) {
		t.Error("failed state mutated by later chunk")
	}
}

func TestApplyErrorLeavesMessageUnfinalized(t *testing.T) {
	t.Parallel()

	var s State
	s = Apply(s, sse.Start{Agent: "researcher"})
	s = Apply(s, sse.Chunk{Content: "half an ans"})
	s = Apply(s, sse.ErrorEvent{Message: "backend died"})

	if s.Phase != Failed {
		t.Fatalf("phase = %v", s.Phase)
	}
	if s.Message.Finalized {
		t.Error("failed message must not be finalized")
	}
	if s.Message.Text != "half an ans" {
		t.Errorf("partial text lost: %q", s.Message.Text)
	}
}

func TestApplyRoutingConfidence(t *testing.T) {
	t.Parallel()

	routing := &sse.Routing{}
	routing.Classification.Confidence = 0.85

	var s State
	s = Apply(s, sse.Start{Agent: "coder", Routing: routing})

	if s.Message.Confidence == nil || *s.Message.Confidence != 0.85 {
		t.Fatalf("confidence = %v", s.Message.Confidence)
	}
}

func TestDisplayName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		msg  Message
		want string
	}{
		{"prefers agent name", Message{Agent: "coder", AgentName: "Coder"}, "Coder"},
		{"falls back to agent id", Message{Agent: "coder"}, "coder"},
		{"anonymous stream", Message{}, "AI"},
	}
	for _, tt := range tests {
		if got := tt.msg.DisplayName(); got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.name, got, tt.want)
		}
	}
}
