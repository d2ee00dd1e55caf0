package client

import (
	"errors"
	"testing"
)

func TestGuideForSignatures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		err          error
		wantTitle    string
		wantSeverity Severity
	}{
		{
			name:         "connection refused",
			err:          transportErr(errors.New(`dial tcp 127.0.0.1:8010: connect: connection refused`)),
			wantTitle:    "Service Not Running",
			wantSeverity: SeverityError,
		},
		{
			name:         "unknown host",
			err:          transportErr(errors.New("dial tcp: lookup backend.invalid: no such host")),
			wantTitle:    "Connection Failed",
			wantSeverity: SeverityError,
		},
		{
			name:         "gateway port conflict",
			err:          errors.New("listen tcp :8010: bind: address already in use on port 8010"),
			wantTitle:    "Port Conflict",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "llm port conflict",
			err:          errors.New("bind failed on port 8000"),
			wantTitle:    "LLM Port Conflict",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "timeout kind wins over message text",
			err:          timeoutErr(errors.New("request deadline exceeded after 2m0s")),
			wantTitle:    "Generation Timeout",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "model missing",
			err:          errors.New("model not found: qwen2.5-7b"),
			wantTitle:    "Model Not Available",
			wantSeverity: SeverityError,
		},
		{
			name:         "cuda unavailable",
			err:          errors.New("CUDA error: no kernel image is available"),
			wantTitle:    "GPU Not Available",
			wantSeverity: SeverityInfo,
		},
		{
			name:         "storage quota",
			err:          errors.New("write failed: quota exceeded"),
			wantTitle:    "Storage Full",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "http 404",
			err:          httpErr(404, ""),
			wantTitle:    "Not Found",
			wantSeverity: SeverityError,
		},
		{
			name:         "http 500",
			err:          httpErr(500, "internal error"),
			wantTitle:    "Server Error",
			wantSeverity: SeverityError,
		},
		{
			name:         "http 503",
			err:          httpErr(503, ""),
			wantTitle:    "Service Unavailable",
			wantSeverity: SeverityWarning,
		},
		{
			name:         "unknown error falls back",
			err:          errors.New("something inexplicable"),
			wantTitle:    "Request Failed",
			wantSeverity: SeverityError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			g := GuideFor(tt.err)
			if g.Title != tt.wantTitle {
				t.Errorf("GuideFor(%v).Title = %q, want %q", tt.err, g.Title, tt.wantTitle)
			}
			if g.Severity != tt.wantSeverity {
				t.Errorf("GuideFor(%v).Severity = %q, want %q", tt.err, g.Severity, tt.wantSeverity)
			}
			if g.Detail == "" {
				t.Errorf("GuideFor(%v) has empty Detail", tt.err)
			}
		})
	}
}

func TestGuideForUserCancel(t *testing.T) {
	t.Parallel()

	g := GuideFor(userCancelErr())
	if g.Title != "Stopped" {
		t.Errorf("Title = %q, want Stopped", g.Title)
	}
	if g.Severity != SeverityInfo {
		t.Errorf("Severity = %q, want info", g.Severity)
	}
	if len(g.Actions) != 0 {
		t.Errorf("user cancel carries %d actions, want none", len(g.Actions))
	}
}

func TestRequestErrorUnwrap(t *testing.T) {
	t.Parallel()

	inner := errors.New("root cause")
	err := transportErr(inner)
	if !errors.Is(err, inner) {
		t.Error("RequestError does not unwrap to its cause")
	}

	var reqErr *RequestError
	if !errors.As(error(err), &reqErr) {
		t.Fatal("errors.As failed on RequestError")
	}
	if reqErr.Kind != KindTransport {
		t.Errorf("Kind = %v, want transport", reqErr.Kind)
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want string
	}{
		{KindProtocol, "protocol"},
		{KindTransport, "transport"},
		{KindTimeout, "timeout"},
		{KindUserCancel, "user_cancel"},
		{KindHTTP, "http"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
