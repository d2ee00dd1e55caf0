package client

import (
	"errors"
	"fmt"
	"strings"
)

// Kind partitions request failures by how they should be surfaced.
type Kind int

const (
	// KindProtocol is a malformed or undecodable stream frame; the client
	// and backend have desynced, fatal to the current request.
	KindProtocol Kind = iota
	// KindTransport is a network-level failure (dial refused, reset,
	// stream cut before a terminal frame).
	KindTransport
	// KindTimeout is the internal wall-clock guard firing.
	KindTimeout
	// KindUserCancel is an explicit stop by the user. Never an error card,
	// only a neutral toast.
	KindUserCancel
	// KindHTTP is a non-2xx response before streaming began.
	KindHTTP
)

// String returns the kind's wire/log label.
func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindTimeout:
		return "timeout"
	case KindUserCancel:
		return "user_cancel"
	case KindHTTP:
		return "http"
	default:
		return "unknown"
	}
}

// RequestError is any classified failure of one exchange.
type RequestError struct {
	Kind   Kind
	Status int // HTTP status, when Kind is KindHTTP
	Err    error
}

func (e *RequestError) Error() string {
	if e.Kind == KindHTTP {
		return fmt.Sprintf("%s error: HTTP %d: %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// protocolErr wraps a frame-decode failure.
func protocolErr(err error) *RequestError {
	return &RequestError{Kind: KindProtocol, Err: err}
}

func transportErr(err error) *RequestError {
	return &RequestError{Kind: KindTransport, Err: err}
}

func timeoutErr(err error) *RequestError {
	return &RequestError{Kind: KindTimeout, Err: err}
}

func userCancelErr() *RequestError {
	return &RequestError{Kind: KindUserCancel, Err: errors.New("stopped by user")}
}

func httpErr(status int, body string) *RequestError {
	msg := body
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &RequestError{Kind: KindHTTP, Status: status, Err: errors.New(msg)}
}

// Severity grades how loudly a failure is surfaced.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Guide is a user-facing remediation card: what went wrong, in plain words,
// and the concrete operator actions that usually fix it.
type Guide struct {
	Title    string
	Message  string
	Actions  []string
	Severity Severity
	Detail   string // raw technical detail, shown on expand
}

type signature struct {
	pattern string
	guide   Guide
}

// signatures maps known error text fragments to remediation guides. Order
// matters: the first match wins, so more specific patterns come first.
var signatures = []signature{
	{"connection refused", Guide{
		Title:   "Service Not Running",
		Message: "The AI service isn't responding.",
		Actions: []string{
			"Start services: ./pkn_control.sh start-all",
			"Check status: ./pkn_control.sh status",
		},
		Severity: SeverityError,
	}},
	{"no such host", Guide{
		Title:   "Connection Failed",
		Message: "Cannot reach the server.",
		Actions: []string{
			"Check the backend URL in your configuration",
			"Verify the server is running: curl http://localhost:8010/health",
		},
		Severity: SeverityError,
	}},
	{"port 8010", Guide{
		Title:   "Port Conflict",
		Message: "Port 8010 is already in use by another application.",
		Actions: []string{
			"Stop the conflicting service: lsof -i :8010",
			"Then restart: ./pkn_control.sh restart-divinenode",
		},
		Severity: SeverityWarning,
	}},
	{"port 8000", Guide{
		Title:   "LLM Port Conflict",
		Message: "Port 8000 (llama.cpp) is already in use.",
		Actions: []string{
			"Stop the conflicting service: lsof -i :8000",
			"Or restart llama.cpp: ./pkn_control.sh restart-llama",
		},
		Severity: SeverityWarning,
	}},
	{"timed out", Guide{
		Title:   "Generation Timeout",
		Message: "The operation took too long to complete.",
		Actions: []string{
			"CPU mode is slow - long waits are normal",
			"If using GPU and still timing out, check GPU availability",
			"Try a simpler request",
		},
		Severity: SeverityWarning,
	}},
	{"model not found", Guide{
		Title:   "Model Not Available",
		Message: "The requested AI model isn't loaded.",
		Actions: []string{
			"Check available models: curl http://localhost:8000/v1/models",
			"Download the model if missing",
		},
		Severity: SeverityError,
	}},
	{"CUDA", Guide{
		Title:   "GPU Not Available",
		Message: "CUDA not available - using CPU mode.",
		Actions: []string{
			"This is expected on systems without an NVIDIA GPU",
			"CPU mode works fine, just slower",
		},
		Severity: SeverityInfo,
	}},
	{"quota", Guide{
		Title:   "Storage Full",
		Message: "Storage limit exceeded.",
		Actions: []string{
			"Delete old chats from the sidebar",
			"Export important chats first",
		},
		Severity: SeverityWarning,
	}},
	{"404", Guide{
		Title:   "Not Found",
		Message: "The requested resource doesn't exist.",
		Actions: []string{
			"Check the URL or endpoint",
			"Verify the server is running the latest version",
		},
		Severity: SeverityError,
	}},
	{"500", Guide{
		Title:   "Server Error",
		Message: "Internal server error occurred.",
		Actions: []string{
			"Check server logs: tail -20 divinenode.log",
			"Restart services: ./pkn_control.sh restart-all",
		},
		Severity: SeverityError,
	}},
	{"503", Guide{
		Title:   "Service Unavailable",
		Message: "Server is temporarily unavailable.",
		Actions: []string{
			"The server may be starting up - wait a few seconds",
			"Check status: ./pkn_control.sh status",
		},
		Severity: SeverityWarning,
	}},
}

// GuideFor maps a classified failure to a remediation guide. Timeouts and
// user cancels get fixed guides regardless of underlying text; everything
// else goes through the signature table with a generic fallback.
func GuideFor(err error) Guide {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Kind {
		case KindTimeout:
			g := guideForSignature("timed out")
			g.Detail = reqErr.Err.Error()
			return g
		case KindUserCancel:
			return Guide{
				Title:    "Stopped",
				Message:  "Request stopped by user",
				Severity: SeverityInfo,
				Detail:   reqErr.Err.Error(),
			}
		case KindHTTP:
			if g, ok := matchSignature(fmt.Sprintf("%d", reqErr.Status)); ok {
				g.Detail = reqErr.Err.Error()
				return g
			}
		}
	}

	msg := err.Error()
	if g, ok := matchSignature(msg); ok {
		g.Detail = msg
		return g
	}

	return Guide{
		Title:   "Request Failed",
		Message: msg,
		Actions: []string{
			"Check the gateway logs for details",
			"Try restarting services if the issue persists",
		},
		Severity: SeverityError,
		Detail:   msg,
	}
}

func matchSignature(msg string) (Guide, bool) {
	lower := strings.ToLower(msg)
	for _, s := range signatures {
		if strings.Contains(lower, strings.ToLower(s.pattern)) {
			return s.guide, true
		}
	}
	return Guide{}, false
}

func guideForSignature(pattern string) Guide {
	g, _ := matchSignature(pattern)
	return g
}
