// Package view projects reducer state onto the UI surface as an ordered
// stream of patches. The reducer stays pure; everything effectful (DOM
// mutation in the browser, websocket delivery in the gateway) lives behind
// the Sink.
package view

// Patch is one incremental view update.
type Patch interface {
	patch()
}

// MessageCreated adds a placeholder assistant bubble tagged as streaming.
// It carries no finalized metadata yet.
type MessageCreated struct {
	MessageID string `json:"message_id"`
	Agent     string `json:"agent"`
}

// TextUpdated re-renders the bubble's text region from the accumulated
// message text. AutoScroll keeps the newest content visible.
type TextUpdated struct {
	MessageID  string `json:"message_id"`
	HTML       string `json:"html"`
	AutoScroll bool   `json:"auto_scroll"`
}

// MessageFinalized removes the streaming decoration and attaches the
// metadata badges. The bubble is immutable afterwards.
type MessageFinalized struct {
	MessageID     string   `json:"message_id"`
	HTML          string   `json:"html"`
	Agent         string   `json:"agent"`
	ExecutionTime float64  `json:"execution_time"`
	ToolsUsed     []string `json:"tools_used,omitempty"`
	PerfRating    string   `json:"perf_rating,omitempty"`
	PerfLabel     string   `json:"perf_label,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
}

// MessageFailed removes the placeholder and renders an error affordance
// with a retry action bound to the original user input.
type MessageFailed struct {
	MessageID string    `json:"message_id,omitempty"`
	Card      ErrorCard `json:"card"`
	RetryText string    `json:"retry_text"`
}

// Toast is a transient notice.
type Toast struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// ControlState flips the send control between its default and busy/cancel
// affordance, and disables the input while a request is in flight.
type ControlState struct {
	Busy bool `json:"busy"`
}

// SessionUpdated announces the backend-assigned session identifier.
type SessionUpdated struct {
	SessionID string `json:"session_id"`
}

// ImageProgress relays one image-generation progress frame.
type ImageProgress struct {
	Status     string  `json:"status"`
	Message    string  `json:"message"`
	Progress   float64 `json:"progress"`
	Step       int     `json:"step"`
	TotalSteps int     `json:"total_steps"`
}

// ErrorCard is the expandable remediation card for severe failures.
type ErrorCard struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Actions  []string `json:"actions,omitempty"`
	Severity string   `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

func (MessageCreated) patch()   {}
func (TextUpdated) patch()      {}
func (MessageFinalized) patch() {}
func (MessageFailed) patch()    {}
func (Toast) patch()            {}
func (ControlState) patch()     {}
func (SessionUpdated) patch()   {}
func (ImageProgress) patch()    {}

// Sink receives patches in emission order.
type Sink interface {
	Apply(Patch)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Patch)

// Apply implements Sink.
func (f SinkFunc) Apply(p Patch) { f(p) }
