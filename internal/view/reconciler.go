package view

import (
	"github.com/parakleon/parakleon/internal/session"
)

// Reconciler maps one exchange's reducer snapshots onto view patches. It
// re-renders the full formatted text on every chunk, like the source UI; an
// intermediate render therefore never shows text the backend has not yet
// streamed, and the final render equals the markdown rendering of the final
// text.
type Reconciler struct {
	sink      Sink
	md        *Markdown
	messageID string

	created  bool
	lastText string
	settled  bool
}

// NewReconciler binds a reconciler to one pending assistant message.
func NewReconciler(sink Sink, md *Markdown, messageID string) *Reconciler {
	return &Reconciler{sink: sink, md: md, messageID: messageID}
}

// Observe projects a non-terminal snapshot: creates the streaming bubble on
// the first observation and re-renders the text region whenever it grew.
func (r *Reconciler) Observe(s session.State) {
	if r.settled || s.Phase != session.Streaming {
		return
	}

	if !r.created {
		r.created = true
		r.sink.Apply(MessageCreated{
			MessageID: r.messageID,
			Agent:     s.Message.DisplayName(),
		})
	}

	if s.Message.Text != r.lastText {
		r.lastText = s.Message.Text
		r.sink.Apply(TextUpdated{
			MessageID:  r.messageID,
			HTML:       r.md.Render(s.Message.Text),
			AutoScroll: true,
		})
	}
}

// Finalize settles the bubble with its metadata badges. The perf rating
// comes from the quality monitor at completion time. Idempotent: the first
// terminal call wins.
func (r *Reconciler) Finalize(s session.State, perfRating, perfLabel string) {
	if r.settled {
		return
	}
	r.settled = true

	if !r.created {
		// A done frame with no chunks still gets a (empty) bubble.
		r.created = true
		r.sink.Apply(MessageCreated{MessageID: r.messageID, Agent: s.Message.DisplayName()})
	}

	r.sink.Apply(MessageFinalized{
		MessageID:     r.messageID,
		HTML:          r.md.Render(s.Message.Text),
		Agent:         s.Message.DisplayName(),
		ExecutionTime: s.Message.ExecutionTime,
		ToolsUsed:     s.Message.ToolsUsed,
		PerfRating:    perfRating,
		PerfLabel:     perfLabel,
		Confidence:    s.Message.Confidence,
	})
}

// Fail removes the placeholder (if any) and renders the error affordance.
// RetryText re-submits the original user input unchanged.
func (r *Reconciler) Fail(card ErrorCard, retryText string) {
	if r.settled {
		return
	}
	r.settled = true

	var id string
	if r.created {
		id = r.messageID
	}
	r.sink.Apply(MessageFailed{
		MessageID: id,
		Card:      card,
		RetryText: retryText,
	})
}

// Settled reports whether a terminal patch has been emitted.
func (r *Reconciler) Settled() bool {
	return r.settled
}
