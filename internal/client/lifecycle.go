package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parakleon/parakleon/internal/config"
	"github.com/parakleon/parakleon/internal/domain"
	"github.com/parakleon/parakleon/internal/health"
	"github.com/parakleon/parakleon/internal/session"
	"github.com/parakleon/parakleon/internal/sse"
	"github.com/parakleon/parakleon/internal/view"
)

// Cancellation causes. The controller classifies a dead context by its cause,
// not by which context error it sees, so a user stop and a fired deadline
// produce different surfaces even though both arrive as context errors.
var (
	errStoppedByUser = errors.New("stopped by user")
	errDeadlineFired = errors.New("request deadline exceeded")
)

// Recorder persists transcript entries. Implemented by the store.
type Recorder interface {
	AppendMessage(ctx context.Context, msg domain.Message) error
}

// SendRequest is one user submission.
type SendRequest struct {
	ChatID string
	Text   string

	// Session carries the routing mode, pinned agent and backend session ID.
	// The controller updates SessionID in place when the backend assigns one.
	Session *session.ChatSession

	// History is prior turns, used only by the non-streaming fallback.
	History []HistoryMessage

	// Stream selects the streaming path. The fallback path answers in one
	// shot and is the only path that auto-retries.
	Stream bool

	Sink view.Sink
}

// Controller owns the lifecycle of requests against the backend: at most one
// in flight, dual-purpose submit (a submission while busy stops the running
// request instead of starting another), wall-clock budgets, and failure
// classification into view patches.
type Controller struct {
	backend  *Backend
	recorder Recorder
	monitor  *health.Monitor
	md       *view.Markdown
	cfg      config.BackendConfig
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelCauseFunc
}

// NewController wires the lifecycle controller.
func NewController(backend *Backend, recorder Recorder, monitor *health.Monitor, cfg config.BackendConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		backend:  backend,
		recorder: recorder,
		monitor:  monitor,
		md:       view.NewMarkdown(),
		cfg:      cfg,
		logger:   logger,
	}
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Stop cancels the in-flight request, if any, recording the user as the
// reason. Safe to call at any time.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(errStoppedByUser)
	}
}

// begin claims the single in-flight slot. It returns false when a request is
// already running, in which case that request has been stopped instead.
func (c *Controller) begin(parent context.Context) (context.Context, bool) {
	c.mu.Lock()
	if c.cancel != nil {
		cancel := c.cancel
		c.mu.Unlock()
		cancel(errStoppedByUser)
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(parent)
	c.cancel = cancel
	c.mu.Unlock()
	return ctx, true
}

// end releases the in-flight slot.
func (c *Controller) end() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel(nil)
	}
}

// Send runs one chat exchange end to end: persist the user message, stream
// (or one-shot) the backend reply, project it onto the sink, and persist the
// finalized reply. The returned error is for logging; every user-facing
// outcome has already been emitted as patches.
//
// Submitting while a request is in flight does not start a second one; it
// stops the running request and returns nil.
func (c *Controller) Send(ctx context.Context, req SendRequest) error {
	// Whitespace-only input is a no-op: it never claims the slot, never
	// touches the store and never reaches the backend.
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return nil
	}

	reqCtx, ok := c.begin(ctx)
	if !ok {
		return nil
	}
	defer func() {
		c.end()
		// The control always comes back, whatever path the request died on.
		req.Sink.Apply(view.ControlState{Busy: false})
	}()

	req.Sink.Apply(view.ControlState{Busy: true})

	// The user message is part of the transcript whether or not the backend
	// ever answers, so it is persisted before any network I/O.
	userMsg := domain.Message{
		MessageID: uuid.NewString(),
		ChatID:    req.ChatID,
		Sender:    domain.SenderUser,
		Text:      req.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.recorder.AppendMessage(ctx, userMsg); err != nil {
		c.logger.Warn("failed to persist user message", "chat_id", req.ChatID, "error", err)
	}

	if req.Stream {
		return c.sendStreaming(reqCtx, req)
	}
	return c.sendOneShot(reqCtx, req)
}

func (c *Controller) sendStreaming(ctx context.Context, req SendRequest) error {
	streamCtx, cancel := context.WithTimeoutCause(ctx, c.cfg.StreamTimeout, errDeadlineFired)
	defer cancel()

	started := time.Now()
	rec := view.NewReconciler(req.Sink, c.md, uuid.NewString())
	st := session.State{SessionID: req.Session.SessionID}

	var agentType string
	if req.Session.Mode == session.ModeManual {
		agentType = req.Session.SelectedAgent
	}

	for ev, err := range c.backend.StreamChat(streamCtx, ChatStreamRequest{
		Message:   req.Text,
		SessionID: req.Session.SessionID,
		AgentType: agentType,
	}) {
		// A stop that raced the next frame wins over the frame.
		if streamCtx.Err() != nil {
			return c.fail(streamCtx, req, rec, streamCtx.Err(), c.cfg.StreamTimeout)
		}
		if err != nil {
			return c.fail(streamCtx, req, rec, err, c.cfg.StreamTimeout)
		}
		st = session.Apply(st, ev)
		rec.Observe(st)
		if st.Terminal() {
			break
		}
	}

	switch st.Phase {
	case session.Finalized:
		c.finish(ctx, req, rec, st, started)
		return nil
	case session.Failed:
		// The backend reported failure inside the stream. Partial text is
		// discarded with the placeholder.
		return c.fail(streamCtx, req, rec, transportErr(errors.New(st.FailureMsg)), c.cfg.StreamTimeout)
	default:
		return c.fail(streamCtx, req, rec, transportErr(errStreamCutShort), c.cfg.StreamTimeout)
	}
}

func (c *Controller) sendOneShot(ctx context.Context, req SendRequest) error {
	chatCtx, cancel := context.WithTimeoutCause(ctx, c.cfg.ChatTimeout, errDeadlineFired)
	defer cancel()

	started := time.Now()
	rec := view.NewReconciler(req.Sink, c.md, uuid.NewString())

	result, err := Retry(chatCtx, c.cfg.RetryAttempts, c.cfg.RetryBackoff, func() (*ChatResult, error) {
		return c.backend.Chat(chatCtx, ChatRequest{
			Message:   req.Text,
			Mode:      string(req.Session.Mode),
			History:   req.History,
			SessionID: req.Session.SessionID,
		})
	})
	if err != nil {
		return c.fail(chatCtx, req, rec, err, c.cfg.ChatTimeout)
	}

	st := session.State{
		Phase:     session.Finalized,
		SessionID: result.SessionID,
		Routing:   result.Routing,
		Message: session.Message{
			Agent:         result.Agent,
			AgentName:     result.AgentName,
			Text:          result.Response,
			ToolsUsed:     result.ToolsUsed,
			ExecutionTime: result.ExecutionTime,
			Finalized:     true,
		},
	}
	if result.Routing != nil {
		conf := result.Routing.Classification.Confidence
		st.Message.Confidence = &conf
	}
	rec.Observe(session.State{Phase: session.Streaming, Message: st.Message})
	c.finish(ctx, req, rec, st, started)
	return nil
}

// finish settles a successful exchange: quality sample, finalized bubble,
// session propagation, persistence.
func (c *Controller) finish(ctx context.Context, req SendRequest, rec *view.Reconciler, st session.State, started time.Time) {
	agent := st.Message.DisplayName()
	rating := c.monitor.TrackRequest(agent, started)
	c.monitor.TrackSuccess(agent)

	rec.Finalize(st, rating.Rating, rating.Label)

	if st.SessionID != "" && st.SessionID != req.Session.SessionID {
		req.Session.SessionID = st.SessionID
		req.Sink.Apply(view.SessionUpdated{SessionID: st.SessionID})
	}

	aiMsg := domain.Message{
		MessageID: uuid.NewString(),
		ChatID:    req.ChatID,
		Sender:    domain.SenderAssistant,
		Text:      st.Message.Text,
		Agent:     st.Message.Agent,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.recorder.AppendMessage(ctx, aiMsg); err != nil {
		c.logger.Warn("failed to persist assistant message", "chat_id", req.ChatID, "error", err)
	}

	c.logger.Info("chat exchange complete",
		"chat_id", req.ChatID,
		"agent", st.Message.Agent,
		"duration", time.Since(started),
		"rating", rating.Rating)
}

// fail classifies a dead exchange and projects it. A user stop gets a
// neutral toast; everything else gets the remediation card.
func (c *Controller) fail(ctx context.Context, req SendRequest, rec *view.Reconciler, err error, budget time.Duration) error {
	reqErr := c.classify(ctx, err, budget)

	if reqErr.Kind == KindUserCancel {
		rec.Fail(view.ErrorCard{}, "")
		req.Sink.Apply(view.Toast{Message: "Request stopped", Severity: string(SeverityInfo)})
		c.logger.Info("request stopped by user", "chat_id", req.ChatID)
		return reqErr
	}

	c.monitor.TrackError("chat", reqErr, req.Text)
	guide := GuideFor(reqErr)
	rec.Fail(view.ErrorCard{
		Title:    guide.Title,
		Message:  guide.Message,
		Actions:  guide.Actions,
		Severity: string(guide.Severity),
		Detail:   guide.Detail,
	}, req.Text)

	c.logger.Error("chat exchange failed",
		"chat_id", req.ChatID,
		"kind", reqErr.Kind.String(),
		"error", reqErr)
	return reqErr
}

// classify resolves an exchange failure to a RequestError. Context deaths
// are attributed by cause: the same context error means "stopped" when the
// user fired it and "timed out" when the deadline did. budget is the
// wall-clock limit that governed the dead exchange.
func (c *Controller) classify(ctx context.Context, err error, budget time.Duration) *RequestError {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errStoppedByUser):
		return userCancelErr()
	case errors.Is(cause, errDeadlineFired):
		return timeoutErr(fmt.Errorf("%w after %v", errDeadlineFired, budget))
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return timeoutErr(err)
	}
	if errors.Is(err, context.Canceled) {
		return userCancelErr()
	}
	return transportErr(err)
}

// GenerateImage runs one image generation request, relaying progress frames
// and persisting the completed image as an attachment message. It shares the
// single in-flight slot with chat.
func (c *Controller) GenerateImage(ctx context.Context, chatID, prompt string, sink view.Sink) error {
	reqCtx, ok := c.begin(ctx)
	if !ok {
		return nil
	}
	defer func() {
		c.end()
		sink.Apply(view.ControlState{Busy: false})
	}()

	sink.Apply(view.ControlState{Busy: true})

	imgCtx, cancel := context.WithTimeoutCause(reqCtx, c.cfg.ImageTimeout, errDeadlineFired)
	defer cancel()

	started := time.Now()
	var final *sse.ImageEvent

	for ev, err := range c.backend.GenerateImage(imgCtx, prompt) {
		if err != nil {
			return c.failImage(imgCtx, prompt, sink, err)
		}
		sink.Apply(view.ImageProgress{
			Status:     ev.Status,
			Message:    ev.Message,
			Progress:   ev.Progress,
			Step:       ev.Step,
			TotalSteps: ev.TotalSteps,
		})
		switch ev.Status {
		case sse.ImageComplete:
			final = ev
		case sse.ImageError:
			return c.failImage(imgCtx, prompt, sink, transportErr(errors.New(ev.Error)))
		}
	}
	if final == nil {
		return c.failImage(imgCtx, prompt, sink, transportErr(errStreamCutShort))
	}

	c.monitor.TrackRequest("image", started)
	c.monitor.TrackSuccess("image")

	msg := domain.Message{
		MessageID: uuid.NewString(),
		ChatID:    chatID,
		Sender:    domain.SenderAssistant,
		Text:      prompt,
		Attachments: []domain.Attachment{{
			Type: "image",
			Name: "generated.png",
			URL:  "data:image/png;base64," + final.Image,
		}},
		Agent:     "image",
		CreatedAt: time.Now().UTC(),
	}
	if err := c.recorder.AppendMessage(ctx, msg); err != nil {
		c.logger.Warn("failed to persist generated image", "chat_id", chatID, "error", err)
	}

	c.logger.Info("image generation complete", "chat_id", chatID, "duration", time.Since(started))
	return nil
}

func (c *Controller) failImage(ctx context.Context, prompt string, sink view.Sink, err error) error {
	reqErr := c.classify(ctx, err, c.cfg.ImageTimeout)

	if reqErr.Kind == KindUserCancel {
		sink.Apply(view.Toast{Message: "Image generation stopped", Severity: string(SeverityInfo)})
		return reqErr
	}

	c.monitor.TrackError("image", reqErr, prompt)
	guide := GuideFor(reqErr)
	sink.Apply(view.Toast{Message: guide.Title + ": " + guide.Message, Severity: string(guide.Severity)})

	c.logger.Error("image generation failed", "kind", reqErr.Kind.String(), "error", reqErr)
	return reqErr
}
