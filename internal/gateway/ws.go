package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/parakleon/parakleon/internal/client"
	"github.com/parakleon/parakleon/internal/config"
	"github.com/parakleon/parakleon/internal/domain"
	"github.com/parakleon/parakleon/internal/health"
	"github.com/parakleon/parakleon/internal/identity"
	"github.com/parakleon/parakleon/internal/session"
	"github.com/parakleon/parakleon/internal/store"
	"github.com/parakleon/parakleon/internal/view"
)

// historyLimit caps how many prior turns are replayed to the non-streaming
// endpoint.
const historyLimit = 20

// WebSocketHandler handles the chat connection. Each connection owns one
// lifecycle controller, so the one-request-in-flight rule holds per browser
// tab, not globally.
type WebSocketHandler struct {
	repo          store.Repository
	backend       *client.Backend
	monitor       *health.Monitor
	cfg           config.BackendConfig
	allowedOrigin string
	isDev         bool
	logger        *slog.Logger
}

// NewWebSocketHandler creates a new chat WebSocket handler.
func NewWebSocketHandler(repo store.Repository, backend *client.Backend, monitor *health.Monitor, cfg config.BackendConfig, allowedOrigin string, isDev bool, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{
		repo:          repo,
		backend:       backend,
		monitor:       monitor,
		cfg:           cfg,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		logger:        logger,
	}
}

// connState is the per-connection routing state. The read loop and the
// in-flight request goroutine both touch it, hence the mutex.
type connState struct {
	mu   sync.Mutex
	sess session.ChatSession
}

func (c *connState) snapshot() session.ChatSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *connState) setMode(mode session.Mode, agent string) {
	c.mu.Lock()
	c.sess.Mode = mode
	c.sess.SelectedAgent = agent
	c.mu.Unlock()
}

func (c *connState) seedSessionID(id string) {
	c.mu.Lock()
	if c.sess.SessionID == "" {
		c.sess.SessionID = id
	}
	c.mu.Unlock()
}

func (c *connState) setSessionID(id string) {
	c.mu.Lock()
	c.sess.SessionID = id
	c.mu.Unlock()
}

// wsCommand is one inbound client message.
type wsCommand struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text,omitempty"`
	Prompt string `json:"prompt,omitempty"`
	Stream *bool  `json:"stream,omitempty"`
	Mode   string `json:"mode,omitempty"`
	Agent  string `json:"agent,omitempty"`
}

// wsSink marshals patches onto the socket. Writes are serialized; the
// lifecycle controller emits from its own goroutine while pongs go out from
// the read loop.
type wsSink struct {
	conn   *websocket.Conn
	logger *slog.Logger
	mu     sync.Mutex
}

func (s *wsSink) Apply(p view.Patch) {
	data, err := marshalPatch(p)
	if err != nil {
		s.logger.Error("failed to encode patch", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		s.logger.Debug("WebSocket write error", "error", err)
	}
}

func (s *wsSink) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to encode message", "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		s.logger.Debug("WebSocket write error", "error", err)
	}
}

// marshalPatch wraps a patch in a typed envelope for the browser.
func marshalPatch(p view.Patch) ([]byte, error) {
	var typ string
	switch p.(type) {
	case view.MessageCreated:
		typ = "message_created"
	case view.TextUpdated:
		typ = "text_updated"
	case view.MessageFinalized:
		typ = "message_finalized"
	case view.MessageFailed:
		typ = "message_failed"
	case view.Toast:
		typ = "toast"
	case view.ControlState:
		typ = "control_state"
	case view.SessionUpdated:
		typ = "session_updated"
	case view.ImageProgress:
		typ = "image_progress"
	default:
		typ = "unknown"
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}{Type: typ, Payload: payload})
}

// ServeHTTP implements http.Handler for WebSocket upgrade.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	h.logger.Info("Chat WebSocket connection request", "device_id", deviceID, "ip", r.RemoteAddr)

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err, "device_id", deviceID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "device_id", deviceID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sink := &wsSink{conn: ws, logger: h.logger}
	ctrl := client.NewController(h.backend, h.repo, h.monitor, h.cfg, h.logger)
	state := &connState{sess: session.ChatSession{Mode: session.ModeAuto}}

	var inflight sync.WaitGroup
	defer func() {
		ctrl.Stop()
		inflight.Wait()
	}()

	h.readLoop(ctx, ws, sink, ctrl, state, deviceID, &inflight)
	h.logger.Info("Chat session ended", "device_id", deviceID)
}

func (h *WebSocketHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *WebSocketHandler) readLoop(ctx context.Context, ws *websocket.Conn, sink *wsSink, ctrl *client.Controller, state *connState, deviceID string, inflight *sync.WaitGroup) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				h.logger.Debug("WebSocket closed by client", "device_id", deviceID)
			} else if ctx.Err() == nil {
				h.logger.Warn("WebSocket read error", "error", err, "device_id", deviceID)
			}
			return
		}

		var cmd wsCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			sink.send(map[string]string{"type": "error", "error": "invalid message"})
			continue
		}

		switch cmd.Type {
		case "send":
			h.handleSend(ctx, sink, ctrl, state, deviceID, cmd, inflight)
		case "cancel":
			ctrl.Stop()
		case "image":
			h.handleImage(ctx, sink, ctrl, deviceID, cmd, inflight)
		case "mode":
			h.handleMode(sink, state, cmd)
		case "ping":
			sink.send(map[string]string{"type": "pong"})
		default:
			h.logger.Debug("Unknown command", "type", cmd.Type, "device_id", deviceID)
		}
	}
}

func (h *WebSocketHandler) handleSend(ctx context.Context, sink *wsSink, ctrl *client.Controller, state *connState, deviceID string, cmd wsCommand, inflight *sync.WaitGroup) {
	if strings.TrimSpace(cmd.Text) == "" || cmd.ChatID == "" {
		sink.send(map[string]string{"type": "error", "error": "chat_id and text are required"})
		return
	}

	// Dual-purpose control: a submission while busy stops the running
	// request without touching the store or the backend.
	if ctrl.Busy() {
		ctrl.Stop()
		return
	}

	chat, err := h.repo.GetChat(ctx, deviceID, cmd.ChatID)
	if err != nil || chat == nil {
		sink.send(map[string]string{"type": "error", "error": "chat not found"})
		return
	}
	if chat.SessionID != "" {
		state.seedSessionID(chat.SessionID)
	}

	stream := true
	if cmd.Stream != nil {
		stream = *cmd.Stream
	}

	var history []client.HistoryMessage
	if !stream {
		history = h.loadHistory(ctx, cmd.ChatID)
	}

	inflight.Add(1)
	go func() {
		defer inflight.Done()

		// The controller mutates its own copy; results are folded back into
		// the connection state once the request settles.
		sess := state.snapshot()
		before := sess.SessionID
		err := ctrl.Send(ctx, client.SendRequest{
			ChatID:  cmd.ChatID,
			Text:    cmd.Text,
			Session: &sess,
			History: history,
			Stream:  stream,
			Sink:    sink,
		})
		if err != nil {
			h.logger.Debug("Chat request ended with error", "device_id", deviceID, "error", err)
		}

		if sess.SessionID != "" && sess.SessionID != before {
			state.setSessionID(sess.SessionID)

			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.repo.UpdateChatSession(updateCtx, deviceID, cmd.ChatID, sess.SessionID); err != nil {
				h.logger.Warn("Failed to persist session ID", "chat_id", cmd.ChatID, "error", err)
			}
		}
	}()
}

func (h *WebSocketHandler) handleImage(ctx context.Context, sink *wsSink, ctrl *client.Controller, deviceID string, cmd wsCommand, inflight *sync.WaitGroup) {
	if cmd.Prompt == "" || cmd.ChatID == "" {
		sink.send(map[string]string{"type": "error", "error": "chat_id and prompt are required"})
		return
	}
	if ctrl.Busy() {
		ctrl.Stop()
		return
	}

	chat, err := h.repo.GetChat(ctx, deviceID, cmd.ChatID)
	if err != nil || chat == nil {
		sink.send(map[string]string{"type": "error", "error": "chat not found"})
		return
	}

	inflight.Add(1)
	go func() {
		defer inflight.Done()
		if err := ctrl.GenerateImage(ctx, cmd.ChatID, cmd.Prompt, sink); err != nil {
			h.logger.Debug("Image request ended with error", "device_id", deviceID, "error", err)
		}
	}()
}

func (h *WebSocketHandler) handleMode(sink *wsSink, state *connState, cmd wsCommand) {
	switch session.Mode(cmd.Mode) {
	case session.ModeAuto:
		state.setMode(session.ModeAuto, "")
	case session.ModeManual:
		if cmd.Agent == "" {
			sink.send(map[string]string{"type": "error", "error": "manual mode requires an agent"})
			return
		}
		state.setMode(session.ModeManual, cmd.Agent)
	default:
		sink.send(map[string]string{"type": "error", "error": "unknown mode"})
		return
	}
	sess := state.snapshot()
	sink.send(map[string]string{"type": "mode_updated", "mode": string(sess.Mode), "agent": sess.SelectedAgent})
}

// loadHistory rebuilds the prior-turns payload for the non-streaming path.
func (h *WebSocketHandler) loadHistory(ctx context.Context, chatID string) []client.HistoryMessage {
	messages, err := h.repo.ListMessages(ctx, chatID)
	if err != nil {
		h.logger.Warn("Failed to load history", "chat_id", chatID, "error", err)
		return nil
	}
	if len(messages) > historyLimit {
		messages = messages[len(messages)-historyLimit:]
	}

	history := make([]client.HistoryMessage, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		if msg.Sender == domain.SenderAssistant {
			role = "assistant"
		}
		history = append(history, client.HistoryMessage{Role: role, Content: msg.Text})
	}
	return history
}
