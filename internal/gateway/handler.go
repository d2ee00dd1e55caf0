// Package gateway provides the HTTP and WebSocket surface of the Parakleon
// gateway: chat and project CRUD, settings, backend metrics, and the
// streaming chat connection.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/parakleon/parakleon/internal/client"
	"github.com/parakleon/parakleon/internal/config"
	"github.com/parakleon/parakleon/internal/domain"
	"github.com/parakleon/parakleon/internal/health"
	"github.com/parakleon/parakleon/internal/identity"
	"github.com/parakleon/parakleon/internal/sse"
	"github.com/parakleon/parakleon/internal/store"
)

// maxBodySize caps request bodies on the CRUD surface.
const maxBodySize = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	repo         store.Repository
	backend      *client.Backend
	monitor      *health.Monitor
	imageTimeout time.Duration
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, backend *client.Backend, monitor *health.Monitor, cfg config.BackendConfig) *Handler {
	return &Handler{
		repo:         repo,
		backend:      backend,
		monitor:      monitor,
		imageTimeout: cfg.ImageTimeout,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// RegisterRoutes mounts the REST surface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chats", func(r chi.Router) {
		r.Get("/", h.listChats)
		r.Post("/", h.createChat)
		r.Route("/{chatID}", func(r chi.Router) {
			r.Get("/", h.getChat)
			r.Patch("/", h.updateChat)
			r.Delete("/", h.deleteChat)
			r.Get("/messages", h.listMessages)
		})
	})

	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", h.listProjects)
		r.Post("/", h.createProject)
		r.Put("/{projectID}", h.updateProject)
		r.Delete("/{projectID}", h.deleteProject)
	})

	r.Get("/api/settings", h.getSettings)
	r.Put("/api/settings/{key}", h.putSetting)

	r.Get("/api/multi-agent/agents", h.listAgents)
	r.Post("/api/image/generate", h.generateImage)
	r.Get("/api/health/metrics", h.metrics)
}

func (h *Handler) listChats(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	chats, err := h.repo.ListChats(r.Context(), deviceID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list chats")
		return
	}
	if chats == nil {
		chats = []*domain.Chat{}
	}
	JSON(w, http.StatusOK, chats)
}

func (h *Handler) createChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		req.Title = "New Chat"
	}

	now := time.Now().UTC()
	chat := &domain.Chat{
		ChatID:    uuid.NewString(),
		DeviceID:  identity.DeviceIDFromContext(r.Context()),
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateChat(r.Context(), chat); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create chat")
		return
	}
	JSON(w, http.StatusCreated, chat)
}

func (h *Handler) getChat(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	chat, err := h.repo.GetChat(r.Context(), deviceID, chi.URLParam(r, "chatID"))
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if chat == nil {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}
	JSON(w, http.StatusOK, chat)
}

func (h *Handler) updateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Title == "" {
		Error(w, http.StatusBadRequest, "title is required")
		return
	}

	deviceID := identity.DeviceIDFromContext(r.Context())
	if err := h.repo.RenameChat(r.Context(), deviceID, chi.URLParam(r, "chatID"), req.Title); err != nil {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if err := h.repo.DeleteChat(r.Context(), deviceID, chi.URLParam(r, "chatID")); err != nil {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	chatID := chi.URLParam(r, "chatID")

	// Transcript reads go through the chat row to enforce device scoping.
	chat, err := h.repo.GetChat(r.Context(), deviceID, chatID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if chat == nil {
		Error(w, http.StatusNotFound, "chat not found")
		return
	}

	messages, err := h.repo.ListMessages(r.Context(), chatID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	if messages == nil {
		messages = []*domain.Message{}
	}
	JSON(w, http.StatusOK, messages)
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	projects, err := h.repo.ListProjects(r.Context(), deviceID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to list projects")
		return
	}
	if projects == nil {
		projects = []*domain.Project{}
	}
	JSON(w, http.StatusOK, projects)
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		ChatIDs []string `json:"chat_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		Error(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ChatIDs == nil {
		req.ChatIDs = []string{}
	}

	now := time.Now().UTC()
	project := &domain.Project{
		ProjectID: uuid.NewString(),
		DeviceID:  identity.DeviceIDFromContext(r.Context()),
		Name:      req.Name,
		ChatIDs:   req.ChatIDs,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.repo.CreateProject(r.Context(), project); err != nil {
		Error(w, http.StatusInternalServerError, "failed to create project")
		return
	}
	JSON(w, http.StatusCreated, project)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string   `json:"name"`
		ChatIDs []string `json:"chat_ids"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.ChatIDs == nil {
		req.ChatIDs = []string{}
	}

	project := &domain.Project{
		ProjectID: chi.URLParam(r, "projectID"),
		DeviceID:  identity.DeviceIDFromContext(r.Context()),
		Name:      req.Name,
		ChatIDs:   req.ChatIDs,
	}
	if err := h.repo.UpdateProject(r.Context(), project); err != nil {
		Error(w, http.StatusNotFound, "project not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	if err := h.repo.DeleteProject(r.Context(), deviceID, chi.URLParam(r, "projectID")); err != nil {
		Error(w, http.StatusNotFound, "project not found")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	deviceID := identity.DeviceIDFromContext(r.Context())
	settings, err := h.repo.GetSettings(r.Context(), deviceID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load settings")
		return
	}
	JSON(w, http.StatusOK, settings)
}

func (h *Handler) putSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var value json.RawMessage
	if !decode(w, r, &value) {
		return
	}

	setting := domain.Setting{
		DeviceID: identity.DeviceIDFromContext(r.Context()),
		Key:      key,
		Value:    string(value),
	}
	if err := h.repo.PutSetting(r.Context(), setting); err != nil {
		Error(w, http.StatusInternalServerError, "failed to store setting")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.backend.Agents(r.Context())
	if err != nil {
		Error(w, http.StatusBadGateway, "multi-agent system unavailable")
		return
	}
	if agents == nil {
		agents = []client.AgentInfo{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"count":  len(agents),
		"agents": agents,
	})
}

// generateImage proxies the image-generation stream to the caller as SSE,
// relaying progress frames as they arrive. The base64 image rides the
// complete frame. Progress-aware persistence lives on the websocket path;
// this endpoint serves plain fetch() callers.
func (h *Handler) generateImage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		Error(w, http.StatusBadRequest, "prompt is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.imageTimeout)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	writeFrame := func(ev *sse.ImageEvent) bool {
		payload, err := json.Marshal(ev)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for ev, err := range h.backend.GenerateImage(ctx, req.Prompt) {
		if err != nil {
			writeFrame(&sse.ImageEvent{Status: sse.ImageError, Error: err.Error()})
			return
		}
		if !writeFrame(ev) {
			return
		}
		if ev.Status == sse.ImageComplete || ev.Status == sse.ImageError {
			return
		}
	}
	writeFrame(&sse.ImageEvent{Status: sse.ImageError, Error: "image stream ended before completion"})
}

func (h *Handler) metrics(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.monitor.Snapshot())
}
