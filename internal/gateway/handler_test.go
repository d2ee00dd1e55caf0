package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/parakleon/parakleon/internal/client"
	"github.com/parakleon/parakleon/internal/config"
	"github.com/parakleon/parakleon/internal/health"
	"github.com/parakleon/parakleon/internal/identity"
	"github.com/parakleon/parakleon/internal/store"
	"github.com/parakleon/parakleon/internal/view"
)

// deviceMiddleware injects a fixed device ID, standing in for the cookie
// middleware.
func deviceMiddleware(deviceID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(identity.WithDeviceID(r.Context(), deviceID)))
		})
	}
}

func newTestRouter(t *testing.T, deviceID string, backendHandler http.Handler) (chi.Router, store.Repository) {
	t.Helper()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	var baseURL string
	if backendHandler != nil {
		srv := httptest.NewServer(backendHandler)
		t.Cleanup(srv.Close)
		baseURL = srv.URL
	} else {
		baseURL = "http://127.0.0.1:1" // nothing listens here
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BackendConfig{BaseURL: baseURL, ImageGenURL: baseURL, ImageTimeout: 5 * time.Second}
	backend := client.NewBackend(cfg, logger)
	handler := NewHandler(repo, backend, health.NewMonitor(logger), cfg)

	r := chi.NewRouter()
	r.Use(deviceMiddleware(deviceID))
	handler.RegisterRoutes(r)
	return r, repo
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	fields := map[string]json.RawMessage{}
	if rec.Body.Len() > 0 && strings.HasPrefix(strings.TrimSpace(rec.Body.String()), "{") {
		if err := json.Unmarshal(rec.Body.Bytes(), &fields); err != nil {
			t.Fatalf("response is not a JSON object: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, fields
}

func TestChatCRUD(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, fields := doJSON(t, router, http.MethodPost, "/api/chats/", `{"title":"Go questions"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create chat status = %d, body %s", rec.Code, rec.Body.String())
	}
	var chatID string
	if err := json.Unmarshal(fields["chat_id"], &chatID); err != nil || chatID == "" {
		t.Fatalf("no chat_id in create response: %s", rec.Body.String())
	}

	rec, _ = doJSON(t, router, http.MethodGet, "/api/chats/"+chatID+"/", "")
	if rec.Code != http.StatusOK {
		t.Errorf("get chat status = %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodPatch, "/api/chats/"+chatID+"/", `{"title":"Renamed"}`)
	if rec.Code != http.StatusOK {
		t.Errorf("rename status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chats/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var chats []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &chats); err != nil {
		t.Fatalf("list is not an array: %s", rec.Body.String())
	}
	if len(chats) != 1 || chats[0]["title"] != "Renamed" {
		t.Errorf("list = %+v", chats)
	}

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/chats/"+chatID+"/", "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec, _ = doJSON(t, router, http.MethodGet, "/api/chats/"+chatID+"/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", rec.Code)
	}
}

func TestChatAccessIsDeviceScoped(t *testing.T) {
	t.Parallel()

	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.BackendConfig{BaseURL: "http://127.0.0.1:1", ImageTimeout: 5 * time.Second}
	backend := client.NewBackend(cfg, logger)
	handler := NewHandler(repo, backend, health.NewMonitor(logger), cfg)

	makeRouter := func(deviceID string) chi.Router {
		r := chi.NewRouter()
		r.Use(deviceMiddleware(deviceID))
		handler.RegisterRoutes(r)
		return r
	}
	owner := makeRouter("dev-1")
	stranger := makeRouter("dev-2")

	rec, fields := doJSON(t, owner, http.MethodPost, "/api/chats/", `{"title":"private"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d", rec.Code)
	}
	var chatID string
	_ = json.Unmarshal(fields["chat_id"], &chatID)

	rec, _ = doJSON(t, stranger, http.MethodGet, "/api/chats/"+chatID+"/", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("stranger get status = %d, want 404", rec.Code)
	}
	rec, _ = doJSON(t, stranger, http.MethodGet, "/api/chats/"+chatID+"/messages", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("stranger messages status = %d, want 404", rec.Code)
	}
}

func TestProjectEndpoints(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, fields := doJSON(t, router, http.MethodPost, "/api/projects/", `{"name":"Research","chat_ids":["c1"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create project status = %d, body %s", rec.Code, rec.Body.String())
	}
	var projectID string
	_ = json.Unmarshal(fields["project_id"], &projectID)

	rec, _ = doJSON(t, router, http.MethodPut, "/api/projects/"+projectID, `{"name":"Research v2","chat_ids":["c1","c2"]}`)
	if rec.Code != http.StatusOK {
		t.Errorf("update project status = %d", rec.Code)
	}

	rec, _ = doJSON(t, router, http.MethodDelete, "/api/projects/"+projectID, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete project status = %d", rec.Code)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, _ := doJSON(t, router, http.MethodPut, "/api/settings/theme", `"dark"`)
	if rec.Code != http.StatusOK {
		t.Fatalf("put setting status = %d", rec.Code)
	}

	rec, fields := doJSON(t, router, http.MethodGet, "/api/settings", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get settings status = %d", rec.Code)
	}
	// Raw JSON values are stored verbatim; the map serializes them as strings.
	var theme string
	if err := json.Unmarshal(fields["theme"], &theme); err != nil || theme != `"dark"` {
		t.Errorf("theme = %s, want the raw JSON string", fields["theme"])
	}
}

func TestListAgentsProxiesBackend(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "dev-1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/multi-agent/agents" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `{"status":"ok","count":2,"agents":[{"type":"chat","name":"Chat"},{"type":"coder","name":"Coder"}]}`)
	}))

	rec, fields := doJSON(t, router, http.MethodGet, "/api/multi-agent/agents", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("agents status = %d", rec.Code)
	}
	var count int
	_ = json.Unmarshal(fields["count"], &count)
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestListAgentsBackendDown(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, _ := doJSON(t, router, http.MethodGet, "/api/multi-agent/agents", "")
	if rec.Code != http.StatusBadGateway {
		t.Errorf("agents status = %d, want 502", rec.Code)
	}
}

func TestGenerateImageRelaysFrames(t *testing.T) {
	t.Parallel()

	router, _ := newTestRouter(t, "dev-1", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate-image-stream" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"status\":\"starting\",\"message\":\"warming up\"}\n")
		fmt.Fprint(w, "data: {\"status\":\"progress\",\"progress\":50,\"step\":10,\"total_steps\":20}\n")
		fmt.Fprint(w, "data: {\"status\":\"complete\",\"image\":\"aGVsbG8=\"}\n")
	}))

	rec, _ := doJSON(t, router, http.MethodPost, "/api/image/generate", `{"prompt":"a lighthouse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	var statuses []string
	var image string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var frame struct {
			Status string `json:"status"`
			Image  string `json:"image"`
		}
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			t.Fatalf("relayed frame is not JSON: %v\n%s", err, payload)
		}
		statuses = append(statuses, frame.Status)
		if frame.Image != "" {
			image = frame.Image
		}
	}
	want := []string{"starting", "progress", "complete"}
	if len(statuses) != len(want) {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("statuses[%d] = %q, want %q", i, statuses[i], want[i])
		}
	}
	if image != "aGVsbG8=" {
		t.Errorf("image = %q", image)
	}
}

func TestGenerateImageRequiresPrompt(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/image/generate", `{"prompt":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestGenerateImageBackendDown(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, _ := doJSON(t, router, http.MethodPost, "/api/image/generate", `{"prompt":"a lighthouse"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, SSE surface reports errors in-band", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"error"`) {
		t.Errorf("expected an error frame, got %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	router, _ := newTestRouter(t, "dev-1", nil)

	rec, fields := doJSON(t, router, http.MethodGet, "/api/health/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	if _, ok := fields["total_requests"]; !ok {
		t.Errorf("metrics body missing total_requests: %s", rec.Body.String())
	}
}

func TestMarshalPatchEnvelopes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		patch view.Patch
		want  string
	}{
		{view.MessageCreated{MessageID: "m1", Agent: "Coder"}, "message_created"},
		{view.TextUpdated{MessageID: "m1", HTML: "<p>x</p>"}, "text_updated"},
		{view.MessageFinalized{MessageID: "m1"}, "message_finalized"},
		{view.MessageFailed{}, "message_failed"},
		{view.Toast{Message: "hi"}, "toast"},
		{view.ControlState{Busy: true}, "control_state"},
		{view.SessionUpdated{SessionID: "s1"}, "session_updated"},
		{view.ImageProgress{Status: "progress"}, "image_progress"},
	}
	for _, tt := range tests {
		data, err := marshalPatch(tt.patch)
		if err != nil {
			t.Fatalf("marshalPatch(%T) error = %v", tt.patch, err)
		}
		var envelope struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			t.Fatalf("envelope is not JSON: %v", err)
		}
		if envelope.Type != tt.want {
			t.Errorf("marshalPatch(%T) type = %q, want %q", tt.patch, envelope.Type, tt.want)
		}
		if len(envelope.Payload) == 0 {
			t.Errorf("marshalPatch(%T) has empty payload", tt.patch)
		}
	}
}
