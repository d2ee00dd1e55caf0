package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/parakleon/parakleon/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return repo
}

func testChat(deviceID, chatID string) *domain.Chat {
	now := time.Now().UTC().Truncate(time.Second)
	return &domain.Chat{
		ChatID:    chatID,
		DeviceID:  deviceID,
		Title:     "New Chat",
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestChatRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateChat(ctx, testChat("dev-1", "chat-1")); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	got, err := repo.GetChat(ctx, "dev-1", "chat-1")
	if err != nil {
		t.Fatalf("GetChat() error = %v", err)
	}
	if got == nil || got.Title != "New Chat" {
		t.Fatalf("GetChat() = %+v, want title New Chat", got)
	}

	if err := repo.RenameChat(ctx, "dev-1", "chat-1", "Go questions"); err != nil {
		t.Fatalf("RenameChat() error = %v", err)
	}
	if err := repo.UpdateChatSession(ctx, "dev-1", "chat-1", "sess-42"); err != nil {
		t.Fatalf("UpdateChatSession() error = %v", err)
	}

	got, err = repo.GetChat(ctx, "dev-1", "chat-1")
	if err != nil {
		t.Fatalf("GetChat() error = %v", err)
	}
	if got.Title != "Go questions" || got.SessionID != "sess-42" {
		t.Errorf("chat after updates = %+v", got)
	}
}

func TestChatsAreDeviceScoped(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateChat(ctx, testChat("dev-1", "chat-1")); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	// Another device cannot see, rename or delete it.
	if got, err := repo.GetChat(ctx, "dev-2", "chat-1"); err != nil || got != nil {
		t.Errorf("GetChat from other device = %+v, %v; want nil, nil", got, err)
	}
	if err := repo.RenameChat(ctx, "dev-2", "chat-1", "stolen"); err == nil {
		t.Error("RenameChat from other device succeeded")
	}
	if err := repo.DeleteChat(ctx, "dev-2", "chat-1"); err == nil {
		t.Error("DeleteChat from other device succeeded")
	}

	chats, err := repo.ListChats(ctx, "dev-2")
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("other device sees %d chats, want 0", len(chats))
	}
}

func TestAppendAndListMessages(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateChat(ctx, testChat("dev-1", "chat-1")); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	msgs := []domain.Message{
		{MessageID: "m1", ChatID: "chat-1", Sender: domain.SenderUser, Text: "hello", CreatedAt: base},
		{MessageID: "m2", ChatID: "chat-1", Sender: domain.SenderAssistant, Text: "hi!", Agent: "chat", CreatedAt: base.Add(time.Second)},
		{MessageID: "m3", ChatID: "chat-1", Sender: domain.SenderAssistant, Text: "here",
			Attachments: []domain.Attachment{{Type: "image", Name: "generated.png", URL: "data:image/png;base64,xyz"}},
			CreatedAt:   base.Add(2 * time.Second)},
	}
	for _, msg := range msgs {
		if err := repo.AppendMessage(ctx, msg); err != nil {
			t.Fatalf("AppendMessage(%s) error = %v", msg.MessageID, err)
		}
	}

	got, err := repo.ListMessages(ctx, "chat-1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages, want 3", len(got))
	}
	for i, want := range []string{"m1", "m2", "m3"} {
		if got[i].MessageID != want {
			t.Errorf("message[%d] = %s, want %s", i, got[i].MessageID, want)
		}
	}
	if got[1].Agent != "chat" {
		t.Errorf("assistant agent = %q, want chat", got[1].Agent)
	}
	if len(got[2].Attachments) != 1 || got[2].Attachments[0].Type != "image" {
		t.Errorf("attachments = %+v", got[2].Attachments)
	}

	// Appending bumped the chat's activity timestamp.
	chat, err := repo.GetChat(ctx, "dev-1", "chat-1")
	if err != nil {
		t.Fatalf("GetChat() error = %v", err)
	}
	if !chat.UpdatedAt.Equal(base.Add(2 * time.Second)) {
		t.Errorf("chat updated_at = %v, want %v", chat.UpdatedAt, base.Add(2*time.Second))
	}
}

func TestDeleteChatRemovesTranscript(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	if err := repo.CreateChat(ctx, testChat("dev-1", "chat-1")); err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if err := repo.AppendMessage(ctx, domain.Message{
		MessageID: "m1", ChatID: "chat-1", Sender: domain.SenderUser, Text: "x", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	if err := repo.DeleteChat(ctx, "dev-1", "chat-1"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}

	if got, err := repo.GetChat(ctx, "dev-1", "chat-1"); err != nil || got != nil {
		t.Errorf("chat survived delete: %+v, %v", got, err)
	}
	msgs, err := repo.ListMessages(ctx, "chat-1")
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages survived chat delete", len(msgs))
	}
}

func TestProjectRoundTrip(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	project := &domain.Project{
		ProjectID: "proj-1",
		DeviceID:  "dev-1",
		Name:      "Research",
		ChatIDs:   []string{"chat-1", "chat-2"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := repo.CreateProject(ctx, project); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	project.Name = "Research v2"
	project.ChatIDs = []string{"chat-2"}
	if err := repo.UpdateProject(ctx, project); err != nil {
		t.Fatalf("UpdateProject() error = %v", err)
	}

	projects, err := repo.ListProjects(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("got %d projects, want 1", len(projects))
	}
	got := projects[0]
	if got.Name != "Research v2" || len(got.ChatIDs) != 1 || got.ChatIDs[0] != "chat-2" {
		t.Errorf("project = %+v", got)
	}

	if err := repo.DeleteProject(ctx, "dev-1", "proj-1"); err != nil {
		t.Fatalf("DeleteProject() error = %v", err)
	}
	projects, err = repo.ListProjects(ctx, "dev-1")
	if err != nil {
		t.Fatalf("ListProjects() error = %v", err)
	}
	if len(projects) != 0 {
		t.Errorf("%d projects survived delete", len(projects))
	}
}

func TestSettingsUpsert(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	put := func(key, value string) {
		t.Helper()
		if err := repo.PutSetting(ctx, domain.Setting{
			DeviceID: "dev-1", Key: key, Value: value,
		}); err != nil {
			t.Fatalf("PutSetting(%s) error = %v", key, err)
		}
	}
	put("theme", `"dark"`)
	put("mode", `"auto"`)
	put("theme", `"light"`) // overwrite

	settings, err := repo.GetSettings(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if len(settings) != 2 {
		t.Fatalf("got %d settings, want 2", len(settings))
	}
	if settings["theme"] != `"light"` {
		t.Errorf("theme = %s, want light", settings["theme"])
	}

	other, err := repo.GetSettings(ctx, "dev-2")
	if err != nil {
		t.Fatalf("GetSettings() error = %v", err)
	}
	if len(other) != 0 {
		t.Errorf("other device sees %d settings, want 0", len(other))
	}
}
