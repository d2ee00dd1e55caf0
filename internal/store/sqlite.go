package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parakleon/parakleon/internal/domain"
	"github.com/parakleon/parakleon/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes multi-statement writes to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS chats (
		chat_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		title TEXT NOT NULL,
		session_id TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_device ON chats(device_id, updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		attachments_json TEXT,
		agent TEXT,
		model TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at);

	CREATE TABLE IF NOT EXISTS projects (
		project_id TEXT PRIMARY KEY,
		device_id TEXT NOT NULL,
		name TEXT NOT NULL,
		chat_ids_json TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_projects_device ON projects(device_id);

	CREATE TABLE IF NOT EXISTS settings (
		device_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, key)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateChat inserts a new conversation.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	query := `
	INSERT INTO chats (chat_id, device_id, title, session_id, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	var sessionID interface{}
	if chat.SessionID != "" {
		sessionID = chat.SessionID
	}

	_, err := s.db.ExecContext(ctx, query,
		chat.ChatID, chat.DeviceID, chat.Title, sessionID,
		chat.CreatedAt.Unix(), chat.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert chat: %w", err)
	}
	return nil
}

// GetChat retrieves one conversation by ID, scoped to the owning device.
func (s *SQLiteStore) GetChat(ctx context.Context, deviceID, chatID string) (*domain.Chat, error) {
	query := `
		SELECT chat_id, device_id, title, session_id, created_at, updated_at
		FROM chats WHERE chat_id = ? AND device_id = ?`

	row := s.db.QueryRowContext(ctx, query, chatID, deviceID)

	chat, err := scanChat(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}
	return chat, nil
}

// ListChats retrieves the device's conversations, newest activity first.
func (s *SQLiteStore) ListChats(ctx context.Context, deviceID string) ([]*domain.Chat, error) {
	query := `
		SELECT chat_id, device_id, title, session_id, created_at, updated_at
		FROM chats WHERE device_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer closeRows(rows, "chats")

	var chats []*domain.Chat
	for rows.Next() {
		chat, err := scanChat(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat row: %w", err)
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chats: %w", err)
	}
	return chats, nil
}

func scanChat(scan func(...any) error) (*domain.Chat, error) {
	var chat domain.Chat
	var sessionID sql.NullString
	var createdAt, updatedAt int64

	if err := scan(
		&chat.ChatID, &chat.DeviceID, &chat.Title, &sessionID,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	chat.SessionID = sessionID.String
	chat.CreatedAt = time.Unix(createdAt, 0)
	chat.UpdatedAt = time.Unix(updatedAt, 0)
	return &chat, nil
}

// RenameChat updates a conversation title.
func (s *SQLiteStore) RenameChat(ctx context.Context, deviceID, chatID, title string) error {
	query := `UPDATE chats SET title = ?, updated_at = ? WHERE chat_id = ? AND device_id = ?`
	result, err := s.db.ExecContext(ctx, query, title, time.Now().Unix(), chatID, deviceID)
	if err != nil {
		return fmt.Errorf("rename chat: %w", err)
	}
	return requireRow(result, "chat not found")
}

// UpdateChatSession records the backend-assigned session ID.
func (s *SQLiteStore) UpdateChatSession(ctx context.Context, deviceID, chatID, sessionID string) error {
	query := `UPDATE chats SET session_id = ?, updated_at = ? WHERE chat_id = ? AND device_id = ?`
	result, err := s.db.ExecContext(ctx, query, sessionID, time.Now().Unix(), chatID, deviceID)
	if err != nil {
		return fmt.Errorf("update chat session: %w", err)
	}
	return requireRow(result, "chat not found")
}

// DeleteChat removes a conversation and its transcript.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLiteStore) DeleteChat(ctx context.Context, deviceID, chatID string) error {
	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		err := s.deleteChatOnce(ctx, deviceID, chatID)
		if err == nil {
			return nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("DeleteChat failed with SQLITE_BUSY, retrying",
				"chat_id", chatID,
				"attempt", i+1,
				"delay", delay)
			time.Sleep(delay)
			continue
		}

		return fmt.Errorf("failed to delete chat %s after %d attempts: %w", chatID, i+1, err)
	}

	return nil
}

// deleteChatOnce performs a single delete attempt in one transaction.
func (s *SQLiteStore) deleteChatOnce(ctx context.Context, deviceID, chatID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete chat: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("failed to roll back chat delete", "chat_id", chatID, "error", rbErr)
		}
	}()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM chats WHERE chat_id = ? AND device_id = ?`, chatID, deviceID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if err := requireRow(result, "chat not found"); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete chat messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit chat delete: %w", err)
	}
	return nil
}

// AppendMessage adds one transcript entry and bumps the chat's activity
// timestamp.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg domain.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var attachments interface{}
	if len(msg.Attachments) > 0 {
		data, err := json.Marshal(msg.Attachments)
		if err != nil {
			return fmt.Errorf("encode attachments: %w", err)
		}
		attachments = string(data)
	}

	query := `
	INSERT INTO messages (message_id, chat_id, sender, text, attachments_json, agent, model, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		msg.MessageID, msg.ChatID, string(msg.Sender), msg.Text,
		attachments, nullable(msg.Agent), nullable(msg.Model),
		msg.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE chats SET updated_at = ? WHERE chat_id = ?`,
		msg.CreatedAt.Unix(), msg.ChatID); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	return nil
}

// ListMessages retrieves a chat's transcript in send order.
func (s *SQLiteStore) ListMessages(ctx context.Context, chatID string) ([]*domain.Message, error) {
	query := `
		SELECT message_id, chat_id, sender, text, attachments_json, agent, model, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at ASC, message_id ASC`

	rows, err := s.db.QueryContext(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer closeRows(rows, "messages")

	var messages []*domain.Message
	for rows.Next() {
		var msg domain.Message
		var sender string
		var attachmentsJSON, agent, model sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&msg.MessageID, &msg.ChatID, &sender, &msg.Text,
			&attachmentsJSON, &agent, &model, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Sender = domain.Sender(sender)
		msg.Agent = agent.String
		msg.Model = model.String
		msg.CreatedAt = time.Unix(createdAt, 0)
		if attachmentsJSON.Valid {
			if err := json.Unmarshal([]byte(attachmentsJSON.String), &msg.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments for %s: %w", msg.MessageID, err)
			}
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreateProject inserts a new project.
func (s *SQLiteStore) CreateProject(ctx context.Context, project *domain.Project) error {
	chatIDs, err := json.Marshal(project.ChatIDs)
	if err != nil {
		return fmt.Errorf("encode project chat IDs: %w", err)
	}

	query := `
	INSERT INTO projects (project_id, device_id, name, chat_ids_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		project.ProjectID, project.DeviceID, project.Name, string(chatIDs),
		project.CreatedAt.Unix(), project.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// ListProjects retrieves the device's projects.
func (s *SQLiteStore) ListProjects(ctx context.Context, deviceID string) ([]*domain.Project, error) {
	query := `
		SELECT project_id, device_id, name, chat_ids_json, created_at, updated_at
		FROM projects WHERE device_id = ? ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer closeRows(rows, "projects")

	var projects []*domain.Project
	for rows.Next() {
		var project domain.Project
		var chatIDsJSON string
		var createdAt, updatedAt int64

		if err := rows.Scan(
			&project.ProjectID, &project.DeviceID, &project.Name,
			&chatIDsJSON, &createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}

		if err := json.Unmarshal([]byte(chatIDsJSON), &project.ChatIDs); err != nil {
			return nil, fmt.Errorf("decode chat IDs for %s: %w", project.ProjectID, err)
		}
		project.CreatedAt = time.Unix(createdAt, 0)
		project.UpdatedAt = time.Unix(updatedAt, 0)
		projects = append(projects, &project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

// UpdateProject replaces a project's name and chat membership.
func (s *SQLiteStore) UpdateProject(ctx context.Context, project *domain.Project) error {
	chatIDs, err := json.Marshal(project.ChatIDs)
	if err != nil {
		return fmt.Errorf("encode project chat IDs: %w", err)
	}

	query := `
	UPDATE projects SET name = ?, chat_ids_json = ?, updated_at = ?
	WHERE project_id = ? AND device_id = ?`

	result, err := s.db.ExecContext(ctx, query,
		project.Name, string(chatIDs), time.Now().Unix(),
		project.ProjectID, project.DeviceID,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return requireRow(result, "project not found")
}

// DeleteProject removes a project.
func (s *SQLiteStore) DeleteProject(ctx context.Context, deviceID, projectID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM projects WHERE project_id = ? AND device_id = ?`, projectID, deviceID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return requireRow(result, "project not found")
}

// GetSettings retrieves all settings for a device as key to raw JSON.
func (s *SQLiteStore) GetSettings(ctx context.Context, deviceID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM settings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer closeRows(rows, "settings")

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting row: %w", err)
		}
		settings[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return settings, nil
}

// PutSetting creates or updates one settings entry.
func (s *SQLiteStore) PutSetting(ctx context.Context, setting domain.Setting) error {
	query := `
	INSERT INTO settings (device_id, key, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(device_id, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		setting.DeviceID, setting.Key, setting.Value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func requireRow(result sql.Result, notFound string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s", notFound)
	}
	return nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "query", what, "error", err)
	}
}
