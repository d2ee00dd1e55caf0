// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/parakleon/parakleon/internal/domain"
)

// Repository defines the interface for persisting chats, transcripts,
// projects and settings. All reads and writes are scoped to the anonymous
// device that owns the data.
type Repository interface {
	// CreateChat inserts a new conversation.
	CreateChat(ctx context.Context, chat *domain.Chat) error

	// GetChat retrieves one conversation, nil if it does not exist or
	// belongs to another device.
	GetChat(ctx context.Context, deviceID, chatID string) (*domain.Chat, error)

	// ListChats retrieves the device's conversations, newest activity first.
	ListChats(ctx context.Context, deviceID string) ([]*domain.Chat, error)

	// RenameChat updates a conversation title.
	RenameChat(ctx context.Context, deviceID, chatID, title string) error

	// UpdateChatSession records the backend-assigned session ID so later
	// turns reuse the same backend conversation.
	UpdateChatSession(ctx context.Context, deviceID, chatID, sessionID string) error

	// DeleteChat removes a conversation and its transcript.
	DeleteChat(ctx context.Context, deviceID, chatID string) error

	// AppendMessage adds one transcript entry and bumps the chat's activity
	// timestamp.
	AppendMessage(ctx context.Context, msg domain.Message) error

	// ListMessages retrieves a chat's transcript in send order.
	ListMessages(ctx context.Context, chatID string) ([]*domain.Message, error)

	// CreateProject inserts a new project.
	CreateProject(ctx context.Context, project *domain.Project) error

	// ListProjects retrieves the device's projects.
	ListProjects(ctx context.Context, deviceID string) ([]*domain.Project, error)

	// UpdateProject replaces a project's name and chat membership.
	UpdateProject(ctx context.Context, project *domain.Project) error

	// DeleteProject removes a project. Chats survive; only the grouping goes.
	DeleteProject(ctx context.Context, deviceID, projectID string) error

	// GetSettings retrieves all settings for a device as key to raw JSON.
	GetSettings(ctx context.Context, deviceID string) (map[string]string, error)

	// PutSetting creates or updates one settings entry.
	PutSetting(ctx context.Context, setting domain.Setting) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
