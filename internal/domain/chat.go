// Package domain contains core domain types for the Parakleon gateway.
package domain

import (
	"time"
)

// Sender identifies who authored a message.
type Sender string

const (
	// SenderUser is a message typed by the person at the keyboard.
	SenderUser Sender = "user"
	// SenderAssistant is a message produced by a backend agent.
	SenderAssistant Sender = "ai"
)

// Chat is one conversation, owned by a single anonymous device.
type Chat struct {
	ChatID    string    `json:"chat_id"`
	DeviceID  string    `json:"device_id"`
	Title     string    `json:"title"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Attachment is a file or image carried alongside a message.
// Image generation results arrive as base64 data URLs in URL.
type Attachment struct {
	Type string `json:"type"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Message is one transcript entry.
type Message struct {
	MessageID   string       `json:"message_id"`
	ChatID      string       `json:"chat_id"`
	Sender      Sender       `json:"sender"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Agent       string       `json:"agent,omitempty"`
	Model       string       `json:"model,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Project groups chats under a user-chosen name.
type Project struct {
	ProjectID string    `json:"project_id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name"`
	ChatIDs   []string  `json:"chat_ids"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Setting is one free-form settings entry (key to raw JSON value).
type Setting struct {
	DeviceID  string    `json:"device_id"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
