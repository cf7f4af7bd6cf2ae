package chat

import (
	"context"
	"io"
)

// CreateMessageRequest is the authoritative REST write for a send. It
// carries the client temp id so the echoed message can be reconciled.
type CreateMessageRequest struct {
	ConversationID string      `json:"conversation_id"`
	TempID         string      `json:"temp_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	Attachment     *Attachment `json:"attachment,omitempty"`
}

// Upload is one file handed to the upload endpoint ahead of a send.
type Upload struct {
	Name   string
	Reader io.Reader
}

// API is the REST surface the sync client depends on. *rest.Client
// implements it; tests substitute fakes.
type API interface {
	ListConversations(ctx context.Context, scope string) ([]Conversation, error)
	MessageHistory(ctx context.Context, conversationID string, page, limit int) ([]Message, error)
	CreateMessage(ctx context.Context, req CreateMessageRequest) (Message, error)
	UploadFiles(ctx context.Context, files []Upload) ([]Attachment, error)
}

// Emitter is the fire-and-forget side of the realtime channel.
type Emitter interface {
	Emit(event string, payload any) error
}
