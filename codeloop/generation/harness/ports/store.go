package harnessports

import (
	"context"
	"time"
)

// Turn represents one persisted conversation message.
type Turn struct {
	Role      string    `json:"role"`    // "user" | "assistant" | "system"
	Content   string    `json:"content"` // message text
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStore persists conversation context and execution artifacts.
type ConversationStore interface {
	SaveTurn(ctx context.Context, conversationID string, turn Turn) error
	LoadContext(ctx context.Context, conversationID string, k int) ([]Turn, error) // last-k turns
	AppendToolArtifact(ctx context.Context, conversationID, name string, payload []byte) error
}
