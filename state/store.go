package state

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("state: not found")
	ErrConflict = errors.New("state: conflict")
)

// TTLStore is a shared key/value store whose entries expire. It backs the
// conversation context cache and the cross-process stop flags.
type TTLStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// MessageLog is the durable, append-only conversation history.
type MessageLog interface {
	AppendMessage(ctx context.Context, msg MessageRecord) error
	// ListRecentMessages returns at most limit messages, oldest first.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]MessageRecord, error)
	DeleteMessages(ctx context.Context, conversationID string) error
}

// ConversationStore keeps one summary record per conversation.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv ConversationRecord) error
	LoadConversation(ctx context.Context, conversationID string) (ConversationRecord, error)
	IncrementMessageCount(ctx context.Context, conversationID string, delta int) error
	UpdateConversationStatus(ctx context.Context, conversationID, status string) error
}

// Durable is implemented by backends that provide both durable concerns.
type Durable interface {
	MessageLog
	ConversationStore
	Close() error
}
