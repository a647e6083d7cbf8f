package state

import (
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const (
	ConversationStatusActive   = "active"
	ConversationStatusArchived = "archived"
)

type MessageRecord struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	Role           string           `json:"role"`
	Content        string           `json:"content"`
	Name           string           `json:"name,omitempty"`
	ToolCallID     string           `json:"toolCallId,omitempty"`
	ToolCalls      []types.ToolCall `json:"toolCalls,omitempty"`
	ModelID        string           `json:"modelId,omitempty"`
	Metadata       map[string]any   `json:"metadata,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

type ConversationRecord struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agentId,omitempty"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
