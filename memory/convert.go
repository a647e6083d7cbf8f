package memory

import (
	"github.com/PipeOpsHQ/agent-controlplane/state"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// ToMessageRecord converts a runtime message to its durable row. Fields a
// role never uses are dropped.
func ToMessageRecord(conversationID string, msg types.Message, meta MessageMeta) state.MessageRecord {
	row := state.MessageRecord{
		ConversationID: conversationID,
		Role:           string(msg.Role),
		Content:        msg.Content,
		ModelID:        meta.ModelID,
	}
	switch msg.Role {
	case types.RoleAssistant:
		row.ToolCalls = append([]types.ToolCall(nil), msg.ToolCalls...)
	case types.RoleTool:
		row.Name = msg.Name
		row.ToolCallID = msg.ToolCallID
	}

	if meta.Tokens > 0 || meta.Duration > 0 || len(meta.Extra) > 0 {
		row.Metadata = make(map[string]any, len(meta.Extra)+2)
		for k, v := range meta.Extra {
			row.Metadata[k] = v
		}
		if meta.Tokens > 0 {
			row.Metadata["tokens"] = meta.Tokens
		}
		if meta.Duration > 0 {
			row.Metadata["durationMs"] = meta.Duration.Milliseconds()
		}
	}
	return row
}

// FromMessageRecord converts a durable row back to a runtime message. Rows
// with an unknown role report false.
func FromMessageRecord(row state.MessageRecord) (types.Message, bool) {
	role, ok := types.ParseRole(row.Role)
	if !ok {
		return types.Message{}, false
	}
	msg := types.Message{Role: role, Content: row.Content}
	switch role {
	case types.RoleAssistant:
		if len(row.ToolCalls) > 0 {
			msg.ToolCalls = append([]types.ToolCall(nil), row.ToolCalls...)
		}
	case types.RoleTool:
		msg.Name = row.Name
		msg.ToolCallID = row.ToolCallID
	}
	return msg, true
}
