package memory

import (
	"fmt"
	"strings"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// Rough average for English text.
const charsPerToken = 4

// Window fits conversation history into an input token budget. A zero
// budget disables trimming.
type Window struct {
	MaxInputTokens int
}

func NewWindow(maxTokens int) Window {
	return Window{MaxInputTokens: max(maxTokens, 0)}
}

func EstimateTokens(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

func EstimateMessageTokens(msg types.Message) int {
	tokens := 4 + EstimateTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		tokens += 10 + EstimateTokens(string(tc.Arguments))
	}
	if msg.ToolCallID != "" {
		tokens += 5
	}
	return tokens
}

func estimateDefinitions(defs []types.ToolDefinition) int {
	total := 0
	for _, d := range defs {
		total += 60 + EstimateTokens(d.Description)
	}
	return total
}

// Fit keeps the newest messages that fit after the system prompt, tool
// definitions and reserve are accounted for. The last message is always
// kept, and tool results never appear without the call that produced them.
func (w Window) Fit(messages []types.Message, systemPrompt string, defs []types.ToolDefinition, reserve int) []types.Message {
	if len(messages) == 0 || w.MaxInputTokens <= 0 {
		return messages
	}
	budget := w.MaxInputTokens - EstimateTokens(systemPrompt) - estimateDefinitions(defs) - reserve
	if budget <= 0 {
		return repairToolBlocks(messages[len(messages)-1:])
	}

	used := EstimateMessageTokens(messages[len(messages)-1])
	start := len(messages) - 1
	for i := len(messages) - 2; i >= 0; i-- {
		cost := EstimateMessageTokens(messages[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}
	return repairToolBlocks(messages[start:])
}

// repairToolBlocks drops orphaned tool results and assistant call turns
// whose results are incomplete.
func repairToolBlocks(messages []types.Message) []types.Message {
	out := make([]types.Message, 0, len(messages))
	pending := map[string]bool{}
	blockStart := -1

	dropOpen := func() {
		if len(pending) == 0 {
			return
		}
		if blockStart >= 0 && blockStart <= len(out) {
			out = out[:blockStart]
		}
		pending = map[string]bool{}
		blockStart = -1
	}

	for _, msg := range messages {
		switch {
		case msg.Role == types.RoleAssistant && len(msg.ToolCalls) > 0:
			dropOpen()
			blockStart = len(out)
			out = append(out, msg)
			for _, tc := range msg.ToolCalls {
				pending[tc.ID] = true
			}
		case msg.Role == types.RoleTool && msg.ToolCallID != "":
			if pending[msg.ToolCallID] {
				out = append(out, msg)
				delete(pending, msg.ToolCallID)
				if len(pending) == 0 {
					blockStart = -1
				}
			}
		default:
			dropOpen()
			out = append(out, msg)
		}
	}
	dropOpen()
	return out
}

// Digest renders the last rounds user/assistant exchanges as plain text,
// each message cut to maxLen characters.
func Digest(messages []types.Message, rounds, maxLen int) string {
	if rounds <= 0 {
		rounds = DefaultHistoryRounds
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}

	var lines []string
	seenUsers := 0
	for i := len(messages) - 1; i >= 0 && seenUsers < rounds; i-- {
		msg := messages[i]
		var line string
		switch msg.Role {
		case types.RoleUser:
			seenUsers++
			line = "User: " + clip(msg.Content, maxLen)
		case types.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				names := make([]string, 0, len(msg.ToolCalls))
				for _, tc := range msg.ToolCalls {
					names = append(names, tc.Name)
				}
				line = "Assistant used tools: " + strings.Join(names, ", ")
			} else if msg.Content != "" {
				line = "Assistant: " + clip(msg.Content, maxLen)
			}
		}
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return ""
	}
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return fmt.Sprintf("[Recent conversation]\n%s\n[End of recent conversation]", strings.Join(lines, "\n"))
}

func clip(s string, max int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= max {
		return string(r)
	}
	return string(r[:max]) + "..."
}
