package types

import (
	"encoding/json"
	"time"
)

// ActionType tags the variant carried by an Action.
type ActionType string

const (
	ActionToolCall       ActionType = "TOOL_CALL"
	ActionRetrieval      ActionType = "RAG_RETRIEVE"
	ActionGeneration     ActionType = "LLM_GENERATE"
	ActionDirectResponse ActionType = "DIRECT_RESPONSE"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionToolCall, ActionRetrieval, ActionGeneration, ActionDirectResponse:
		return true
	default:
		return false
	}
}

// Action is one decision taken by the reasoning loop. Exactly one of the
// payload fields is set, matching Type.
type Action struct {
	Type      ActionType         `json:"type"`
	Name      string             `json:"name,omitempty"`
	Reasoning string             `json:"reasoning,omitempty"`
	Tool      *ToolCall          `json:"tool,omitempty"`
	Retrieval *RetrievalAction   `json:"retrieval,omitempty"`
	Generate  *GenerationAction  `json:"generate,omitempty"`
	Response  *DirectResponseAct `json:"response,omitempty"`
}

type RetrievalAction struct {
	Query        string   `json:"query"`
	KnowledgeIDs []string `json:"knowledgeIds,omitempty"`
}

type GenerationAction struct {
	Prompt string `json:"prompt"`
}

type DirectResponseAct struct {
	Content string `json:"content"`
}

func NewToolAction(call ToolCall, reasoning string) Action {
	return Action{Type: ActionToolCall, Name: call.Name, Reasoning: reasoning, Tool: &call}
}

func NewRetrievalAction(query string, knowledgeIDs []string) Action {
	return Action{Type: ActionRetrieval, Name: "retrieve", Retrieval: &RetrievalAction{Query: query, KnowledgeIDs: knowledgeIDs}}
}

func NewGenerationAction(prompt string) Action {
	return Action{Type: ActionGeneration, Name: "generate", Generate: &GenerationAction{Prompt: prompt}}
}

func NewDirectResponse(content string) Action {
	return Action{Type: ActionDirectResponse, Name: "respond", Response: &DirectResponseAct{Content: content}}
}

// ActionResult records the outcome of a single Action.
type ActionResult struct {
	Success    bool            `json:"success"`
	ActionType ActionType      `json:"actionType"`
	ActionName string          `json:"actionName,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorType  string          `json:"errorType,omitempty"`
	Duration   time.Duration   `json:"duration,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
}

func Succeeded(action Action, data any, elapsed time.Duration) ActionResult {
	raw, _ := json.Marshal(data)
	return ActionResult{
		Success:    true,
		ActionType: action.Type,
		ActionName: action.Name,
		Data:       raw,
		Duration:   elapsed,
	}
}

func Failed(action Action, err error, errorType string, elapsed time.Duration) ActionResult {
	out := ActionResult{
		ActionType: action.Type,
		ActionName: action.Name,
		ErrorType:  errorType,
		Duration:   elapsed,
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
