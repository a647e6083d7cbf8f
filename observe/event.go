// Package observe carries run telemetry from the orchestrator to pluggable
// sinks such as OpenTelemetry.
package observe

import "time"

type Kind string

type Status string

const (
	KindRun    Kind = "run"
	KindStep   Kind = "step"
	KindModel  Kind = "model"
	KindTool   Kind = "tool"
	KindState  Kind = "state"
	KindCustom Kind = "custom"
)

const (
	StatusStarted   Status = "started"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	RunID          string         `json:"runId,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Kind           Kind           `json:"kind"`
	Status         Status         `json:"status,omitempty"`
	Name           string         `json:"name,omitempty"`
	ModelID        string         `json:"modelId,omitempty"`
	ToolName       string         `json:"toolName,omitempty"`
	Message        string         `json:"message,omitempty"`
	Error          string         `json:"error,omitempty"`
	DurationMs     int64          `json:"durationMs,omitempty"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindCustom
	}
	if e.Status == "" {
		e.Status = StatusCompleted
	}
	if e.Attributes == nil {
		e.Attributes = map[string]any{}
	}
}
