package observe

import (
	"context"

	"github.com/PipeOpsHQ/agent-controlplane/stream"
)

// FromFrame maps a client-facing frame to a telemetry event. Token frames
// report false; they are too frequent to trace one by one.
func FromFrame(runID string, f stream.Frame) (Event, bool) {
	e := Event{
		RunID:          runID,
		ConversationID: f.ConversationID,
		Name:           string(f.Event),
		Message:        f.Message,
		Attributes:     map[string]any{"event": string(f.Event)},
	}
	switch f.Event {
	case stream.EventMessageToken:
		return Event{}, false
	case stream.EventStart:
		e.Kind, e.Status = KindRun, StatusStarted
	case stream.EventComplete:
		e.Kind, e.Status = KindRun, StatusCompleted
	case stream.EventError:
		e.Kind, e.Status, e.Error = KindCustom, StatusFailed, f.Message
	case stream.EventToolCall:
		e.Kind, e.Status, e.ToolName = KindTool, StatusStarted, f.Message
	case stream.EventToolResult:
		e.Kind, e.ToolName = KindTool, f.Message
		e.Status = StatusCompleted
		if ok, _ := f.Data["success"].(bool); !ok {
			e.Status = StatusFailed
			e.Error, _ = f.Data["error"].(string)
		}
	case stream.EventRetrievalQuerying, stream.EventRetrievalResult:
		e.Kind = KindStep
	case stream.EventThinking:
		e.Kind = KindState
	default:
		e.Kind = KindCustom
	}
	for _, k := range []string{"toolCallId", "toolExecutionId", "state", "step", "count", "durationMs"} {
		if v, ok := f.Data[k]; ok {
			e.Attributes[k] = v
		}
	}
	if ms, ok := f.Data["durationMs"].(int64); ok {
		e.DurationMs = ms
	}
	e.Normalize()
	return e, true
}

// Tap returns an emitter that forwards frames to next and mirrors them as
// events into sink.
func Tap(ctx context.Context, sink Sink, runID string, next stream.Emitter) stream.Emitter {
	if sink == nil {
		return next
	}
	return stream.EmitterFunc(func(f stream.Frame) {
		if next != nil {
			next.Emit(f)
		}
		if e, ok := FromFrame(runID, f); ok {
			_ = sink.Emit(ctx, e)
		}
	})
}
