// Package otel turns observe events into OpenTelemetry spans. Each event
// becomes one span whose end time is derived from DurationMs.
package otel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/PipeOpsHQ/agent-controlplane/orchestrator"

const maxMessageAttr = 1024

// Sink implements observe.Sink.
type Sink struct {
	tracer trace.Tracer
}

// NewSink uses a noop provider when tp is nil.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Sink{tracer: tp.Tracer(instrumentationName)}
}

func (s *Sink) Emit(ctx context.Context, event observe.Event) error {
	if s == nil {
		return nil
	}
	event.Normalize()
	if ctx == nil {
		ctx = context.Background()
	}
	start := event.Timestamp
	// Runs outlive the request that started them.
	_, span := s.tracer.Start(ctx, SpanName(event), trace.WithTimestamp(start), trace.WithNewRoot())
	span.SetAttributes(attributesOf(event)...)

	switch event.Status {
	case observe.StatusFailed:
		span.SetStatus(codes.Error, event.Error)
		if event.Error != "" {
			span.RecordError(errors.New(event.Error))
		}
	case observe.StatusCompleted:
		span.SetStatus(codes.Ok, "")
	}

	end := start
	if event.DurationMs > 0 {
		end = start.Add(time.Duration(event.DurationMs) * time.Millisecond)
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

// SpanName is "controlplane.<kind>" with the step, model or tool name
// appended when known.
func SpanName(event observe.Event) string {
	switch event.Kind {
	case observe.KindRun:
		return "controlplane.run"
	case observe.KindModel:
		if event.ModelID != "" {
			return "controlplane.model." + event.ModelID
		}
		return "controlplane.model.generate"
	case observe.KindTool:
		if event.ToolName != "" {
			return "controlplane.tool." + event.ToolName
		}
		return "controlplane.tool.call"
	case observe.KindStep:
		if event.Name != "" {
			return "controlplane.step." + event.Name
		}
		return "controlplane.step"
	case observe.KindState:
		return "controlplane.state"
	default:
		if event.Name != "" {
			return "controlplane." + event.Name
		}
		return "controlplane.event"
	}
}

func attributesOf(event observe.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("controlplane.event.kind", string(event.Kind)),
		attribute.String("controlplane.status", string(event.Status)),
	}
	add := func(key, value string) {
		if value != "" {
			attrs = append(attrs, attribute.String(key, value))
		}
	}
	add("controlplane.run.id", event.RunID)
	add("controlplane.conversation.id", event.ConversationID)
	add("controlplane.event.name", event.Name)
	add("controlplane.model.id", event.ModelID)
	add("controlplane.tool.name", event.ToolName)
	add("controlplane.message", truncate(event.Message, maxMessageAttr))
	if event.DurationMs > 0 {
		attrs = append(attrs, attribute.Int64("controlplane.duration_ms", event.DurationMs))
	}

	keys := make([]string, 0, len(event.Attributes))
	for k := range event.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, attributeOf("controlplane.attr."+k, event.Attributes[k]))
	}
	return attrs
}

func attributeOf(key string, v any) attribute.KeyValue {
	switch val := v.(type) {
	case string:
		return attribute.String(key, val)
	case bool:
		return attribute.Bool(key, val)
	case int:
		return attribute.Int(key, val)
	case int64:
		return attribute.Int64(key, val)
	case float64:
		return attribute.Float64(key, val)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
