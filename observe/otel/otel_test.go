package otel

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/observe"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestSink(t *testing.T) (*Sink, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewSink(tp), exporter
}

func TestSinkEmitsRunSpan(t *testing.T) {
	sink, exporter := newTestSink(t)

	now := time.Now()
	err := sink.Emit(context.Background(), observe.Event{
		Kind:           observe.KindRun,
		RunID:          "run-123",
		ConversationID: "conv-456",
		ModelID:        "gemini-2.5-flash",
		Status:         observe.StatusCompleted,
		Timestamp:      now,
		DurationMs:     150,
		Attributes:     map[string]any{"iterations": 2},
	})
	if err != nil {
		t.Fatal(err)
	}

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "controlplane.run" {
		t.Errorf("expected span name controlplane.run, got %q", span.Name)
	}
	if got := span.EndTime.Sub(span.StartTime); got != 150*time.Millisecond {
		t.Errorf("expected 150ms span, got %s", got)
	}
	if span.Status.Code != codes.Ok {
		t.Errorf("expected ok status, got %v", span.Status.Code)
	}

	attrs := attrToMap(span.Attributes)
	want := map[string]string{
		"controlplane.run.id":          "run-123",
		"controlplane.conversation.id": "conv-456",
		"controlplane.model.id":        "gemini-2.5-flash",
		"controlplane.attr.iterations": "2",
		"controlplane.event.kind":      "run",
	}
	for k, v := range want {
		if attrs[k] != v {
			t.Errorf("attribute %s = %q, want %q", k, attrs[k], v)
		}
	}
}

func TestSpanNaming(t *testing.T) {
	tests := []struct {
		event    observe.Event
		wantName string
	}{
		{observe.Event{Kind: observe.KindModel, ModelID: "gemini-2.5-pro"}, "controlplane.model.gemini-2.5-pro"},
		{observe.Event{Kind: observe.KindModel}, "controlplane.model.generate"},
		{observe.Event{Kind: observe.KindTool, ToolName: "uuid_generator"}, "controlplane.tool.uuid_generator"},
		{observe.Event{Kind: observe.KindStep, Name: "load_context"}, "controlplane.step.load_context"},
		{observe.Event{Kind: observe.KindState}, "controlplane.state"},
		{observe.Event{Kind: observe.KindCustom, Name: "custom_event"}, "controlplane.custom_event"},
		{observe.Event{}, "controlplane.event"},
	}

	for _, tt := range tests {
		if got := SpanName(tt.event); got != tt.wantName {
			t.Errorf("SpanName(%+v) = %q, want %q", tt.event, got, tt.wantName)
		}
	}
}

func TestSinkErrorStatus(t *testing.T) {
	sink, exporter := newTestSink(t)
	_ = sink.Emit(context.Background(), observe.Event{
		Kind:      observe.KindRun,
		Status:    observe.StatusFailed,
		Error:     "all model candidates failed",
		Timestamp: time.Now(),
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("expected error status, got %v", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 {
		t.Error("expected error event recorded on span")
	}
}

func TestMessageAttributeIsTruncated(t *testing.T) {
	sink, exporter := newTestSink(t)
	_ = sink.Emit(context.Background(), observe.Event{
		Kind:    observe.KindStep,
		Message: strings.Repeat("x", maxMessageAttr+10),
	})

	attrs := attrToMap(exporter.GetSpans()[0].Attributes)
	msg := attrs["controlplane.message"]
	if len(msg) != maxMessageAttr+3 || !strings.HasSuffix(msg, "...") {
		t.Errorf("unexpected truncated message length %d", len(msg))
	}
}

func TestNilTracerProvider(t *testing.T) {
	sink := NewSink(nil)
	err := sink.Emit(context.Background(), observe.Event{Kind: observe.KindRun, Timestamp: time.Now()})
	if err != nil {
		t.Errorf("expected no error with nil provider, got: %v", err)
	}
}

func attrToMap(attrs []attribute.KeyValue) map[string]string {
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[string(a.Key)] = a.Value.Emit()
	}
	return m
}
