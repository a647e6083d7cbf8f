package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

func TestClientGenerate_RoundTrip(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth header")
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		if req["model"] != "llama3.2" {
			t.Errorf("unexpected model: %#v", req["model"])
		}
		msgs, _ := req["messages"].([]any)
		if len(msgs) != 2 {
			t.Errorf("expected system and user messages, got %d", len(msgs))
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "result",
					"tool_calls": [{
						"id": "tc-1",
						"type": "function",
						"function": {"name": "calc", "arguments": "{\"x\":1}"}
					}]
				}
			}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 3, "total_tokens": 10}
		}`))
	}))
	defer ts.Close()

	client := New("test-key", WithBaseURL(ts.URL), WithModel("llama3.2"), WithHTTPClient(ts.Client()))
	resp, err := client.Generate(context.Background(), types.Request{
		SystemPrompt: "system",
		Messages:     []types.Message{{Role: types.RoleUser, Content: "hello"}},
		Tools:        []types.ToolDefinition{{Name: "calc", Description: "adds"}},
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.Message.Content != "result" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || string(resp.Message.ToolCalls[0].Arguments) != `{"x":1}` {
		t.Fatalf("unexpected tool calls %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestClientGenerateStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != true {
			t.Errorf("expected stream request, got %#v", req["stream"])
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("keyless client should not send auth")
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range []string{
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"c1","function":{"name":"clock","arguments":"{\"tz\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"UTC\"}"}}]}}]}`,
			`{"choices":[],"usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}`,
			`[DONE]`,
		} {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
	}))
	defer ts.Close()

	client := New("", WithBaseURL(ts.URL), WithStreaming(true))
	sp, ok := llm.AsStreaming(client)
	if !ok {
		t.Fatal("client should stream when enabled")
	}

	var chunks []string
	done := false
	resp, err := sp.GenerateStream(context.Background(), types.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
	}, func(c types.StreamChunk) error {
		if c.Done {
			done = true
			return nil
		}
		chunks = append(chunks, c.Text)
		return nil
	})
	if err != nil {
		t.Fatalf("GenerateStream failed: %v", err)
	}
	if strings.Join(chunks, "") != "Hello" || !done {
		t.Fatalf("unexpected chunks %q done=%v", chunks, done)
	}
	if resp.Message.Content != "Hello" {
		t.Fatalf("unexpected content %q", resp.Message.Content)
	}
	if len(resp.Message.ToolCalls) != 1 || string(resp.Message.ToolCalls[0].Arguments) != `{"tz":"UTC"}` {
		t.Fatalf("tool call fragments not joined: %+v", resp.Message.ToolCalls)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 4 {
		t.Fatalf("unexpected usage %+v", resp.Usage)
	}
}

func TestClientGenerateStream_CallbackErrorStops(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]}\n\ndata: [DONE]\n\n")
	}))
	defer ts.Close()

	stop := errors.New("client gone")
	_, err := New("", WithBaseURL(ts.URL), WithStreaming(true)).GenerateStream(context.Background(), types.Request{}, func(types.StreamChunk) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error, got %v", err)
	}
}

func TestClientGenerate_APIError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer ts.Close()

	_, err := New("k", WithBaseURL(ts.URL)).Generate(context.Background(), types.Request{})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

func TestFactories(t *testing.T) {
	ctx := context.Background()
	if _, err := CompatibleFactory().New(ctx, models.Candidate{ID: "local", Provider: CompatibleProviderName}); err == nil {
		t.Fatal("compatible factory should require an endpoint")
	}
	p, err := CompatibleFactory().New(ctx, models.Candidate{ID: "local", Endpoint: "http://127.0.0.1:11434", Streaming: true})
	if err != nil {
		t.Fatalf("compatible factory failed: %v", err)
	}
	if !p.Capabilities().Streaming {
		t.Fatal("candidate streaming flag should carry through")
	}
	if Factory().Keyless || !CompatibleFactory().Keyless {
		t.Fatal("only the compatible factory is keyless")
	}
}

func TestNormalizeArgs(t *testing.T) {
	tests := map[string]string{
		"":         `{}`,
		`{"a":1}`:  `{"a":1}`,
		"not json": `{"raw":"not json"}`,
	}
	for in, want := range tests {
		if got := string(normalizeArgs(in)); got != want {
			t.Errorf("normalizeArgs(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestToMessages_KeepsEveryRole(t *testing.T) {
	got := toMessages([]types.Message{
		{Role: types.RoleSystem, Content: "be brief"},
		{Role: types.RoleUser, Content: "hi"},
		{Role: types.RoleAssistant, ToolCalls: []types.ToolCall{{ID: "c1", Name: "clock"}}},
		{Role: types.RoleTool, Name: "clock", ToolCallID: "c1", Content: "noon"},
	})
	roles := make([]string, 0, len(got))
	for _, m := range got {
		roles = append(roles, m.Role)
	}
	if strings.Join(roles, ",") != "system,user,assistant,tool" {
		t.Fatalf("unexpected roles %v", roles)
	}
	if got[0].Content != "be brief" {
		t.Fatalf("system content lost: %+v", got[0])
	}
	if got[2].ToolCalls[0].Function.Arguments != "{}" {
		t.Fatalf("empty arguments should default to {}, got %q", got[2].ToolCalls[0].Function.Arguments)
	}
}
