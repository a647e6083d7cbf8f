// Package openai talks to chat-completions endpoints: OpenAI itself and the
// compatible servers (Ollama, vLLM, gateways) reached through a candidate's
// endpoint.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const (
	ProviderName           = "openai"
	CompatibleProviderName = "openai-compatible"

	defaultModel   = "gpt-4o-mini"
	defaultBaseURL = "https://api.openai.com"
)

type Client struct {
	apiKey     string
	model      string
	baseURL    string
	streaming  bool
	httpClient *http.Client
}

var _ llm.StreamingProvider = (*Client)(nil)

type Option func(*Client)

func WithModel(model string) Option {
	return func(c *Client) {
		if strings.TrimSpace(model) != "" {
			c.model = strings.TrimSpace(model)
		}
	}
}

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if strings.TrimSpace(baseURL) != "" {
			c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
		}
	}
}

func WithStreaming(enabled bool) Option {
	return func(c *Client) { c.streaming = enabled }
}

// WithHTTPClient replaces the transport. Deadlines come from the request
// context; the resolver applies the candidate timeout there.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New builds a client. apiKey may be empty for local compatible servers.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      defaultModel,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func options(c models.Candidate) []Option {
	return []Option{WithModel(c.ModelName()), WithBaseURL(c.Endpoint), WithStreaming(c.Streaming)}
}

// Factory serves provider "openai" and requires an api key.
func Factory() models.Factory {
	return models.Factory{New: func(_ context.Context, c models.Candidate) (llm.Provider, error) {
		return New(c.APIKey, options(c)...), nil
	}}
}

// CompatibleFactory serves provider "openai-compatible". The candidate must
// name an endpoint; the key is optional.
func CompatibleFactory() models.Factory {
	return models.Factory{Keyless: true, New: func(_ context.Context, c models.Candidate) (llm.Provider, error) {
		if strings.TrimSpace(c.Endpoint) == "" {
			return nil, fmt.Errorf("endpoint is required for provider %s", CompatibleProviderName)
		}
		return New(c.APIKey, options(c)...), nil
	}}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{
		Tools:            true,
		Streaming:        c.streaming,
		StructuredOutput: true,
	}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	resp, err := c.post(ctx, c.payload(req, false))
	if err != nil {
		return types.Response{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Response{}, fmt.Errorf("failed to read openai response: %w", err)
	}
	var apiResp chatResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return types.Response{}, fmt.Errorf("failed to decode openai response: %w", err)
	}
	if len(apiResp.Choices) == 0 {
		return types.Response{}, errors.New("openai response had no choices")
	}

	msg := apiResp.Choices[0].Message
	out := types.Message{Role: types.RoleAssistant, Content: contentString(msg.Content)}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArgs(tc.Function.Arguments),
		})
	}
	return types.Response{Message: out, Usage: apiResp.Usage.toUsage()}, nil
}

// GenerateStream reads the server-sent chunk stream. Tool call fragments are
// joined by index and surface only in the final response.
func (c *Client) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	resp, err := c.post(ctx, c.payload(req, true))
	if err != nil {
		return types.Response{}, err
	}
	defer resp.Body.Close()

	var (
		text  strings.Builder
		calls = map[int]*toolCall{}
		usage *types.Usage
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			break
		}
		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return types.Response{}, fmt.Errorf("failed to decode openai stream chunk: %w", err)
		}
		if u := chunk.Usage.toUsage(); u != nil {
			usage = u
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if err := onChunk(types.StreamChunk{Text: choice.Delta.Content}); err != nil {
					return types.Response{}, err
				}
			}
			for _, d := range choice.Delta.ToolCalls {
				tc, ok := calls[d.Index]
				if !ok {
					tc = &toolCall{}
					calls[d.Index] = tc
				}
				if d.ID != "" {
					tc.ID = d.ID
				}
				if d.Function.Name != "" {
					tc.Function.Name = d.Function.Name
				}
				tc.Function.Arguments += d.Function.Arguments
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return types.Response{}, fmt.Errorf("openai stream failed: %w", err)
	}
	if err := onChunk(types.StreamChunk{Done: true}); err != nil {
		return types.Response{}, err
	}

	out := types.Message{Role: types.RoleAssistant, Content: text.String()}
	indexes := make([]int, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		tc := calls[i]
		out.ToolCalls = append(out.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArgs(tc.Function.Arguments),
		})
	}
	return types.Response{Message: out, Usage: usage}, nil
}

func (c *Client) payload(req types.Request, stream bool) chatRequest {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	payload := chatRequest{
		Model:     model,
		Messages:  make([]message, 0, len(req.Messages)+1),
		MaxTokens: req.MaxOutputTokens,
		Stream:    stream,
	}
	if stream {
		payload.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	if req.SystemPrompt != "" {
		payload.Messages = append(payload.Messages, message{Role: "system", Content: req.SystemPrompt})
	}
	payload.Messages = append(payload.Messages, toMessages(req.Messages)...)
	if len(req.Tools) > 0 {
		payload.ToolChoice = "auto"
		payload.Tools = toTools(req.Tools)
	}
	return payload
}

func (c *Client) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal openai request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create openai request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if payload.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("openai API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

func toMessages(in []types.Message) []message {
	msgs := make([]message, 0, len(in))
	for _, m := range in {
		switch m.Role {
		case types.RoleSystem:
			msgs = append(msgs, message{Role: "system", Content: m.Content})
		case types.RoleUser:
			msgs = append(msgs, message{Role: "user", Content: m.Content})
		case types.RoleAssistant:
			out := message{Role: "assistant", Content: m.Content}
			for _, tc := range m.ToolCalls {
				args := "{}"
				if len(tc.Arguments) > 0 {
					args = string(tc.Arguments)
				}
				out.ToolCalls = append(out.ToolCalls, toolCall{
					ID:       tc.ID,
					Type:     "function",
					Function: functionCall{Name: tc.Name, Arguments: args},
				})
			}
			msgs = append(msgs, out)
		case types.RoleTool:
			msgs = append(msgs, message{Role: "tool", Name: m.Name, ToolCallID: m.ToolCallID, Content: m.Content})
		}
	}
	return msgs
}

func toTools(in []types.ToolDefinition) []tool {
	out := make([]tool, 0, len(in))
	for _, t := range in {
		params := t.JSONSchema
		if len(params) == 0 {
			params = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}
		out = append(out, tool{
			Type:     "function",
			Function: toolFunction{Name: t.Name, Description: t.Description, Parameters: params},
		})
	}
	return out
}

func contentString(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case nil:
		return ""
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprintf("%v", c)
		}
		return string(b)
	}
}

// normalizeArgs keeps valid JSON and wraps anything else as {"raw": ...}.
func normalizeArgs(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage(`{}`)
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw)
	}
	escaped, _ := json.Marshal(raw)
	return json.RawMessage(fmt.Sprintf(`{"raw":%s}`, escaped))
}
