// Package echo is a keyless provider that answers with the last user message.
// It backs local development and tests.
package echo

import (
	"context"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const ProviderName = "echo"

type Client struct {
	prefix    string
	tokenGap  time.Duration
	streaming bool
}

type Option func(*Client)

func WithPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithTokenDelay spaces streamed tokens to simulate a slow backend.
func WithTokenDelay(d time.Duration) Option {
	return func(c *Client) { c.tokenGap = d }
}

func WithStreaming(enabled bool) Option {
	return func(c *Client) { c.streaming = enabled }
}

func New(opts ...Option) *Client {
	c := &Client{prefix: "echo: ", streaming: true}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func Factory() models.Factory {
	return models.Factory{Keyless: true, New: func(_ context.Context, c models.Candidate) (llm.Provider, error) {
		return New(WithStreaming(c.Streaming)), nil
	}}
}

func (c *Client) Name() string { return ProviderName }

func (c *Client) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: c.streaming}
}

func (c *Client) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	if err := ctx.Err(); err != nil {
		return types.Response{}, err
	}
	return c.reply(req), nil
}

func (c *Client) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	resp := c.reply(req)
	for _, tok := range strings.SplitAfter(resp.Message.Content, " ") {
		if tok == "" {
			continue
		}
		if c.tokenGap > 0 {
			select {
			case <-ctx.Done():
				return types.Response{}, ctx.Err()
			case <-time.After(c.tokenGap):
			}
		}
		if err := onChunk(types.StreamChunk{Text: tok}); err != nil {
			return types.Response{}, err
		}
	}
	if err := onChunk(types.StreamChunk{Done: true}); err != nil {
		return types.Response{}, err
	}
	return resp, nil
}

func (c *Client) reply(req types.Request) types.Response {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == types.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	content := c.prefix + last
	return types.Response{
		Message: types.Message{Role: types.RoleAssistant, Content: content},
		Usage:   &types.Usage{InputTokens: len(strings.Fields(last)), OutputTokens: len(strings.Fields(content)), TotalTokens: len(strings.Fields(last)) + len(strings.Fields(content))},
	}
}
