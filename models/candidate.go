package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

var (
	ErrUnknownModel      = errors.New("unknown model id")
	ErrMissingCredential = errors.New("model credential is missing")
	ErrUnknownProvider   = errors.New("no constructor registered for provider")
)

// TaskKind selects an ordered candidate list for a kind of work.
type TaskKind string

const (
	TaskSimpleChat      TaskKind = "SIMPLE_CHAT"
	TaskRAGQuery        TaskKind = "RAG_QUERY"
	TaskToolCall        TaskKind = "TOOL_CALL"
	TaskComplexWorkflow TaskKind = "COMPLEX_WORKFLOW"
)

// Candidate is the static configuration of one backend model.
type Candidate struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	Provider  string        `json:"provider" yaml:"provider"`
	Endpoint  string        `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	APIKey    string        `json:"-" yaml:"apiKey,omitempty"`
	Timeout   time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Streaming bool          `json:"streaming,omitempty" yaml:"streaming,omitempty"`
}

// ModelName is the identifier sent to the provider.
func (c Candidate) ModelName() string {
	if strings.TrimSpace(c.Name) != "" {
		return strings.TrimSpace(c.Name)
	}
	return c.ID
}

type Config struct {
	DefaultModelID string
	Candidates     []Candidate
	TaskModels     map[TaskKind][]string
}

// Constructor builds a provider handle for a candidate.
type Constructor func(ctx context.Context, c Candidate) (llm.Provider, error)

// Factory pairs a constructor with whether it needs Candidate.APIKey.
type Factory struct {
	New     Constructor
	Keyless bool
}

// FallbackError reports that every candidate failed to resolve.
type FallbackError struct {
	Tried []string
	Last  error
}

func (e *FallbackError) Error() string {
	if len(e.Tried) == 0 {
		return "no model candidates to try"
	}
	return fmt.Sprintf("all model candidates failed (tried %s): %v", strings.Join(e.Tried, ", "), e.Last)
}

func (e *FallbackError) Unwrap() error { return e.Last }

// timeoutProvider bounds every call to the candidate's timeout.
type timeoutProvider struct {
	llm.Provider
	timeout time.Duration
}

func withTimeout(p llm.Provider, timeout time.Duration) llm.Provider {
	if timeout <= 0 {
		return p
	}
	if sp, ok := p.(llm.StreamingProvider); ok {
		return &timeoutStreamingProvider{timeoutProvider{Provider: sp, timeout: timeout}, sp}
	}
	return &timeoutProvider{Provider: p, timeout: timeout}
}

func (p *timeoutProvider) Generate(ctx context.Context, req types.Request) (types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.Provider.Generate(ctx, req)
}

type timeoutStreamingProvider struct {
	timeoutProvider
	stream llm.StreamingProvider
}

func (p *timeoutStreamingProvider) GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.stream.GenerateStream(ctx, req, onChunk)
}
