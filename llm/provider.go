package llm

import (
	"context"
	"errors"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

var ErrNotSupported = errors.New("operation not supported by provider")

type Capabilities struct {
	Tools            bool
	Streaming        bool
	StructuredOutput bool
}

type Provider interface {
	Name() string
	Capabilities() Capabilities
	Generate(ctx context.Context, req types.Request) (types.Response, error)
}

// StreamingProvider delivers a response incrementally. onChunk sees every text
// fragment and then a final chunk with Done set.
type StreamingProvider interface {
	Provider
	GenerateStream(ctx context.Context, req types.Request, onChunk func(types.StreamChunk) error) (types.Response, error)
}

// AsStreaming returns p as a StreamingProvider when it both implements the
// interface and advertises streaming.
func AsStreaming(p Provider) (StreamingProvider, bool) {
	sp, ok := p.(StreamingProvider)
	if !ok || !p.Capabilities().Streaming {
		return nil, false
	}
	return sp, true
}
