// Package loop defines the reasoning/acting loop the orchestrator drives.
package loop

import (
	"context"

	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// Loop alternates decide and act steps until it has an answer for goal.
// Implementations poll rc.StopRequested between iterations and honor the
// tool and knowledge filters on rc.
type Loop interface {
	Execute(ctx context.Context, goal string, rc *memory.RunContext) (Result, error)
}

type Func func(ctx context.Context, goal string, rc *memory.RunContext) (Result, error)

func (f Func) Execute(ctx context.Context, goal string, rc *memory.RunContext) (Result, error) {
	return f(ctx, goal, rc)
}

// Result is what a loop produced in one run.
type Result struct {
	// Messages holds only the messages created during this run.
	Messages   []types.Message
	Iterations int
	Metadata   map[string]any
	// Streamed means output went through rc's OutputHandler and the caller
	// should wait for its completion signal.
	Streamed bool
	Stopped  bool
}

// Final returns the content of the last assistant message without tool calls.
func (r Result) Final() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		m := r.Messages[i]
		if m.Role == types.RoleAssistant && len(m.ToolCalls) == 0 {
			return m.Content
		}
	}
	return ""
}
