package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/observe"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
)

// stepTimer measures named orchestration steps. Every step is logged; steps
// slower than threshold also produce a thinking frame and a step event.
type stepTimer struct {
	ctx       context.Context
	runID     string
	threshold time.Duration
	events    stream.Emitter
	sink      observe.Sink
	logger    zerolog.Logger
	now       func() time.Time
}

func (t *stepTimer) start(name string) func() {
	started := t.now()
	return func() { t.observe(name, t.now().Sub(started)) }
}

func (t *stepTimer) observe(name string, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	t.logger.Debug().Str("step", name).Int64("duration_ms", ms).Msg("agent_step")
	if t.threshold <= 0 || elapsed < t.threshold {
		return
	}
	if t.events != nil {
		t.events.Emit(stream.Frame{
			Event:   stream.EventThinking,
			Message: fmt.Sprintf("%s took %dms", name, ms),
			Data:    map[string]any{"step": name, "durationMs": ms},
		})
	}
	if t.sink != nil {
		_ = t.sink.Emit(t.ctx, observe.Event{
			RunID:      t.runID,
			Kind:       observe.KindStep,
			Status:     observe.StatusCompleted,
			Name:       name,
			DurationMs: ms,
			Timestamp:  t.now().Add(-elapsed),
		})
	}
}
