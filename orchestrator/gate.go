package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStreamTimeout is returned by a gate wait that outlived its bound.
var ErrStreamTimeout = errors.New("timed out waiting for generation to finish")

// gate is a single-fire future for the end of a streamed generation. The
// first resolve wins; later ones are ignored.
type gate struct {
	once    sync.Once
	done    chan struct{}
	content string
	err     error
}

func newGate() *gate {
	return &gate{done: make(chan struct{})}
}

// resolve reports whether this call was the one that fired the gate.
func (g *gate) resolve(content string, err error) bool {
	fired := false
	g.once.Do(func() {
		g.content, g.err = content, err
		close(g.done)
		fired = true
	})
	return fired
}

func (g *gate) fired() bool {
	select {
	case <-g.done:
		return true
	default:
		return false
	}
}

// wait blocks until the gate fires, ctx ends or timeout elapses. A timeout
// of zero or less waits on ctx only.
func (g *gate) wait(ctx context.Context, timeout time.Duration) (string, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-g.done:
		return g.content, g.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-expired:
		return "", ErrStreamTimeout
	}
}
