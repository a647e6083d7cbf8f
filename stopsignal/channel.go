// Package stopsignal lets any process ask a run executing elsewhere to stop.
// Requests are marker keys with a bounded lifetime in a shared TTL store;
// the executing loop polls for them between iterations.
package stopsignal

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/state"
)

const (
	DefaultTTL = 5 * time.Minute

	keyPrefix = "stop:request:"
	marker    = "STOP"
)

type Channel struct {
	store  state.TTLStore
	ttl    time.Duration
	logger zerolog.Logger
}

type Option func(*Channel)

func WithTTL(ttl time.Duration) Option {
	return func(c *Channel) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

func New(store state.TTLStore, opts ...Option) *Channel {
	c := &Channel{store: store, ttl: DefaultTTL, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestStop records a stop marker for runID. It reports false for an empty
// id or when the store rejects the write.
func (c *Channel) RequestStop(ctx context.Context, runID string) bool {
	runID = strings.TrimSpace(runID)
	if runID == "" || c == nil || c.store == nil {
		return false
	}
	if err := c.store.Set(ctx, Key(runID), []byte(marker), c.ttl); err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to record stop request")
		return false
	}
	c.logger.Info().Str("run_id", runID).Dur("ttl", c.ttl).Msg("stop requested")
	return true
}

// IsStopRequested fails open: storage errors read as "not requested".
func (c *Channel) IsStopRequested(ctx context.Context, runID string) bool {
	runID = strings.TrimSpace(runID)
	if runID == "" || c == nil || c.store == nil {
		return false
	}
	ok, err := c.store.Exists(ctx, Key(runID))
	if err != nil {
		c.logger.Warn().Err(err).Str("run_id", runID).Msg("failed to check stop request")
		return false
	}
	return ok
}

func (c *Channel) Clear(ctx context.Context, runID string) {
	runID = strings.TrimSpace(runID)
	if runID == "" || c == nil || c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, Key(runID)); err != nil {
		c.logger.Debug().Err(err).Str("run_id", runID).Msg("failed to clear stop request")
	}
}

// Key is the store key holding the marker for runID.
func Key(runID string) string {
	return keyPrefix + runID
}
