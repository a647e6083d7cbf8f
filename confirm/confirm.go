// Package confirm holds tool executions that wait for a user's approval.
// Pending executions and decisions are keys in a shared TTL store, so the
// approval may arrive on a different process than the run that waits.
package confirm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/state"
)

const (
	DefaultTimeout      = 60 * time.Second
	DefaultPollInterval = 200 * time.Millisecond

	minTTL        = 5 * time.Minute
	pendingPrefix = "tool:confirm:pending:"
	decisionPref  = "tool:confirm:decision:"
	pendingMarker = "PENDING"
	approved      = "APPROVED"
	rejected      = "REJECTED"
)

type Decision string

const (
	Approved Decision = "approved"
	Rejected Decision = "rejected"
	TimedOut Decision = "timeout"
)

type Registry struct {
	store    state.TTLStore
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger
}

type Option func(*Registry)

// WithTimeout bounds how long Wait blocks for a decision.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

func New(store state.TTLStore, opts ...Option) *Registry {
	r := &Registry{
		store:    store,
		timeout:  DefaultTimeout,
		interval: DefaultPollInterval,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Timeout() time.Duration {
	if r == nil {
		return 0
	}
	return r.timeout
}

func (r *Registry) ttl() time.Duration {
	return max(2*r.timeout, minTTL)
}

// Register marks id as awaiting a decision. It reports false for an empty id
// or when the store rejects the write.
func (r *Registry) Register(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || r == nil || r.store == nil {
		return false
	}
	if err := r.store.Set(ctx, pendingKey(id), []byte(pendingMarker), r.ttl()); err != nil {
		r.logger.Warn().Err(err).Str("tool_execution_id", id).Msg("failed to register tool confirmation")
		return false
	}
	return true
}

// Decide records the user's answer for a pending id. It reports false when
// nothing is waiting on id.
func (r *Registry) Decide(ctx context.Context, id string, approve bool) bool {
	id = strings.TrimSpace(id)
	if id == "" || r == nil || r.store == nil {
		return false
	}
	pending, err := r.store.Exists(ctx, pendingKey(id))
	if err != nil {
		r.logger.Warn().Err(err).Str("tool_execution_id", id).Msg("failed to look up tool confirmation")
		return false
	}
	if !pending {
		return false
	}
	value := rejected
	if approve {
		value = approved
	}
	if err := r.store.Set(ctx, decisionKey(id), []byte(value), r.ttl()); err != nil {
		r.logger.Warn().Err(err).Str("tool_execution_id", id).Msg("failed to record tool confirmation")
		return false
	}
	r.logger.Info().Str("tool_execution_id", id).Bool("approved", approve).Msg("tool confirmation recorded")
	return true
}

// Wait polls for the decision on id until the timeout elapses or ctx ends.
// Anything other than an explicit approval reads as a rejection. Both keys
// are removed before it returns.
func (r *Registry) Wait(ctx context.Context, id string) Decision {
	id = strings.TrimSpace(id)
	if id == "" || r == nil || r.store == nil {
		return Rejected
	}
	defer r.clear(context.WithoutCancel(ctx), id)

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if d, ok := r.read(ctx, id); ok {
			return d
		}
		select {
		case <-ctx.Done():
			return Rejected
		case <-deadline.C:
			r.logger.Warn().Str("tool_execution_id", id).Dur("timeout", r.timeout).Msg("tool confirmation timed out")
			return TimedOut
		case <-ticker.C:
		}
	}
}

func (r *Registry) read(ctx context.Context, id string) (Decision, bool) {
	raw, err := r.store.Get(ctx, decisionKey(id))
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			r.logger.Debug().Err(err).Str("tool_execution_id", id).Msg("failed to read tool confirmation")
		}
		return "", false
	}
	if strings.EqualFold(string(raw), approved) {
		return Approved, true
	}
	return Rejected, true
}

func (r *Registry) clear(ctx context.Context, id string) {
	for _, key := range []string{pendingKey(id), decisionKey(id)} {
		if err := r.store.Delete(ctx, key); err != nil {
			r.logger.Debug().Err(err).Str("key", key).Msg("failed to clear tool confirmation")
		}
	}
}

func pendingKey(id string) string  { return pendingPrefix + id }
func decisionKey(id string) string { return decisionPref + id }
