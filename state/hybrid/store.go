// Package hybrid pairs a shared TTL store with a process-local fallback so
// cache and stop-flag traffic survives a remote outage.
package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/state"
)

// TTLStore writes to primary and falls back to local when primary fails.
// Entries written during an outage are only visible to this process.
type TTLStore struct {
	primary state.TTLStore
	local   state.TTLStore
	logger  zerolog.Logger
}

var _ state.TTLStore = (*TTLStore)(nil)

type Option func(*TTLStore)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *TTLStore) { s.logger = logger }
}

func New(primary, local state.TTLStore, opts ...Option) (*TTLStore, error) {
	if local == nil {
		return nil, fmt.Errorf("local store is required")
	}
	s := &TTLStore{primary: primary, local: local, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *TTLStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.primary != nil {
		val, err := s.primary.Get(ctx, key)
		switch {
		case err == nil:
			return val, nil
		case errors.Is(err, state.ErrNotFound):
			// The value may have been written locally during an outage.
		default:
			s.logger.Warn().Err(err).Str("key", key).Msg("primary store Get failed, using local")
		}
	}
	return s.local.Get(ctx, key)
}

func (s *TTLStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.primary != nil {
		err := s.primary.Set(ctx, key, value, ttl)
		if err == nil {
			// Drop any outage copy so it cannot shadow the shared value.
			_ = s.local.Delete(ctx, key)
			return nil
		}
		s.logger.Warn().Err(err).Str("key", key).Msg("primary store Set failed, using local")
	}
	return s.local.Set(ctx, key, value, ttl)
}

func (s *TTLStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.primary != nil {
		ok, err := s.primary.Exists(ctx, key)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("primary store Exists failed, using local")
		}
	}
	return s.local.Exists(ctx, key)
}

func (s *TTLStore) Delete(ctx context.Context, key string) error {
	var primaryErr error
	if s.primary != nil {
		if primaryErr = s.primary.Delete(ctx, key); primaryErr != nil {
			s.logger.Warn().Err(primaryErr).Str("key", key).Msg("primary store Delete failed")
		}
	}
	if err := s.local.Delete(ctx, key); err != nil {
		return err
	}
	return primaryErr
}

func (s *TTLStore) Close() error {
	var errs []error
	if s.primary != nil {
		errs = append(errs, s.primary.Close())
	}
	errs = append(errs, s.local.Close())
	return errors.Join(errs...)
}
