// Package factory opens the storage backends named in the configuration.
package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/runtimeconfig"
	"github.com/PipeOpsHQ/agent-controlplane/state"
	boltstore "github.com/PipeOpsHQ/agent-controlplane/state/bolt"
	"github.com/PipeOpsHQ/agent-controlplane/state/hybrid"
	"github.com/PipeOpsHQ/agent-controlplane/state/memstore"
	redisstore "github.com/PipeOpsHQ/agent-controlplane/state/redis"
	sqlitestore "github.com/PipeOpsHQ/agent-controlplane/state/sqlite"
)

// Backends is the storage a control plane process runs on. Cache holds
// conversation contexts and stop flags; Durable holds the message log and
// conversation records.
type Backends struct {
	Cache   state.TTLStore
	Durable state.Durable
	// Shared reports whether Cache is visible to other processes.
	Shared bool
}

func (b *Backends) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	if b.Cache != nil {
		errs = append(errs, b.Cache.Close())
	}
	if b.Durable != nil {
		errs = append(errs, b.Durable.Close())
	}
	return errors.Join(errs...)
}

// Open builds the backends for cfg.Backend:
//
//	memory        in-process cache and log
//	redis         redis cache, in-process log
//	sqlite-redis  redis cache, sqlite log
//	bolt          in-process cache, bolt log
//
// An unreachable redis degrades to the in-process cache with a warning.
func Open(cfg runtimeconfig.StateConfig, logger zerolog.Logger) (*Backends, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", runtimeconfig.BackendMemory:
		return &Backends{Cache: memstore.NewTTLStore(), Durable: memstore.NewDurable()}, nil

	case runtimeconfig.BackendRedis:
		cache, shared := openCache(cfg.Redis, logger)
		return &Backends{Cache: cache, Durable: memstore.NewDurable(), Shared: shared}, nil

	case runtimeconfig.BackendSQLiteRedis:
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		cache, shared := openCache(cfg.Redis, logger)
		return &Backends{Cache: cache, Durable: durable, Shared: shared}, nil

	case runtimeconfig.BackendBolt:
		durable, err := boltstore.New(cfg.BoltPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt store: %w", err)
		}
		return &Backends{Cache: memstore.NewTTLStore(), Durable: durable}, nil

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use memory, redis, sqlite-redis, or bolt)", cfg.Backend)
	}
}

func openCache(cfg runtimeconfig.RedisConfig, logger zerolog.Logger) (state.TTLStore, bool) {
	local := memstore.NewTTLStore()
	remote, err := redisstore.New(cfg.Addr,
		redisstore.WithPassword(cfg.Password),
		redisstore.WithDB(cfg.DB),
		redisstore.WithPrefix(cfg.Prefix),
	)
	if err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("redis unavailable, using in-process cache")
		return local, false
	}
	cache, err := hybrid.New(remote, local, hybrid.WithLogger(logger))
	if err != nil {
		_ = remote.Close()
		return local, false
	}
	return cache, true
}
