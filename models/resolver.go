// Package models resolves configured model ids into provider handles. Handles
// are built once per id and cached until the cache is cleared.
package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/llm"
)

type Resolver struct {
	mu         sync.RWMutex
	cfg        Config
	candidates map[string]Candidate
	factories  map[string]Factory
	cache      map[string]llm.Provider
	building   map[string]*build
	// generation changes whenever the cache is dropped, so builds that
	// started earlier are not cached.
	generation uint64
	logger     zerolog.Logger
}

// build is one in-flight construction that concurrent callers for the same
// id wait on.
type build struct {
	done chan struct{}
	p    llm.Provider
	err  error
}

type Option func(*Resolver)

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// WithFactory registers the constructor used for candidates of provider.
func WithFactory(provider string, f Factory) Option {
	return func(r *Resolver) {
		r.factories[normalizeProvider(provider)] = f
	}
}

func NewResolver(cfg Config, opts ...Option) *Resolver {
	r := &Resolver{
		factories: map[string]Factory{},
		cache:     map[string]llm.Provider{},
		building:  map[string]*build{},
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.setConfig(cfg)
	return r
}

func (r *Resolver) setConfig(cfg Config) {
	r.cfg = cfg
	r.candidates = make(map[string]Candidate, len(cfg.Candidates))
	for _, c := range cfg.Candidates {
		id := strings.TrimSpace(c.ID)
		if id == "" {
			continue
		}
		c.ID = id
		r.candidates[id] = c
	}
}

// DefaultModelID is the id used when a run does not name one.
func (r *Resolver) DefaultModelID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.DefaultModelID
}

// Register adds or replaces a provider factory after construction.
func (r *Resolver) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeProvider(provider)] = f
}

// Resolve returns the cached handle for id, constructing it on first use.
// An empty id resolves the default model. Resolve never retries.
func (r *Resolver) Resolve(ctx context.Context, id string) (llm.Provider, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = r.DefaultModelID()
	}
	if id == "" {
		return nil, fmt.Errorf("model id is required and no default is configured")
	}

	r.mu.RLock()
	p, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return p, nil
	}

	r.mu.Lock()
	if p, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return p, nil
	}
	if b, ok := r.building[id]; ok {
		r.mu.Unlock()
		select {
		case <-b.done:
			return b.p, b.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c, f, err := r.lookup(id)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	b := &build{done: make(chan struct{})}
	r.building[id] = b
	gen := r.generation
	r.mu.Unlock()

	// Construction runs outside the lock so other ids keep resolving.
	b.p, b.err = r.construct(ctx, id, c, f)

	r.mu.Lock()
	if r.building[id] == b {
		delete(r.building, id)
	}
	if b.err == nil && gen == r.generation {
		r.cache[id] = b.p
	}
	r.mu.Unlock()
	close(b.done)
	return b.p, b.err
}

// lookup validates that id can be built. r.mu must be held.
func (r *Resolver) lookup(id string) (Candidate, Factory, error) {
	c, ok := r.candidates[id]
	if !ok {
		return Candidate{}, Factory{}, fmt.Errorf("%w: %q", ErrUnknownModel, id)
	}
	f, ok := r.factories[normalizeProvider(c.Provider)]
	if !ok || f.New == nil {
		return Candidate{}, Factory{}, fmt.Errorf("%w %q (model %q)", ErrUnknownProvider, c.Provider, id)
	}
	if !f.Keyless && strings.TrimSpace(c.APIKey) == "" {
		return Candidate{}, Factory{}, fmt.Errorf("%w for model %q (provider %s)", ErrMissingCredential, id, c.Provider)
	}
	return c, f, nil
}

func (r *Resolver) construct(ctx context.Context, id string, c Candidate, f Factory) (llm.Provider, error) {
	p, err := f.New(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("failed to construct model %q: %w", id, err)
	}
	r.logger.Info().Str("model_id", id).Str("provider", c.Provider).Msg("model client created")
	return withTimeout(p, c.Timeout), nil
}

// CandidatesFor returns the ordered ids configured for kind, or just the
// default id.
func (r *Resolver) CandidatesFor(kind TaskKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ids := r.cfg.TaskModels[kind]; len(ids) > 0 {
		return append([]string(nil), ids...)
	}
	return []string{r.cfg.DefaultModelID}
}

// ResolveWithFallback tries ids in order and returns the first handle that
// resolves along with its id. When all fail the error is a *FallbackError.
func (r *Resolver) ResolveWithFallback(ctx context.Context, ids []string) (llm.Provider, string, error) {
	fe := &FallbackError{}
	for _, id := range ids {
		fe.Tried = append(fe.Tried, id)
		p, err := r.Resolve(ctx, id)
		if err == nil {
			return p, id, nil
		}
		r.logger.Warn().Err(err).Str("model_id", id).Msg("model candidate failed, trying next")
		fe.Last = err
		if errors.Is(err, context.Canceled) {
			break
		}
	}
	return nil, "", fe
}

// ClearCache drops every constructed handle.
func (r *Resolver) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropCache()
}

// Reload swaps the candidate table and clears the cache.
func (r *Resolver) Reload(cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setConfig(cfg)
	r.dropCache()
	r.logger.Info().Int("candidates", len(r.candidates)).Msg("model configuration reloaded")
}

// Cached reports how many handles are cached.
func (r *Resolver) Cached() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}

// dropCache forgets built and in-flight handles. r.mu must be held.
func (r *Resolver) dropCache() {
	r.cache = map[string]llm.Provider{}
	r.building = map[string]*build{}
	r.generation++
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
