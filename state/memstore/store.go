// Package memstore provides process-local state backends. They satisfy the
// same contracts as the redis and sqlite stores and are meant for tests and
// single-process deployments.
package memstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-controlplane/state"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// TTLStore is an in-memory state.TTLStore. Expired entries are dropped lazily
// on access.
type TTLStore struct {
	mu         sync.Mutex
	entries    map[string]entry
	now        func() time.Time
	defaultTTL time.Duration
}

var _ state.TTLStore = (*TTLStore)(nil)

type TTLOption func(*TTLStore)

// WithClock overrides time.Now, for expiry tests.
func WithClock(now func() time.Time) TTLOption {
	return func(s *TTLStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithDefaultTTL(ttl time.Duration) TTLOption {
	return func(s *TTLStore) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func NewTTLStore(opts ...TTLOption) *TTLStore {
	s := &TTLStore{
		entries:    map[string]entry{},
		now:        time.Now,
		defaultTTL: time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TTLStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return nil, state.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (s *TTLStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key is required")
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry{
		value:     append([]byte(nil), value...),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *TTLStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(key)
	return ok, nil
}

func (s *TTLStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *TTLStore) Close() error { return nil }

// Len reports the number of unexpired entries.
func (s *TTLStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.entries {
		if _, ok := s.live(k); ok {
			n++
		}
	}
	return n
}

func (s *TTLStore) live(key string) (entry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return entry{}, false
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return entry{}, false
	}
	return e, true
}

// Durable is an in-memory state.Durable.
type Durable struct {
	mu            sync.RWMutex
	messages      map[string][]state.MessageRecord
	messageIDs    map[string]struct{}
	conversations map[string]state.ConversationRecord
}

var _ state.Durable = (*Durable)(nil)

func NewDurable() *Durable {
	return &Durable{
		messages:      map[string][]state.MessageRecord{},
		messageIDs:    map[string]struct{}{},
		conversations: map[string]state.ConversationRecord{},
	}
}

func (d *Durable) AppendMessage(_ context.Context, msg state.MessageRecord) error {
	if strings.TrimSpace(msg.ConversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if msg.Role == "" {
		return fmt.Errorf("role is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.messageIDs[msg.ID]; dup {
		return state.ErrConflict
	}
	d.messageIDs[msg.ID] = struct{}{}
	d.messages[msg.ConversationID] = append(d.messages[msg.ConversationID], msg)
	return nil
}

func (d *Durable) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]state.MessageRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	all := d.messages[conversationID]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	return append([]state.MessageRecord{}, all[start:]...), nil
}

func (d *Durable) DeleteMessages(_ context.Context, conversationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, m := range d.messages[conversationID] {
		delete(d.messageIDs, m.ID)
	}
	delete(d.messages, conversationID)
	return nil
}

func (d *Durable) CreateConversation(_ context.Context, conv state.ConversationRecord) error {
	if strings.TrimSpace(conv.ID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	if conv.Status == "" {
		conv.Status = state.ConversationStatusActive
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.conversations[conv.ID]; exists {
		return state.ErrConflict
	}
	d.conversations[conv.ID] = conv
	return nil
}

func (d *Durable) LoadConversation(_ context.Context, conversationID string) (state.ConversationRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conv, ok := d.conversations[conversationID]
	if !ok {
		return state.ConversationRecord{}, state.ErrNotFound
	}
	return conv, nil
}

func (d *Durable) IncrementMessageCount(_ context.Context, conversationID string, delta int) error {
	return d.mutate(conversationID, func(c *state.ConversationRecord) { c.MessageCount += delta })
}

func (d *Durable) UpdateConversationStatus(_ context.Context, conversationID, status string) error {
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("status is required")
	}
	return d.mutate(conversationID, func(c *state.ConversationRecord) { c.Status = status })
}

func (d *Durable) mutate(conversationID string, fn func(*state.ConversationRecord)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	conv, ok := d.conversations[conversationID]
	if !ok {
		return state.ErrNotFound
	}
	fn(&conv)
	conv.UpdatedAt = time.Now().UTC()
	d.conversations[conversationID] = conv
	return nil
}

func (d *Durable) Close() error { return nil }
