// Package bolt is a single-file durable backend built on bbolt. Each
// conversation's messages live in their own nested bucket keyed by a
// monotonically increasing sequence.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	bbolt "go.etcd.io/bbolt"

	"github.com/PipeOpsHQ/agent-controlplane/state"
)

var (
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIDs    = []byte("message_ids")
)

type Store struct {
	db      *bbolt.DB
	timeout time.Duration
}

var _ state.Durable = (*Store)(nil)

type Option func(*Store)

// WithOpenTimeout bounds how long New waits for the file lock.
func WithOpenTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("bolt path is required")
	}
	s := &Store{timeout: 2 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create bolt directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: s.timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketConversations, bucketMessages, bucketMessageIDs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bolt buckets: %w", err)
	}
	s.db = db
	return s, nil
}

func (s *Store) AppendMessage(_ context.Context, msg state.MessageRecord) error {
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
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs)
		if ids.Get([]byte(msg.ID)) != nil {
			return state.ErrConflict
		}
		conv, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ConversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		seq, err := conv.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to allocate message sequence: %w", err)
		}
		if err := conv.Put(seqKey(seq), raw); err != nil {
			return fmt.Errorf("failed to append message: %w", err)
		}
		return ids.Put([]byte(msg.ID), []byte(msg.ConversationID))
	})
}

func (s *Store) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]state.MessageRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if limit <= 0 {
		limit = 20
	}

	out := make([]state.MessageRecord, 0, limit)
	err := s.db.View(func(tx *bbolt.Tx) error {
		conv := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		c := conv.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var rec state.MessageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				// Skip malformed entries instead of failing the whole read.
				continue
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *Store) DeleteMessages(_ context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		msgs := tx.Bucket(bucketMessages)
		conv := msgs.Bucket([]byte(conversationID))
		if conv == nil {
			return nil
		}
		ids := tx.Bucket(bucketMessageIDs)
		err := conv.ForEach(func(_, v []byte) error {
			var rec state.MessageRecord
			if json.Unmarshal(v, &rec) == nil && rec.ID != "" {
				return ids.Delete([]byte(rec.ID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		return msgs.DeleteBucket([]byte(conversationID))
	})
}

func (s *Store) CreateConversation(_ context.Context, conv state.ConversationRecord) error {
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
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		if b.Get([]byte(conv.ID)) != nil {
			return state.ErrConflict
		}
		return b.Put([]byte(conv.ID), raw)
	})
}

func (s *Store) LoadConversation(_ context.Context, conversationID string) (state.ConversationRecord, error) {
	var conv state.ConversationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketConversations).Get([]byte(conversationID))
		if raw == nil {
			return state.ErrNotFound
		}
		return json.Unmarshal(raw, &conv)
	})
	if err != nil {
		return state.ConversationRecord{}, err
	}
	return conv, nil
}

func (s *Store) IncrementMessageCount(_ context.Context, conversationID string, delta int) error {
	return s.mutateConversation(conversationID, func(conv *state.ConversationRecord) {
		conv.MessageCount += delta
	})
}

func (s *Store) UpdateConversationStatus(_ context.Context, conversationID, status string) error {
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("status is required")
	}
	return s.mutateConversation(conversationID, func(conv *state.ConversationRecord) {
		conv.Status = status
	})
}

func (s *Store) mutateConversation(conversationID string, fn func(*state.ConversationRecord)) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketConversations)
		raw := b.Get([]byte(conversationID))
		if raw == nil {
			return state.ErrNotFound
		}
		var conv state.ConversationRecord
		if err := json.Unmarshal(raw, &conv); err != nil {
			return fmt.Errorf("failed to decode conversation: %w", err)
		}
		fn(&conv)
		conv.UpdatedAt = time.Now().UTC()
		enc, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		return b.Put([]byte(conversationID), enc)
	})
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}
