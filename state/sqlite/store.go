package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/PipeOpsHQ/agent-controlplane/state"
	cptypes "github.com/PipeOpsHQ/agent-controlplane/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	defaultBusyTimeout = 5 * time.Second
	defaultLimit       = 20
)

// Store is the durable message log and conversation store backed by a local
// SQLite file.
type Store struct {
	db          *sql.DB
	busyTimeout time.Duration
	enableWAL   bool
	maxOpenConn int
}

var _ state.Durable = (*Store)(nil)

type Option func(*Store)

func WithBusyTimeout(timeout time.Duration) Option {
	return func(s *Store) {
		if timeout >= 0 {
			s.busyTimeout = timeout
		}
	}
}

func WithWAL(enabled bool) Option {
	return func(s *Store) {
		s.enableWAL = enabled
	}
}

func WithMaxOpenConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOpenConn = n
		}
	}
}

func New(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	s := &Store{
		busyTimeout: defaultBusyTimeout,
		enableWAL:   true,
		maxOpenConn: 1,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(s.maxOpenConn)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s.db = db
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) initialize(ctx context.Context) error {
	if s.busyTimeout > 0 {
		ms := int(s.busyTimeout / time.Millisecond)
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
			return fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	}
	if s.enableWAL {
		if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
			return fmt.Errorf("failed to enable wal: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, msg state.MessageRecord) error {
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
	if msg.Metadata == nil {
		msg.Metadata = map[string]any{}
	}

	metaRaw, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal message metadata: %w", err)
	}
	var callsRaw any
	if len(msg.ToolCalls) > 0 {
		raw, err := json.Marshal(msg.ToolCalls)
		if err != nil {
			return fmt.Errorf("failed to marshal tool calls: %w", err)
		}
		callsRaw = string(raw)
	}

	const q = `
INSERT INTO messages (
  message_id, conversation_id, role, content, name, tool_call_id, tool_calls, model_id, metadata, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err = s.db.ExecContext(
		ctx,
		q,
		msg.ID,
		msg.ConversationID,
		msg.Role,
		msg.Content,
		msg.Name,
		msg.ToolCallID,
		callsRaw,
		msg.ModelID,
		string(metaRaw),
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *Store) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]state.MessageRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	const q = `
SELECT message_id, conversation_id, role, content, name, tool_call_id, tool_calls, model_id, metadata, created_at
FROM (
  SELECT * FROM messages WHERE conversation_id = ? ORDER BY seq DESC LIMIT ?
)
ORDER BY seq ASC;
`
	rows, err := s.db.QueryContext(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	out := make([]state.MessageRecord, 0, limit)
	for rows.Next() {
		var (
			rec        state.MessageRecord
			callsRaw   sql.NullString
			metaRaw    string
			createdRaw string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.ConversationID,
			&rec.Role,
			&rec.Content,
			&rec.Name,
			&rec.ToolCallID,
			&callsRaw,
			&rec.ModelID,
			&metaRaw,
			&createdRaw,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if callsRaw.Valid && strings.TrimSpace(callsRaw.String) != "" {
			var calls []cptypes.ToolCall
			if err := json.Unmarshal([]byte(callsRaw.String), &calls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls: %w", err)
			}
			rec.ToolCalls = calls
		}
		if strings.TrimSpace(metaRaw) != "" {
			if err := json.Unmarshal([]byte(metaRaw), &rec.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode message metadata: %w", err)
			}
		}
		rec.CreatedAt, err = parseRequiredTime(createdRaw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse message created_at: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteMessages(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return fmt.Errorf("conversation_id is required")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?;`, conversationID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	return nil
}

func (s *Store) CreateConversation(ctx context.Context, conv state.ConversationRecord) error {
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

	const q = `
INSERT INTO conversations (conversation_id, agent_id, title, status, message_count, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?);
`
	_, err := s.db.ExecContext(
		ctx,
		q,
		conv.ID,
		conv.AgentID,
		conv.Title,
		conv.Status,
		conv.MessageCount,
		conv.CreatedAt.UTC().Format(time.RFC3339Nano),
		conv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return state.ErrConflict
		}
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

func (s *Store) LoadConversation(ctx context.Context, conversationID string) (state.ConversationRecord, error) {
	if strings.TrimSpace(conversationID) == "" {
		return state.ConversationRecord{}, fmt.Errorf("conversation_id is required")
	}

	const q = `
SELECT conversation_id, agent_id, title, status, message_count, created_at, updated_at
FROM conversations
WHERE conversation_id = ?;
`
	var (
		conv       state.ConversationRecord
		createdRaw string
		updatedRaw string
	)
	err := s.db.QueryRowContext(ctx, q, conversationID).Scan(
		&conv.ID,
		&conv.AgentID,
		&conv.Title,
		&conv.Status,
		&conv.MessageCount,
		&createdRaw,
		&updatedRaw,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.ConversationRecord{}, state.ErrNotFound
		}
		return state.ConversationRecord{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.CreatedAt, err = parseRequiredTime(createdRaw); err != nil {
		return state.ConversationRecord{}, fmt.Errorf("failed to parse conversation created_at: %w", err)
	}
	if conv.UpdatedAt, err = parseRequiredTime(updatedRaw); err != nil {
		return state.ConversationRecord{}, fmt.Errorf("failed to parse conversation updated_at: %w", err)
	}
	return conv, nil
}

func (s *Store) IncrementMessageCount(ctx context.Context, conversationID string, delta int) error {
	const q = `
UPDATE conversations
SET message_count = message_count + ?, updated_at = ?
WHERE conversation_id = ?;
`
	return s.updateConversation(ctx, q, delta, time.Now().UTC().Format(time.RFC3339Nano), conversationID)
}

func (s *Store) UpdateConversationStatus(ctx context.Context, conversationID, status string) error {
	if strings.TrimSpace(status) == "" {
		return fmt.Errorf("status is required")
	}
	const q = `
UPDATE conversations
SET status = ?, updated_at = ?
WHERE conversation_id = ?;
`
	return s.updateConversation(ctx, q, status, time.Now().UTC().Format(time.RFC3339Nano), conversationID)
}

func (s *Store) updateConversation(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return state.ErrNotFound
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func parseRequiredTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unique constraint failed") || strings.Contains(lower, "constraint failed: unique")
}
