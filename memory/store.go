package memory

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/rag"
	"github.com/PipeOpsHQ/agent-controlplane/state"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const (
	cacheKeyPrefix = "context:"
	titleRunes     = 30
)

// Store merges the context cache with the durable message log. It does no
// cross-run locking: two concurrent runs on one conversation race, and the
// last Save wins.
type Store struct {
	cache        state.TTLStore
	log          state.MessageLog
	convs        state.ConversationStore
	catalog      rag.Catalog
	ttl          time.Duration
	historyLimit int
	defaultAgent string
	now          func() time.Time
	logger       zerolog.Logger
}

type Option func(*Store)

func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

func WithDefaultAgent(agentID string) Option {
	return func(s *Store) {
		if strings.TrimSpace(agentID) != "" {
			s.defaultAgent = strings.TrimSpace(agentID)
		}
	}
}

func WithCatalog(c rag.Catalog) Option {
	return func(s *Store) { s.catalog = c }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(cache state.TTLStore, log state.MessageLog, convs state.ConversationStore, opts ...Option) *Store {
	s := &Store{
		cache:        cache,
		log:          log,
		convs:        convs,
		ttl:          DefaultContextTTL,
		historyLimit: DefaultHistoryLimit,
		defaultAgent: DefaultAgentID,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeConversationID returns id, or a fresh UUID when id is empty or a
// client-side provisional id.
func NormalizeConversationID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || strings.HasPrefix(id, provisionalPrefix) {
		return uuid.NewString()
	}
	return id
}

func CacheKey(conversationID string) string {
	return cacheKeyPrefix + conversationID
}

// LoadOrCreate returns the run context for req. The cached record is reused
// when present, but its message list is always replaced by the latest
// HistoryLimit entries from the durable log. Storage failures are logged and
// the run proceeds with what could be read.
func (s *Store) LoadOrCreate(ctx context.Context, req Request) (*RunContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	convID := NormalizeConversationID(req.ConversationID)
	log := s.logger.With().Str("conversation_id", convID).Logger()

	rec, ok := s.Load(ctx, convID)
	if !ok {
		agentID := strings.TrimSpace(req.AgentID)
		if agentID == "" {
			agentID = s.defaultAgent
		}
		now := s.now()
		rec = Record{
			ConversationID: convID,
			AgentID:        agentID,
			Mode:           ModeAuto,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		log.Debug().Str("agent_id", agentID).Msg("created conversation context")
	}
	applyRequest(&rec, req)
	rec.Tuning = rec.Tuning.withDefaults(s.historyLimit)

	rec.Messages = nil
	if s.log != nil {
		rows, err := s.log.ListRecentMessages(ctx, convID, rec.Tuning.HistoryLimit)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read message history")
		}
		rec.Messages = make([]types.Message, 0, len(rows))
		for _, row := range rows {
			if msg, ok := FromMessageRecord(row); ok {
				rec.Messages = append(rec.Messages, msg)
			}
		}
	}

	rc := &RunContext{Record: &rec, TopicID: req.TopicID}
	if len(rec.KnowledgeIDs) > 0 && s.catalog != nil {
		sources, err := s.catalog.LookupSources(ctx, rec.KnowledgeIDs)
		if err != nil {
			log.Warn().Err(err).Strs("knowledge_ids", rec.KnowledgeIDs).Msg("failed to look up knowledge sources")
		}
		rc.Knowledge = sources
	}
	return rc, nil
}

func applyRequest(rec *Record, req Request) {
	if v := strings.TrimSpace(req.Username); v != "" {
		rec.Username = v
	}
	if v := strings.TrimSpace(req.ModelID); v != "" {
		rec.ModelID = v
	}
	if req.Mode != "" {
		rec.Mode = req.Mode
	}
	if req.KnowledgeIDs != nil {
		rec.KnowledgeIDs = cleanIDs(req.KnowledgeIDs)
	}
	if req.EnabledTools != nil {
		rec.EnabledTools = cleanIDs(req.EnabledTools)
	}
	if req.EnabledToolGroups != nil {
		rec.EnabledToolGroups = cleanIDs(req.EnabledToolGroups)
	}
	if req.Tuning != nil {
		rec.Tuning = *req.Tuning
	}
	if req.Retrieval != nil {
		rec.Retrieval = *req.Retrieval
	}
}

// Load reads the cached record for conversationID. A missing or unreadable
// entry reports false.
func (s *Store) Load(ctx context.Context, conversationID string) (Record, bool) {
	if s.cache == nil || conversationID == "" {
		return Record{}, false
	}
	raw, err := s.cache.Get(ctx, CacheKey(conversationID))
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to read cached context")
		}
		return Record{}, false
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("discarding malformed cached context")
		return Record{}, false
	}
	return rec, true
}

// Save writes the record part of rc to the cache with the idle TTL. The run
// handles on rc are untouched. Failures are logged.
func (s *Store) Save(ctx context.Context, rc *RunContext) {
	if rc == nil || rc.Record == nil || rc.ConversationID == "" || s.cache == nil {
		return
	}
	rc.UpdatedAt = s.now()
	raw, err := json.Marshal(rc.Record)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation_id", rc.ConversationID).Msg("failed to encode context")
		return
	}
	if err := s.cache.Set(ctx, CacheKey(rc.ConversationID), raw, s.ttl); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", rc.ConversationID).Msg("failed to cache context")
	}
}

// Clear drops the cached record. The durable log is not touched.
func (s *Store) Clear(ctx context.Context, conversationID string) error {
	if s.cache == nil || strings.TrimSpace(conversationID) == "" {
		return nil
	}
	return s.cache.Delete(ctx, CacheKey(strings.TrimSpace(conversationID)))
}

// DeleteHistory removes every durable message of the conversation.
func (s *Store) DeleteHistory(ctx context.Context, conversationID string) error {
	if s.log == nil {
		return nil
	}
	return s.log.DeleteMessages(ctx, conversationID)
}

// Archive marks the conversation archived in the conversation store.
func (s *Store) Archive(ctx context.Context, conversationID string) error {
	if s.convs == nil {
		return nil
	}
	return s.convs.UpdateConversationStatus(ctx, conversationID, state.ConversationStatusArchived)
}

// MessageMeta is optional information stored alongside a durable message.
type MessageMeta struct {
	ModelID  string
	Tokens   int
	Duration time.Duration
	Extra    map[string]any
}

// AppendMessage writes msg to the durable log. Failures are logged and
// reported as false.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg types.Message, meta MessageMeta) bool {
	if s.log == nil || conversationID == "" {
		return false
	}
	row := ToMessageRecord(conversationID, msg, meta)
	row.ID = uuid.NewString()
	row.CreatedAt = s.now()
	if err := s.log.AppendMessage(ctx, row); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Str("role", string(msg.Role)).Msg("failed to append message")
		return false
	}
	return true
}

// EnsureConversation creates the durable conversation record on first use,
// titled from the start of firstMessage.
func (s *Store) EnsureConversation(ctx context.Context, rc *RunContext, firstMessage string) {
	if s.convs == nil || rc == nil || rc.Record == nil {
		return
	}
	log := s.logger.With().Str("conversation_id", rc.ConversationID).Logger()
	_, err := s.convs.LoadConversation(ctx, rc.ConversationID)
	if err == nil {
		return
	}
	if !errors.Is(err, state.ErrNotFound) {
		log.Warn().Err(err).Msg("failed to load conversation record")
		return
	}
	now := s.now()
	err = s.convs.CreateConversation(ctx, state.ConversationRecord{
		ID:        rc.ConversationID,
		AgentID:   rc.AgentID,
		Title:     Title(firstMessage),
		Status:    state.ConversationStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil && !errors.Is(err, state.ErrConflict) {
		log.Warn().Err(err).Msg("failed to create conversation record")
	}
}

func (s *Store) IncrementMessageCount(ctx context.Context, conversationID string, delta int) {
	if s.convs == nil || delta == 0 {
		return
	}
	if err := s.convs.IncrementMessageCount(ctx, conversationID, delta); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("failed to increment message count")
	}
}

// RecordRetrieval appends one entry to the retrieval-history log.
func (s *Store) RecordRetrieval(rc *RunContext, query string, sources []string, count int, initial bool) {
	AppendRetrieval(rc, RetrievalEntry{
		Query:     query,
		Sources:   append([]string(nil), sources...),
		Count:     count,
		Initial:   initial,
		Timestamp: s.now(),
	})
}

// AppendRetrieval adds entry to the run's retrieval-history log.
func AppendRetrieval(rc *RunContext, entry RetrievalEntry) {
	if rc == nil || rc.Record == nil {
		return
	}
	rc.RetrievalHistory = append(rc.RetrievalHistory, entry)
}

// RecordActions stores results under iteration, growing the outer list as
// needed.
func RecordActions(rc *RunContext, iteration int, results ...types.ActionResult) {
	if rc == nil || rc.Record == nil || iteration < 0 {
		return
	}
	for len(rc.ActionHistory) <= iteration {
		rc.ActionHistory = append(rc.ActionHistory, nil)
	}
	rc.ActionHistory[iteration] = append(rc.ActionHistory[iteration], results...)
}

// Title is the first 30 characters of the trimmed message.
func Title(message string) string {
	message = strings.TrimSpace(message)
	if message == "" {
		return "New conversation"
	}
	if utf8.RuneCountInString(message) <= titleRunes {
		return message
	}
	return string([]rune(message)[:titleRunes])
}

func cleanIDs(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
