package stream

import (
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// Session is the delivery channel for exactly one run.
type Session struct {
	runID          string
	conversationID string
	topicID        string
	transport      Transport
	hub            *Hub
	logger         zerolog.Logger

	mu     sync.Mutex
	closed bool
}

var _ Emitter = (*Session)(nil)

func (s *Session) RunID() string { return s.runID }

// Bind sets the conversation and topic ids stamped on frames that omit them.
func (s *Session) Bind(conversationID, topicID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = conversationID
	s.topicID = topicID
}

// Emit writes one frame. Frames on a session are delivered in call order.
// Delivery failures never reach the caller: a closed channel is logged at
// debug level, any other transport error tears the session down.
func (s *Session) Emit(frame Frame) {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug().Str("event", string(frame.Event)).Msg("dropping frame for closed session")
		return
	}
	s.fill(&frame)
	err := s.transport.Send(frame)
	s.mu.Unlock()

	if err == nil {
		return
	}
	if errors.Is(err, ErrClosed) {
		s.logger.Debug().Err(err).Str("event", string(frame.Event)).Msg("client channel already closed")
		return
	}
	s.logger.Warn().Err(err).Str("event", string(frame.Event)).Msg("stream transport failed")
	s.fail()
}

// Close sends a best-effort terminal "complete" frame, then unregisters the
// session and closes the transport regardless of whether that send worked.
// Calling Close more than once is a no-op.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	terminal := Frame{Event: EventComplete}
	s.fill(&terminal)
	if err := s.transport.Send(terminal); err != nil {
		s.logger.Debug().Err(err).Msg("terminal frame not delivered")
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.release(s)
	if err := s.transport.Close(); err != nil {
		s.logger.Debug().Err(err).Msg("failed to close transport")
	}
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Done is closed when the underlying transport can no longer deliver.
func (s *Session) Done() <-chan struct{} { return s.transport.Done() }

func (s *Session) fail() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.release(s)
	_ = s.transport.Close()
}

func (s *Session) fill(frame *Frame) {
	if frame.RequestID == "" {
		frame.RequestID = s.runID
	}
	if frame.Event == "" {
		frame.Event = EventMessageToken
	}
	if frame.ConversationID == "" {
		frame.ConversationID = s.conversationID
	}
	if frame.TopicID == "" {
		frame.TopicID = s.topicID
	}
}

// Hub is the process-local registry of open sessions, keyed by run id.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	logger   zerolog.Logger
}

type HubOption func(*Hub)

func WithLogger(logger zerolog.Logger) HubOption {
	return func(h *Hub) { h.logger = logger }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{sessions: map[string]*Session{}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open allocates a session for runID over transport and registers it. The
// session has no deadline; it lives until Close or a transport failure.
func (h *Hub) Open(runID string, transport Transport) *Session {
	s := &Session{
		runID:     runID,
		transport: transport,
		hub:       h,
		logger:    h.logger.With().Str("run_id", runID).Logger(),
	}
	h.Register(s)
	return s
}

func (h *Hub) Register(s *Session) {
	if s == nil || s.runID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s.runID] = s
}

// Lookup finds the session for runID. Absence is not an error.
func (h *Hub) Lookup(runID string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[runID]
	return s, ok
}

func (h *Hub) Unregister(runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, runID)
}

// Close closes the session for runID if this process holds it.
func (h *Hub) Close(runID string) bool {
	s, ok := h.Lookup(runID)
	if !ok {
		return false
	}
	s.Close()
	return true
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// release drops s only if it is still the registered session for its run.
func (h *Hub) release(s *Session) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sessions[s.runID]; ok && cur == s {
		delete(h.sessions, s.runID)
	}
}
