package stream

// Event names the kind of a Frame. Clients treat names outside this set as
// informational.
type Event string

const (
	EventStart             Event = "start"
	EventThinking          Event = "thinking"
	EventToolCall          Event = "tool-call"
	EventToolResult        Event = "tool-result"
	EventRetrievalQuerying Event = "retrieval-querying"
	EventRetrievalResult   Event = "retrieval-result"
	EventMessageToken      Event = "message-token"
	EventStreamComplete    Event = "stream-complete"
	EventComplete          Event = "complete"
	EventError             Event = "error"
)

var known = map[Event]struct{}{
	EventStart:             {},
	EventThinking:          {},
	EventToolCall:          {},
	EventToolResult:        {},
	EventRetrievalQuerying: {},
	EventRetrievalResult:   {},
	EventMessageToken:      {},
	EventStreamComplete:    {},
	EventComplete:          {},
	EventError:             {},
}

func (e Event) Known() bool {
	_, ok := known[e]
	return ok
}

// Frame is one message on the client-facing event stream.
type Frame struct {
	RequestID      string         `json:"requestId"`
	Event          Event          `json:"event"`
	Message        string         `json:"message,omitempty"`
	Content        string         `json:"content,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	TopicID        string         `json:"topicId,omitempty"`
}

// Emitter accepts frames for one run.
type Emitter interface {
	Emit(frame Frame)
}

type EmitterFunc func(frame Frame)

func (f EmitterFunc) Emit(frame Frame) {
	if f == nil {
		return
	}
	f(frame)
}
