// Package memory keeps per-conversation working state across runs. A Record
// is the persistable part and lives in a TTL cache; a RunContext wraps it with
// handles that belong to one run and are never persisted.
package memory

import (
	"context"
	"time"

	"github.com/PipeOpsHQ/agent-controlplane/rag"
	"github.com/PipeOpsHQ/agent-controlplane/runstate"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const (
	DefaultAgentID            = "default-agent"
	DefaultHistoryLimit       = 20
	DefaultHistoryRounds      = 3
	DefaultMaxMessageLength   = 200
	DefaultActionHistoryCount = 5
	DefaultContextTTL         = time.Hour

	provisionalPrefix = "temp-"
)

type Mode string

const (
	ModeAuto   Mode = "auto"
	ModeManual Mode = "manual"
)

// Tuning holds per-conversation limits. Zero fields take the defaults.
type Tuning struct {
	HistoryLimit       int `json:"historyLimit,omitempty"`
	HistoryRounds      int `json:"historyRounds,omitempty"`
	MaxMessageLength   int `json:"maxMessageLength,omitempty"`
	ActionHistoryCount int `json:"actionHistoryCount,omitempty"`
}

func (t Tuning) withDefaults(historyLimit int) Tuning {
	if t.HistoryLimit <= 0 {
		t.HistoryLimit = historyLimit
	}
	if t.HistoryRounds <= 0 {
		t.HistoryRounds = DefaultHistoryRounds
	}
	if t.MaxMessageLength <= 0 {
		t.MaxMessageLength = DefaultMaxMessageLength
	}
	if t.ActionHistoryCount <= 0 {
		t.ActionHistoryCount = DefaultActionHistoryCount
	}
	return t
}

// RetrievalEntry is one line of the retrieval-history log.
type RetrievalEntry struct {
	Query     string    `json:"query"`
	Sources   []string  `json:"sources,omitempty"`
	Count     int       `json:"count"`
	Initial   bool      `json:"initial,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is the cached conversation state. Everything in it survives a
// round trip through JSON.
type Record struct {
	ConversationID    string                 `json:"conversationId"`
	AgentID           string                 `json:"agentId"`
	Username          string                 `json:"username,omitempty"`
	Messages          []types.Message        `json:"messages"`
	ActionHistory     [][]types.ActionResult `json:"actionHistory,omitempty"`
	RetrievalHistory  []RetrievalEntry       `json:"retrievalHistory,omitempty"`
	Iteration         int                    `json:"iteration"`
	ModelID           string                 `json:"modelId,omitempty"`
	Mode              Mode                   `json:"mode,omitempty"`
	EnabledTools      []string               `json:"enabledTools,omitempty"`
	EnabledToolGroups []string               `json:"enabledToolGroups,omitempty"`
	KnowledgeIDs      []string               `json:"knowledgeIds,omitempty"`
	Tuning            Tuning                 `json:"tuning"`
	Retrieval         rag.Config             `json:"retrieval"`
	CreatedAt         time.Time              `json:"createdAt"`
	UpdatedAt         time.Time              `json:"updatedAt"`
}

// RecentActions returns up to n of the latest iterations' results, oldest
// first. n <= 0 uses Tuning.ActionHistoryCount.
func (r *Record) RecentActions(n int) [][]types.ActionResult {
	if n <= 0 {
		n = r.Tuning.ActionHistoryCount
	}
	if n <= 0 || len(r.ActionHistory) <= n {
		return r.ActionHistory
	}
	return r.ActionHistory[len(r.ActionHistory)-n:]
}

// Request carries what a caller supplies when starting a run.
type Request struct {
	ConversationID    string      `json:"conversationId,omitempty"`
	AgentID           string      `json:"agentId,omitempty"`
	Username          string      `json:"username,omitempty"`
	TopicID           string      `json:"topicId,omitempty"`
	Message           string      `json:"message"`
	ModelID           string      `json:"modelId,omitempty"`
	Mode              Mode        `json:"mode,omitempty"`
	KnowledgeIDs      []string    `json:"knowledgeIds,omitempty"`
	EnabledTools      []string    `json:"enabledTools,omitempty"`
	EnabledToolGroups []string    `json:"enabledToolGroups,omitempty"`
	Tuning            *Tuning     `json:"tuning,omitempty"`
	Retrieval         *rag.Config `json:"retrieval,omitempty"`
}

// OutputHandler receives generated text as it is produced. Calls may arrive on
// a goroutine other than the one driving the run.
type OutputHandler interface {
	OnToken(token string)
	OnComplete(content string)
	OnError(err error)
}

// OutputFuncs adapts plain functions; nil fields are skipped.
type OutputFuncs struct {
	Token    func(token string)
	Complete func(content string)
	Error    func(err error)
}

func (o OutputFuncs) OnToken(token string) {
	if o.Token != nil {
		o.Token(token)
	}
}

func (o OutputFuncs) OnComplete(content string) {
	if o.Complete != nil {
		o.Complete(content)
	}
}

func (o OutputFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// StopChecker reports whether a stop was requested for a run.
type StopChecker interface {
	IsStopRequested(ctx context.Context, runID string) bool
}

// RunContext is the Record plus the handles of the run currently using it.
type RunContext struct {
	*Record

	RunID            string
	TopicID          string
	Output           OutputHandler
	Events           stream.Emitter
	InitialRetrieval *rag.Result
	Knowledge        map[string]rag.Source
	Machine          *runstate.Machine
	Stop             StopChecker
}

// Emit forwards frame to the run's event sink, if any.
func (rc *RunContext) Emit(frame stream.Frame) {
	if rc == nil || rc.Events == nil {
		return
	}
	rc.Events.Emit(frame)
}

// StopRequested polls the stop checker for this run. It is false when no
// checker is attached.
func (rc *RunContext) StopRequested(ctx context.Context) bool {
	if rc == nil || rc.Stop == nil || rc.RunID == "" {
		return false
	}
	return rc.Stop.IsStopRequested(ctx, rc.RunID)
}

// Transition advances the run's state machine when one is attached.
func (rc *RunContext) Transition(to runstate.State) bool {
	if rc == nil || rc.Machine == nil {
		return false
	}
	return rc.Machine.Transition(to)
}

func (rc *RunContext) output() OutputHandler {
	if rc == nil || rc.Output == nil {
		return OutputFuncs{}
	}
	return rc.Output
}

// OnToken, OnComplete and OnError forward to Output, tolerating a nil handler.
func (rc *RunContext) OnToken(token string)      { rc.output().OnToken(token) }
func (rc *RunContext) OnComplete(content string) { rc.output().OnComplete(content) }
func (rc *RunContext) OnError(err error)         { rc.output().OnError(err) }
