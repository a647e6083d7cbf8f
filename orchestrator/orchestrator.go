// Package orchestrator drives single agent runs end to end: it opens the
// client stream, loads conversation context, hands control to the reasoning
// loop and persists what the run produced.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/loop"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/observe"
	"github.com/PipeOpsHQ/agent-controlplane/rag"
	"github.com/PipeOpsHQ/agent-controlplane/runstate"
	"github.com/PipeOpsHQ/agent-controlplane/stopsignal"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const (
	DefaultStepThreshold     = 300 * time.Millisecond
	DefaultStreamWaitTimeout = 30 * time.Second
)

// ModelDefaults supplies the model id used when a request names none.
type ModelDefaults interface {
	DefaultModelID() string
}

// RunInfo identifies an accepted run.
type RunInfo struct {
	RunID          string `json:"runId"`
	ConversationID string `json:"conversationId"`
}

// Outcome is what a synchronous run reports once its session is closed.
type Outcome struct {
	RunInfo
	ModelID string
	Content string
	Result  loop.Result
	Err     error
}

type Orchestrator struct {
	hub           *stream.Hub
	store         *memory.Store
	loop          loop.Loop
	stops         *stopsignal.Channel
	confirmations *confirm.Registry
	models        ModelDefaults
	retriever     rag.Retriever
	sink          observe.Sink
	stepThreshold time.Duration
	streamWait    time.Duration
	newRunID      func() string
	now           func() time.Time
	logger        zerolog.Logger

	wg sync.WaitGroup
}

type Option func(*Orchestrator)

func WithHub(h *stream.Hub) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hub = h
		}
	}
}

func WithStopChannel(c *stopsignal.Channel) Option {
	return func(o *Orchestrator) { o.stops = c }
}

// WithConfirmations is where ConfirmTool records decisions. It must share the
// store the loop waits on.
func WithConfirmations(r *confirm.Registry) Option {
	return func(o *Orchestrator) { o.confirmations = r }
}

func WithModelDefaults(m ModelDefaults) Option {
	return func(o *Orchestrator) { o.models = m }
}

// WithRetriever enables the pre-retrieval pass for runs with knowledge ids.
func WithRetriever(r rag.Retriever) Option {
	return func(o *Orchestrator) { o.retriever = r }
}

func WithSink(s observe.Sink) Option {
	return func(o *Orchestrator) { o.sink = s }
}

func WithStepThreshold(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepThreshold = d
		}
	}
}

func WithStreamWaitTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.streamWait = d
		}
	}
}

func WithRunIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newRunID = fn
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

func New(store *memory.Store, l loop.Loop, opts ...Option) (*Orchestrator, error) {
	if store == nil {
		return nil, errors.New("context store is required")
	}
	if l == nil {
		return nil, errors.New("loop is required")
	}
	o := &Orchestrator{
		store:         store,
		loop:          l,
		sink:          observe.NoopSink{},
		stepThreshold: DefaultStepThreshold,
		streamWait:    DefaultStreamWaitTimeout,
		newRunID:      uuid.NewString,
		now:           time.Now,
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.hub == nil {
		o.hub = stream.NewHub(stream.WithLogger(o.logger))
	}
	if o.sink == nil {
		o.sink = observe.NoopSink{}
	}
	return o, nil
}

func (o *Orchestrator) Hub() *stream.Hub { return o.hub }

// Start accepts a run and returns its open session immediately. The run
// continues on its own goroutine after ctx is canceled; use Stop to end it.
func (o *Orchestrator) Start(ctx context.Context, req memory.Request, transport stream.Transport) (*stream.Session, RunInfo) {
	session, info, req := o.open(req, transport)
	runCtx := context.WithoutCancel(ctx)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runCtx, session, info, req)
	}()
	return session, info
}

// Execute runs synchronously and returns once the session has been closed.
func (o *Orchestrator) Execute(ctx context.Context, req memory.Request, transport stream.Transport) Outcome {
	session, info, req := o.open(req, transport)
	o.wg.Add(1)
	defer o.wg.Done()
	return o.run(ctx, session, info, req)
}

// Stop raises the shared stop flag for runID and closes its session when
// this process holds it. It reports whether either took effect.
func (o *Orchestrator) Stop(ctx context.Context, runID string) bool {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false
	}
	flagged := o.stops.RequestStop(ctx, runID)
	closed := o.hub.Close(runID)
	o.logger.Info().Str("run_id", runID).Bool("flagged", flagged).Bool("local", closed).Msg("stop requested")
	return flagged || closed
}

// ClearMemory drops the cached context of a conversation. Its durable
// message log is kept.
func (o *Orchestrator) ClearMemory(ctx context.Context, conversationID string) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation id is required")
	}
	if err := o.store.Clear(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to clear conversation context: %w", err)
	}
	return nil
}

// DeleteConversation drops the cached context and the durable message log
// of a conversation.
func (o *Orchestrator) DeleteConversation(ctx context.Context, conversationID string) error {
	if err := o.ClearMemory(ctx, conversationID); err != nil {
		return err
	}
	if err := o.store.DeleteHistory(ctx, strings.TrimSpace(conversationID)); err != nil {
		return fmt.Errorf("failed to delete conversation history: %w", err)
	}
	o.logger.Info().Str("conversation_id", conversationID).Msg("conversation deleted")
	return nil
}

// ArchiveConversation marks a conversation archived. Its context and messages
// are kept.
func (o *Orchestrator) ArchiveConversation(ctx context.Context, conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	if err := o.store.Archive(ctx, conversationID); err != nil {
		return fmt.Errorf("failed to archive conversation: %w", err)
	}
	return nil
}

// ConfirmTool answers a manual-mode tool call waiting on toolExecutionID. It
// reports false when no such call is pending.
func (o *Orchestrator) ConfirmTool(ctx context.Context, toolExecutionID string, approve bool) bool {
	if o.confirmations == nil {
		return false
	}
	return o.confirmations.Decide(ctx, toolExecutionID, approve)
}

// Wait blocks until every accepted run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) open(req memory.Request, transport stream.Transport) (*stream.Session, RunInfo, memory.Request) {
	req.ConversationID = memory.NormalizeConversationID(req.ConversationID)
	info := RunInfo{RunID: o.newRunID(), ConversationID: req.ConversationID}
	session := o.hub.Open(info.RunID, transport)
	session.Bind(info.ConversationID, req.TopicID)
	session.Emit(stream.Frame{Event: stream.EventStart, Message: "run started"})
	return session, info, req
}

func (o *Orchestrator) run(ctx context.Context, session *stream.Session, info RunInfo, req memory.Request) (out Outcome) {
	out.RunInfo = info
	started := o.now()
	log := o.logger.With().Str("run_id", info.RunID).Str("conversation_id", info.ConversationID).Logger()
	_ = o.sink.Emit(ctx, observe.Event{
		RunID:          info.RunID,
		ConversationID: info.ConversationID,
		Kind:           observe.KindRun,
		Status:         observe.StatusStarted,
		Name:           "run",
		Timestamp:      started,
	})

	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("run panicked: %v", r)
			log.Error().Interface("panic", r).Msg("run aborted")
			session.Emit(stream.Frame{Event: stream.EventError, Message: out.Err.Error()})
		}
		session.Close()
		o.stops.Clear(context.WithoutCancel(ctx), info.RunID)
		o.finish(ctx, out, started, log)
	}()

	out = o.execute(ctx, session, info, req, log)
	return out
}

func (o *Orchestrator) execute(ctx context.Context, session *stream.Session, info RunInfo, req memory.Request, log zerolog.Logger) Outcome {
	out := Outcome{RunInfo: info}
	persistCtx := context.WithoutCancel(ctx)
	steps := &stepTimer{
		ctx:       persistCtx,
		runID:     info.RunID,
		threshold: o.stepThreshold,
		events:    session,
		sink:      o.sink,
		logger:    log,
		now:       o.now,
	}
	fail := func(err error) Outcome {
		out.Err = err
		session.Emit(stream.Frame{Event: stream.EventError, Message: err.Error()})
		return out
	}

	done := steps.start("load_context")
	rc, err := o.store.LoadOrCreate(ctx, req)
	if err != nil {
		done()
		return fail(fmt.Errorf("failed to load conversation context: %w", err))
	}
	o.store.EnsureConversation(persistCtx, rc, req.Message)
	done()

	done = steps.start("append_user_message")
	userMsg := types.Message{Role: types.RoleUser, Content: req.Message}
	appended := 0
	if o.store.AppendMessage(persistCtx, info.ConversationID, userMsg, memory.MessageMeta{}) {
		appended++
	}
	rc.Messages = append(rc.Messages, userMsg)
	done()

	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" && o.models != nil {
		modelID = o.models.DefaultModelID()
		session.Emit(stream.Frame{
			Event:   stream.EventThinking,
			Message: fmt.Sprintf("using default model %s", modelID),
			Data:    map[string]any{"modelId": modelID},
		})
	}
	rc.ModelID = modelID
	out.ModelID = modelID
	rc.RunID = info.RunID
	rc.Events = observe.Tap(persistCtx, o.sink, info.RunID, session)
	if o.stops != nil {
		rc.Stop = o.stops
	}

	g := newGate()
	rc.Output = memory.OutputFuncs{
		Token: func(token string) {
			rc.Emit(stream.Frame{Event: stream.EventMessageToken, Content: token})
		},
		Complete: func(content string) {
			if g.resolve(content, nil) {
				rc.Emit(stream.Frame{Event: stream.EventStreamComplete, Content: content})
			}
		},
		Error: func(err error) {
			if err == nil {
				err = errors.New("generation failed")
			}
			if g.resolve("", err) {
				rc.Emit(stream.Frame{Event: stream.EventError, Message: err.Error()})
			}
		},
	}

	if len(rc.KnowledgeIDs) > 0 && o.retriever != nil {
		done = steps.start("pre_retrieval")
		o.preRetrieve(ctx, rc, req.Message, log)
		done()
	}

	rc.Machine = runstate.New(runstate.WithLogger(log))
	rc.Machine.Initialize(func(next runstate.State) {
		rc.Emit(stream.Frame{
			Event:   stream.EventThinking,
			Message: next.Description(),
			Data:    map[string]any{"state": string(next)},
		})
	})

	done = steps.start("execute_loop")
	result, loopErr := o.loop.Execute(ctx, req.Message, rc)
	done()
	out.Result = result
	if loopErr != nil {
		out.Err = loopErr
		// The gate may already hold a successful completion; the failure is
		// still reported unless the loop signalled an error itself.
		if g.resolve("", loopErr) || g.err == nil {
			rc.Emit(stream.Frame{Event: stream.EventError, Message: loopErr.Error()})
		}
		log.Warn().Err(loopErr).Msg("loop ended with error")
	}
	if result.Streamed && !g.fired() {
		done = steps.start("await_stream")
		if _, err := g.wait(ctx, o.streamWait); err != nil {
			log.Warn().Err(err).Dur("timeout", o.streamWait).Msg("generation did not signal completion")
		}
		done()
	}
	if g.fired() {
		out.Content = g.content
		if out.Err == nil {
			out.Err = g.err
		}
	}
	if out.Content == "" {
		out.Content = result.Final()
	}
	if id, ok := result.Metadata["modelId"].(string); ok && id != "" {
		out.ModelID = id
	}

	done = steps.start("persist_messages")
	appended += o.persist(persistCtx, rc, result, out.ModelID)
	o.store.IncrementMessageCount(persistCtx, info.ConversationID, appended)
	done()

	done = steps.start("save_context")
	o.store.Save(persistCtx, rc)
	done()
	return out
}

func (o *Orchestrator) preRetrieve(ctx context.Context, rc *memory.RunContext, query string, log zerolog.Logger) {
	ids := rc.KnowledgeIDs
	rc.Emit(stream.Frame{
		Event:   stream.EventRetrievalQuerying,
		Message: query,
		Data:    map[string]any{"knowledgeIds": ids},
	})
	res, err := o.retriever.Retrieve(ctx, query, ids, rc.Retrieval)
	if err != nil {
		log.Warn().Err(err).Strs("knowledge_ids", ids).Msg("pre-retrieval failed")
		rc.Emit(stream.Frame{
			Event: stream.EventRetrievalResult,
			Data:  map[string]any{"knowledgeIds": ids, "count": 0, "error": err.Error()},
		})
		return
	}
	res = rag.ApplyLimits(res, rc.Retrieval)
	rc.InitialRetrieval = &res
	o.store.RecordRetrieval(rc, query, ids, res.Count(), true)
	rc.Emit(stream.Frame{
		Event:   stream.EventRetrievalResult,
		Message: rag.Summary(res),
		Data:    map[string]any{"knowledgeIds": ids, "count": res.Count()},
	})
}

// persist writes the assistant and tool messages of the run to the durable
// log and returns how many were stored.
func (o *Orchestrator) persist(ctx context.Context, rc *memory.RunContext, result loop.Result, modelID string) int {
	extra := map[string]any{"runId": rc.RunID, "iterations": result.Iterations}
	if kind, ok := result.Metadata["taskKind"]; ok {
		extra["taskKind"] = kind
	}
	tokens := 0
	if usage, ok := result.Metadata["usage"].(types.Usage); ok {
		tokens = usage.TotalTokens
	}
	final := -1
	for i, msg := range result.Messages {
		if msg.Role == types.RoleAssistant && len(msg.ToolCalls) == 0 {
			final = i
		}
	}

	stored := 0
	for i, msg := range result.Messages {
		if msg.Role != types.RoleAssistant && msg.Role != types.RoleTool {
			continue
		}
		meta := memory.MessageMeta{ModelID: modelID, Extra: extra}
		if i == final {
			meta.Tokens = tokens
		}
		if o.store.AppendMessage(ctx, rc.ConversationID, msg, meta) {
			stored++
		}
	}
	return stored
}

func (o *Orchestrator) finish(ctx context.Context, out Outcome, started time.Time, log zerolog.Logger) {
	elapsed := o.now().Sub(started)
	event := observe.Event{
		RunID:          out.RunID,
		ConversationID: out.ConversationID,
		Kind:           observe.KindRun,
		Status:         observe.StatusCompleted,
		Name:           "run",
		ModelID:        out.ModelID,
		DurationMs:     elapsed.Milliseconds(),
		Timestamp:      started,
		Attributes: map[string]any{
			"iterations": out.Result.Iterations,
			"stopped":    out.Result.Stopped,
		},
	}
	if out.Err != nil {
		event.Status = observe.StatusFailed
		event.Error = out.Err.Error()
	}
	_ = o.sink.Emit(context.WithoutCancel(ctx), event)

	entry := log.Info()
	if out.Err != nil {
		entry = log.Warn().Err(out.Err)
	}
	entry.Str("model_id", out.ModelID).
		Int("iterations", out.Result.Iterations).
		Bool("stopped", out.Result.Stopped).
		Int64("duration_ms", elapsed.Milliseconds()).
		Msg("run finished")
}
