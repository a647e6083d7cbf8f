// Package direct is the built-in tool-calling loop: generate, run any
// requested tools, feed results back, repeat until the model answers.
package direct

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/loop"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/rag"
	"github.com/PipeOpsHQ/agent-controlplane/runstate"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
	"github.com/PipeOpsHQ/agent-controlplane/tools"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const DefaultMaxIterations = 10

var (
	ErrEmptyResponse           = errors.New("provider returned empty assistant content")
	ErrToolRejected            = errors.New("tool call rejected by user")
	ErrConfirmationTimeout     = errors.New("tool confirmation timed out")
	ErrConfirmationUnavailable = errors.New("tool confirmation is not available")
)

// ModelResolver is the part of *models.Resolver the loop needs.
type ModelResolver interface {
	ResolveWithFallback(ctx context.Context, ids []string) (llm.Provider, string, error)
	CandidatesFor(kind models.TaskKind) []string
}

// Confirmer holds manual-mode tool calls until a user approves them.
type Confirmer interface {
	Register(ctx context.Context, id string) bool
	Wait(ctx context.Context, id string) confirm.Decision
}

type Loop struct {
	models          ModelResolver
	tools           *tools.Registry
	retriever       rag.Retriever
	systemPrompt    string
	maxIterations   int
	maxOutputTokens int
	toolTimeout     time.Duration
	parallelTools   bool
	window          memory.Window
	confirmer       Confirmer
	logger          zerolog.Logger
}

type Option func(*Loop)

func WithSystemPrompt(prompt string) Option {
	return func(l *Loop) { l.systemPrompt = prompt }
}

func WithMaxIterations(max int) Option {
	return func(l *Loop) {
		if max > 0 {
			l.maxIterations = max
		}
	}
}

func WithMaxOutputTokens(max int) Option {
	return func(l *Loop) {
		if max > 0 {
			l.maxOutputTokens = max
		}
	}
}

func WithTools(registry *tools.Registry) Option {
	return func(l *Loop) { l.tools = registry }
}

// WithRetriever enables the knowledge_search tool for runs that name
// knowledge sources.
func WithRetriever(r rag.Retriever) Option {
	return func(l *Loop) { l.retriever = r }
}

func WithToolTimeout(timeout time.Duration) Option {
	return func(l *Loop) {
		if timeout >= 0 {
			l.toolTimeout = timeout
		}
	}
}

func WithParallelToolCalls(enabled bool) Option {
	return func(l *Loop) { l.parallelTools = enabled }
}

func WithMaxInputTokens(n int) Option {
	return func(l *Loop) { l.window = memory.NewWindow(n) }
}

// WithConfirmations gates tool calls of manual-mode runs on a user decision.
// Without one, manual-mode tool calls are rejected.
func WithConfirmations(c Confirmer) Option {
	return func(l *Loop) { l.confirmer = c }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

func New(resolver ModelResolver, opts ...Option) (*Loop, error) {
	if resolver == nil {
		return nil, errors.New("model resolver is required")
	}
	l := &Loop{
		models:        resolver,
		maxIterations: DefaultMaxIterations,
		window:        memory.NewWindow(0),
		logger:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

var _ loop.Loop = (*Loop)(nil)

func (l *Loop) Execute(ctx context.Context, goal string, rc *memory.RunContext) (loop.Result, error) {
	if rc == nil || rc.Record == nil {
		return loop.Result{}, errors.New("run context is required")
	}
	log := l.logger.With().Str("run_id", rc.RunID).Str("conversation_id", rc.ConversationID).Logger()
	result := loop.Result{Streamed: true, Metadata: map[string]any{}}

	toolset := l.selectTools(rc)
	defs := tools.Definitions(toolset)
	kind := taskKind(rc, len(defs) > 0)

	provider, modelID, err := l.models.ResolveWithFallback(ctx, candidates(rc.ModelID, l.models.CandidatesFor(kind)))
	if err != nil {
		rc.Transition(runstate.Failed)
		rc.OnError(err)
		return result, err
	}
	result.Metadata["modelId"] = modelID
	result.Metadata["taskKind"] = string(kind)
	streaming, canStream := llm.AsStreaming(provider)

	messages := append([]types.Message(nil), rc.Messages...)
	if n := len(messages); n == 0 || messages[n-1].Role != types.RoleUser || messages[n-1].Content != goal {
		messages = append(messages, types.Message{Role: types.RoleUser, Content: goal})
	}
	systemPrompt := l.buildSystemPrompt(rc, goal)
	usage := &types.Usage{}

	rc.Transition(runstate.Thinking)
	for i := 0; i < l.maxIterations; i++ {
		if rc.StopRequested(ctx) {
			log.Info().Int("iteration", i).Msg("stop requested, ending loop")
			rc.Transition(runstate.Paused)
			rc.Transition(runstate.Completed)
			result.Stopped = true
			rc.OnComplete(result.Final())
			return l.finish(rc, result, usage), nil
		}
		if err := ctx.Err(); err != nil {
			rc.Transition(runstate.Failed)
			rc.OnError(err)
			return l.finish(rc, result, usage), err
		}

		iteration := rc.Iteration
		rc.Iteration++
		result.Iterations++

		req := types.Request{
			SystemPrompt:    systemPrompt,
			Messages:        l.window.Fit(messages, systemPrompt, defs, l.maxOutputTokens),
			Tools:           defs,
			MaxOutputTokens: l.maxOutputTokens,
		}
		started := time.Now()
		var resp types.Response
		if canStream {
			resp, err = streaming.GenerateStream(ctx, req, func(chunk types.StreamChunk) error {
				if chunk.Text != "" {
					rc.OnToken(chunk.Text)
				}
				return nil
			})
		} else {
			resp, err = provider.Generate(ctx, req)
			if err == nil && len(resp.Message.ToolCalls) == 0 && resp.Message.Content != "" {
				rc.OnToken(resp.Message.Content)
			}
		}
		if err != nil {
			err = fmt.Errorf("generation failed: %w", err)
			memory.RecordActions(rc, iteration, types.Failed(types.NewGenerationAction(goal), err, "generation", time.Since(started)))
			rc.Transition(runstate.Failed)
			rc.OnError(err)
			return l.finish(rc, result, usage), err
		}
		addUsage(usage, resp.Usage)

		msg := resp.Message
		msg.Role = types.RoleAssistant
		if len(msg.ToolCalls) == 0 {
			if strings.TrimSpace(msg.Content) == "" {
				rc.Transition(runstate.Failed)
				rc.OnError(ErrEmptyResponse)
				return l.finish(rc, result, usage), ErrEmptyResponse
			}
			messages = append(messages, msg)
			result.Messages = append(result.Messages, msg)
			memory.RecordActions(rc, iteration, types.Succeeded(types.NewDirectResponse(msg.Content), msg.Content, time.Since(started)))
			rc.Transition(runstate.Completed)
			rc.OnComplete(msg.Content)
			return l.finish(rc, result, usage), nil
		}

		for j := range msg.ToolCalls {
			if msg.ToolCalls[j].ID == "" {
				msg.ToolCalls[j].ID = uuid.NewString()
			}
		}
		messages = append(messages, msg)
		result.Messages = append(result.Messages, msg)

		rc.Transition(runstate.Executing)
		toolMsgs, actions := l.executeToolCalls(ctx, rc, toolset, msg)
		messages = append(messages, toolMsgs...)
		result.Messages = append(result.Messages, toolMsgs...)
		memory.RecordActions(rc, iteration, actions...)
		rc.Transition(runstate.Observing)
		rc.Transition(runstate.Reflecting)
		rc.Transition(runstate.Thinking)
	}

	err = fmt.Errorf("max iterations reached (%d)", l.maxIterations)
	rc.Transition(runstate.Failed)
	rc.OnError(err)
	return l.finish(rc, result, usage), err
}

func (l *Loop) finish(rc *memory.RunContext, result loop.Result, usage *types.Usage) loop.Result {
	if usage.TotalTokens > 0 || usage.InputTokens > 0 || usage.OutputTokens > 0 {
		result.Metadata["usage"] = *usage
	}
	result.Metadata["iterations"] = result.Iterations
	rc.Messages = append(rc.Messages, result.Messages...)
	return result
}

func (l *Loop) selectTools(rc *memory.RunContext) []tools.Tool {
	var out []tools.Tool
	if l.tools != nil {
		out = l.tools.Select(rc.EnabledToolGroups, rc.EnabledTools)
	}
	if l.retriever != nil && len(rc.KnowledgeIDs) > 0 {
		out = append(out, rag.NewSearchTool(l.retriever, rc.KnowledgeIDs, rc.Retrieval))
	}
	return out
}

func (l *Loop) buildSystemPrompt(rc *memory.RunContext, goal string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(l.systemPrompt))

	history := rc.Messages
	if n := len(history); n > 0 && history[n-1].Role == types.RoleUser && history[n-1].Content == goal {
		history = history[:n-1]
	}
	section(&b, memory.Digest(history, rc.Tuning.HistoryRounds, rc.Tuning.MaxMessageLength))

	if len(rc.Knowledge) > 0 {
		names := make([]string, 0, len(rc.Knowledge))
		for _, id := range rc.KnowledgeIDs {
			if src, ok := rc.Knowledge[id]; ok {
				names = append(names, src.Name)
			}
		}
		section(&b, "Available knowledge bases: "+strings.Join(names, ", "))
	}
	if rc.InitialRetrieval != nil {
		section(&b, rag.FormatContext(*rc.InitialRetrieval, rc.Retrieval))
	}
	if summary := actionSummary(rc.RecentActions(0), rc.Tuning.MaxMessageLength); summary != "" {
		section(&b, summary)
	}
	return b.String()
}

func section(b *strings.Builder, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(text)
}

func actionSummary(history [][]types.ActionResult, maxLen int) string {
	var lines []string
	for _, results := range history {
		for _, r := range results {
			status := "ok"
			detail := string(r.Data)
			if !r.Success {
				status = "failed"
				detail = r.Error
			}
			if maxLen > 0 && len([]rune(detail)) > maxLen {
				detail = string([]rune(detail)[:maxLen]) + "..."
			}
			lines = append(lines, fmt.Sprintf("- %s %s (%s): %s", r.ActionType, r.ActionName, status, detail))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Previous actions:\n" + strings.Join(lines, "\n")
}

// toolRun tracks one requested call through confirmation and execution.
type toolRun struct {
	call       types.ToolCall
	search     *rag.SearchTool
	query      string
	manual     bool
	confirmID  string
	registered bool

	msg       types.Message
	action    types.ActionResult
	retrieved *rag.Result
}

func (l *Loop) executeToolCalls(ctx context.Context, rc *memory.RunContext, toolset []tools.Tool, msg types.Message) ([]types.Message, []types.ActionResult) {
	byName := make(map[string]tools.Tool, len(toolset))
	for _, t := range toolset {
		byName[t.Definition().Name] = t
	}

	runs := make([]toolRun, len(msg.ToolCalls))
	for i, call := range msg.ToolCalls {
		run := &runs[i]
		run.call = call
		if search, ok := byName[call.Name].(*rag.SearchTool); ok {
			run.search = search
			run.query = search.Query(call.Arguments)
			rc.Emit(stream.Frame{
				Event:   stream.EventRetrievalQuerying,
				Message: run.query,
				Data:    map[string]any{"toolCallId": call.ID, "knowledgeIds": search.Sources()},
			})
			continue
		}
		data := map[string]any{"toolCallId": call.ID, "arguments": json.RawMessage(nonEmptyArgs(call.Arguments))}
		if rc.Mode == memory.ModeManual {
			run.manual = true
			run.confirmID = uuid.NewString()
			run.registered = l.confirmer != nil && l.confirmer.Register(ctx, run.confirmID)
			data["toolExecutionId"] = run.confirmID
			data["requiresConfirmation"] = true
		}
		rc.Emit(stream.Frame{Event: stream.EventToolCall, Message: call.Name, Data: data})
	}

	if l.parallelTools && len(runs) > 1 {
		var wg sync.WaitGroup
		wg.Add(len(runs))
		for i := range runs {
			go func(i int) {
				defer wg.Done()
				l.executeOne(ctx, byName, &runs[i], msg.Content)
			}(i)
		}
		wg.Wait()
	} else {
		for i := range runs {
			l.executeOne(ctx, byName, &runs[i], msg.Content)
		}
	}

	msgs := make([]types.Message, len(runs))
	actions := make([]types.ActionResult, len(runs))
	for i := range runs {
		run := &runs[i]
		msgs[i], actions[i] = run.msg, run.action
		if run.search != nil {
			l.recordSearch(rc, run)
			continue
		}
		data := map[string]any{"toolCallId": run.call.ID, "success": run.action.Success, "durationMs": run.action.Duration.Milliseconds()}
		if run.manual {
			data["toolExecutionId"] = run.confirmID
		}
		if !run.action.Success {
			data["error"] = run.action.Error
		}
		rc.Emit(stream.Frame{Event: stream.EventToolResult, Message: run.call.Name, Content: run.msg.Content, Data: data})
	}
	return msgs, actions
}

func (l *Loop) recordSearch(rc *memory.RunContext, run *toolRun) {
	sources := run.search.Sources()
	data := map[string]any{"toolCallId": run.call.ID, "knowledgeIds": sources}
	frame := stream.Frame{Event: stream.EventRetrievalResult, Data: data}
	if run.retrieved == nil {
		data["count"] = 0
		data["error"] = run.action.Error
		rc.Emit(frame)
		return
	}
	data["count"] = run.retrieved.Count()
	frame.Message = rag.Summary(*run.retrieved)
	memory.AppendRetrieval(rc, memory.RetrievalEntry{
		Query:     run.query,
		Sources:   sources,
		Count:     run.retrieved.Count(),
		Timestamp: time.Now(),
	})
	rc.Emit(frame)
}

func (l *Loop) executeOne(ctx context.Context, byName map[string]tools.Tool, run *toolRun, reasoning string) {
	call := run.call
	action := types.NewToolAction(call, reasoning)
	errorType := "tool"
	if run.search != nil {
		action = types.NewRetrievalAction(run.query, run.search.Sources())
		action.Reasoning = reasoning
		errorType = "retrieval"
	}
	started := time.Now()

	var (
		payload any
		toolErr error
	)
	tool, ok := byName[call.Name]
	switch {
	case !ok:
		toolErr = fmt.Errorf("tool %q not found", call.Name)
	case run.manual:
		if toolErr = l.awaitConfirmation(ctx, run); toolErr != nil {
			errorType = "confirmation"
		}
	}
	if toolErr == nil {
		payload, toolErr = l.invoke(ctx, tool, run)
	}
	if toolErr != nil {
		payload = map[string]any{"error": toolErr.Error()}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"error":"failed to encode tool output","detail":%q}`, err.Error()))
	}
	run.msg = types.Message{Role: types.RoleTool, Name: call.Name, ToolCallID: call.ID, Content: string(encoded)}

	elapsed := time.Since(started)
	if toolErr != nil {
		l.logger.Warn().Err(toolErr).Str("tool", call.Name).Msg("tool call failed")
		run.action = types.Failed(action, toolErr, errorType, elapsed)
		return
	}
	run.action = types.Succeeded(action, payload, elapsed)
}

func (l *Loop) invoke(ctx context.Context, tool tools.Tool, run *toolRun) (any, error) {
	if l.toolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.toolTimeout)
		defer cancel()
	}
	args := nonEmptyArgs(run.call.Arguments)
	if run.search != nil {
		_, res, err := run.search.Search(ctx, args)
		if err != nil {
			return nil, err
		}
		run.retrieved = &res
		return rag.SearchOutput(res), nil
	}
	return tool.Execute(ctx, args)
}

// awaitConfirmation blocks until the user decides on a manual-mode call.
func (l *Loop) awaitConfirmation(ctx context.Context, run *toolRun) error {
	if !run.registered {
		return ErrConfirmationUnavailable
	}
	switch l.confirmer.Wait(ctx, run.confirmID) {
	case confirm.Approved:
		return nil
	case confirm.TimedOut:
		return ErrConfirmationTimeout
	default:
		return ErrToolRejected
	}
}

func nonEmptyArgs(args json.RawMessage) json.RawMessage {
	if len(args) == 0 {
		return json.RawMessage(`{}`)
	}
	return args
}

func taskKind(rc *memory.RunContext, hasTools bool) models.TaskKind {
	switch {
	case hasTools && len(rc.KnowledgeIDs) > 0:
		return models.TaskComplexWorkflow
	case hasTools:
		return models.TaskToolCall
	case len(rc.KnowledgeIDs) > 0 || rc.InitialRetrieval != nil:
		return models.TaskRAGQuery
	default:
		return models.TaskSimpleChat
	}
}

// candidates puts the run's model first and drops empty ids and repeats.
func candidates(preferred string, fallback []string) []string {
	out := make([]string, 0, len(fallback)+1)
	seen := map[string]struct{}{}
	for _, id := range append([]string{preferred}, fallback...) {
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

func addUsage(total *types.Usage, u *types.Usage) {
	if u == nil {
		return
	}
	total.InputTokens += u.InputTokens
	total.OutputTokens += u.OutputTokens
	total.TotalTokens += u.TotalTokens
}
