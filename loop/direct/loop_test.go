package direct

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/llm"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/providers/echo"
	"github.com/PipeOpsHQ/agent-controlplane/rag"
	"github.com/PipeOpsHQ/agent-controlplane/runstate"
	"github.com/PipeOpsHQ/agent-controlplane/state/memstore"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
	"github.com/PipeOpsHQ/agent-controlplane/tools"
	"github.com/PipeOpsHQ/agent-controlplane/types"
)

// scriptedProvider replays responses in order and records requests.
type scriptedProvider struct {
	mu        sync.Mutex
	responses []types.Response
	errs      []error
	requests  []types.Request
}

func (s *scriptedProvider) Name() string                   { return "scripted" }
func (s *scriptedProvider) Capabilities() llm.Capabilities { return llm.Capabilities{Tools: true} }

func (s *scriptedProvider) Generate(_ context.Context, req types.Request) (types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.requests)
	s.requests = append(s.requests, req)
	if i < len(s.errs) && s.errs[i] != nil {
		return types.Response{}, s.errs[i]
	}
	if i >= len(s.responses) {
		return s.responses[len(s.responses)-1], nil
	}
	return s.responses[i], nil
}

func toolCall(name, args string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: "let me check", ToolCalls: []types.ToolCall{{ID: "call-" + name, Name: name, Arguments: json.RawMessage(args)}}}}
}

func answer(text string) types.Response {
	return types.Response{Message: types.Message{Role: types.RoleAssistant, Content: text}, Usage: &types.Usage{TotalTokens: 3}}
}

func newResolver(t *testing.T, p llm.Provider) *models.Resolver {
	t.Helper()
	return models.NewResolver(models.Config{
		DefaultModelID: "main",
		Candidates:     []models.Candidate{{ID: "main", Provider: "test"}},
	}, models.WithFactory("test", models.Factory{Keyless: true, New: func(context.Context, models.Candidate) (llm.Provider, error) {
		return p, nil
	}}))
}

type recorder struct {
	mu        sync.Mutex
	frames    []stream.Frame
	tokens    []string
	completed []string
	errs      []error
}

func (r *recorder) Emit(f stream.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
}

func (r *recorder) events() []stream.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]stream.Event, 0, len(r.frames))
	for _, f := range r.frames {
		out = append(out, f.Event)
	}
	return out
}

func newRunContext(rec *recorder, modelID string) *memory.RunContext {
	m := runstate.New()
	m.Initialize(nil)
	return &memory.RunContext{
		Record: &memory.Record{ConversationID: "conv", ModelID: modelID, Tuning: memory.Tuning{MaxMessageLength: 200, ActionHistoryCount: 5}},
		RunID:  "run",
		Events: rec,
		Output: memory.OutputFuncs{
			Token:    func(s string) { rec.mu.Lock(); rec.tokens = append(rec.tokens, s); rec.mu.Unlock() },
			Complete: func(s string) { rec.mu.Lock(); rec.completed = append(rec.completed, s); rec.mu.Unlock() },
			Error:    func(err error) { rec.mu.Lock(); rec.errs = append(rec.errs, err); rec.mu.Unlock() },
		},
		Machine: m,
	}
}

func TestExecute_ToolRoundTrip(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("uuid_generator", `{"count":2}`), answer("done")}}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry))

	l, err := New(newResolver(t, provider), WithTools(registry), WithSystemPrompt("You are helpful."))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "")
	rc.Messages = []types.Message{{Role: types.RoleUser, Content: "make ids"}}

	res, err := l.Execute(context.Background(), "make ids", rc)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, "done", res.Final())
	assert.Equal(t, "main", res.Metadata["modelId"])
	assert.Equal(t, string(models.TaskToolCall), res.Metadata["taskKind"])
	require.Len(t, res.Messages, 3)
	assert.Equal(t, types.RoleTool, res.Messages[1].Role)
	assert.Contains(t, res.Messages[1].Content, `"count":2`)

	assert.Equal(t, []stream.Event{stream.EventToolCall, stream.EventToolResult}, rec.events())
	assert.Equal(t, true, rec.frames[1].Data["success"])
	assert.Equal(t, []string{"done"}, rec.tokens)
	assert.Equal(t, []string{"done"}, rec.completed)

	assert.Equal(t, 2, rc.Iteration)
	require.Len(t, rc.ActionHistory, 2)
	assert.Equal(t, types.ActionToolCall, rc.ActionHistory[0][0].ActionType)
	assert.Equal(t, "uuid_generator", rc.ActionHistory[0][0].ActionName)
	assert.Equal(t, types.ActionDirectResponse, rc.ActionHistory[1][0].ActionType)
	assert.Len(t, rc.Messages, 4)

	assert.Equal(t, []runstate.State{
		runstate.Initializing, runstate.Thinking, runstate.Executing, runstate.Observing,
		runstate.Reflecting, runstate.Thinking, runstate.Completed,
	}, rc.Machine.History())

	require.Len(t, provider.requests, 2)
	assert.Len(t, provider.requests[0].Tools, 2)
	assert.True(t, strings.HasPrefix(provider.requests[1].SystemPrompt, "You are helpful."))
}

func TestExecute_HonorsToolFilters(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("uuid_generator", `{}`), answer("ok")}}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry))
	l, err := New(newResolver(t, provider), WithTools(registry))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	rc.EnabledTools = []string{"current_time"}

	res, err := l.Execute(context.Background(), "q", rc)
	require.NoError(t, err)
	assert.Len(t, provider.requests[0].Tools, 1)
	assert.Contains(t, res.Messages[1].Content, `tool \"uuid_generator\" not found`)
	assert.Equal(t, false, rec.frames[1].Data["success"])
	assert.False(t, rc.ActionHistory[0][0].Success)
}

type flagAfter struct {
	mu    sync.Mutex
	calls int
	after int
}

func (f *flagAfter) IsStopRequested(context.Context, string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.calls > f.after
}

func TestExecute_ObservesStopBetweenIterations(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("current_time", `{}`)}}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry))
	l, err := New(newResolver(t, provider), WithTools(registry))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	stop := &flagAfter{after: 2}
	rc.Stop = stop

	res, err := l.Execute(context.Background(), "loop forever", rc)
	require.NoError(t, err)
	assert.True(t, res.Stopped)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 3, stop.calls)
	assert.Len(t, rec.completed, 1)
	assert.True(t, rc.Machine.IsCompleted())
}

func TestExecute_GenerationErrorSignalsOutput(t *testing.T) {
	provider := &scriptedProvider{errs: []error{errors.New("backend down")}, responses: []types.Response{answer("never")}}
	l, err := New(newResolver(t, provider))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	_, err = l.Execute(context.Background(), "q", rc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend down")
	require.Len(t, rec.errs, 1)
	assert.Empty(t, rec.completed)
	assert.True(t, rc.Machine.IsFailed())
	assert.False(t, rc.ActionHistory[0][0].Success)
}

func TestExecute_EmptyAnswerFails(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{{Message: types.Message{Role: types.RoleAssistant}}}}
	l, err := New(newResolver(t, provider))
	require.NoError(t, err)
	_, err = l.Execute(context.Background(), "q", newRunContext(&recorder{}, "main"))
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExecute_MaxIterations(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("missing", `{}`)}}
	l, err := New(newResolver(t, provider), WithMaxIterations(3))
	require.NoError(t, err)
	rec := &recorder{}
	res, err := l.Execute(context.Background(), "q", newRunContext(rec, "main"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max iterations reached (3)")
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, rec.errs, 1)
}

func TestExecute_UnresolvableModelFails(t *testing.T) {
	l, err := New(models.NewResolver(models.Config{DefaultModelID: "ghost"}))
	require.NoError(t, err)
	rec := &recorder{}
	_, err = l.Execute(context.Background(), "q", newRunContext(rec, "ghost"))
	var fe *models.FallbackError
	require.ErrorAs(t, err, &fe)
	assert.ErrorIs(t, err, models.ErrUnknownModel)
	assert.Len(t, rec.errs, 1)
}

func TestExecute_StreamsTokensAndFallsBack(t *testing.T) {
	resolver := models.NewResolver(models.Config{
		DefaultModelID: "primary",
		Candidates: []models.Candidate{
			{ID: "primary", Provider: "nokey"},
			{ID: "backup", Provider: echo.ProviderName, Streaming: true},
		},
		TaskModels: map[models.TaskKind][]string{models.TaskSimpleChat: {"primary", "backup"}},
	},
		models.WithFactory("nokey", models.Factory{New: func(context.Context, models.Candidate) (llm.Provider, error) { return echo.New(), nil }}),
		models.WithFactory(echo.ProviderName, echo.Factory()),
	)
	l, err := New(resolver)
	require.NoError(t, err)

	rec := &recorder{}
	res, err := l.Execute(context.Background(), "stream me please", newRunContext(rec, "primary"))
	require.NoError(t, err)
	assert.Equal(t, "backup", res.Metadata["modelId"])
	assert.Equal(t, "echo: stream me please", strings.Join(rec.tokens, ""))
	assert.Greater(t, len(rec.tokens), 1)
	assert.Equal(t, []string{"echo: stream me please"}, rec.completed)
}

func TestExecute_KnowledgeSearchAndContext(t *testing.T) {
	retriever := rag.NewKeywordRetriever()
	retriever.Add("kb", rag.Document{ID: "1", Content: "frames are ordered per session"})
	provider := &scriptedProvider{responses: []types.Response{toolCall(rag.SearchToolName, `{"query":"frames ordered"}`), answer("they are ordered")}}
	l, err := New(newResolver(t, provider), WithRetriever(retriever))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	rc.KnowledgeIDs = []string{"kb"}
	rc.Knowledge = map[string]rag.Source{"kb": {ID: "kb", Name: "Design notes"}}
	rc.InitialRetrieval = &rag.Result{Query: "q", Documents: []rag.Document{{Content: "initial doc", Score: 0.9}}}

	res, err := l.Execute(context.Background(), "are frames ordered?", rc)
	require.NoError(t, err)
	assert.Equal(t, string(models.TaskComplexWorkflow), res.Metadata["taskKind"])
	assert.Contains(t, res.Messages[1].Content, "Found 1 relevant documents")
	prompt := provider.requests[0].SystemPrompt
	assert.Contains(t, prompt, "Design notes")
	assert.Contains(t, prompt, "initial doc")

	assert.Equal(t, []stream.Event{stream.EventRetrievalQuerying, stream.EventRetrievalResult}, rec.events())
	assert.Equal(t, "frames ordered", rec.frames[0].Message)
	assert.Equal(t, 1, rec.frames[1].Data["count"])
	assert.Equal(t, types.ActionRetrieval, rc.ActionHistory[0][0].ActionType)
	assert.True(t, rc.ActionHistory[0][0].Success)
	require.Len(t, rc.RetrievalHistory, 1)
	assert.Equal(t, "frames ordered", rc.RetrievalHistory[0].Query)
	assert.Equal(t, []string{"kb"}, rc.RetrievalHistory[0].Sources)
	assert.Equal(t, 1, rc.RetrievalHistory[0].Count)
	assert.False(t, rc.RetrievalHistory[0].Initial)
}

func TestExecute_FailedKnowledgeSearchIsNotRecorded(t *testing.T) {
	failing := rag.RetrieverFunc(func(context.Context, string, []string, rag.Config) (rag.Result, error) {
		return rag.Result{}, errors.New("index offline")
	})
	provider := &scriptedProvider{responses: []types.Response{toolCall(rag.SearchToolName, `{"query":"anything"}`), answer("no luck")}}
	l, err := New(newResolver(t, provider), WithRetriever(failing))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	rc.KnowledgeIDs = []string{"kb"}

	_, err = l.Execute(context.Background(), "q", rc)
	require.NoError(t, err)
	require.Len(t, rec.frames, 2)
	assert.Equal(t, stream.EventRetrievalResult, rec.frames[1].Event)
	assert.Contains(t, rec.frames[1].Data["error"], "index offline")
	assert.Empty(t, rc.RetrievalHistory)
	assert.Equal(t, "retrieval", rc.ActionHistory[0][0].ErrorType)
}

func TestExecute_SystemPromptCarriesRecentConversation(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{answer("fine")}}
	l, err := New(newResolver(t, provider), WithSystemPrompt("base"))
	require.NoError(t, err)

	rc := newRunContext(&recorder{}, "main")
	rc.Tuning.HistoryRounds = 1
	rc.Tuning.MaxMessageLength = 10
	rc.Messages = []types.Message{
		{Role: types.RoleUser, Content: "older question"},
		{Role: types.RoleAssistant, Content: "older answer"},
		{Role: types.RoleUser, Content: "previous question that is long"},
		{Role: types.RoleAssistant, Content: "previous answer"},
		{Role: types.RoleUser, Content: "and now?"},
	}

	_, err = l.Execute(context.Background(), "and now?", rc)
	require.NoError(t, err)
	prompt := provider.requests[0].SystemPrompt
	assert.True(t, strings.HasPrefix(prompt, "base\n\n[Recent conversation]"))
	assert.Contains(t, prompt, "User: previous q...")
	assert.Contains(t, prompt, "Assistant: previous a...")
	assert.NotContains(t, prompt, "older")
	assert.NotContains(t, prompt, "and now?")
}

// fixedConfirmer answers every wait with the same decision.
type fixedConfirmer struct {
	mu         sync.Mutex
	decision   confirm.Decision
	registered []string
}

func (f *fixedConfirmer) Register(_ context.Context, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, id)
	return true
}

func (f *fixedConfirmer) Wait(context.Context, string) confirm.Decision { return f.decision }

func TestExecute_ManualModeGatesToolCalls(t *testing.T) {
	tests := []struct {
		name      string
		confirmer Confirmer
		success   bool
		errText   string
	}{
		{"approved", &fixedConfirmer{decision: confirm.Approved}, true, ""},
		{"rejected", &fixedConfirmer{decision: confirm.Rejected}, false, ErrToolRejected.Error()},
		{"timed out", &fixedConfirmer{decision: confirm.TimedOut}, false, ErrConfirmationTimeout.Error()},
		{"no confirmer", nil, false, ErrConfirmationUnavailable.Error()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{responses: []types.Response{toolCall("current_time", `{}`), answer("ok")}}
			registry := tools.NewRegistry()
			require.NoError(t, tools.RegisterBuiltins(registry))
			l, err := New(newResolver(t, provider), WithTools(registry), WithConfirmations(tt.confirmer))
			require.NoError(t, err)

			rec := &recorder{}
			rc := newRunContext(rec, "main")
			rc.Mode = memory.ModeManual
			_, err = l.Execute(context.Background(), "what time is it", rc)
			require.NoError(t, err)

			require.Equal(t, []stream.Event{stream.EventToolCall, stream.EventToolResult}, rec.events())
			call := rec.frames[0].Data
			assert.Equal(t, true, call["requiresConfirmation"])
			assert.NotEmpty(t, call["toolExecutionId"])
			assert.Equal(t, tt.success, rec.frames[1].Data["success"])

			action := rc.ActionHistory[0][0]
			assert.Equal(t, tt.success, action.Success)
			if !tt.success {
				assert.Equal(t, tt.errText, action.Error)
				assert.Equal(t, "confirmation", action.ErrorType)
				assert.Contains(t, provider.requests[1].Messages[2].Content, tt.errText)
			}
		})
	}
}

func TestExecute_ManualModeApprovedThroughRegistry(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("current_time", `{}`), answer("ok")}}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry))
	confirmations := confirm.New(memstore.NewTTLStore(), confirm.WithTimeout(time.Second), confirm.WithPollInterval(5*time.Millisecond))
	l, err := New(newResolver(t, provider), WithTools(registry), WithConfirmations(confirmations))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	rc.Mode = memory.ModeManual
	// The user answers as soon as the tool-call frame reaches them.
	rc.Events = stream.EmitterFunc(func(f stream.Frame) {
		rec.Emit(f)
		if f.Event == stream.EventToolCall {
			id, _ := f.Data["toolExecutionId"].(string)
			assert.True(t, confirmations.Decide(context.Background(), id, true))
		}
	})

	_, err = l.Execute(context.Background(), "what time is it", rc)
	require.NoError(t, err)
	assert.True(t, rc.ActionHistory[0][0].Success)
	assert.Equal(t, rec.frames[0].Data["toolExecutionId"], rec.frames[1].Data["toolExecutionId"])
}

func TestExecute_AutoModeSkipsConfirmation(t *testing.T) {
	provider := &scriptedProvider{responses: []types.Response{toolCall("current_time", `{}`), answer("ok")}}
	registry := tools.NewRegistry()
	require.NoError(t, tools.RegisterBuiltins(registry))
	confirmer := &fixedConfirmer{decision: confirm.Rejected}
	l, err := New(newResolver(t, provider), WithTools(registry), WithConfirmations(confirmer))
	require.NoError(t, err)

	rec := &recorder{}
	rc := newRunContext(rec, "main")
	_, err = l.Execute(context.Background(), "what time is it", rc)
	require.NoError(t, err)
	assert.True(t, rc.ActionHistory[0][0].Success)
	assert.Empty(t, confirmer.registered)
	assert.NotContains(t, rec.frames[0].Data, "requiresConfirmation")
}

func TestCandidates(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, candidates("a", []string{"b", "a", " "}))
	assert.Equal(t, []string{"b"}, candidates("", []string{"b"}))
}
