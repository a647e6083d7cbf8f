package server

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/loop/direct"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/orchestrator"
	"github.com/PipeOpsHQ/agent-controlplane/providers/echo"
	"github.com/PipeOpsHQ/agent-controlplane/state/memstore"
	"github.com/PipeOpsHQ/agent-controlplane/stopsignal"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
)

func newTestServer(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator) {
	ts, orch, _ := newTestServerWithStores(t)
	return ts, orch
}

func newTestServerWithStores(t *testing.T) (*httptest.Server, *orchestrator.Orchestrator, *memstore.TTLStore) {
	t.Helper()
	cache := memstore.NewTTLStore()
	durable := memstore.NewDurable()
	resolver := models.NewResolver(models.Config{
		DefaultModelID: "main",
		Candidates:     []models.Candidate{{ID: "main", Provider: echo.ProviderName, Streaming: true}},
	}, models.WithFactory(echo.ProviderName, echo.Factory()))
	l, err := direct.New(resolver)
	require.NoError(t, err)
	orch, err := orchestrator.New(memory.NewStore(cache, durable, durable), l,
		orchestrator.WithStopChannel(stopsignal.New(cache)),
		orchestrator.WithModelDefaults(resolver),
		orchestrator.WithConfirmations(confirm.New(cache)),
	)
	require.NoError(t, err)

	srv, err := New(orch, Config{})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		orch.Wait()
	})
	return ts, orch, cache
}

func readSSE(t *testing.T, resp *http.Response) []stream.Frame {
	t.Helper()
	var frames []stream.Frame
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var f stream.Frame
		require.NoError(t, json.Unmarshal([]byte(data), &f))
		frames = append(frames, f)
	}
	require.NoError(t, scanner.Err())
	return frames
}

func events(frames []stream.Frame) []stream.Event {
	out := make([]stream.Event, 0, len(frames))
	for _, f := range frames {
		out = append(out, f.Event)
	}
	return out
}

func TestRunOverSSE(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json",
		strings.NewReader(`{"conversationId":"c1","message":"hello there"}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Run-Id"))
	assert.Equal(t, "c1", resp.Header.Get("X-Conversation-Id"))

	frames := readSSE(t, resp)
	require.NotEmpty(t, frames)
	evs := events(frames)
	assert.Equal(t, stream.EventStart, evs[0])
	assert.Equal(t, stream.EventComplete, evs[len(evs)-1])
	assert.Contains(t, evs, stream.EventMessageToken)
	for _, f := range frames {
		assert.Equal(t, resp.Header.Get("X-Run-Id"), f.RequestID)
	}
}

func TestRunOverSSERejectsBadRequests(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := map[string]string{
		"invalid json":  `{"message":`,
		"empty message": `{"message":"   "}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/v1/runs", "application/json", strings.NewReader(body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var payload map[string]any
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
			assert.NotEmpty(t, payload["error"])
		})
	}
}

func TestRunOverWebSocket(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(memory.Request{ConversationID: "ws-1", Message: "over the socket"}))

	var frames []stream.Frame
	for {
		var f stream.Frame
		if err := conn.ReadJSON(&f); err != nil {
			break
		}
		frames = append(frames, f)
	}
	require.NotEmpty(t, frames)
	evs := events(frames)
	assert.Equal(t, stream.EventStart, evs[0])
	assert.Equal(t, stream.EventComplete, evs[len(evs)-1])
	assert.Equal(t, "ws-1", frames[0].ConversationID)
}

func TestRunOverWebSocketRejectsEmptyMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/runs/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"message": ""}))
	var f stream.Frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, stream.EventError, f.Event)
	assert.Contains(t, f.Message, "message is required")
}

func TestStopUnknownRun(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/runs/nope/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "nope", payload["runId"])
	// The shared flag is still raised for runs held by other processes.
	assert.Equal(t, true, payload["accepted"])
}

func TestClearContext(t *testing.T) {
	ts, orch := newTestServer(t)

	out := orch.Execute(t.Context(), memory.Request{ConversationID: "c9", Message: "remember me"}, stream.NewMemoryTransport())
	require.NoError(t, out.Err)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/conversations/c9/context", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, true, payload["cleared"])
}

func deleteRequest(t *testing.T, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestDeleteConversation(t *testing.T) {
	ts, orch := newTestServer(t)
	out := orch.Execute(t.Context(), memory.Request{ConversationID: "c9", Message: "forget me"}, stream.NewMemoryTransport())
	require.NoError(t, out.Err)

	resp := deleteRequest(t, ts.URL+"/api/v1/conversations/c9")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, true, payload["deleted"])
}

func TestArchiveConversation(t *testing.T) {
	ts, orch := newTestServer(t)
	out := orch.Execute(t.Context(), memory.Request{ConversationID: "c9", Message: "file me away"}, stream.NewMemoryTransport())
	require.NoError(t, out.Err)

	resp, err := http.Post(ts.URL+"/api/v1/conversations/c9/archive", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "archived", payload["status"])

	missing, err := http.Post(ts.URL+"/api/v1/conversations/nope/archive", "application/json", nil)
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestConfirmTool(t *testing.T) {
	ts, _, cache := newTestServerWithStores(t)
	waiting := confirm.New(cache)
	require.True(t, waiting.Register(t.Context(), "exec-7"))

	resp, err := http.Post(ts.URL+"/api/v1/tools/exec-7/confirm", "application/json", strings.NewReader(`{"approve":true}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "exec-7", payload["toolExecutionId"])
	assert.Equal(t, true, payload["approved"])
	assert.Equal(t, confirm.Approved, waiting.Wait(t.Context(), "exec-7"))

	unknown, err := http.Post(ts.URL+"/api/v1/tools/exec-8/confirm", "application/json", strings.NewReader(`{"approve":false}`))
	require.NoError(t, err)
	defer unknown.Body.Close()
	assert.Equal(t, http.StatusNotFound, unknown.StatusCode)

	bad, err := http.Post(ts.URL+"/api/v1/tools/exec-7/confirm", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestHealthAndRouting(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	wrong, err := http.Get(ts.URL + "/api/v1/runs")
	require.NoError(t, err)
	defer wrong.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, wrong.StatusCode)
}

func TestNewRequiresOrchestrator(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}
