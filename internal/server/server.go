// Package server exposes the orchestrator over HTTP: runs stream back as
// server-sent events or websocket messages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/orchestrator"
	"github.com/PipeOpsHQ/agent-controlplane/state"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
)

const maxRequestBytes = 1 << 20

type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	// KeepAlive is the SSE comment interval.
	KeepAlive    time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	cfg      Config
	orch     *orchestrator.Orchestrator
	logger   zerolog.Logger
	mux      *http.ServeMux
	handler  http.Handler
	http     *http.Server
	upgrader websocket.Upgrader
	once     sync.Once
}

type Option func(*Server)

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func New(orch *orchestrator.Orchestrator, cfg Config, opts ...Option) (*Server, error) {
	if orch == nil {
		return nil, errors.New("orchestrator is required")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	s := &Server{
		cfg:    cfg,
		orch:   orch,
		logger: zerolog.Nop(),
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	s.handler = otelhttp.NewHandler(s.accessLog(s.mux), "controlplane")
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.handler
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("control plane listening")
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("shutdown signal received, stopping")
		if err := s.Close(); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close stops accepting requests, waits for open streams up to the shutdown
// timeout, then waits for in-flight runs to persist.
func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
		if outErr != nil {
			s.logger.Warn().Err(outErr).Msg("http shutdown error")
		}
		s.orch.Wait()
		s.logger.Info().Msg("server stopped")
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/v1/runs", s.handleRunSSE)
	s.mux.HandleFunc("GET /api/v1/runs/ws", s.handleRunWebSocket)
	s.mux.HandleFunc("POST /api/v1/runs/{runID}/stop", s.handleStop)
	s.mux.HandleFunc("POST /api/v1/tools/{toolExecutionID}/confirm", s.handleConfirmTool)
	s.mux.HandleFunc("DELETE /api/v1/conversations/{conversationID}/context", s.handleClearContext)
	s.mux.HandleFunc("DELETE /api/v1/conversations/{conversationID}", s.handleDeleteConversation)
	s.mux.HandleFunc("POST /api/v1/conversations/{conversationID}/archive", s.handleArchiveConversation)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) handleRunSSE(w http.ResponseWriter, r *http.Request) {
	var req memory.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := validateRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sse, err := stream.NewSSETransport(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	transport := &headerTransport{Transport: sse, header: w.Header()}
	session, info := s.orch.Start(r.Context(), req, transport)
	go sse.KeepAlive(s.cfg.KeepAlive, session.Done())

	select {
	case <-session.Done():
	case <-r.Context().Done():
		// The writer is invalid once this handler returns; the run keeps going
		// without a client.
		_ = sse.Close()
		s.logger.Info().Str("run_id", info.RunID).Msg("sse client disconnected")
	}
}

func (s *Server) handleRunWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxRequestBytes)

	var req memory.Request
	if err := conn.ReadJSON(&req); err != nil {
		s.rejectWebSocket(conn, fmt.Errorf("failed to decode run request: %w", err))
		return
	}
	if err := validateRequest(req); err != nil {
		s.rejectWebSocket(conn, err)
		return
	}

	transport := stream.NewWebSocketTransport(conn, s.cfg.WriteTimeout)
	_, info := s.orch.Start(r.Context(), req, transport)
	log := s.logger.With().Str("run_id", info.RunID).Logger()

	// Client messages after the request are ignored; the read loop only
	// detects the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Msg("websocket closed unexpectedly")
			}
			transport.Disconnected()
			return
		}
	}
}

func (s *Server) rejectWebSocket(conn *websocket.Conn, err error) {
	deadline := time.Now().Add(time.Second)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteJSON(stream.Frame{Event: stream.EventError, Message: err.Error()})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid run request"), deadline)
	_ = conn.Close()
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("runID"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, errors.New("run id is required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "accepted": s.orch.Stop(r.Context(), runID)})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")
	if err := s.orch.ClearMemory(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conversationID, "cleared": true})
}

type confirmRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleConfirmTool(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("toolExecutionID"))
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("tool execution id is required"))
		return
	}
	var req confirmRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !s.orch.ConfirmTool(r.Context(), id, req.Approve) {
		writeError(w, http.StatusNotFound, fmt.Errorf("no tool call pending confirmation for %q", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"toolExecutionId": id, "approved": req.Approve, "accepted": true})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")
	if err := s.orch.DeleteConversation(r.Context(), conversationID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conversationID, "deleted": true})
}

func (s *Server) handleArchiveConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := r.PathValue("conversationID")
	if err := s.orch.ArchiveConversation(r.Context(), conversationID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, state.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conversationID, "status": state.ConversationStatusArchived})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activeRuns": s.orch.Hub().Len()})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("http request")
	})
}

// headerTransport publishes the run identity as response headers before the
// first frame commits them.
type headerTransport struct {
	stream.Transport
	header http.Header
	once   sync.Once
}

func (t *headerTransport) Send(frame stream.Frame) error {
	t.once.Do(func() {
		t.header.Set("X-Run-Id", frame.RequestID)
		t.header.Set("X-Conversation-Id", frame.ConversationID)
	})
	return t.Transport.Send(frame)
}

func validateRequest(req memory.Request) error {
	if strings.TrimSpace(req.Message) == "" {
		return errors.New("message is required")
	}
	return nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
