package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/internal/server"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/state/factory"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
)

func runServe(ctx context.Context, args []string, stderr io.Writer) error {
	opts, _ := parseArgs(args)
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	deps, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.Close(); err != nil {
			logger.Warn().Err(err).Msg("runtime close failed")
		}
	}()

	srv, err := server.New(deps.orch, server.Config{
		Addr:            cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, server.WithLogger(logger.Logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runSingle(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, positional := parseArgs(args)
	input := normalizeInput(positional)
	if input == "" {
		return errors.New("input cannot be empty")
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	deps, err := buildRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	var transport stream.Transport = stream.NewMemoryTransport()
	if opts.frames {
		transport = stream.NewWriterTransport(stdout)
	}
	var mode memory.Mode
	if opts.manual {
		mode = memory.ModeManual
	}
	out := deps.orch.Execute(ctx, memory.Request{
		ConversationID:    opts.conversationID,
		Mode:              mode,
		Message:           input,
		ModelID:           opts.modelID,
		KnowledgeIDs:      opts.knowledgeIDs,
		EnabledTools:      opts.tools,
		EnabledToolGroups: opts.toolGroups,
	}, transport)
	logger.Info().
		Str("run_id", out.RunID).
		Str("conversation_id", out.ConversationID).
		Str("model_id", out.ModelID).
		Msg("run complete")
	if out.Err != nil {
		return fmt.Errorf("run failed: %w", out.Err)
	}
	if !opts.frames {
		fmt.Fprintln(stdout, out.Content)
	}
	return nil
}

func runStop(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, positional := parseArgs(args)
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return errors.New("usage: stop [--config=path] <run-id>")
	}
	runID := strings.TrimSpace(positional[0])

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	stops, backends, err := buildStops(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to open state backends: %w", err)
	}
	defer backends.Close()
	if !backends.Shared {
		logger.Warn().Msg("no shared cache configured; the stop flag is only visible to this process")
	}

	accepted := stops.RequestStop(ctx, runID)
	enc := json.NewEncoder(stdout)
	if err := enc.Encode(map[string]any{"runId": runID, "accepted": accepted}); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func runConfirm(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, positional := parseArgs(args)
	if len(positional) < 1 || strings.TrimSpace(positional[0]) == "" {
		return errors.New("usage: confirm [--config=path] [--reject] <tool-execution-id>")
	}
	id := strings.TrimSpace(positional[0])

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return err
	}
	defer logger.Close()

	backends, err := factory.Open(cfg.State, logger.Logger)
	if err != nil {
		return fmt.Errorf("failed to open state backends: %w", err)
	}
	defer backends.Close()
	if !backends.Shared {
		logger.Warn().Msg("no shared cache configured; only tool calls of this process can be confirmed")
	}

	confirmations := confirm.New(backends.Cache, confirm.WithLogger(logger.Logger))
	approve := !opts.reject
	accepted := confirmations.Decide(ctx, id, approve)
	if err := json.NewEncoder(stdout).Encode(map[string]any{"toolExecutionId": id, "approved": approve, "accepted": accepted}); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}
