package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/PipeOpsHQ/agent-controlplane/confirm"
	"github.com/PipeOpsHQ/agent-controlplane/internal/logging"
	"github.com/PipeOpsHQ/agent-controlplane/loop/direct"
	"github.com/PipeOpsHQ/agent-controlplane/memory"
	"github.com/PipeOpsHQ/agent-controlplane/models"
	"github.com/PipeOpsHQ/agent-controlplane/observe"
	otelsink "github.com/PipeOpsHQ/agent-controlplane/observe/otel"
	"github.com/PipeOpsHQ/agent-controlplane/orchestrator"
	"github.com/PipeOpsHQ/agent-controlplane/providers/echo"
	"github.com/PipeOpsHQ/agent-controlplane/providers/gemini"
	"github.com/PipeOpsHQ/agent-controlplane/providers/openai"
	"github.com/PipeOpsHQ/agent-controlplane/runtimeconfig"
	"github.com/PipeOpsHQ/agent-controlplane/state/factory"
	"github.com/PipeOpsHQ/agent-controlplane/stopsignal"
	"github.com/PipeOpsHQ/agent-controlplane/stream"
	"github.com/PipeOpsHQ/agent-controlplane/tools"
)

const eventBuffer = 256

// runtimeDeps is one fully wired control plane process.
type runtimeDeps struct {
	cfg      runtimeconfig.Config
	logger   *logging.Logger
	backends *factory.Backends
	stops    *stopsignal.Channel
	orch     *orchestrator.Orchestrator
	sink     *observe.AsyncSink
	tracer   *sdktrace.TracerProvider
}

func loadConfig(opts cliOptions) (runtimeconfig.Config, error) {
	if err := runtimeconfig.LoadEnvFile(opts.envFile); err != nil {
		return runtimeconfig.Config{}, err
	}
	return runtimeconfig.Load(opts.configPath)
}

func newLogger(cfg runtimeconfig.Config, stderr io.Writer) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Pretty: cfg.Log.Pretty,
		File:   cfg.Log.File,
		Output: stderr,
	})
}

// buildStops opens only what a stop request needs: the shared cache.
func buildStops(cfg runtimeconfig.Config, logger *logging.Logger) (*stopsignal.Channel, *factory.Backends, error) {
	backends, err := factory.Open(cfg.State, logger.Logger)
	if err != nil {
		return nil, nil, err
	}
	stops := stopsignal.New(backends.Cache,
		stopsignal.WithTTL(cfg.Stop.TTL),
		stopsignal.WithLogger(logger.Logger),
	)
	return stops, backends, nil
}

func buildRuntime(cfg runtimeconfig.Config, logger *logging.Logger) (*runtimeDeps, error) {
	log := logger.Logger
	stops, backends, err := buildStops(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state backends: %w", err)
	}
	if !backends.Shared {
		log.Info().Str("backend", cfg.State.Backend).Msg("stop requests are local to this process")
	}
	deps := &runtimeDeps{cfg: cfg, logger: logger, backends: backends, stops: stops}

	catalog, retriever := cfg.KnowledgeBase()
	store := memory.NewStore(backends.Cache, backends.Durable, backends.Durable,
		memory.WithTTL(cfg.Memory.ContextTTL),
		memory.WithHistoryLimit(cfg.Memory.HistoryLimit),
		memory.WithDefaultAgent(cfg.Memory.DefaultAgent),
		memory.WithCatalog(catalog),
		memory.WithLogger(log),
	)

	resolver := models.NewResolver(cfg.ModelConfig(),
		models.WithFactory(gemini.ProviderName, gemini.Factory()),
		models.WithFactory(openai.ProviderName, openai.Factory()),
		models.WithFactory(openai.CompatibleProviderName, openai.CompatibleFactory()),
		models.WithFactory(echo.ProviderName, echo.Factory()),
		models.WithLogger(log),
	)

	confirmations := confirm.New(backends.Cache,
		confirm.WithTimeout(cfg.Agent.ConfirmTimeout),
		confirm.WithLogger(log),
	)

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to register builtin tools: %w", err)
	}

	agentLoop, err := direct.New(resolver,
		direct.WithSystemPrompt(cfg.Agent.SystemPrompt),
		direct.WithMaxIterations(cfg.Agent.MaxIterations),
		direct.WithMaxOutputTokens(cfg.Agent.MaxOutputTokens),
		direct.WithMaxInputTokens(cfg.Agent.MaxInputTokens),
		direct.WithToolTimeout(cfg.Agent.ToolTimeout),
		direct.WithParallelToolCalls(cfg.Agent.ParallelTools),
		direct.WithTools(registry),
		direct.WithRetriever(retriever),
		direct.WithConfirmations(confirmations),
		direct.WithLogger(log),
	)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to create agent loop: %w", err)
	}

	var sink observe.Sink = observe.NoopSink{}
	if cfg.Trace.Enabled {
		deps.tracer = otelsink.NewTracerProvider(log, cfg.Trace.SampleRatio)
		otel.SetTracerProvider(deps.tracer)
		deps.sink = observe.NewAsyncSink(otelsink.NewSink(deps.tracer), eventBuffer)
		sink = deps.sink
	}

	deps.orch, err = orchestrator.New(store, agentLoop,
		orchestrator.WithHub(stream.NewHub(stream.WithLogger(log))),
		orchestrator.WithStopChannel(stops),
		orchestrator.WithConfirmations(confirmations),
		orchestrator.WithModelDefaults(resolver),
		orchestrator.WithRetriever(retriever),
		orchestrator.WithSink(sink),
		orchestrator.WithStepThreshold(cfg.Run.StepEventThreshold),
		orchestrator.WithStreamWaitTimeout(cfg.Run.StreamWaitTimeout),
		orchestrator.WithLogger(log),
	)
	if err != nil {
		_ = deps.Close()
		return nil, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	return deps, nil
}

// Close waits for in-flight runs, flushes telemetry, then closes storage.
func (d *runtimeDeps) Close() error {
	if d == nil {
		return nil
	}
	if d.orch != nil {
		d.orch.Wait()
	}
	var errs []error
	if d.sink != nil {
		d.sink.Close()
	}
	if d.tracer != nil {
		errs = append(errs, d.tracer.Shutdown(context.Background()))
	}
	errs = append(errs, d.backends.Close())
	return errors.Join(errs...)
}
