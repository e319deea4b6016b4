package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/basket/todo-agent/internal/agent"
	"github.com/basket/todo-agent/internal/audit"
	"github.com/basket/todo-agent/internal/bus"
	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/engine"
	otelpkg "github.com/basket/todo-agent/internal/otel"
	"github.com/basket/todo-agent/internal/persistence"
	"github.com/basket/todo-agent/internal/telemetry"
)

// app is everything a command needs once startup succeeded.
type app struct {
	cfg     config.Config
	level   *slog.LevelVar
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	otel    *otelpkg.Provider
	metrics *otelpkg.Metrics
	agent   *agent.Orchestrator
	model   string

	closers []func() error
}

// bootstrap loads config and opens every collaborator. quiet keeps logs
// out of the terminal so the chat stays readable.
func bootstrap(ctx context.Context, quiet bool) (*app, error) {
	if err := config.LoadDotEnv("."); err != nil {
		return nil, startupError(nil, "E_DOTENV_LOAD", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, startupError(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it is ready before the logger.
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, startupError(nil, "E_AUDIT_INIT", err)
	}
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.closers = append(a.closers, audit.Close)

	a.level.Set(config.ParseLevel(cfg.LogLevel))
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, a.level, quiet)
	if err != nil {
		a.Close()
		return nil, startupError(nil, "E_LOGGER_INIT", err)
	}
	a.closers = append(a.closers, closer.Close)
	a.logger = logger
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config", cfg.Fingerprint())

	a.otel, err = otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		a.Close()
		return nil, startupError(logger, "E_OTEL_INIT", err)
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.otel.Shutdown(shutdownCtx)
	})
	a.metrics, err = otelpkg.NewMetrics(a.otel.Meter)
	if err != nil {
		a.Close()
		return nil, startupError(logger, "E_OTEL_METRICS", err)
	}

	a.bus = bus.New()
	a.store, err = persistence.Open(ctx, persistence.Options{
		Driver: persistence.Driver(cfg.Store.Driver),
		Path:   cfg.StorePath(),
		DSN:    cfg.Store.DSN,
		Bus:    a.bus,
		Logger: logger,
	})
	if err != nil {
		a.Close()
		return nil, startupError(logger, "E_STORE_OPEN", err)
	}
	a.closers = append(a.closers, a.store.Close)
	audit.SetSink(a.store)
	logger.Info("startup phase", "phase", "store_opened", "driver", a.store.Driver())

	eng, model := buildEngine(ctx, cfg, logger)
	a.model = model
	a.agent, err = agent.New(agent.Options{
		Engine:        eng,
		Store:         a.store,
		Logger:        logger,
		Tracer:        a.otel.Tracer,
		Metrics:       a.metrics,
		EngineTimeout: time.Duration(cfg.Engine.TimeoutSeconds) * time.Second,
		MaxTurns:      cfg.Engine.MaxTurns,
		Model:         model,
	})
	if err != nil {
		a.Close()
		return nil, startupError(logger, "E_AGENT_INIT", err)
	}
	logger.Info("startup phase", "phase", "agent_ready", "model", model)
	return a, nil
}

// Close releases collaborators in reverse order of opening.
func (a *app) Close() {
	audit.SetSink(nil)
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown: close failed", "error", err)
		}
	}
	a.closers = nil
}

// buildEngine puts the configured provider first and every fallback after
// it behind one failover engine. It returns the engine and the primary
// model name for display.
func buildEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (engine.Engine, string) {
	primary, model, _ := cfg.ResolveLLMConfig()
	if model == "" {
		model = config.DefaultModel(primary)
	}

	var candidates []engine.Named
	seen := map[string]bool{}
	for _, name := range append([]string{primary}, cfg.LLM.FallbackProviders...) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		ge := engine.NewGenkitEngine(ctx, engine.GenkitConfig{
			Provider:           name,
			Model:              cfg.ModelFor(name),
			APIKey:             cfg.LLMProviderAPIKey(name),
			BaseURL:            cfg.BaseURLFor(name),
			CompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
		}, logger)
		if !ge.Available() {
			logger.Warn("llm provider has no api key; requests will fail over or be refused", "provider", name)
		}
		candidates = append(candidates, engine.Named{Name: name, Engine: ge})
	}

	return engine.NewFailoverEngine(
		candidates[0],
		candidates[1:],
		cfg.LLM.FailoverThreshold,
		time.Duration(cfg.LLM.FailoverCooldownSeconds)*time.Second,
		logger,
	), model
}

// startupError records a structured fatal event with a reason code and
// returns err annotated with it.
func startupError(logger *slog.Logger, reasonCode string, err error) error {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		writeStartupEvent(os.Stderr, reasonCode, message)
	}
	return fmt.Errorf("%s: %w", reasonCode, err)
}

func writeStartupEvent(w io.Writer, reasonCode, message string) {
	fmt.Fprintf(w,
		`{"timestamp":"%s","level":"ERROR","component":"todoagent","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano),
		reasonCode,
		message,
	)
}
