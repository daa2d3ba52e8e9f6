// Package runtime assembles the long-lived object graph: store, templates,
// tool registry, executor, providers, telemetry, and the evaluation engine.
// Everything is carried explicitly on the Runtime; nothing lives in
// package-level globals, so tests can stand up multiple isolated instances.
package runtime

import (
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/pkg/coretools"
	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/template"
	"github.com/droverhq/drover/pkg/tool"
)

// Runtime is the assembled application context.
type Runtime struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Store     *store.FileStore
	Templates *template.Loader
	Registry  *tool.Registry
	Executor  *tool.Executor
	Engine    *engine.Engine
	Telemetry telemetry.Sink

	factory   provider.Factory
	providers map[string]provider.Provider
	mu        sync.Mutex
}

// Options tune runtime assembly beyond what the config file carries.
type Options struct {
	// Approval overrides the default terminal approver, typically with a
	// scripted port in tests.
	Approval tool.ApprovalPort

	// Unattended forces unattended mode regardless of config.
	Unattended bool
}

// New builds a runtime from configuration.
func New(cfg *config.Config, logger zerolog.Logger, opts Options) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.New(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	templates := template.NewLoader(cfg.TemplateDir)

	sink := buildTelemetry(cfg.Telemetry, logger)

	registry := tool.NewRegistry(logger)
	if err := coretools.Register(registry); err != nil {
		return nil, fmt.Errorf("failed to register core tools: %w", err)
	}

	unattended := cfg.Unattended || opts.Unattended
	approval := opts.Approval
	if approval == nil && !unattended {
		approval = tool.NewCLIApprover(os.Stdin, os.Stderr, cfg.ApprovalToken, logger)
	}

	executor, err := tool.NewExecutor(tool.ExecutorConfig{
		Registry:   registry,
		Approval:   approval,
		Telemetry:  sink,
		Unattended: unattended,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		Config:    cfg,
		Logger:    logger,
		Store:     st,
		Templates: templates,
		Registry:  registry,
		Executor:  executor,
		Telemetry: sink,
		providers: map[string]provider.Provider{},
	}

	eng, err := engine.New(engine.Config{
		Store:     st,
		Templates: templates,
		Registry:  registry,
		Executor:  executor,
		Providers: rt,
		Telemetry: sink,
		Logger:    logger,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	rt.Engine = eng

	return rt, nil
}

// ProviderFor resolves a model provider by name, caching adapters per
// process. Credentials come from the highest-priority matching profile.
func (r *Runtime) ProviderFor(name string) (provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[name]; ok {
		return p, nil
	}

	profile, err := r.Config.ProfileFor(name)
	if err != nil {
		return nil, err
	}
	p, err := r.factory.New(provider.Credentials{Provider: name, APIKey: profile.APIKey})
	if err != nil {
		return nil, err
	}
	r.providers[name] = p
	return p, nil
}

// Close releases runtime resources.
func (r *Runtime) Close() error {
	return r.Telemetry.Close()
}

func buildTelemetry(cfg config.TelemetryConfig, logger zerolog.Logger) telemetry.Sink {
	var sinks telemetry.Fanout

	if cfg.LogFile != "" {
		sink, err := telemetry.NewLogSink(cfg.LogFile)
		if err != nil {
			logger.Warn().Err(err).Msg("Log telemetry sink unavailable")
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.SQLitePath != "" {
		sink, err := telemetry.NewSQLiteSink(cfg.SQLitePath, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("SQLite telemetry sink unavailable")
		} else {
			sinks = append(sinks, sink)
		}
	}
	if cfg.WebSocketURL != "" {
		sinks = append(sinks, telemetry.NewWebSocketSink(cfg.WebSocketURL, logger))
	}

	if len(sinks) == 0 {
		return telemetry.Nop{}
	}
	return sinks
}
