// Package engine performs single evaluation steps for agent sessions:
// replay history, call the model, execute newly issued tool calls, and
// compute the next state.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/pkg/provider"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/template"
	"github.com/droverhq/drover/pkg/tool"
)

// ErrSessionBusy is returned when another evaluator holds the session.
var ErrSessionBusy = fmt.Errorf("session is being evaluated by another process")

// TemplateSource resolves agent templates by name.
type TemplateSource interface {
	Load(name string) (*template.Template, error)
}

// ProviderSource resolves model providers by name.
type ProviderSource interface {
	ProviderFor(name string) (provider.Provider, error)
}

// Engine drives one session through one evaluation step.
type Engine struct {
	store     *store.FileStore
	templates TemplateSource
	registry  *tool.Registry
	executor  *tool.Executor
	providers ProviderSource
	telemetry telemetry.Sink
	logger    zerolog.Logger
	maxTokens int
}

// Config assembles an Engine.
type Config struct {
	Store     *store.FileStore
	Templates TemplateSource
	Registry  *tool.Registry
	Executor  *tool.Executor
	Providers ProviderSource
	Telemetry telemetry.Sink
	Logger    zerolog.Logger
	MaxTokens int
}

// New creates an evaluation engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Templates == nil {
		return nil, fmt.Errorf("template source is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Providers == nil {
		return nil, fmt.Errorf("provider source is required")
	}
	sink := cfg.Telemetry
	if sink == nil {
		sink = telemetry.Nop{}
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Engine{
		store:     cfg.Store,
		templates: cfg.Templates,
		registry:  cfg.Registry,
		executor:  cfg.Executor,
		providers: cfg.Providers,
		telemetry: sink,
		logger:    cfg.Logger.With().Str("component", "engine").Logger(),
		maxTokens: maxTokens,
	}, nil
}

// Eval runs one evaluation step. The session must be pending or success,
// or running with no live evaluator (a crash remnant, which is resumed).
// A failed evaluation forces the session to fail and returns the error —
// fail-fast at this layer, while individual tool faults are contained
// inside the tool executor.
func (e *Engine) Eval(ctx context.Context, id int64) (store.State, error) {
	acquired, err := e.store.AcquireEvalLock(id)
	if err != nil {
		return "", err
	}
	if !acquired {
		return "", fmt.Errorf("%w: session %d", ErrSessionBusy, id)
	}
	defer e.store.ReleaseEvalLock(id)

	sess, err := e.store.Load(id)
	if err != nil {
		return "", err
	}
	logger := e.logger.With().Int64("session", id).Logger()

	// Holding the eval lock means no live evaluator owns this session, so
	// a running state can only be the remnant of a crashed process. Resume
	// it: the catch-up pass inside step reconciles whatever it left behind.
	if sess.State == store.StateRunning {
		logger.Warn().Msg("Resuming session abandoned mid-evaluation")
		sess.State = store.StatePending
	}
	if sess.State != store.StatePending && sess.State != store.StateSuccess {
		return "", fmt.Errorf("%w: cannot eval session %d in state %q", store.ErrInvalidState, id, sess.State)
	}

	logger.Debug().Str("template", sess.Template).Msg("Evaluation started")

	if err := e.store.SetState(id, store.StateRunning); err != nil {
		return "", err
	}

	finalState, err := e.step(ctx, sess, logger)
	if err != nil {
		// Best effort: record the failure before surfacing it.
		if serr := e.store.SetState(id, store.StateFail); serr != nil {
			logger.Error().Err(serr).Msg("Failed to record failure state")
		}
		e.emit("eval_failed", map[string]interface{}{"session_id": id, "error": err.Error()})
		return store.StateFail, err
	}

	e.emit("eval_completed", map[string]interface{}{
		"session_id": id,
		"state":      string(finalState),
		"messages":   len(sess.Messages),
	})
	logger.Info().Str("state", string(finalState)).Msg("Evaluation finished")
	return finalState, nil
}

func (e *Engine) step(ctx context.Context, sess *store.Session, logger zerolog.Logger) (store.State, error) {
	tpl, err := e.templates.Load(sess.Template)
	if err != nil {
		return "", fmt.Errorf("failed to resolve template for session %d: %w", sess.ID, err)
	}

	// Only the tools this template references are resolved; tool providers
	// backing anything else are never initialized.
	toolSchemas, err := e.registry.SchemaMaps(tpl.AllowedTools)
	if err != nil {
		return "", fmt.Errorf("failed to resolve tools for session %d: %w", sess.ID, err)
	}

	// Catch-up pass: resolve tool calls a prior crash left dangling.
	e.executor.ProcessPendingCalls(ctx, sess)

	if e.shouldPrompt(sess) {
		if err := e.prompt(ctx, sess, tpl, toolSchemas, logger); err != nil {
			return "", err
		}
		// Tool calls issued by this response execute within the same
		// evaluation; no intermediate awaiting-approval state is persisted.
		e.executor.ProcessPendingCalls(ctx, sess)
	}

	sess.State = ComputeState(sess.Messages)
	sess.LastRead = time.Now()
	if err := e.store.Save(sess.ID, sess); err != nil {
		return "", err
	}
	return sess.State, nil
}

// shouldPrompt reports whether this step needs a model call: yes when the
// newest message is user or tool input awaiting a response. A session whose
// last assistant message already finished is idempotent under eval.
func (e *Engine) shouldPrompt(sess *store.Session) bool {
	newest := sess.Newest()
	if newest == nil {
		return false
	}
	return newest.Role == "user" || newest.Role == "tool"
}

func (e *Engine) prompt(ctx context.Context, sess *store.Session, tpl *template.Template, tools []map[string]interface{}, logger zerolog.Logger) error {
	prov, err := e.providers.ProviderFor(sess.Provider)
	if err != nil {
		return fmt.Errorf("failed to resolve provider for session %d: %w", sess.ID, err)
	}

	resp, err := prov.Prompt(ctx, provider.Request{
		Model:        sess.Model,
		SystemPrompt: sess.SystemPrompt,
		Messages:     sess.Messages,
		Tools:        tools,
		MaxTokens:    e.maxTokens,
	})
	if err != nil {
		return fmt.Errorf("provider call failed for session %d: %w", sess.ID, err)
	}
	if len(resp.Choices) == 0 {
		return fmt.Errorf("provider returned no choices for session %d", sess.ID)
	}

	choice := resp.Choices[0]
	sess.Messages = append(sess.Messages, choice.Message)
	sess.Usage.TotalTokens += resp.Usage.TotalTokens()
	sess.Usage.TotalCost += resp.Usage.Cost

	logger.Debug().
		Str("finish_reason", choice.FinishReason).
		Int("tool_calls", len(choice.Message.ToolCalls)).
		Int("tokens", resp.Usage.TotalTokens()).
		Msg("Model responded")
	return nil
}

// emit is best effort; telemetry never affects evaluation.
func (e *Engine) emit(eventType string, payload map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug().Interface("panic", r).Msg("Telemetry emission failed")
		}
	}()
	e.telemetry.Emit(eventType, payload)
}
