package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/internal/telemetry"
	"github.com/droverhq/drover/pkg/store"
)

// Rejection reasons surfaced in result metadata. The model distinguishes
// an unattended auto-rejection from a human one to adapt strategy.
const (
	ReasonSecurityPolicy = "security_policy"
	ReasonAutoRejection  = "auto_rejection_no_humans"
	ReasonHumanRejection = "rejected_by_user"
	ReasonModified       = "modified_by_user"
	ReasonAborted        = "aborted_by_user"
)

// Executor gates and runs tool calls for sessions.
type Executor struct {
	registry   *Registry
	approval   ApprovalPort
	telemetry  telemetry.Sink
	unattended bool
	logger     zerolog.Logger

	abort atomic.Bool
}

// ExecutorConfig assembles an Executor. Telemetry defaults to a nop sink;
// Approval may be nil only when Unattended is set.
type ExecutorConfig struct {
	Registry   *Registry
	Approval   ApprovalPort
	Telemetry  telemetry.Sink
	Unattended bool
	Logger     zerolog.Logger
}

// NewExecutor creates a tool executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if cfg.Approval == nil && !cfg.Unattended {
		return nil, fmt.Errorf("approval port is required in attended mode")
	}
	sink := cfg.Telemetry
	if sink == nil {
		sink = telemetry.Nop{}
	}
	return &Executor{
		registry:   cfg.Registry,
		approval:   cfg.Approval,
		telemetry:  sink,
		unattended: cfg.Unattended,
		logger:     cfg.Logger.With().Str("component", "executor").Logger(),
	}, nil
}

// RequestAbort flags the next completing tool call as aborted. The flag is
// per-call: it is cleared once consumed, and remaining queued calls in the
// batch still run.
func (e *Executor) RequestAbort() {
	e.abort.Store(true)
}

// Execute validates, gates, and runs one tool call. It never returns a Go
// error: every fault is folded into the Result.
func (e *Executor) Execute(ctx context.Context, name string, argsJSON string, call CallContext) Result {
	result := e.execute(ctx, name, argsJSON, call)
	e.emit("tool_call", map[string]interface{}{
		"tool":       name,
		"session_id": call.SessionID,
		"call_id":    call.CallID,
		"success":    result.Success,
		"error":      result.Error,
	})
	return result
}

func (e *Executor) execute(ctx context.Context, name string, argsJSON string, call CallContext) Result {
	def := e.registry.Get(name)
	if def == nil {
		return failure(fmt.Sprintf("tool not found: %s", name), map[string]interface{}{"error_type": "validation"})
	}

	args := map[string]interface{}{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return failure(fmt.Sprintf("malformed tool arguments: %v", err), map[string]interface{}{"error_type": "validation"})
		}
	}

	if err := ValidateRequired(def, args); err != nil {
		return failure(err.Error(), map[string]interface{}{"error_type": "validation"})
	}
	if err := validateSchema(e.registry.schema(name), args); err != nil {
		return failure(err.Error(), map[string]interface{}{"error_type": "validation"})
	}

	decision := DecisionAllow
	if def.PreToolUse != nil {
		decision = def.PreToolUse(args)
	}

	switch decision {
	case DecisionDeny:
		e.logger.Warn().Str("tool", name).Int64("session", call.SessionID).Msg("Tool call denied by policy")
		return failure("denied by security policy", map[string]interface{}{"reason": ReasonSecurityPolicy})

	case DecisionApprove:
		if verdict := e.approve(ctx, def, args, call); verdict != nil {
			return *verdict
		}

	case DecisionAllow:
		// Straight through.

	default:
		return failure(fmt.Sprintf("unknown policy decision %q", decision), map[string]interface{}{"reason": ReasonSecurityPolicy})
	}

	return e.invoke(ctx, def, args, call)
}

// approve runs the human gate. A nil return means the call may proceed.
func (e *Executor) approve(ctx context.Context, def *Definition, args map[string]interface{}, call CallContext) *Result {
	if e.unattended {
		e.logger.Info().Str("tool", def.Name).Int64("session", call.SessionID).Msg("Auto-rejecting approval in unattended mode")
		res := failure("rejected: no human operator available", map[string]interface{}{"reason": ReasonAutoRejection})
		return &res
	}

	prompt := fmt.Sprintf("%s(%s)", def.Name, compactArgs(args))
	if def.ApprovalPrompt != nil {
		prompt = def.ApprovalPrompt(args)
	}

	decision, err := e.approval.Decide(ctx, ApprovalRequest{
		Tool:      def.Name,
		SessionID: call.SessionID,
		Prompt:    prompt,
		Args:      args,
	})
	if err != nil {
		res := failure(fmt.Sprintf("approval unavailable: %v", err), map[string]interface{}{"reason": ReasonHumanRejection})
		return &res
	}

	switch decision.Kind {
	case Approve:
		return nil
	case Modify:
		res := Result{
			Success:  false,
			Content:  decision.Instruction,
			Error:    "operator replaced this call with an alternative instruction",
			Metadata: map[string]interface{}{"reason": ReasonModified},
		}
		return &res
	default:
		res := failure("rejected by operator", map[string]interface{}{"reason": ReasonHumanRejection})
		return &res
	}
}

// invoke runs the handler, containing panics and errors.
func (e *Executor) invoke(ctx context.Context, def *Definition, args map[string]interface{}, call CallContext) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Str("tool", def.Name).Interface("panic", r).Msg("Tool handler panicked")
			result = failure(fmt.Sprintf("tool panicked: %v", r), map[string]interface{}{"error_type": "execution"})
		}
	}()

	output, err := def.Handler(ctx, args, call)
	duration := time.Since(start)
	if err != nil {
		e.logger.Error().Str("tool", def.Name).Dur("duration", duration).Err(err).Msg("Tool execution failed")
		return failure(err.Error(), map[string]interface{}{"error_type": "execution"})
	}

	e.logger.Debug().Str("tool", def.Name).Dur("duration", duration).Msg("Tool executed")
	return Result{
		Success:  true,
		Content:  stringifyOutput(output),
		Metadata: map[string]interface{}{"duration_ms": duration.Milliseconds()},
	}
}

// ProcessPendingCalls resolves every assistant tool call that has no
// tool-role result yet, appending exactly one result message per call in
// issue order. An abort request observed after a call completes replaces
// that call's result with a synthetic abort and is then cleared; remaining
// calls in the batch still run.
func (e *Executor) ProcessPendingCalls(ctx context.Context, sess *store.Session) {
	for _, callReq := range sess.UnresolvedCalls() {
		call := CallContext{SessionID: sess.ID, CallID: callReq.ID}
		result := e.Execute(ctx, callReq.Function, callReq.Arguments, call)

		if e.abort.CompareAndSwap(true, false) {
			e.logger.Warn().Str("call_id", callReq.ID).Int64("session", sess.ID).Msg("Tool call aborted by user")
			result = failure("aborted by user", map[string]interface{}{"reason": ReasonAborted})
		}

		sess.Messages = append(sess.Messages, store.Message{
			Timestamp:  time.Now(),
			Role:       "tool",
			Content:    result.Encode(),
			ToolCallID: callReq.ID,
		})
	}
}

// emit is best-effort: a telemetry fault must never affect the tool result.
func (e *Executor) emit(eventType string, payload map[string]interface{}) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Debug().Interface("panic", r).Msg("Telemetry emission failed")
		}
	}()
	e.telemetry.Emit(eventType, payload)
}

func stringifyOutput(output interface{}) string {
	switch v := output.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func compactArgs(args map[string]interface{}) string {
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}
