package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/store"
)

func newTestExecutor(t *testing.T, approver ApprovalPort, unattended bool) (*Executor, *Registry) {
	t.Helper()
	registry := NewRegistry(zerolog.Nop())
	executor, err := NewExecutor(ExecutorConfig{
		Registry:   registry,
		Approval:   approver,
		Unattended: unattended,
		Logger:     zerolog.Nop(),
	})
	require.NoError(t, err)
	return executor, registry
}

func registerEcho(t *testing.T, registry *Registry) {
	t.Helper()
	require.NoError(t, registry.Register(Definition{
		Name:        "echo",
		Description: "echo",
		Parameters: []Parameter{
			{Name: "message", Type: "string", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			return args["message"], nil
		},
	}))
}

func TestExecuteSuccess(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	registerEcho(t, registry)

	result := executor.Execute(context.Background(), "echo", `{"message":"hi"}`, CallContext{SessionID: 1, CallID: "c1"})
	assert.True(t, result.Success)
	assert.Equal(t, "hi", result.Content)
	assert.Contains(t, result.Metadata, "duration_ms")
}

func TestExecuteUnknownTool(t *testing.T) {
	executor, _ := newTestExecutor(t, &ScriptedApprover{}, false)

	result := executor.Execute(context.Background(), "nope", `{}`, CallContext{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "tool not found")
	assert.Equal(t, "validation", result.Metadata["error_type"])
}

func TestExecuteMalformedArguments(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	registerEcho(t, registry)

	result := executor.Execute(context.Background(), "echo", `{broken`, CallContext{})
	assert.False(t, result.Success)
	assert.Equal(t, "validation", result.Metadata["error_type"])
}

func TestExecuteRequiredFieldValidation(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	registerEcho(t, registry)

	for _, args := range []string{`{}`, `{"message":null}`, `{"message":""}`, `{"message":"   "}`} {
		result := executor.Execute(context.Background(), "echo", args, CallContext{})
		assert.False(t, result.Success, "args %s must be rejected", args)
		assert.Equal(t, "validation", result.Metadata["error_type"])
	}
}

func TestExecuteDenyHook(t *testing.T) {
	approver := &ScriptedApprover{}
	executor, registry := newTestExecutor(t, approver, false)
	require.NoError(t, registry.Register(Definition{
		Name:        "guarded",
		Description: "always denied",
		PreToolUse: func(args map[string]interface{}) HookDecision {
			return DecisionDeny
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			t.Fatal("handler must not run after deny")
			return nil, nil
		},
	}))

	result := executor.Execute(context.Background(), "guarded", `{}`, CallContext{})
	assert.False(t, result.Success)
	assert.Equal(t, ReasonSecurityPolicy, result.Metadata["reason"])
	assert.Empty(t, approver.Calls, "deny must not reach the approval gate")
}

func TestUnattendedAutoRejectsApprovalGatedCalls(t *testing.T) {
	executor, registry := newTestExecutor(t, nil, true)
	require.NoError(t, registry.Register(Definition{
		Name:        "gated",
		Description: "needs approval",
		PreToolUse: func(args map[string]interface{}) HookDecision {
			return DecisionApprove
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			t.Fatal("handler must not run without approval")
			return nil, nil
		},
	}))

	result := executor.Execute(context.Background(), "gated", `{}`, CallContext{})
	assert.False(t, result.Success)
	assert.Equal(t, ReasonAutoRejection, result.Metadata["reason"])
}

func registerGated(t *testing.T, registry *Registry, ran *int) {
	t.Helper()
	require.NoError(t, registry.Register(Definition{
		Name:        "gated",
		Description: "needs approval",
		PreToolUse: func(args map[string]interface{}) HookDecision {
			return DecisionApprove
		},
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			*ran++
			return "done", nil
		},
	}))
}

func TestApprovalOutcomes(t *testing.T) {
	t.Run("approve proceeds", func(t *testing.T) {
		approver := &ScriptedApprover{Decisions: []ApprovalDecision{{Kind: Approve}}}
		executor, registry := newTestExecutor(t, approver, false)
		ran := 0
		registerGated(t, registry, &ran)

		result := executor.Execute(context.Background(), "gated", `{}`, CallContext{})
		assert.True(t, result.Success)
		assert.Equal(t, 1, ran)
	})

	t.Run("reject blocks", func(t *testing.T) {
		approver := &ScriptedApprover{Decisions: []ApprovalDecision{{Kind: Reject}}}
		executor, registry := newTestExecutor(t, approver, false)
		ran := 0
		registerGated(t, registry, &ran)

		result := executor.Execute(context.Background(), "gated", `{}`, CallContext{})
		assert.False(t, result.Success)
		assert.Equal(t, ReasonHumanRejection, result.Metadata["reason"])
		assert.Zero(t, ran)
	})

	t.Run("modify carries instruction", func(t *testing.T) {
		approver := &ScriptedApprover{Decisions: []ApprovalDecision{
			{Kind: Modify, Instruction: "try the dry-run flag first"},
		}}
		executor, registry := newTestExecutor(t, approver, false)
		ran := 0
		registerGated(t, registry, &ran)

		result := executor.Execute(context.Background(), "gated", `{}`, CallContext{})
		assert.False(t, result.Success)
		assert.Equal(t, "try the dry-run flag first", result.Content)
		assert.Equal(t, ReasonModified, result.Metadata["reason"])
		assert.Zero(t, ran)
	})
}

func TestPanickingToolIsContained(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	require.NoError(t, registry.Register(Definition{
		Name:        "boom",
		Description: "panics",
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			panic("kaboom")
		},
	}))

	result := executor.Execute(context.Background(), "boom", `{}`, CallContext{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "kaboom")
	assert.Equal(t, "execution", result.Metadata["error_type"])
}

func TestProcessPendingCallsOneResultPerCall(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	registerEcho(t, registry)
	require.NoError(t, registry.Register(Definition{
		Name:        "boom",
		Description: "panics",
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			panic("kaboom")
		},
	}))

	sess := &store.Session{
		ID: 3,
		Messages: []store.Message{
			{Role: "user", Content: "go"},
			{Role: "assistant", ToolCalls: []store.ToolCall{
				{ID: "c1", Function: "echo", Arguments: `{"message":"one"}`},
				{ID: "c2", Function: "boom", Arguments: `{}`},
				{ID: "c3", Function: "echo", Arguments: `{"message":"three"}`},
			}},
		},
	}

	executor.ProcessPendingCalls(context.Background(), sess)

	require.Len(t, sess.Messages, 5, "exactly one tool message per call")
	for i, wantID := range []string{"c1", "c2", "c3"} {
		msg := sess.Messages[2+i]
		assert.Equal(t, "tool", msg.Role)
		assert.Equal(t, wantID, msg.ToolCallID)
	}

	// The crash in c2 is folded into its result; c3 still ran.
	var failed Result
	require.NoError(t, json.Unmarshal([]byte(sess.Messages[3].Content), &failed))
	assert.False(t, failed.Success)
	assert.Contains(t, failed.Error, "kaboom")

	var ok Result
	require.NoError(t, json.Unmarshal([]byte(sess.Messages[4].Content), &ok))
	assert.True(t, ok.Success)
	assert.Equal(t, "three", ok.Content)

	assert.Empty(t, sess.UnresolvedCalls())
}

func TestAbortReplacesOneCallAndClears(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	registerEcho(t, registry)

	sess := &store.Session{
		ID: 4,
		Messages: []store.Message{
			{Role: "assistant", ToolCalls: []store.ToolCall{
				{ID: "c1", Function: "echo", Arguments: `{"message":"one"}`},
				{ID: "c2", Function: "echo", Arguments: `{"message":"two"}`},
			}},
		},
	}

	executor.RequestAbort()
	executor.ProcessPendingCalls(context.Background(), sess)

	require.Len(t, sess.Messages, 3)

	var first Result
	require.NoError(t, json.Unmarshal([]byte(sess.Messages[1].Content), &first))
	assert.False(t, first.Success)
	assert.Equal(t, ReasonAborted, first.Metadata["reason"])

	// Abort is per-call: the second call ran normally.
	var second Result
	require.NoError(t, json.Unmarshal([]byte(sess.Messages[2].Content), &second))
	assert.True(t, second.Success)
	assert.Equal(t, "two", second.Content)
}

func TestToolErrorIsFolded(t *testing.T) {
	executor, registry := newTestExecutor(t, &ScriptedApprover{}, false)
	require.NoError(t, registry.Register(Definition{
		Name:        "failing",
		Description: "returns an error",
		Handler: func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error) {
			return nil, errors.New("disk on fire")
		},
	}))

	result := executor.Execute(context.Background(), "failing", `{}`, CallContext{})
	assert.False(t, result.Success)
	assert.Equal(t, "disk on fire", result.Error)
}

func TestResultEncodeShape(t *testing.T) {
	encoded := Result{Success: false, Error: "nope"}.Encode()

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(encoded), &decoded))
	assert.Equal(t, false, decoded["success"])
	assert.Equal(t, "nope", decoded["error"])
}

func TestNewExecutorRequiresApprovalWhenAttended(t *testing.T) {
	registry := NewRegistry(zerolog.Nop())
	_, err := NewExecutor(ExecutorConfig{Registry: registry, Logger: zerolog.Nop()})
	assert.Error(t, err)

	_, err = NewExecutor(ExecutorConfig{Registry: registry, Unattended: true, Logger: zerolog.Nop()})
	assert.NoError(t, err)
}
