package tool

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decide(t *testing.T, input string) (ApprovalDecision, error) {
	t.Helper()
	var out bytes.Buffer
	approver := NewCLIApprover(strings.NewReader(input), &out, "yes", zerolog.Nop())
	return approver.Decide(context.Background(), ApprovalRequest{
		Tool:      "exec",
		SessionID: 7,
		Prompt:    "exec: ls",
	})
}

func TestCLIApproverApprove(t *testing.T) {
	decision, err := decide(t, "yes\n")
	require.NoError(t, err)
	assert.Equal(t, Approve, decision.Kind)
}

func TestCLIApproverTokenIsCaseSensitive(t *testing.T) {
	// "Yes" and "YES" are not the token; the approver re-prompts and the
	// following "n" rejects.
	decision, err := decide(t, "Yes\nYES\nn\n")
	require.NoError(t, err)
	assert.Equal(t, Reject, decision.Kind)
}

func TestCLIApproverReject(t *testing.T) {
	decision, err := decide(t, "n\n")
	require.NoError(t, err)
	assert.Equal(t, Reject, decision.Kind)
}

func TestCLIApproverModify(t *testing.T) {
	decision, err := decide(t, "m\nuse the staging database instead\n")
	require.NoError(t, err)
	assert.Equal(t, Modify, decision.Kind)
	assert.Equal(t, "use the staging database instead", decision.Instruction)
}

func TestCLIApproverRePromptsOnGarbage(t *testing.T) {
	decision, err := decide(t, "what\nmaybe\nyes\n")
	require.NoError(t, err)
	assert.Equal(t, Approve, decision.Kind)
}

func TestCLIApproverInputClosed(t *testing.T) {
	_, err := decide(t, "")
	assert.Error(t, err)
}

func TestScriptedApproverReplaysAndRecords(t *testing.T) {
	approver := &ScriptedApprover{Decisions: []ApprovalDecision{{Kind: Approve}}}

	first, err := approver.Decide(context.Background(), ApprovalRequest{Tool: "a"})
	require.NoError(t, err)
	assert.Equal(t, Approve, first.Kind)

	// Script exhausted: defaults to reject.
	second, err := approver.Decide(context.Background(), ApprovalRequest{Tool: "b"})
	require.NoError(t, err)
	assert.Equal(t, Reject, second.Kind)

	require.Len(t, approver.Calls, 2)
	assert.Equal(t, "a", approver.Calls[0].Tool)
}
