package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseState(t *testing.T) {
	for _, valid := range []string{"pending", "running", "success", "fail"} {
		state, err := ParseState(valid)
		require.NoError(t, err)
		assert.Equal(t, State(valid), state)
	}

	for _, invalid := range []string{"", "Pending", "done", "paused"} {
		_, err := ParseState(invalid)
		assert.ErrorIs(t, err, ErrInvalidState, "%q must be rejected", invalid)
	}
}

func TestUnresolvedCallsIssueOrder(t *testing.T) {
	sess := &Session{
		Messages: []Message{
			{Role: "user", Content: "go"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "c1", Function: "echo"},
				{ID: "c2", Function: "echo"},
			}},
			{Role: "tool", ToolCallID: "c1", Content: "{}"},
			{Role: "assistant", ToolCalls: []ToolCall{
				{ID: "c3", Function: "echo"},
			}},
		},
	}

	pending := sess.UnresolvedCalls()
	require.Len(t, pending, 2)
	assert.Equal(t, "c2", pending[0].ID)
	assert.Equal(t, "c3", pending[1].ID)
}

func TestUnresolvedCallsAllResolved(t *testing.T) {
	sess := &Session{
		Messages: []Message{
			{Role: "assistant", ToolCalls: []ToolCall{{ID: "c1", Function: "echo"}}},
			{Role: "tool", ToolCallID: "c1", Content: "{}"},
		},
	}
	assert.Empty(t, sess.UnresolvedCalls())
}

func TestNewest(t *testing.T) {
	sess := &Session{}
	assert.Nil(t, sess.Newest())

	sess.Messages = []Message{{Role: "user"}, {Role: "assistant"}}
	require.NotNil(t, sess.Newest())
	assert.Equal(t, "assistant", sess.Newest().Role)
}

func TestHasLabel(t *testing.T) {
	sess := &Session{Labels: []string{"a", "b"}}
	assert.True(t, sess.HasLabel("a"))
	assert.False(t, sess.HasLabel("c"))
}
