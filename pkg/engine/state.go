package engine

import (
	"github.com/droverhq/drover/pkg/store"
)

// ComputeState derives the next session state from the message history.
// It is a pure function of the transcript so that replaying a session
// after a crash lands on the same answer.
//
//   - empty history: nothing to do, success
//   - newest is user or tool input: the model still owes a response, pending
//   - newest is an assistant message with tool calls: results are still
//     outstanding, pending
//   - newest is a finished assistant message (stop or empty): success
//   - anything else (truncated output, unknown finish): pending, so the
//     next evaluation lets the model continue
func ComputeState(messages []store.Message) store.State {
	if len(messages) == 0 {
		return store.StateSuccess
	}

	newest := messages[len(messages)-1]
	switch newest.Role {
	case "user", "tool":
		return store.StatePending
	case "assistant":
		if len(newest.ToolCalls) > 0 {
			return store.StatePending
		}
		switch newest.FinishReason {
		case store.FinishStop, store.FinishEmpty:
			return store.StateSuccess
		default:
			return store.StatePending
		}
	default:
		return store.StatePending
	}
}
