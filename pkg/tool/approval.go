package tool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
)

// ApprovalRequest describes one approve-routed tool call for a human.
type ApprovalRequest struct {
	Tool      string
	SessionID int64
	Prompt    string
	Args      map[string]interface{}
}

// DecisionKind is the operator's verdict.
type DecisionKind string

const (
	Approve DecisionKind = "approve"
	Reject  DecisionKind = "reject"
	Modify  DecisionKind = "modify"
)

// ApprovalDecision is the operator's response. Instruction is set only for
// Modify: a free-text alternative for the model to follow instead.
type ApprovalDecision struct {
	Kind        DecisionKind
	Instruction string
}

// ApprovalPort is the injected human-in-the-loop checkpoint. A synchronous
// Decide call may block indefinitely; a human may need arbitrary time.
type ApprovalPort interface {
	Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error)
}

// CLIApprover reads approval decisions from a terminal. The confirmation
// token is matched exactly and case-sensitively; "n" rejects, "m" collects
// an alternative instruction. Anything else re-prompts without consuming
// a turn.
type CLIApprover struct {
	reader *bufio.Reader
	writer io.Writer
	token  string
	logger zerolog.Logger
}

// NewCLIApprover creates a terminal approver with the given confirmation
// token (e.g. "yes").
func NewCLIApprover(reader io.Reader, writer io.Writer, token string, logger zerolog.Logger) *CLIApprover {
	return &CLIApprover{
		reader: bufio.NewReader(reader),
		writer: writer,
		token:  token,
		logger: logger.With().Str("component", "approval").Logger(),
	}
}

// Decide implements ApprovalPort.
func (c *CLIApprover) Decide(ctx context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	fmt.Fprintln(c.writer)
	fmt.Fprintf(c.writer, "Tool approval required (session %d)\n", req.SessionID)
	fmt.Fprintf(c.writer, "  %s\n", req.Prompt)

	for {
		if err := ctx.Err(); err != nil {
			return ApprovalDecision{}, err
		}
		fmt.Fprintf(c.writer, "Type %q to approve, n to reject, m to modify: ", c.token)

		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && strings.TrimRight(line, "\r\n") == "" {
				return ApprovalDecision{}, fmt.Errorf("approval input closed")
			}
			if err != io.EOF {
				return ApprovalDecision{}, fmt.Errorf("failed to read approval input: %w", err)
			}
		}
		input := strings.TrimRight(line, "\r\n")

		switch input {
		case c.token:
			c.logger.Info().Str("tool", req.Tool).Int64("session", req.SessionID).Msg("Tool call approved")
			return ApprovalDecision{Kind: Approve}, nil
		case "n":
			c.logger.Info().Str("tool", req.Tool).Int64("session", req.SessionID).Msg("Tool call rejected")
			return ApprovalDecision{Kind: Reject}, nil
		case "m":
			fmt.Fprint(c.writer, "Alternative instruction: ")
			alt, rerr := c.reader.ReadString('\n')
			if rerr != nil && rerr != io.EOF {
				return ApprovalDecision{}, fmt.Errorf("failed to read instruction: %w", rerr)
			}
			return ApprovalDecision{Kind: Modify, Instruction: strings.TrimSpace(alt)}, nil
		default:
			// Re-prompt; invalid input does not consume a turn.
			fmt.Fprintf(c.writer, "Unrecognized input %q\n", input)
		}
	}
}

// ScriptedApprover replays a fixed decision sequence. Test double for the
// injected approval port.
type ScriptedApprover struct {
	Decisions []ApprovalDecision
	Calls     []ApprovalRequest
}

// Decide implements ApprovalPort.
func (s *ScriptedApprover) Decide(_ context.Context, req ApprovalRequest) (ApprovalDecision, error) {
	s.Calls = append(s.Calls, req)
	if len(s.Decisions) == 0 {
		return ApprovalDecision{Kind: Reject}, nil
	}
	decision := s.Decisions[0]
	s.Decisions = s.Decisions[1:]
	return decision, nil
}
