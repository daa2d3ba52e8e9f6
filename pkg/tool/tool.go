package tool

import (
	"context"
	"encoding/json"
)

// HookDecision is the outcome of a tool's preToolUse policy hook.
type HookDecision string

const (
	// DecisionAllow executes without human approval.
	DecisionAllow HookDecision = "allow"
	// DecisionApprove routes the call through the approval gate.
	DecisionApprove HookDecision = "approve"
	// DecisionDeny rejects the call outright.
	DecisionDeny HookDecision = "deny"
)

// Parameter declares one entry of a tool's JSON-schema parameters.
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// CallContext carries runtime information into a tool handler.
type CallContext struct {
	SessionID int64
	CallID    string
}

// Handler executes the tool. Returned values are marshalled into the
// result content; a returned error or panic becomes a structured failure.
type Handler func(ctx context.Context, args map[string]interface{}, call CallContext) (interface{}, error)

// Definition describes a tool: its schema, lifecycle hooks, and handler.
type Definition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  []Parameter `json:"parameters"`

	// PreToolUse, when set, gates execution: allow, approve, or deny.
	PreToolUse func(args map[string]interface{}) HookDecision `json:"-"`
	// ApprovalPrompt renders the human-facing description of an
	// approve-routed call. Optional.
	ApprovalPrompt func(args map[string]interface{}) string `json:"-"`

	Handler Handler `json:"-"`
}

// RequiredFields returns the names of required parameters in declaration
// order.
func (d *Definition) RequiredFields() []string {
	var required []string
	for _, p := range d.Parameters {
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return required
}

// Result is the outcome of one tool call. Its JSON encoding is the content
// of the corresponding tool-role message.
type Result struct {
	Success  bool                   `json:"success"`
	Content  string                 `json:"content,omitempty"`
	Error    string                 `json:"error,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Encode renders the result as the tool message content.
func (r Result) Encode() string {
	data, err := json.Marshal(r)
	if err != nil {
		return `{"success":false,"error":"unencodable tool result"}`
	}
	return string(data)
}

func failure(err string, metadata map[string]interface{}) Result {
	return Result{Success: false, Error: err, Metadata: metadata}
}
