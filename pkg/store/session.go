package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is a session's behavior-tree style status label.
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateFail    State = "fail"
)

// ParseState validates a raw state value against the closed enum.
func ParseState(raw string) (State, error) {
	switch State(raw) {
	case StatePending, StateRunning, StateSuccess, StateFail:
		return State(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
}

// Finish reasons reported by the model provider on assistant messages.
const (
	FinishStop  = "stop"
	FinishEmpty = "empty"
	FinishOther = "other"
)

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID        string `json:"id"`
	Function  string `json:"function"`
	Arguments string `json:"arguments"`
}

// Message is a single conversation turn.
type Message struct {
	Timestamp    time.Time  `json:"timestamp"`
	Role         string     `json:"role"`
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"toolCalls,omitempty"`
	ToolCallID   string     `json:"toolCallId,omitempty"`
	FinishReason string     `json:"finishReason,omitempty"`
}

// Usage accumulates model token and cost consumption for one session.
type Usage struct {
	TotalTokens int     `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

// Session is the in-memory form of one agent conversation.
type Session struct {
	ID           int64
	Template     string
	State        State
	Labels       []string
	Model        string
	Provider     string
	Usage        Usage
	PID          int
	Timeout      time.Duration
	StartTime    time.Time
	LastRead     time.Time
	SystemPrompt string
	Messages     []Message
}

// HasLabel reports whether the session carries the given label.
func (s *Session) HasLabel(label string) bool {
	for _, l := range s.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Newest returns the last message, or nil for an empty history.
func (s *Session) Newest() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return &s.Messages[len(s.Messages)-1]
}

// UnresolvedCalls returns every assistant tool call that has no matching
// tool-role result message yet, in issue order.
func (s *Session) UnresolvedCalls() []ToolCall {
	resolved := make(map[string]bool)
	for _, msg := range s.Messages {
		if msg.Role == "tool" && msg.ToolCallID != "" {
			resolved[msg.ToolCallID] = true
		}
	}

	var pending []ToolCall
	for _, msg := range s.Messages {
		if msg.Role != "assistant" {
			continue
		}
		for _, call := range msg.ToolCalls {
			if !resolved[call.ID] {
				pending = append(pending, call)
			}
		}
	}
	return pending
}

// record is the durable, versioned shape shared with other subsystems.
// Field names are a contract and must not change.
type record struct {
	APIVersion string     `json:"apiVersion"`
	Kind       string     `json:"kind"`
	Metadata   recordMeta `json:"metadata"`
	Spec       recordSpec `json:"spec"`
}

type recordMeta struct {
	Name      string   `json:"name"`
	Labels    []string `json:"labels"`
	Model     string   `json:"model"`
	Provider  string   `json:"provider"`
	Usage     Usage    `json:"usage"`
	PID       int      `json:"pid"`
	Timeout   int64    `json:"timeout,omitempty"`
	StartTime string   `json:"startTime,omitempty"`
	LastRead  string   `json:"lastRead,omitempty"`
}

type recordSpec struct {
	SystemPrompt string    `json:"systemPrompt"`
	Messages     []Message `json:"messages"`
}

const (
	recordAPIVersion = "v1"
	recordKind       = "Agent"
)

func encodeRecord(sess *Session) ([]byte, error) {
	rec := record{
		APIVersion: recordAPIVersion,
		Kind:       recordKind,
		Metadata: recordMeta{
			Name:     sess.Template,
			Labels:   sess.Labels,
			Model:    sess.Model,
			Provider: sess.Provider,
			Usage:    sess.Usage,
			PID:      sess.PID,
		},
		Spec: recordSpec{
			SystemPrompt: sess.SystemPrompt,
			Messages:     sess.Messages,
		},
	}
	if rec.Metadata.Labels == nil {
		rec.Metadata.Labels = []string{}
	}
	if rec.Spec.Messages == nil {
		rec.Spec.Messages = []Message{}
	}
	if sess.Timeout > 0 {
		rec.Metadata.Timeout = int64(sess.Timeout.Seconds())
	}
	if !sess.StartTime.IsZero() {
		rec.Metadata.StartTime = sess.StartTime.UTC().Format(time.RFC3339Nano)
	}
	if !sess.LastRead.IsZero() {
		rec.Metadata.LastRead = sess.LastRead.UTC().Format(time.RFC3339Nano)
	}
	return json.MarshalIndent(rec, "", "  ")
}

func decodeRecord(id int64, data []byte) (*Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: session %d: %v", ErrCorruptRecord, id, err)
	}
	if rec.Kind != recordKind {
		return nil, fmt.Errorf("%w: session %d: unexpected kind %q", ErrCorruptRecord, id, rec.Kind)
	}

	sess := &Session{
		ID:           id,
		Template:     rec.Metadata.Name,
		Labels:       rec.Metadata.Labels,
		Model:        rec.Metadata.Model,
		Provider:     rec.Metadata.Provider,
		Usage:        rec.Metadata.Usage,
		PID:          rec.Metadata.PID,
		Timeout:      time.Duration(rec.Metadata.Timeout) * time.Second,
		SystemPrompt: rec.Spec.SystemPrompt,
		Messages:     rec.Spec.Messages,
	}
	if rec.Metadata.StartTime != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.Metadata.StartTime)
		if err != nil {
			return nil, fmt.Errorf("%w: session %d: bad startTime: %v", ErrCorruptRecord, id, err)
		}
		sess.StartTime = t
	}
	if rec.Metadata.LastRead != "" {
		t, err := time.Parse(time.RFC3339Nano, rec.Metadata.LastRead)
		if err != nil {
			return nil, fmt.Errorf("%w: session %d: bad lastRead: %v", ErrCorruptRecord, id, err)
		}
		sess.LastRead = t
	}
	return sess, nil
}
