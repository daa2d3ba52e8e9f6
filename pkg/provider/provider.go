// Package provider defines the model-provider contract consumed by the
// evaluation engine, plus concrete adapters. The engine depends only on
// the Provider interface; adapters are injected at the process boundary.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/store"
)

// Request is one prompt against a model.
type Request struct {
	Model        string
	SystemPrompt string
	Messages     []store.Message
	Tools        []map[string]interface{}
	MaxTokens    int
}

// Choice is one returned completion. Message is already normalized into
// the canonical store shape at this boundary; nothing downstream sniffs
// provider-specific fields.
type Choice struct {
	Message      store.Message
	FinishReason string
}

// Usage reports token consumption and estimated cost for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// TotalTokens is the combined input and output token count.
func (u Usage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// Response is the provider contract's result shape.
type Response struct {
	Choices  []Choice
	Usage    Usage
	Provider string
}

// Provider is the injected model-call contract.
type Provider interface {
	Prompt(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Credentials selects and authenticates a concrete adapter.
type Credentials struct {
	Provider string
	APIKey   string
}

// Factory builds providers by name.
type Factory struct{}

// New returns the adapter for the named provider.
func (Factory) New(creds Credentials) (Provider, error) {
	switch creds.Provider {
	case "anthropic":
		return NewAnthropic(creds.APIKey), nil
	case "openai":
		return NewOpenAI(creds.APIKey), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", creds.Provider)
	}
}

// normalizeFinish collapses provider-specific finish reasons into the
// canonical enum used by the session state machine.
func normalizeFinish(raw string, content string, toolCalls int) string {
	switch raw {
	case "stop", "end_turn", "stop_sequence":
		if strings.TrimSpace(content) == "" && toolCalls == 0 {
			return store.FinishEmpty
		}
		return store.FinishStop
	case "":
		if strings.TrimSpace(content) == "" && toolCalls == 0 {
			return store.FinishEmpty
		}
		return store.FinishStop
	default:
		return store.FinishOther
	}
}
