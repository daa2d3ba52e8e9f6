package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/droverhq/drover/pkg/store"
)

// OpenAI adapts the Chat Completions API to the provider contract.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(apiKey string) *OpenAI {
	return &OpenAI{client: openai.NewClient(option.WithAPIKey(apiKey))}
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// Prompt implements Provider.
func (p *OpenAI) Prompt(ctx context.Context, req Request) (*Response, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Carried above.
		case "user":
			messages = append(messages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
				for _, call := range msg.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
						ID:   call.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      call.Function,
							Arguments: call.Arguments,
						},
					})
				}
				assistantMsg := openai.ChatCompletionMessage{
					Role:      "assistant",
					Content:   msg.Content,
					ToolCalls: toolCalls,
				}
				messages = append(messages, assistantMsg.ToParam())
				continue
			}
			messages = append(messages, openai.AssistantMessage(msg.Content))
		case "tool":
			messages = append(messages, openai.ToolMessage(msg.ToolCallID, msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, toolMap := range req.Tools {
			fn := openai.FunctionDefinitionParam{
				Name:       toolMap["name"].(string),
				Parameters: openai.FunctionParameters(toolMap["input_schema"].(map[string]interface{})),
			}
			if desc, ok := toolMap["description"].(string); ok {
				fn.Description = openai.String(desc)
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type:     "function",
				Function: fn,
			})
		}
		params.Tools = tools
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai call failed: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("openai returned no choices")
	}

	choices := make([]Choice, 0, len(response.Choices))
	for _, choice := range response.Choices {
		var toolCalls []store.ToolCall
		for _, call := range choice.Message.ToolCalls {
			toolCalls = append(toolCalls, store.ToolCall{
				ID:        call.ID,
				Function:  call.Function.Name,
				Arguments: call.Function.Arguments,
			})
		}
		finish := normalizeFinish(string(choice.FinishReason), choice.Message.Content, len(toolCalls))
		choices = append(choices, Choice{
			Message: store.Message{
				Timestamp:    time.Now(),
				Role:         "assistant",
				Content:      choice.Message.Content,
				ToolCalls:    toolCalls,
				FinishReason: finish,
			},
			FinishReason: finish,
		})
	}

	return &Response{
		Choices: choices,
		Usage: Usage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
		Provider: p.Name(),
	}, nil
}
