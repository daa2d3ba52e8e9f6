package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/droverhq/drover/pkg/store"
)

// Anthropic adapts the Claude Messages API to the provider contract.
type Anthropic struct {
	client anthropic.Client
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(apiKey string) *Anthropic {
	return &Anthropic{client: anthropic.NewClient(option.WithAPIKey(apiKey))}
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

// Prompt implements Provider.
func (p *Anthropic) Prompt(ctx context.Context, req Request) (*Response, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			// Carried separately below.
		case "tool":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				blocks := []anthropic.ContentBlockParamUnion{}
				if msg.Content != "" {
					blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
				}
				for _, call := range msg.ToolCalls {
					var input map[string]interface{}
					if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
						return nil, fmt.Errorf("failed to encode tool call %s: %w", call.ID, err)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, input, call.Function))
				}
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleAssistant,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewTextBlock(msg.Content),
				},
			})
		case "user":
			messages = append(messages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, toolMap := range req.Tools {
			inputSchema, _ := toolMap["input_schema"].(map[string]interface{})

			toolParam := anthropic.ToolParam{
				Name: toolMap["name"].(string),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: inputSchema["properties"],
				},
			}
			if desc, ok := toolMap["description"].(string); ok {
				toolParam.Description = anthropic.String(desc)
			}
			if required, ok := inputSchema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic call failed: %w", err)
	}

	content := ""
	var toolCalls []store.ToolCall
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, store.ToolCall{
				ID:        b.ID,
				Function:  b.Name,
				Arguments: b.JSON.Input.Raw(),
			})
		}
	}

	message := store.Message{
		Timestamp: time.Now(),
		Role:      "assistant",
		Content:   content,
		ToolCalls: toolCalls,
	}
	finish := normalizeFinish(string(response.StopReason), content, len(toolCalls))
	message.FinishReason = finish

	return &Response{
		Choices: []Choice{{Message: message, FinishReason: finish}},
		Usage: Usage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
		Provider: p.Name(),
	}, nil
}
