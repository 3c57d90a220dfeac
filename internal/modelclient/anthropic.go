package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/agenticopsorg/aof/pkg/models"
)

// AnthropicClient adapts the Anthropic SDK to ModelClient.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// AnthropicConfig configures an AnthropicClient. APIKey is required;
// BaseURL is only set when overriding the default endpoint.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropicClient constructs a client for model_reference values of the
// form "anthropic:<model-id>" (the Model field here is just the model id).
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		model:  cfg.Model,
	}, nil
}

func (c *AnthropicClient) ModelIdentifier() string {
	return "anthropic:" + c.model
}

func (c *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	messages, err := convertMessagesAnthropic(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertToolsAnthropic(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func (c *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, NewError("anthropic", c.model, 0, err)
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicErr(c.model, err)
	}

	var content strings.Builder
	var toolCalls []models.ToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			content.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			toolCalls = append(toolCalls, models.ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: json.RawMessage(variant.Input),
			})
		}
	}

	stop := mapAnthropicStopReason(string(msg.StopReason), len(toolCalls) > 0)
	if content.Len() == 0 && len(toolCalls) == 0 {
		return nil, &Error{Kind: ErrMalformedResponse, Provider: "anthropic", Model: c.model, Message: "empty response: no text or tool_use blocks"}
	}

	return &Response{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: stop,
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *AnthropicClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, NewError("anthropic", c.model, 0, err)
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		pendingToolID := map[int64]string{}
		pendingToolName := map[int64]string{}
		var usage Usage
		var stopReason string
		var sawToolUse bool

		for stream.Next() {
			event := stream.Current()
			switch variant := event.AsAny().(type) {
			case anthropic.ContentBlockStartEvent:
				if tu, ok := variant.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					pendingToolID[variant.Index] = tu.ID
					pendingToolName[variant.Index] = tu.Name
					sawToolUse = true
				}
			case anthropic.ContentBlockDeltaEvent:
				switch delta := variant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					out <- StreamChunk{Kind: ChunkContentDelta, Text: delta.Text}
				case anthropic.InputJSONDelta:
					out <- StreamChunk{
						Kind:                     ChunkToolCallDelta,
						ToolCallID:               pendingToolID[variant.Index],
						ToolCallName:             pendingToolName[variant.Index],
						ToolCallArgumentsFragment: delta.PartialJSON,
					}
				}
			case anthropic.MessageDeltaEvent:
				if variant.Delta.StopReason != "" {
					stopReason = string(variant.Delta.StopReason)
				}
				usage.OutputTokens = int(variant.Usage.OutputTokens)
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(variant.Message.Usage.InputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			out <- StreamChunk{Kind: ChunkDone, StopReason: models.StopError}
			return
		}

		out <- StreamChunk{
			Kind:       ChunkDone,
			StopReason: mapAnthropicStopReason(stopReason, sawToolUse),
			Usage:      usage,
		}
	}()

	return out, nil
}

func convertMessagesAnthropic(messages []models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			continue // system handled separately via params.System
		case models.RoleUser:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case models.RoleTool:
			result = append(result, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			))
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("anthropic: decode tool call arguments for %s: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			result = append(result, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return result, nil
}

func convertToolsAnthropic(specs []models.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, spec := range specs {
		var schema anthropic.ToolInputSchemaParam
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", spec.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, spec.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(spec.Description)
		}
		result = append(result, toolParam)
	}
	return result, nil
}

func mapAnthropicStopReason(reason string, hasToolCalls bool) models.StopReason {
	switch reason {
	case "end_turn", "":
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	case "tool_use":
		return models.StopToolUse
	case "max_tokens":
		return models.StopMaxTokens
	case "stop_sequence":
		return models.StopStopSequence
	default:
		return models.StopEndTurn
	}
}

func classifyAnthropicErr(model string, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return NewError("anthropic", model, apiErr.StatusCode, apiErr)
	}
	return NewError("anthropic", model, 0, err)
}
