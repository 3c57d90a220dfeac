package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/agenticopsorg/aof/pkg/models"
)

// BedrockClient adapts the AWS Bedrock Converse API to ModelClient. Like
// the teacher it speaks only through ConverseStream: Generate drains the
// stream to completion rather than calling the non-streaming Converse op.
type BedrockClient struct {
	client *bedrockruntime.Client
	model  string
}

// BedrockConfig configures a BedrockClient. Explicit credentials are
// optional; when empty the default AWS credential chain (env, IAM role)
// is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Model           string
}

// NewBedrockClient constructs a client for model_reference values of the
// form "bedrock:<model-id>".
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.Model == "" {
		cfg.Model = "anthropic.claude-3-sonnet-20240229-v1:0"
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		awsCfg, err = config.LoadDefaultConfig(ctx,
			config.WithRegion(cfg.Region),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)),
		)
	} else {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}

	return &BedrockClient{client: bedrockruntime.NewFromConfig(awsCfg), model: cfg.Model}, nil
}

func (c *BedrockClient) ModelIdentifier() string {
	return "bedrock:" + c.model
}

func (c *BedrockClient) buildInput(req Request) (*bedrockruntime.ConverseStreamInput, error) {
	messages, err := convertMessagesBedrock(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(c.model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(req.MaxTokens))}
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertToolsBedrock(req.Tools)
	}
	return input, nil
}

// Generate drains GenerateStream to produce a single Response, matching
// the teacher's habit of treating ConverseStream as the only transport.
func (c *BedrockClient) Generate(ctx context.Context, req Request) (*Response, error) {
	chunks, err := c.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	var content strings.Builder
	toolArgs := map[string]*strings.Builder{}
	var toolOrder []string
	toolNames := map[string]string{}
	var final StreamChunk

	for chunk := range chunks {
		switch chunk.Kind {
		case ChunkContentDelta:
			content.WriteString(chunk.Text)
		case ChunkToolCallDelta:
			if _, ok := toolArgs[chunk.ToolCallID]; !ok {
				toolArgs[chunk.ToolCallID] = &strings.Builder{}
				toolOrder = append(toolOrder, chunk.ToolCallID)
				toolNames[chunk.ToolCallID] = chunk.ToolCallName
			}
			toolArgs[chunk.ToolCallID].WriteString(chunk.ToolCallArgumentsFragment)
		case ChunkDone:
			final = chunk
		}
	}

	if final.StopReason == models.StopError {
		return nil, &Error{Kind: ErrNetwork, Provider: "bedrock", Model: c.model, Message: "stream ended with error"}
	}

	var toolCalls []models.ToolCall
	for _, id := range toolOrder {
		toolCalls = append(toolCalls, models.ToolCall{
			ID:        id,
			Name:      toolNames[id],
			Arguments: json.RawMessage(toolArgs[id].String()),
		})
	}

	if content.Len() == 0 && len(toolCalls) == 0 {
		return nil, &Error{Kind: ErrMalformedResponse, Provider: "bedrock", Model: c.model, Message: "empty response: no text or tool_use blocks"}
	}

	return &Response{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: final.StopReason,
		Usage:      final.Usage,
	}, nil
}

func (c *BedrockClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, NewError("bedrock", c.model, 0, err)
	}

	streamOut, err := c.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, NewError("bedrock", c.model, 0, err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		eventStream := streamOut.GetStream()
		defer eventStream.Close()

		var toolID, toolName string
		var toolInput strings.Builder
		var usage Usage
		var stopReason string
		sawToolUse := false

		flushToolCall := func() {
			if toolID == "" {
				return
			}
			out <- StreamChunk{
				Kind:                      ChunkToolCallDelta,
				ToolCallID:                toolID,
				ToolCallName:              toolName,
				ToolCallArgumentsFragment: toolInput.String(),
			}
			toolInput.Reset()
		}

		for event := range eventStream.Events() {
			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if tu, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					toolID = aws.ToString(tu.Value.ToolUseId)
					toolName = aws.ToString(tu.Value.Name)
					sawToolUse = true
				}
			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					out <- StreamChunk{Kind: ChunkContentDelta, Text: delta.Value}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}
			case *types.ConverseStreamOutputMemberContentBlockStop:
				flushToolCall()
				toolID, toolName = "", ""
			case *types.ConverseStreamOutputMemberMessageStop:
				stopReason = string(ev.Value.StopReason)
			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage.InputTokens = int(aws.ToInt32(ev.Value.Usage.InputTokens))
					usage.OutputTokens = int(aws.ToInt32(ev.Value.Usage.OutputTokens))
				}
			}
		}

		if err := eventStream.Err(); err != nil {
			out <- StreamChunk{Kind: ChunkDone, StopReason: models.StopError}
			return
		}

		out <- StreamChunk{Kind: ChunkDone, StopReason: mapBedrockStopReasonStr(stopReason, sawToolUse), Usage: usage}
	}()

	return out, nil
}

func convertMessagesBedrock(messages []models.Message) ([]types.Message, error) {
	var result []types.Message
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			continue
		case models.RoleUser:
			result = append(result, types.Message{
				Role:    types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}},
			})
		case models.RoleTool:
			result = append(result, types.Message{
				Role: types.ConversationRoleUser,
				Content: []types.ContentBlock{&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(m.ToolCallID),
						Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: m.Content}},
					},
				}},
			})
		case models.RoleAssistant:
			var blocks []types.ContentBlock
			if m.Content != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				var input any
				if len(tc.Arguments) > 0 {
					if err := json.Unmarshal(tc.Arguments, &input); err != nil {
						return nil, fmt.Errorf("bedrock: decode tool call arguments for %s: %w", tc.Name, err)
					}
				} else {
					input = map[string]any{}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(tc.ID),
						Name:      aws.String(tc.Name),
						Input:     document.NewLazyDocument(input),
					},
				})
			}
			result = append(result, types.Message{Role: types.ConversationRoleAssistant, Content: blocks})
		}
	}
	return result, nil
}

func convertToolsBedrock(specs []models.ToolSpec) *types.ToolConfiguration {
	var tools []types.Tool
	for _, spec := range specs {
		var schema any
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &schema)
		}
		tools = append(tools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(spec.Name),
				Description: aws.String(spec.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
			},
		})
	}
	return &types.ToolConfiguration{Tools: tools}
}

func mapBedrockStopReasonStr(reason string, hasToolCalls bool) models.StopReason {
	switch types.StopReason(reason) {
	case types.StopReasonEndTurn, "":
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	case types.StopReasonToolUse:
		return models.StopToolUse
	case types.StopReasonMaxTokens:
		return models.StopMaxTokens
	case types.StopReasonStopSequence:
		return models.StopStopSequence
	case types.StopReasonContentFiltered:
		return models.StopContentFilter
	default:
		return models.StopEndTurn
	}
}
