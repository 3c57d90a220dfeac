package modelclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"

	"github.com/agenticopsorg/aof/pkg/models"
)

// OpenAIClient adapts sashabaranov/go-openai to ModelClient. It is also
// reused, with a differently-constructed openai.Client, for Azure OpenAI
// (see NewAzureClient) since the chat-completions wire format is shared.
type OpenAIClient struct {
	client *openai.Client
	model  string
	name   string // "openai" or "azure", for error/metadata tagging
}

// OpenAIConfig configures an OpenAIClient against the public OpenAI API.
type OpenAIConfig struct {
	APIKey string
	Model  string
}

// NewOpenAIClient constructs a client for model_reference values of the
// form "openai:<model-id>".
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	return &OpenAIClient{client: openai.NewClient(cfg.APIKey), model: cfg.Model, name: "openai"}, nil
}

// AzureConfig configures an OpenAIClient against an Azure OpenAI
// deployment, which speaks the same chat-completions schema behind a
// resource-scoped endpoint and deployment name used as the model id.
type AzureConfig struct {
	APIKey         string
	Endpoint       string // e.g. https://<resource>.openai.azure.com/
	DeploymentName string
	APIVersion     string // defaults to "2024-06-01"
}

// NewAzureClient constructs a client for model_reference values of the
// form "azure:<deployment-name>".
func NewAzureClient(cfg AzureConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" || cfg.Endpoint == "" || cfg.DeploymentName == "" {
		return nil, fmt.Errorf("azure: API key, endpoint, and deployment name are required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-06-01"
	}

	azureCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	azureCfg.APIVersion = cfg.APIVersion
	azureCfg.AzureModelMapperFunc = func(model string) string { return cfg.DeploymentName }

	return &OpenAIClient{
		client: openai.NewClientWithConfig(azureCfg),
		model:  cfg.DeploymentName,
		name:   "azure",
	}, nil
}

func (c *OpenAIClient) ModelIdentifier() string {
	return c.name + ":" + c.model
}

func (c *OpenAIClient) buildRequest(req Request, stream bool) (openai.ChatCompletionRequest, error) {
	messages, err := convertMessagesOpenAI(req.Messages, req.System)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}

	out := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   stream,
	}
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		out.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		out.Tools = convertToolsOpenAI(req.Tools)
	}
	return out, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq, err := c.buildRequest(req, false)
	if err != nil {
		return nil, NewError(c.name, c.model, 0, err)
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(c.name, c.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Kind: ErrMalformedResponse, Provider: c.name, Model: c.model, Message: "no choices in response"}
	}

	choice := resp.Choices[0]
	var toolCalls []models.ToolCall
	for _, tc := range choice.Message.ToolCalls {
		toolCalls = append(toolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}

	return &Response{
		Content:    choice.Message.Content,
		ToolCalls:  toolCalls,
		StopReason: mapOpenAIFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (c *OpenAIClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	chatReq, err := c.buildRequest(req, true)
	if err != nil {
		return nil, NewError(c.name, c.model, 0, err)
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, classifyOpenAIErr(c.name, c.model, err)
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()

		toolCalls := map[int]*models.ToolCall{}
		var usage Usage
		finish := ""

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				out <- StreamChunk{Kind: ChunkDone, StopReason: models.StopError}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}
			choice := resp.Choices[0]
			if choice.Delta.Content != "" {
				out <- StreamChunk{Kind: ChunkContentDelta, Text: choice.Delta.Content}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				cur, ok := toolCalls[idx]
				if !ok {
					cur = &models.ToolCall{}
					toolCalls[idx] = cur
				}
				if tc.ID != "" {
					cur.ID = tc.ID
				}
				if tc.Function.Name != "" {
					cur.Name = tc.Function.Name
				}
				out <- StreamChunk{
					Kind:                      ChunkToolCallDelta,
					ToolCallID:                cur.ID,
					ToolCallName:              cur.Name,
					ToolCallArgumentsFragment: tc.Function.Arguments,
				}
			}
			if choice.FinishReason != "" {
				finish = string(choice.FinishReason)
			}
			if resp.Usage != nil {
				usage.InputTokens = resp.Usage.PromptTokens
				usage.OutputTokens = resp.Usage.CompletionTokens
			}
		}

		out <- StreamChunk{Kind: ChunkDone, StopReason: mapOpenAIFinishReason(openai.FinishReason(finish)), Usage: usage}
	}()

	return out, nil
}

func convertMessagesOpenAI(messages []models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case models.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case models.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case models.RoleAssistant:
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, msg)
		}
	}
	return result, nil
}

func convertToolsOpenAI(specs []models.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		var params any
		if len(spec.InputSchema) > 0 {
			_ = json.Unmarshal(spec.InputSchema, &params)
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func mapOpenAIFinishReason(reason openai.FinishReason) models.StopReason {
	switch reason {
	case openai.FinishReasonStop, "":
		return models.StopEndTurn
	case openai.FinishReasonLength:
		return models.StopMaxTokens
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return models.StopToolUse
	case openai.FinishReasonContentFilter:
		return models.StopContentFilter
	default:
		return models.StopEndTurn
	}
}

func classifyOpenAIErr(provider, model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return NewError(provider, model, apiErr.HTTPStatusCode, apiErr)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewError(provider, model, reqErr.HTTPStatusCode, reqErr)
	}
	return NewError(provider, model, 0, err)
}
