package modelclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/agenticopsorg/aof/pkg/models"
)

// GeminiClient adapts google.golang.org/genai to ModelClient.
type GeminiClient struct {
	client *genai.Client
	model  string
}

// GeminiConfig configures a GeminiClient.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGeminiClient constructs a client for model_reference values of the
// form "gemini:<model-id>".
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &GeminiClient{client: client, model: cfg.Model}, nil
}

func (c *GeminiClient) ModelIdentifier() string {
	return "gemini:" + c.model
}

func (c *GeminiClient) buildConfig(req Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = convertToolsGemini(req.Tools)
	}
	return config
}

func (c *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	contents, err := convertMessagesGemini(req.Messages)
	if err != nil {
		return nil, NewError("gemini", c.model, 0, err)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, c.buildConfig(req))
	if err != nil {
		return nil, NewError("gemini", c.model, 0, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, &Error{Kind: ErrMalformedResponse, Provider: "gemini", Model: c.model, Message: "no candidates in response"}
	}

	candidate := resp.Candidates[0]
	var content strings.Builder
	var toolCalls []models.ToolCall
	for _, part := range candidate.Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" {
			content.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
			if jsonErr != nil {
				argsJSON = []byte("{}")
			}
			toolCalls = append(toolCalls, models.ToolCall{
				ID:        geminiToolCallID(part.FunctionCall.Name, len(toolCalls)),
				Name:      part.FunctionCall.Name,
				Arguments: argsJSON,
			})
		}
	}

	if content.Len() == 0 && len(toolCalls) == 0 {
		return nil, &Error{Kind: ErrMalformedResponse, Provider: "gemini", Model: c.model, Message: "empty response: no text or function_call parts"}
	}

	usage := Usage{}
	if resp.UsageMetadata != nil {
		usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}

	return &Response{
		Content:    content.String(),
		ToolCalls:  toolCalls,
		StopReason: mapGeminiFinishReason(string(candidate.FinishReason), len(toolCalls) > 0),
		Usage:      usage,
	}, nil
}

func (c *GeminiClient) GenerateStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	contents, err := convertMessagesGemini(req.Messages)
	if err != nil {
		return nil, NewError("gemini", c.model, 0, err)
	}
	config := c.buildConfig(req)

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)

		var usage Usage
		var finish string
		toolCallCount := 0

		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, contents, config) {
			if err != nil {
				out <- StreamChunk{Kind: ChunkDone, StopReason: models.StopError}
				return
			}
			if resp == nil {
				continue
			}
			if resp.UsageMetadata != nil {
				usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
				usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				if candidate.FinishReason != "" {
					finish = string(candidate.FinishReason)
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						out <- StreamChunk{Kind: ChunkContentDelta, Text: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
						if jsonErr != nil {
							argsJSON = []byte("{}")
						}
						id := geminiToolCallID(part.FunctionCall.Name, toolCallCount)
						toolCallCount++
						out <- StreamChunk{
							Kind:                      ChunkToolCallDelta,
							ToolCallID:                id,
							ToolCallName:              part.FunctionCall.Name,
							ToolCallArgumentsFragment: string(argsJSON),
						}
					}
				}
			}
		}

		out <- StreamChunk{Kind: ChunkDone, StopReason: mapGeminiFinishReason(finish, toolCallCount > 0), Usage: usage}
	}()

	return out, nil
}

func convertMessagesGemini(messages []models.Message) ([]*genai.Content, error) {
	var result []*genai.Content
	for i, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch m.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}

		for _, tc := range m.ToolCalls {
			var args map[string]any
			if len(tc.Arguments) > 0 {
				if err := json.Unmarshal(tc.Arguments, &args); err != nil {
					return nil, fmt.Errorf("gemini: decode tool call arguments for %s: %w", tc.Name, err)
				}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}

		if m.Role == models.RoleTool {
			var response map[string]any
			if err := json.Unmarshal([]byte(m.Content), &response); err != nil {
				response = map[string]any{"result": m.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolNameForCallID(messages[:i], m.ToolCallID), Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func convertToolsGemini(specs []models.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}

	declarations := make([]*genai.FunctionDeclaration, 0, len(specs))
	for _, spec := range specs {
		var schemaMap map[string]any
		if len(spec.InputSchema) > 0 {
			if err := json.Unmarshal(spec.InputSchema, &schemaMap); err != nil {
				continue
			}
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  geminiSchemaFromMap(schemaMap),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func geminiSchemaFromMap(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = geminiSchemaFromMap(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = geminiSchemaFromMap(items)
	}
	return schema
}

func mapGeminiFinishReason(reason string, hasToolCalls bool) models.StopReason {
	switch strings.ToUpper(reason) {
	case "STOP", "":
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	case "MAX_TOKENS":
		return models.StopMaxTokens
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return models.StopContentFilter
	default:
		if hasToolCalls {
			return models.StopToolUse
		}
		return models.StopEndTurn
	}
}

func geminiToolCallID(name string, index int) string {
	return fmt.Sprintf("%s-%d", name, index)
}

// toolNameForCallID recovers the function name for a tool result by
// scanning preceding assistant messages, since Gemini's FunctionResponse
// part addresses by name rather than by call ID.
func toolNameForCallID(preceding []models.Message, toolCallID string) string {
	for i := len(preceding) - 1; i >= 0; i-- {
		for _, tc := range preceding[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc.Name
			}
		}
	}
	return ""
}
