package modelclient

import (
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/agenticopsorg/aof/pkg/models"
)

func TestConvertMessagesGeminiSkipsSystemRole(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleSystem, Content: "be terse"},
		{Role: models.RoleUser, Content: "hi"},
	}

	out, err := convertMessagesGemini(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Role != genai.RoleUser {
		t.Fatalf("expected one user-role content, got %+v", out)
	}
}

func TestConvertMessagesGeminiAssistantMapsToModelRole(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleAssistant, Content: "hello"},
	}

	out, err := convertMessagesGemini(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 1 || out[0].Role != genai.RoleModel {
		t.Fatalf("expected model-role content, got %+v", out)
	}
}

func TestConvertMessagesGeminiToolResultRecoversFunctionName(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`{}`)},
			},
		},
		{Role: models.RoleTool, ToolCallID: "call-1", Content: `{"result":"ok"}`},
	}

	out, err := convertMessagesGemini(messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected two content entries, got %d", len(out))
	}

	toolContent := out[1]
	if len(toolContent.Parts) != 1 || toolContent.Parts[0].FunctionResponse == nil {
		t.Fatalf("expected a function response part, got %+v", toolContent.Parts)
	}
	if toolContent.Parts[0].FunctionResponse.Name != "lookup" {
		t.Errorf("function response name = %q, want lookup", toolContent.Parts[0].FunctionResponse.Name)
	}
}

func TestConvertMessagesGeminiRejectsMalformedArguments(t *testing.T) {
	messages := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup", Arguments: json.RawMessage(`not json`)},
			},
		},
	}

	if _, err := convertMessagesGemini(messages); err == nil {
		t.Fatal("expected an error for malformed tool call arguments")
	}
}

func TestGeminiSchemaFromMap(t *testing.T) {
	schemaMap := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []any{"name"},
	}

	schema := geminiSchemaFromMap(schemaMap)
	if schema.Type != genai.Type("OBJECT") {
		t.Errorf("type = %v, want OBJECT", schema.Type)
	}
	if len(schema.Properties) != 1 {
		t.Fatalf("expected one property, got %d", len(schema.Properties))
	}
	if len(schema.Required) != 1 || schema.Required[0] != "name" {
		t.Errorf("required = %v, want [name]", schema.Required)
	}
}

func TestConvertToolsGeminiSkipsInvalidSchema(t *testing.T) {
	specs := []models.ToolSpec{
		{Name: "broken", InputSchema: json.RawMessage(`not json`)},
		{Name: "lookup", Description: "look things up", InputSchema: json.RawMessage(`{"type":"object"}`)},
	}

	out := convertToolsGemini(specs)
	if len(out) != 1 || len(out[0].FunctionDeclarations) != 1 {
		t.Fatalf("expected the invalid-schema tool to be skipped, got %+v", out)
	}
	if out[0].FunctionDeclarations[0].Name != "lookup" {
		t.Errorf("unexpected surviving tool: %+v", out[0].FunctionDeclarations[0])
	}
}

func TestMapGeminiFinishReason(t *testing.T) {
	tests := []struct {
		reason       string
		hasToolCalls bool
		want         models.StopReason
	}{
		{"STOP", false, models.StopEndTurn},
		{"STOP", true, models.StopToolUse},
		{"", false, models.StopEndTurn},
		{"MAX_TOKENS", false, models.StopMaxTokens},
		{"SAFETY", false, models.StopContentFilter},
	}

	for _, tt := range tests {
		if got := mapGeminiFinishReason(tt.reason, tt.hasToolCalls); got != tt.want {
			t.Errorf("mapGeminiFinishReason(%q, %v) = %v, want %v", tt.reason, tt.hasToolCalls, got, tt.want)
		}
	}
}

func TestToolNameForCallID(t *testing.T) {
	preceding := []models.Message{
		{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call-1", Name: "lookup"},
				{ID: "call-2", Name: "write"},
			},
		},
	}

	if got := toolNameForCallID(preceding, "call-2"); got != "write" {
		t.Errorf("toolNameForCallID = %q, want write", got)
	}
	if got := toolNameForCallID(preceding, "call-missing"); got != "" {
		t.Errorf("toolNameForCallID = %q, want empty string", got)
	}
}
