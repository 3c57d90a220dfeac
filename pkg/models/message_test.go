package models

import (
	"encoding/json"
	"testing"
)

func TestToolResultValidateRejectsSuccessWithError(t *testing.T) {
	r := ToolResult{Success: true, Error: "unexpected"}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for success=true with a non-empty Error")
	}
}

func TestToolResultValidateRejectsFailureWithoutError(t *testing.T) {
	r := ToolResult{Success: false}
	if err := r.Validate(); err == nil {
		t.Fatal("expected an error for success=false with no Error")
	}
}

func TestToolResultValidateAcceptsConsistentShapes(t *testing.T) {
	ok := ToolResult{Success: true, Data: json.RawMessage(`{"x":1}`)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error for a consistent success result: %v", err)
	}
	failed := ToolResult{Success: false, Error: "timed out"}
	if err := failed.Validate(); err != nil {
		t.Fatalf("unexpected error for a consistent failure result: %v", err)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msg := Message{
		Role:    RoleAssistant,
		Content: "checking the weather",
		ToolCalls: []ToolCall{
			{ID: "t1", Name: "get_weather", Arguments: json.RawMessage(`{"city":"nyc"}`)},
		},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Role != RoleAssistant || decoded.Content != msg.Content {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
	if len(decoded.ToolCalls) != 1 || decoded.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("tool calls did not round trip: %+v", decoded.ToolCalls)
	}
}

func TestMessageOmitsToolFieldsWhenUnset(t *testing.T) {
	msg := Message{Role: RoleUser, Content: "hello"}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := raw["tool_call_id"]; present {
		t.Fatal("expected tool_call_id to be omitted when empty")
	}
	if _, present := raw["tool_calls"]; present {
		t.Fatal("expected tool_calls to be omitted when nil")
	}
}
