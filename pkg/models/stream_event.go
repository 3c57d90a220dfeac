package models

import "time"

// StreamEventType identifies the kind of StreamEvent. Tag names are stable
// across the wire and must not be renamed.
type StreamEventType string

const (
	StreamEventTextDelta         StreamEventType = "TextDelta"
	StreamEventToolCallStart     StreamEventType = "ToolCallStart"
	StreamEventToolCallComplete  StreamEventType = "ToolCallComplete"
	StreamEventIterationStart    StreamEventType = "IterationStart"
	StreamEventIterationComplete StreamEventType = "IterationComplete"
	StreamEventDone              StreamEventType = "Done"
	StreamEventError             StreamEventType = "Error"
)

// StreamEvent is the tagged union emitted in order during execution. Exactly
// one of the payload fields matching Type is populated; the rest are zero
// values and omitted from JSON.
type StreamEvent struct {
	Type StreamEventType `json:"type"`

	TextDelta         *TextDeltaPayload         `json:"text_delta,omitempty"`
	ToolCallStart     *ToolCallStartPayload     `json:"tool_call_start,omitempty"`
	ToolCallComplete  *ToolCallCompletePayload  `json:"tool_call_complete,omitempty"`
	IterationStart    *IterationStartPayload    `json:"iteration_start,omitempty"`
	IterationComplete *IterationCompletePayload `json:"iteration_complete,omitempty"`
	Done              *DonePayload              `json:"done,omitempty"`
	Error             *ErrorPayload             `json:"error,omitempty"`
}

type TextDeltaPayload struct {
	Delta     string    `json:"delta"`
	Timestamp time.Time `json:"timestamp"`
}

type ToolCallStartPayload struct {
	ToolName  string `json:"tool_name"`
	ToolID    string `json:"tool_id"`
	Arguments string `json:"arguments"`
}

type ToolCallCompletePayload struct {
	ToolName        string `json:"tool_name"`
	ToolID          string `json:"tool_id"`
	Success         bool   `json:"success"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	Error           string `json:"error,omitempty"`
}

type IterationStartPayload struct {
	Iteration     int `json:"iteration"`
	MaxIterations int `json:"max_iterations"`
}

type IterationCompletePayload struct {
	Iteration  int        `json:"iteration"`
	StopReason StopReason `json:"stop_reason"`
}

type DonePayload struct {
	Content         string `json:"content"`
	TotalIterations int    `json:"total_iterations"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// NewTextDelta builds a TextDelta StreamEvent.
func NewTextDelta(delta string) StreamEvent {
	return StreamEvent{Type: StreamEventTextDelta, TextDelta: &TextDeltaPayload{Delta: delta, Timestamp: time.Now()}}
}

// NewToolCallStart builds a ToolCallStart StreamEvent.
func NewToolCallStart(name, id, arguments string) StreamEvent {
	return StreamEvent{Type: StreamEventToolCallStart, ToolCallStart: &ToolCallStartPayload{ToolName: name, ToolID: id, Arguments: arguments}}
}

// NewToolCallComplete builds a ToolCallComplete StreamEvent.
func NewToolCallComplete(name, id string, success bool, elapsedMS int64, errMsg string) StreamEvent {
	return StreamEvent{Type: StreamEventToolCallComplete, ToolCallComplete: &ToolCallCompletePayload{
		ToolName: name, ToolID: id, Success: success, ExecutionTimeMS: elapsedMS, Error: errMsg,
	}}
}

// NewIterationStart builds an IterationStart StreamEvent.
func NewIterationStart(iteration, max int) StreamEvent {
	return StreamEvent{Type: StreamEventIterationStart, IterationStart: &IterationStartPayload{Iteration: iteration, MaxIterations: max}}
}

// NewIterationComplete builds an IterationComplete StreamEvent.
func NewIterationComplete(iteration int, reason StopReason) StreamEvent {
	return StreamEvent{Type: StreamEventIterationComplete, IterationComplete: &IterationCompletePayload{Iteration: iteration, StopReason: reason}}
}

// NewDone builds a Done StreamEvent.
func NewDone(content string, totalIterations int, elapsedMS int64, inTok, outTok int) StreamEvent {
	return StreamEvent{Type: StreamEventDone, Done: &DonePayload{
		Content: content, TotalIterations: totalIterations, ExecutionTimeMS: elapsedMS, InputTokens: inTok, OutputTokens: outTok,
	}}
}

// NewErrorEvent builds an Error StreamEvent.
func NewErrorEvent(message string) StreamEvent {
	return StreamEvent{Type: StreamEventError, Error: &ErrorPayload{Message: message}}
}
