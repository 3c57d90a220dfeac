package agent

import (
	"context"
	"encoding/json"

	"github.com/agenticopsorg/aof/internal/modelclient"
	"github.com/agenticopsorg/aof/pkg/models"
)

// scriptedTurn is one canned model response a fakeModelClient replays in
// order, one per call to GenerateStream.
type scriptedTurn struct {
	content    string
	toolCalls  []models.ToolCall
	stopReason models.StopReason

	// gate, when set, is closed by the test once it has observed enough of
	// the stream to exercise a mid-stream interruption (e.g. firing
	// cancel). GenerateStream's goroutine waits on it after the content
	// chunk and before Done, holding the stream open in the meantime.
	gate chan struct{}
}

// fakeModelClient replays a fixed script of turns, emitting them as stream
// chunks exactly the way a real provider adapter would: ContentDelta(s),
// then ToolCallDelta(s), then Done.
type fakeModelClient struct {
	id    string
	turns []scriptedTurn
	calls int
	seen  []modelclient.Request // records every Request for assertions
}

func (f *fakeModelClient) ModelIdentifier() string { return f.id }

func (f *fakeModelClient) Generate(ctx context.Context, req modelclient.Request) (*modelclient.Response, error) {
	panic("not used by the executor, which always streams")
}

func (f *fakeModelClient) GenerateStream(ctx context.Context, req modelclient.Request) (<-chan modelclient.StreamChunk, error) {
	f.seen = append(f.seen, req)
	idx := f.calls
	f.calls++
	if idx >= len(f.turns) {
		panic("fakeModelClient: more calls than scripted turns")
	}
	turn := f.turns[idx]

	ch := make(chan modelclient.StreamChunk, 8)
	go func() {
		defer close(ch)
		if turn.content != "" {
			ch <- modelclient.StreamChunk{Kind: modelclient.ChunkContentDelta, Text: turn.content}
		}
		if turn.gate != nil {
			<-turn.gate
		}
		for _, tc := range turn.toolCalls {
			ch <- modelclient.StreamChunk{
				Kind:                      modelclient.ChunkToolCallDelta,
				ToolCallID:                tc.ID,
				ToolCallName:              tc.Name,
				ToolCallArgumentsFragment: string(tc.Arguments),
			}
		}
		ch <- modelclient.StreamChunk{Kind: modelclient.ChunkDone, StopReason: turn.stopReason, Usage: modelclient.Usage{InputTokens: 1, OutputTokens: 1}}
	}()
	return ch, nil
}

type staticResolver struct {
	client modelclient.ModelClient
}

func (s staticResolver) Resolve(ref string) (modelclient.ModelClient, error) {
	return s.client, nil
}

func rawArgs(v map[string]any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
