package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SSETransport implements the MCP SSE transport: the same POST that carries
// the request opens a Server-Sent Events response stream, and the reply to
// that request arrives as one of the stream's events. The client buffers
// lines, assembles "data:" payloads (possibly split across lines), and
// yields each complete event to whichever Call is waiting on its request id.
type SSETransport struct {
	config *ServerConfig
	logger *slog.Logger
	client *http.Client

	pending   map[any]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	requests  chan *JSONRPCRequest

	connected atomic.Bool
}

// NewSSETransport creates a new SSE transport.
func NewSSETransport(cfg *ServerConfig) *SSETransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &SSETransport{
		config:   cfg,
		logger:   slog.Default().With("mcp_server", cfg.ID, "transport", "sse"),
		client:   &http.Client{Timeout: timeout},
		pending:  make(map[any]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 100),
		requests: make(chan *JSONRPCRequest, 100),
	}
}

// Connect validates the endpoint. Each Call opens its own POST+stream; there
// is no persistent connection to establish up front.
func (t *SSETransport) Connect(ctx context.Context) error {
	if t.config.URL == "" {
		return fmt.Errorf("URL is required for SSE transport")
	}
	t.connected.Store(true)
	t.logger.Info("SSE transport ready", "url", t.config.URL)
	return nil
}

// Close marks the transport unusable.
func (t *SSETransport) Close() error {
	t.connected.Store(false)
	return nil
}

// Call posts a JSON-RPC request and reads the response out of the SSE
// stream the server opens in reply.
func (t *SSETransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	id := uuid.New().String()
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mcp sse http %d", resp.StatusCode)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.consumeStream(resp.Body)
	}()

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	select {
	case rpcResp := <-respChan:
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
		}
		return rpcResp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, fmt.Errorf("sse request timeout after %v", timeout)
	case <-done:
		return nil, fmt.Errorf("sse stream closed before response for request %v", id)
	}
}

// Notify sends a one-way notification. The server is not expected to reply,
// so the stream it opens (if any) is drained and discarded.
func (t *SSETransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	body, _ := json.Marshal(notif)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Events returns the notification channel.
func (t *SSETransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Requests returns the server-initiated request channel.
func (t *SSETransport) Requests() <-chan *JSONRPCRequest {
	return t.requests
}

// Respond answers a server-initiated request over a fresh POST, same as a
// regular call result.
func (t *SSETransport) Respond(ctx context.Context, id any, result any, rpcErr *JSONRPCError) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}
	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	if rpcErr == nil && result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		resp.Result = data
	}
	body, _ := json.Marshal(resp)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.config.Headers {
		httpReq.Header.Set(k, v)
	}
	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	httpResp.Body.Close()
	return nil
}

// Connected returns whether the transport is connected.
func (t *SSETransport) Connected() bool {
	return t.connected.Load()
}

// Kind reports the SSE transport kind.
func (t *SSETransport) Kind() TransportType {
	return TransportSSE
}

// consumeStream reads the event stream line by line, assembling multi-line
// "data:" payloads into complete JSON-RPC messages and routing each to its
// pending Call, the Requests channel, or the Events channel.
func (t *SSETransport) consumeStream(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var data strings.Builder
	flush := func() {
		if data.Len() == 0 {
			return
		}
		t.dispatch(data.String())
		data.Reset()
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// event:, id:, retry: and comment lines carry no payload we need.
		}
	}
	flush()
	if err := scanner.Err(); err != nil {
		t.logger.Debug("sse scanner error", "error", err)
	}
}

// dispatch routes one assembled SSE event payload to the right channel.
func (t *SSETransport) dispatch(payload string) {
	var envelope struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      any             `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *JSONRPCError   `json:"error,omitempty"`
	}
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		return
	}

	if envelope.ID != nil && envelope.Method == "" {
		// A response to one of our pending calls.
		t.pendingMu.Lock()
		ch, ok := t.pending[normalizeID(envelope.ID)]
		t.pendingMu.Unlock()
		if ok {
			ch <- &JSONRPCResponse{JSONRPC: envelope.JSONRPC, ID: envelope.ID, Result: envelope.Result, Error: envelope.Error}
		}
		return
	}

	if envelope.Method == "" {
		return
	}

	if envelope.ID != nil {
		select {
		case t.requests <- &JSONRPCRequest{JSONRPC: envelope.JSONRPC, ID: envelope.ID, Method: envelope.Method, Params: envelope.Params}:
		default:
			t.logger.Warn("request channel full, dropping")
		}
		return
	}

	select {
	case t.events <- &JSONRPCNotification{JSONRPC: envelope.JSONRPC, Method: envelope.Method, Params: envelope.Params}:
	default:
		t.logger.Warn("notification channel full, dropping")
	}
}

// normalizeID maps whatever JSON numeric type an id decoded to onto a
// comparable key matching how request ids were stored (always a string, see
// Call above); ids the server echoes back as JSON numbers are converted.
func normalizeID(id any) any {
	if s, ok := id.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", id)
}
