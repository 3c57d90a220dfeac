package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newHTTPServerConfig(t *testing.T, handler http.HandlerFunc) (*ServerConfig, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	cfg := &ServerConfig{ID: "http-test", Transport: TransportHTTP, URL: srv.URL}
	return cfg, srv.Close
}

func TestHTTPTransportCallRoundTrip(t *testing.T) {
	cfg, closeServer := newHTTPServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		var req JSONRPCRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "tools/list" {
			t.Fatalf("method = %q, want tools/list", req.Method)
		}
		resp := JSONRPCResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{"tools":[]}`)}
		json.NewEncoder(w).Encode(resp)
	})
	defer closeServer()

	tr := NewHTTPTransport(cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatal("expected Connected() to be true after Connect")
	}

	result, err := tr.Call(context.Background(), "tools/list", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var parsed ListToolsResult
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func TestHTTPTransportCallSurfacesRPCError(t *testing.T) {
	cfg, closeServer := newHTTPServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		resp := JSONRPCResponse{JSONRPC: "2.0", Error: &JSONRPCError{Code: ErrCodeToolNotFound, Message: "no such tool"}}
		json.NewEncoder(w).Encode(resp)
	})
	defer closeServer()

	tr := NewHTTPTransport(cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := tr.Call(context.Background(), "tools/call", nil)
	if err == nil {
		t.Fatal("expected an error from a JSON-RPC error response")
	}
}

func TestHTTPTransportCallRequiresConnect(t *testing.T) {
	cfg := &ServerConfig{ID: "http-test", Transport: TransportHTTP, URL: "http://example.invalid"}
	tr := NewHTTPTransport(cfg)
	if _, err := tr.Call(context.Background(), "tools/list", nil); err == nil {
		t.Fatal("expected an error calling before Connect")
	}
}

func TestHTTPTransportPropagatesStatusErrors(t *testing.T) {
	cfg, closeServer := newHTTPServerConfig(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	defer closeServer()

	tr := NewHTTPTransport(cfg)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, err := tr.Call(context.Background(), "tools/list", nil)
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
}
