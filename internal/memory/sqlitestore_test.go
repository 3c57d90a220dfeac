package memory

import (
	"context"
	"testing"
	"time"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Store(ctx, "k1", map[string]string{"a": "b"}, 0); err != nil {
		t.Fatalf("store: %v", err)
	}

	var got map[string]string
	ok, err := s.Retrieve(ctx, "k1", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if !ok || got["a"] != "b" {
		t.Fatalf("unexpected result: ok=%v got=%v", ok, got)
	}
}

func TestSQLiteStoreExpiry(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Store(ctx, "k1", "v", time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	var got string
	ok, err := s.Retrieve(ctx, "k1", &got)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if ok {
		t.Fatalf("expected expired entry to be absent")
	}
}

func TestSQLiteStoreListKeysPrefixEscaping(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	_ = s.Store(ctx, "agent:a:conversation", "x", 0)
	_ = s.Store(ctx, "agent:a:turn:1", "y", 0)
	_ = s.Store(ctx, "agent_b:conversation", "z", 0)

	keys, err := s.ListKeys(ctx, "agent:a:")
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d (%v)", len(keys), keys)
	}
}
