package stopstore

import (
	"context"
	"testing"
	"time"
)

func TestKeyFormat(t *testing.T) {
	if got := Key("conv-123"); got != "streaming:stop:conv-123" {
		t.Fatalf("Key = %q, want streaming:stop:conv-123", got)
	}
}

func TestMemoryStoreMarkAndClear(t *testing.T) {
	s := NewMemoryStore(time.Minute)
	defer s.Close()
	ctx := context.Background()

	stopped, err := s.IsStopped(ctx, "conv-1")
	if err != nil || stopped {
		t.Fatalf("IsStopped = %v, %v; want false, nil", stopped, err)
	}
	if err := s.MarkStopped(ctx, "conv-1"); err != nil {
		t.Fatalf("MarkStopped: %v", err)
	}
	stopped, err = s.IsStopped(ctx, "conv-1")
	if err != nil || !stopped {
		t.Fatalf("IsStopped = %v, %v; want true, nil", stopped, err)
	}
	if err := s.Clear(ctx, "conv-1"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if err := s.Clear(ctx, "conv-1"); err != nil {
		t.Fatalf("Clear (repeat): %v", err)
	}
	stopped, _ = s.IsStopped(ctx, "conv-1")
	if stopped {
		t.Fatal("marker survived Clear")
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	_ = s.MarkStopped(ctx, "conv-1")
	time.Sleep(25 * time.Millisecond)
	stopped, err := s.IsStopped(ctx, "conv-1")
	if err != nil {
		t.Fatalf("IsStopped: %v", err)
	}
	if stopped {
		t.Fatal("marker should have expired")
	}
}
