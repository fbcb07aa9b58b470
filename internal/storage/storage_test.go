package storage

import (
	"context"
	"testing"
)

func TestMemoryGetSetExistsEvict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	if _, ok, err := m.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("Get on empty store: got ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	if ok, err := m.Exists(ctx, "k"); err != nil || ok {
		t.Fatalf("Exists on empty store: got ok=%v err=%v", ok, err)
	}

	if err := m.Set(ctx, "k", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := m.Get(ctx, "k")
	if err != nil || !ok || string(v) != "hello" {
		t.Fatalf("Get after Set: v=%q ok=%v err=%v", v, ok, err)
	}
	if ok, err := m.Exists(ctx, "k"); err != nil || !ok {
		t.Fatalf("Exists after Set: ok=%v err=%v", ok, err)
	}

	if err := m.Evict(ctx, "k"); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if ok, err := m.Exists(ctx, "k"); err != nil || ok {
		t.Fatalf("Exists after Evict: ok=%v err=%v", ok, err)
	}

	// Evicting an absent key succeeds (idempotent).
	if err := m.Evict(ctx, "absent"); err != nil {
		t.Fatalf("Evict absent key: %v", err)
	}
}

func TestMemoryEnforcesMaxObjectSize(t *testing.T) {
	m := NewMemory(4)
	err := m.Set(context.Background(), "k", []byte("too big"))
	if err != ErrObjectSizeExceeded {
		t.Fatalf("got %v, want ErrObjectSizeExceeded", err)
	}
}

func TestMemorySetOverwrites(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	if err := m.Set(ctx, "k", []byte("first")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := m.Set(ctx, "k", []byte("second")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, _, err := m.Get(ctx, "k")
	if err != nil || string(v) != "second" {
		t.Fatalf("got %q, want %q", v, "second")
	}
}
