package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	sess := &Session{Kind: "email", Email: "alice@x.test"}
	if err := s.PutSession(ctx, "id1", sess, time.Minute); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}

	got, ok, err := s.GetSession(ctx, "id1")
	if err != nil || !ok {
		t.Fatalf("GetSession() = %v, %v, %v", got, ok, err)
	}
	if got.Email != "alice@x.test" {
		t.Errorf("Email = %q, want alice@x.test", got.Email)
	}

	if err := s.DeleteSession(ctx, "id1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, "id1"); ok {
		t.Error("expected session gone after delete")
	}

	// Deleting twice is idempotent.
	if err := s.DeleteSession(ctx, "id1"); err != nil {
		t.Errorf("DeleteSession() on missing id error = %v", err)
	}
}

func TestMemoryStoreSessionExpires(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.PutSession(ctx, "id1", &Session{}, -time.Second); err != nil {
		t.Fatalf("PutSession() error = %v", err)
	}
	if _, ok, _ := s.GetSession(ctx, "id1"); ok {
		t.Error("expected expired session to be absent")
	}
}

func TestMemoryStoreCache(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SetCache(ctx, "discovery:x.test", `{"issuer":"https://x.test"}`, time.Minute); err != nil {
		t.Fatalf("SetCache() error = %v", err)
	}
	val, ok, err := s.GetCache(ctx, "discovery:x.test")
	if err != nil || !ok {
		t.Fatalf("GetCache() = %q, %v, %v", val, ok, err)
	}
	if val != `{"issuer":"https://x.test"}` {
		t.Errorf("GetCache() = %q", val)
	}

	if _, ok, _ := s.GetCache(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestMemoryStoreIncrAndTest(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, want := range []bool{true, true, true, false} {
		ok, err := s.IncrAndTest(ctx, "alice@x.test", time.Minute, 3)
		if err != nil {
			t.Fatalf("IncrAndTest() iteration %d error = %v", i, err)
		}
		if ok != want {
			t.Errorf("IncrAndTest() iteration %d = %v, want %v", i, ok, want)
		}
	}
}

func TestMemoryStoreIncrAndTestWindowReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if ok, err := s.IncrAndTest(ctx, "k", -time.Second, 1); err != nil || !ok {
		t.Fatalf("first IncrAndTest() = %v, %v", ok, err)
	}
	// window already elapsed, counter resets to 1 again.
	if ok, err := s.IncrAndTest(ctx, "k", time.Minute, 1); err != nil || !ok {
		t.Fatalf("second IncrAndTest() = %v, %v", ok, err)
	}
}

var _ Store = (*MemoryStore)(nil)
