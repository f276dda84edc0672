package cache

import (
	"testing"
	"time"
)

func TestGetReturnsFreshEntry(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("alice", "hello")
	v, ok := c.Get("alice")
	if !ok || v != "hello" {
		t.Fatalf("Get = %q,%v", v, ok)
	}
}

func TestGetMissesUnknownOwner(t *testing.T) {
	c := New[int](time.Minute)
	if _, ok := c.Get("nobody"); ok {
		t.Fatal("expected miss for unknown owner")
	}
}

func TestExpiredEntryIsEvictedOnRead(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New[string](30 * time.Second)
	c.Now = func() time.Time { return now }
	c.Set("alice", "hello")

	now = now.Add(29 * time.Second)
	if _, ok := c.Get("alice"); !ok {
		t.Fatal("entry should still be valid before the deadline")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get("alice"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expired entry not evicted, len=%d", c.Len())
	}
}

func TestSetResetsDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New[string](time.Minute)
	c.Now = func() time.Time { return now }
	c.Set("alice", "v1")

	now = now.Add(50 * time.Second)
	c.Set("alice", "v2")

	now = now.Add(30 * time.Second)
	v, ok := c.Get("alice")
	if !ok || v != "v2" {
		t.Fatalf("Get = %q,%v; Set should reset the deadline", v, ok)
	}
}

func TestSetUntilCapsDeadline(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New[string](time.Minute)
	c.Now = func() time.Time { return now }
	c.SetUntil("alice", "hello", now.Add(10*time.Second))

	now = now.Add(9 * time.Second)
	if _, ok := c.Get("alice"); !ok {
		t.Fatal("entry should still be valid before the cap")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get("alice"); ok {
		t.Fatal("entry should not outlive the cap")
	}
}

func TestSetUntilIgnoresLaterCap(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New[string](time.Minute)
	c.Now = func() time.Time { return now }
	c.SetUntil("alice", "hello", now.Add(time.Hour))

	now = now.Add(59 * time.Second)
	if _, ok := c.Get("alice"); !ok {
		t.Fatal("entry should live for the full ttl")
	}
	now = now.Add(2 * time.Second)
	if _, ok := c.Get("alice"); ok {
		t.Fatal("entry should expire at the ttl, not the cap")
	}
}

func TestSetUntilSkipsAlreadyExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	c := New[string](time.Minute)
	c.Now = func() time.Time { return now }
	c.SetUntil("alice", "hello", now.Add(-time.Second))
	if c.Len() != 0 {
		t.Fatalf("expired value stored, len=%d", c.Len())
	}
}

func TestDelete(t *testing.T) {
	c := New[string](time.Minute)
	c.Set("alice", "hello")
	c.Delete("alice")
	if _, ok := c.Get("alice"); ok {
		t.Fatal("deleted entry still present")
	}
}
