package cache

import (
	"testing"
	"time"
)

func TestLRUGetSet(t *testing.T) {
	c := NewLRU[int](4, time.Minute)

	if _, ok := c.Get("missing"); ok {
		t.Fatal("hit on an empty cache")
	}

	c.Set("a", 1)
	c.Set("a", 2) // overwrite keeps one entry
	if got, ok := c.Get("a"); !ok || got != 2 {
		t.Fatalf("a = %v, %v", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}

	c.Delete("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("hit after delete")
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // refresh a; b becomes the eviction candidate
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := c.Get(key); !ok {
			t.Fatalf("%s missing", key)
		}
	}
}

func TestLRUExpiry(t *testing.T) {
	c := NewLRU[int](4, time.Millisecond)
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Fatal("expired entry served")
	}
	if c.Len() != 0 {
		t.Fatalf("len = %d, expired entry not evicted", c.Len())
	}
}
