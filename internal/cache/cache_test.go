package cache

import (
	"testing"
	"time"
)

func TestSeenOrAdd(t *testing.T) {
	c := New[string, int](time.Minute, 0)

	if c.SeenOrAdd("a", 1) {
		t.Fatal("first SeenOrAdd(a) = true, want false")
	}
	if !c.SeenOrAdd("a", 2) {
		t.Fatal("second SeenOrAdd(a) = false, want true")
	}

	// The original value must survive a rejected insert.
	v, ok := c.Get("a")
	if !ok || v != 1 {
		t.Errorf("Get(a) = %d, %v; want 1, true", v, ok)
	}
}

func TestExpiry(t *testing.T) {
	c := New[string, int](50*time.Millisecond, 0)
	c.Set("a", 1)

	time.Sleep(120 * time.Millisecond)

	if _, ok := c.Get("a"); ok {
		t.Error("Get(a) after TTL should miss")
	}
	if c.SeenOrAdd("a", 2) {
		t.Error("SeenOrAdd(a) after TTL should treat key as new")
	}
}

func TestTake(t *testing.T) {
	c := New[string, string](time.Minute, 0)
	c.Set("k", "v")

	v, ok := c.Take("k")
	if !ok || v != "v" {
		t.Fatalf("Take(k) = %q, %v; want v, true", v, ok)
	}
	if _, ok := c.Take("k"); ok {
		t.Error("second Take(k) should miss")
	}
	if c.Len() != 0 {
		t.Errorf("Len() = %d, want 0", c.Len())
	}
}

func TestDeleteAndPurge(t *testing.T) {
	c := New[int, bool](time.Minute, 0)
	c.Set(1, true)
	c.Set(2, true)
	c.Set(3, true)

	c.Delete(2)
	if _, ok := c.Get(2); ok {
		t.Error("Get(2) after Delete should miss")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", c.Len())
	}
}

func TestSizeBound(t *testing.T) {
	c := New[int, int](time.Minute, 2)
	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)

	if _, ok := c.Get(1); ok {
		t.Error("oldest entry should be evicted when size bound is exceeded")
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
}
