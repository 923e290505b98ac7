package cache

import (
	"errors"
	"testing"
	"time"
)

func TestCache_SetGet(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("a", 1)
	v, ok := c.Get("a")
	if !ok || v.(int) != 1 {
		t.Errorf("got %v %v", v, ok)
	}
	if _, ok := c.Get("missing"); ok {
		t.Error("missing key reported present")
	}
}

func TestCache_LRUEviction(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // refresh a
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Error("least recently used entry not evicted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if c.Size() != 2 {
		t.Errorf("expected size 2, got %d", c.Size())
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 10*time.Millisecond)
	c.Set("a", 1)
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("a"); ok {
		t.Error("expired entry still served")
	}
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New(10, 0)
	c.Set("a", 1)
	time.Sleep(5 * time.Millisecond)
	if _, ok := c.Get("a"); !ok {
		t.Error("entry with zero TTL expired")
	}
}

func TestCache_GetOrCompute(t *testing.T) {
	c := New(10, time.Minute)
	calls := 0
	compute := func() (interface{}, error) {
		calls++
		return "value", nil
	}

	for i := 0; i < 3; i++ {
		v, err := c.GetOrCompute("k", compute)
		if err != nil || v.(string) != "value" {
			t.Fatalf("got %v %v", v, err)
		}
	}
	if calls != 1 {
		t.Errorf("compute ran %d times", calls)
	}

	wantErr := errors.New("boom")
	_, err := c.GetOrCompute("other", func() (interface{}, error) { return nil, wantErr })
	if !errors.Is(err, wantErr) {
		t.Errorf("expected compute error, got %v", err)
	}
	if _, ok := c.Get("other"); ok {
		t.Error("failed compute left an entry behind")
	}
}

func TestCache_Clear(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("a", 1)
	c.Clear()
	if c.Size() != 0 {
		t.Errorf("expected empty cache, got %d", c.Size())
	}
}

func TestVersionCache(t *testing.T) {
	vc := NewVersionCache(10, time.Minute)
	if _, ok := vc.Get("users"); ok {
		t.Error("empty cache reported a version")
	}
	vc.Set("users", 7)
	if v, ok := vc.Get("users"); !ok || v != 7 {
		t.Errorf("got %d %v", v, ok)
	}
	vc.Invalidate("users")
	if _, ok := vc.Get("users"); ok {
		t.Error("invalidated entry still served")
	}
}
