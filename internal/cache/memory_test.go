package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func entryOf(n int) *Entry {
	return &Entry{Audio: make([]byte, n), Format: "mp3", CreatedAt: time.Now()}
}

func TestMemoryCache_BasicOperations(t *testing.T) {
	c := NewMemoryCache(1024)

	want := &Entry{Audio: []byte("test-audio"), Format: "wav", DurationMs: 1200}
	if err := c.Put("k", want); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := c.Get("k")
	if !ok {
		t.Fatal("Get failed: key not found")
	}
	if string(got.Audio) != "test-audio" || got.Format != "wav" || got.DurationMs != 1200 {
		t.Errorf("unexpected entry: %+v", got)
	}
	if c.Size() != int64(len(want.Audio)) {
		t.Errorf("Size mismatch: got %d, want %d", c.Size(), len(want.Audio))
	}

	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("key still present after delete")
	}
	if c.Size() != 0 {
		t.Errorf("Size not zero after delete: %d", c.Size())
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	c := NewMemoryCache(100)
	for i := range 5 {
		if err := c.Put(fmt.Sprintf("key-%d", i), entryOf(20)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	c.Get("key-0")
	c.Get("key-1")

	if err := c.Put("key-new", entryOf(30)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	for _, k := range []string{"key-0", "key-1", "key-new"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("%s should survive eviction", k)
		}
	}
	for _, k := range []string{"key-2", "key-3"} {
		if _, ok := c.Get(k); ok {
			t.Errorf("%s should have been evicted", k)
		}
	}
	if s := c.Stats(); s.Evictions != 2 {
		t.Errorf("Evictions = %d, want 2", s.Evictions)
	}
}

func TestMemoryCache_ItemTooLarge(t *testing.T) {
	c := NewMemoryCache(10)
	if err := c.Put("big", entryOf(11)); err != ErrItemTooLarge {
		t.Errorf("expected ErrItemTooLarge, got %v", err)
	}
}

func TestMemoryCache_ReplaceExisting(t *testing.T) {
	c := NewMemoryCache(100)
	_ = c.Put("k", entryOf(40))
	_ = c.Put("k", entryOf(10))

	if c.Size() != 10 {
		t.Errorf("Size = %d, want 10", c.Size())
	}
	if s := c.Stats(); s.Items != 1 {
		t.Errorf("Items = %d, want 1", s.Items)
	}
}

func TestMemoryCache_Stats(t *testing.T) {
	c := NewMemoryCache(100)
	_ = c.Put("a", entryOf(5))
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", s.Hits, s.Misses)
	}
	if s.HitRate < 0.66 || s.HitRate > 0.67 {
		t.Errorf("HitRate = %f", s.HitRate)
	}
	if s.Capacity != 100 || s.Size != 5 {
		t.Errorf("capacity/size = %d/%d", s.Capacity, s.Size)
	}
}

func TestMemoryCache_Prune(t *testing.T) {
	c := NewMemoryCache(100)
	now := time.Now()
	_ = c.Put("old", &Entry{Audio: []byte("x"), CreatedAt: now.Add(-2 * time.Hour)})
	_ = c.Put("new", &Entry{Audio: []byte("y"), CreatedAt: now})

	if n := c.Prune(now, time.Hour); n != 1 {
		t.Errorf("Prune removed %d, want 1", n)
	}
	if _, ok := c.Get("new"); !ok {
		t.Error("fresh entry pruned")
	}
	if n := c.Prune(now, 0); n != 0 {
		t.Errorf("zero max age pruned %d entries", n)
	}
}

func TestMemoryCache_ConcurrentAccess(t *testing.T) {
	c := NewMemoryCache(10 * 1024)
	var wg sync.WaitGroup
	for g := range 10 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 100 {
				key := fmt.Sprintf("g%d-%d", g, i%10)
				_ = c.Put(key, entryOf(16))
				c.Get(key)
				if i%7 == 0 {
					c.Delete(key)
				}
			}
		}(g)
	}
	wg.Wait()

	if c.Size() > 10*1024 {
		t.Errorf("size %d exceeds capacity", c.Size())
	}
}
