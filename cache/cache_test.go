package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/rowquery/rowquery/store"
)

func intPtr(n int) *int { return &n }

func TestKeyCanonicalization(t *testing.T) {
	a := store.Query{
		Collection: "users",
		Op:         store.OpSelect,
		Filters: []store.Filter{
			{Column: "status", Operator: store.OpEqual, Value: "active"},
			{Column: "age", Operator: store.OpGreaterThan, Value: 18},
		},
	}
	b := store.Query{
		Collection: "users",
		Op:         store.OpSelect,
		Columns:    "*",
		Filters: []store.Filter{
			{Column: "age", Operator: store.OpGreaterThan, Value: 18},
			{Column: "status", Operator: store.OpEqual, Value: "active"},
		},
	}

	if Key(a) != Key(b) {
		t.Errorf("logically equivalent queries should share a key:\n%s\n%s", Key(a), Key(b))
	}

	c := b
	c.Limit = intPtr(10)
	if Key(b) == Key(c) {
		t.Error("different windows must not collide")
	}

	d := b
	d.Collection = "posts"
	if Key(b) == Key(d) {
		t.Error("different collections must not collide")
	}

	e := b
	e.Search = &store.TextSearch{Column: "title", Query: "amazing"}
	if Key(b) == Key(e) {
		t.Error("queries differing only in text search must not collide")
	}
	f := b
	f.Search = &store.TextSearch{Column: "title", Query: "grace"}
	if Key(e) == Key(f) {
		t.Error("different search terms must not collide")
	}
}

func TestSetGet(t *testing.T) {
	c := New(Config{})

	c.Set("k1", "value-1")
	v, ok := c.Get("k1")
	if !ok || v != "value-1" {
		t.Fatalf("Get(k1) = (%v, %v), want (value-1, true)", v, ok)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("Get(missing) should miss")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss", stats)
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(Config{TTL: 20 * time.Millisecond})

	c.Set("k", "v")
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry should be fresh immediately after Set")
	}

	time.Sleep(30 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
	if stats := c.Stats(); stats.Entries != 0 {
		t.Errorf("expired entry should be evicted on access, entries = %d", stats.Entries)
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(Config{MaxEntries: 3})

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("a should be present")
	}

	c.Set("d", 4)

	if _, ok := c.Get("b"); ok {
		t.Error("b should have been evicted as least recently used")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := c.Get(key); !ok {
			t.Errorf("%s should still be cached", key)
		}
	}
	if stats := c.Stats(); stats.Evictions != 1 {
		t.Errorf("expected exactly one eviction, got %d", stats.Evictions)
	}
}

func TestMemoryBudgetEvictsColdest(t *testing.T) {
	big := func(n int) string {
		out := make([]byte, 200)
		for i := range out {
			out[i] = byte('a' + n%26)
		}
		return string(out)
	}
	// Each entry is ~400+ bytes estimated; budget fits roughly two.
	c := New(Config{MaxEntries: 100, MaxMemory: 1000})

	c.Set("hot", big(0))
	c.Set("cold", big(1))
	// Build up hits on "hot" so "cold" is the eviction candidate.
	for i := 0; i < 5; i++ {
		c.Get("hot")
	}

	c.Set("new", big(2))

	if _, ok := c.Get("cold"); ok {
		t.Error("lowest-hit entry should have been evicted under memory pressure")
	}
	if _, ok := c.Get("hot"); !ok {
		t.Error("frequently hit entry should survive memory pressure")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(Config{})

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("users:%d", i), i)
	}
	c.Set("posts:1", "p")

	c.Invalidate("users")
	if stats := c.Stats(); stats.Entries != 1 {
		t.Errorf("pattern invalidation left %d entries, want 1", stats.Entries)
	}
	if _, ok := c.Get("posts:1"); !ok {
		t.Error("unmatched key should survive pattern invalidation")
	}

	c.Invalidate("")
	if stats := c.Stats(); stats.Entries != 0 || stats.MemoryBytes != 0 {
		t.Errorf("full invalidation should clear everything, stats = %+v", stats)
	}
}

func TestInvalidateRegex(t *testing.T) {
	c := New(Config{})
	c.Set("users:1", 1)
	c.Set("users:2", 2)
	c.Set("sessions:1", 3)

	c.Invalidate(`^users:\d+$`)
	if _, ok := c.Get("sessions:1"); !ok {
		t.Error("regex invalidation removed an unmatched key")
	}
	if stats := c.Stats(); stats.Entries != 1 {
		t.Errorf("regex invalidation left %d entries, want 1", stats.Entries)
	}
}

func TestStatsDoNotMutate(t *testing.T) {
	c := New(Config{})
	c.Set("k", "v")

	before := c.Stats()
	after := c.Stats()
	if before != after {
		t.Errorf("repeated Stats() calls should be identical: %+v vs %+v", before, after)
	}
}
