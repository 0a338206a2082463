package cache

import (
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
)

func TestMemory_ImplementsCache(_ *testing.T) {
	var _ Cache = (*Memory)(nil)
}

func TestMemory_PutAndGet(t *testing.T) {
	c := NewMemory(10)
	c.Put("GET /a", []byte("resp-1"))

	got, ok := c.Get("GET /a")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if string(got) != "resp-1" {
		t.Errorf("expected resp-1, got %s", got)
	}
}

func TestMemory_Miss(t *testing.T) {
	c := NewMemory(10)
	if _, ok := c.Get("missing"); ok {
		t.Error("expected cache miss")
	}
}

func TestMemory_ClampsCapacity(t *testing.T) {
	c := NewMemory(0)
	if c.Capacity() != 1 {
		t.Fatalf("expected capacity 1, got %d", c.Capacity())
	}
	c.Put("a", []byte("a"))
	c.Put("b", []byte("b"))
	if c.Len() != 1 {
		t.Errorf("expected len 1, got %d", c.Len())
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected the just-inserted entry to survive")
	}
}

func TestMemory_LRUEviction(t *testing.T) {
	c := NewMemory(2)
	c.Put("a", []byte("a"))
	c.Put("b", []byte("b"))
	c.Put("c", []byte("c")) // should evict "a"

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected 'b' to be present")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected 'c' to be present")
	}
	if c.Evictions() != 1 {
		t.Errorf("expected 1 eviction, got %d", c.Evictions())
	}
}

func TestMemory_LRUAccessOrder(t *testing.T) {
	c := NewMemory(2)
	c.Put("a", []byte("a"))
	c.Put("b", []byte("b"))

	c.Get("a") // "b" is now least recently used

	c.Put("c", []byte("c"))

	if _, ok := c.Get("a"); !ok {
		t.Error("expected 'a' to be present (recently accessed)")
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
}

func TestMemory_OverwriteTouchesRecency(t *testing.T) {
	c := NewMemory(2)
	c.Put("a", []byte("old"))
	c.Put("b", []byte("b"))
	c.Put("a", []byte("new")) // "b" is now least recently used
	c.Put("c", []byte("c"))

	got, ok := c.Get("a")
	if !ok {
		t.Fatal("expected 'a' to survive")
	}
	if string(got) != "new" {
		t.Errorf("expected new, got %s", got)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("expected len 2, got %d", c.Len())
	}
}

func TestMemory_Keys(t *testing.T) {
	c := NewMemory(3)
	c.Put("a", nil)
	c.Put("b", nil)
	c.Put("c", nil)
	c.Get("a")

	got := fmt.Sprint(c.Keys())
	if got != "[a c b]" {
		t.Errorf("keys = %s, want [a c b]", got)
	}
}

func TestMemory_EvictCallback(t *testing.T) {
	var evicted []string
	c := NewMemory(1, WithEvictCallback(func(key string) {
		evicted = append(evicted, key)
	}))
	c.Put("a", nil)
	c.Put("b", nil)
	c.Put("b", nil)
	c.Put("c", nil)

	if fmt.Sprint(evicted) != "[a b]" {
		t.Errorf("evicted = %v, want [a b]", evicted)
	}
}

// model is a slow reference LRU: keys ordered most-recent first.
type model struct {
	capacity int
	order    []string
	values   map[string]string
}

func (m *model) touch(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.order = append([]string{key}, m.order...)
}

func (m *model) get(key string) (string, bool) {
	v, ok := m.values[key]
	if ok {
		m.touch(key)
	}
	return v, ok
}

func (m *model) put(key, value string) {
	m.values[key] = value
	m.touch(key)
	if len(m.order) > m.capacity {
		last := m.order[len(m.order)-1]
		m.order = m.order[:len(m.order)-1]
		delete(m.values, last)
	}
}

func TestMemory_MatchesReferenceModel(t *testing.T) {
	for _, capacity := range []int{1, 2, 3, 7, 16} {
		t.Run("capacity="+strconv.Itoa(capacity), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(capacity)))
			c := NewMemory(capacity)
			ref := &model{capacity: capacity, values: map[string]string{}}

			for i := 0; i < 5000; i++ {
				key := "k" + strconv.Itoa(rng.Intn(capacity*3))
				if rng.Intn(2) == 0 {
					value := strconv.Itoa(i)
					c.Put(key, []byte(value))
					ref.put(key, value)
				} else {
					got, ok := c.Get(key)
					want, wantOK := ref.get(key)
					if ok != wantOK || string(got) != want {
						t.Fatalf("op %d: Get(%s) = %q,%v want %q,%v", i, key, got, ok, want, wantOK)
					}
				}
				if c.Len() > capacity {
					t.Fatalf("op %d: len %d exceeds capacity %d", i, c.Len(), capacity)
				}
			}

			if fmt.Sprint(c.Keys()) != fmt.Sprint(ref.order) {
				t.Fatalf("final keys = %v, want %v", c.Keys(), ref.order)
			}
		})
	}
}

func TestMemory_Concurrent(t *testing.T) {
	const capacity = 8
	c := NewMemory(capacity)
	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				key := "k" + strconv.Itoa((w+i)%12)
				if i%3 == 0 {
					c.Put(key, []byte(key))
					continue
				}
				if v, ok := c.Get(key); ok && string(v) != key {
					t.Errorf("corrupted entry: %s -> %s", key, v)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	keys := c.Keys()
	if len(keys) != c.Len() || len(keys) > capacity {
		t.Fatalf("inconsistent state: keys=%d len=%d", len(keys), c.Len())
	}
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %s in recency list", k)
		}
		seen[k] = true
	}
}
