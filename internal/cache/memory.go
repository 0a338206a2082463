package cache

import "sync"

// node is one entry in the recency list. The key is kept on the node because
// eviction starts from the list tail.
type node struct {
	key        string
	value      []byte
	prev, next *node
}

// Memory is a thread-safe in-memory LRU cache with a fixed entry capacity.
//
// Recency is tracked with an intrusive doubly-linked list (head is the most
// recently used entry, tail the least) and a key→node map. Values are stored
// as given; callers must not mutate a slice after Put or after Get returns it.
type Memory struct {
	mu        sync.Mutex
	capacity  int
	items     map[string]*node
	head      *node
	tail      *node
	evictions uint64
	onEvict   func(key string)
}

// Option configures a Memory cache.
type Option func(*Memory)

// WithEvictCallback registers fn to be called with the key of every evicted
// entry. fn runs after the cache lock is released.
func WithEvictCallback(fn func(key string)) Option {
	return func(m *Memory) { m.onEvict = fn }
}

// NewMemory creates a new in-memory LRU cache. Capacities below one are
// raised to one.
func NewMemory(capacity int, opts ...Option) *Memory {
	if capacity < 1 {
		capacity = 1
	}
	m := &Memory{
		capacity: capacity,
		items:    make(map[string]*node, capacity),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns the cached value for key, or false if it is absent.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.touch(n)
	return n.value, true
}

// Put stores value under key and makes it the most recently used entry.
func (m *Memory) Put(key string, value []byte) {
	m.mu.Lock()

	if n, ok := m.items[key]; ok {
		n.value = value
		m.touch(n)
		m.mu.Unlock()
		return
	}

	n := &node{key: key, value: value}
	m.pushFront(n)
	m.items[key] = n

	evicted, didEvict := "", false
	if len(m.items) > m.capacity {
		evicted, didEvict = m.evictOldest(), true
	}
	onEvict := m.onEvict
	m.mu.Unlock()

	if didEvict && onEvict != nil {
		onEvict(evicted)
	}
}

// Len returns the number of entries currently in the cache.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Capacity returns the fixed entry capacity.
func (m *Memory) Capacity() int {
	return m.capacity
}

// Evictions returns how many entries have been evicted since construction.
func (m *Memory) Evictions() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// Keys returns the cached keys ordered from most to least recently used.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.items))
	for n := m.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// touch moves n to the head of the list. Must be called with m.mu held.
func (m *Memory) touch(n *node) {
	if m.head == n {
		return
	}
	m.unlink(n)
	m.pushFront(n)
}

func (m *Memory) pushFront(n *node) {
	n.prev = nil
	n.next = m.head
	if m.head != nil {
		m.head.prev = n
	}
	m.head = n
	if m.tail == nil {
		m.tail = n
	}
}

func (m *Memory) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		m.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		m.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// evictOldest removes the tail entry and returns its key. The caller
// guarantees the list holds at least two entries, so the tail is never the
// entry that was just pushed.
func (m *Memory) evictOldest() string {
	n := m.tail
	m.unlink(n)
	delete(m.items, n.key)
	m.evictions++
	return n.key
}
