// Package cache provides the bounded response cache used by the proxy. The
// default in-process implementation is Memory, an LRU keyed by request class.
package cache

// Cache defines the interface for response caching.
//
// Implementations must be safe for concurrent use, and every call must behave
// as if it ran alone under a single lock.
type Cache interface {
	// Get returns the stored value and marks the entry most-recently-used.
	Get(key string) ([]byte, bool)
	// Put inserts or overwrites key. When the number of distinct keys exceeds
	// the capacity the least-recently-used entry is evicted.
	Put(key string, value []byte)
	Len() int
	Capacity() int
}
