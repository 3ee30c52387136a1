// ABOUTME: Thread-safe TTL cache that remembers the result of idempotent requests
// ABOUTME: Backs the Idempotency-Key header on message sends

package dedupe

import (
	"container/list"
	"sync"
	"time"

	"github.com/DeanSCND/kokino/internal/clock"
)

// State is the outcome of Begin for a key.
type State int

const (
	// StateNew means the caller now owns the key and must Complete or Release it.
	StateNew State = iota
	// StatePending means another request with the key is still in flight.
	StatePending
	// StateDone means the key completed within the TTL; its value is returned.
	StateDone
)

type entry[V any] struct {
	at      time.Time
	element *list.Element
	done    bool
	value   V
}

// Cache maps idempotency keys to completed results for a TTL. It is
// size-limited; the oldest key is evicted first. A doubly-linked list keeps
// insertion order for O(1) eviction.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	clock   clock.Clock
	done    chan struct{}
	closed  bool
}

// New creates a cache. A background goroutine removes expired entries every
// minute until Close. A nil clock uses real time.
func New[V any](ttl time.Duration, maxSize int, clk clock.Clock) *Cache[V] {
	if clk == nil {
		clk = clock.Real()
	}
	if maxSize <= 0 {
		maxSize = 10_000
	}
	c := &Cache[V]{
		entries: make(map[string]*entry[V]),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		clock:   clk,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Begin atomically looks up key and reserves it if unknown or expired.
func (c *Cache[V]) Begin(key string) (V, State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	now := c.clock.Now()
	if e, ok := c.entries[key]; ok && now.Sub(e.at) < c.ttl {
		if e.done {
			return e.value, StateDone
		}
		return zero, StatePending
	}

	c.putLocked(key, &entry[V]{at: now})
	return zero, StateNew
}

// Complete stores the result for a key reserved by Begin.
func (c *Cache[V]) Complete(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, &entry[V]{at: c.clock.Now(), done: true, value: v})
}

// Release forgets a reserved key so the request can be retried.
func (c *Cache[V]) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && !e.done {
		c.order.Remove(e.element)
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, including expired ones not yet
// cleaned up.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// putLocked inserts or replaces key at the back. Must be called with mu held.
func (c *Cache[V]) putLocked(key string, e *entry[V]) {
	if old, ok := c.entries[key]; ok {
		e.element = old.element
		c.order.MoveToBack(e.element)
		c.entries[key] = e
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}
	e.element = c.order.PushBack(key)
	c.entries[key] = e
}

// evictOldest removes the oldest entry. Must be called with mu held.
func (c *Cache[V]) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.entries, key)
}

func (c *Cache[V]) cleanup() {
	ticker := c.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[V]) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for key, e := range c.entries {
		if now.Sub(e.at) >= c.ttl {
			c.order.Remove(e.element)
			delete(c.entries, key)
		}
	}
}

// Close stops the background cleanup goroutine. Safe to call multiple times.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
