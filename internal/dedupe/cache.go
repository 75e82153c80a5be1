// ABOUTME: TTL cache of recently seen WhatsApp message IDs.
// ABOUTME: Suppresses webhook redeliveries before they reach the gateway.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry tracks when an ID was seen and where it sits in insertion order.
type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Cache is a thread-safe, TTL-based, size-bounded set of message IDs. Meta
// redelivers webhooks on slow or non-2xx responses; checking IDs here keeps
// a redelivered message from opening a second gateway session.
type Cache struct {
	mu      sync.Mutex
	ids     map[string]*entry
	order   *list.List // IDs in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size. A background
// goroutine sweeps expired entries until Close is called.
func New(ttl time.Duration, maxSize int) *Cache {
	c := &Cache{
		ids:     make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Duplicate atomically reports whether id was already seen within the TTL,
// marking it as seen if not. The check and mark are a single critical section
// so concurrent webhook deliveries of the same message race safely.
func (c *Cache) Duplicate(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.ids[id]; ok && time.Since(e.seenAt) < c.ttl {
		return true
	}

	c.markLocked(id)
	return false
}

// Len returns the number of tracked IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// markLocked records id as seen now. Must be called with mu held.
func (c *Cache) markLocked(id string) {
	now := time.Now()

	if e, ok := c.ids[id]; ok {
		e.seenAt = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.ids) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.ids[id] = &entry{seenAt: now, element: c.order.PushBack(id)}
}

// evictOldestLocked drops the oldest entry. Must be called with mu held.
func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.ids, id)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

// sweep removes every expired entry.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for id, e := range c.ids {
		if now.Sub(e.seenAt) > c.ttl {
			c.order.Remove(e.element)
			delete(c.ids, id)
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
