// Package cache implements the fingerprint response cache (spec §4.4):
// an in-memory, process-local LRU with per-entry TTL, keyed by a
// SHA-256 fingerprint over (task, prompt, max_tokens). There is no
// persistence across restarts and no distributed tier here — that
// would reintroduce the "cached responses survive a restart"
// behavior the specification explicitly excludes (spec §1 Non-goals).
// The distributed primitive the rest of the stack still uses Redis
// for is rate-limit state, in package ratelimit, not response content.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/vvtv/llmpool/types"
)

// Fingerprint derives the cache key for a request (spec §4.4):
// sha256(task || "\x00" || prompt || "\x00" || max_tokens).
func Fingerprint(task types.Task, prompt string, maxTokens int) string {
	h := sha256.New()
	h.Write([]byte(task))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(maxTokens)))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is one cached response, provenance included for the
// FromCache/StrategyUsed fields on a later hit.
type Entry struct {
	Response  types.InferResponse
	ExpiresAt time.Time
}

// Cache is an LRU with per-entry TTL, adapted from the doubly-linked-
// list design used for the teacher's local prompt cache tier, here
// made the sole tier rather than a front for a distributed backstop.
type Cache struct {
	mu       sync.RWMutex
	capacity int
	ttl      time.Duration
	items    map[string]*node
	head     *node // most recently used
	tail     *node // least recently used

	hits   uint64
	misses uint64
}

type node struct {
	key       string
	entry     Entry
	expiresAt time.Time
	prev      *node
	next      *node
}

// New builds a Cache. A non-positive capacity disables storage
// (Get always misses, Set is a no-op) so callers can wire cfg.Enabled
// straight through without a branch at every call site.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{
		capacity: capacity,
		ttl:      ttl,
		items:    make(map[string]*node),
	}
}

// Get returns the cached response for fingerprint, if present and
// unexpired, and marks it most recently used.
func (c *Cache) Get(fingerprint string) (types.InferResponse, bool) {
	if c.capacity <= 0 {
		return types.InferResponse{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[fingerprint]
	if !ok {
		c.misses++
		return types.InferResponse{}, false
	}
	if time.Now().After(n.expiresAt) {
		c.removeNode(n)
		delete(c.items, fingerprint)
		c.misses++
		return types.InferResponse{}, false
	}

	c.moveToHead(n)
	c.hits++
	return n.entry.Response, true
}

// Set stores resp under fingerprint, evicting the least recently used
// entry if the cache is at capacity.
func (c *Cache) Set(fingerprint string, resp types.InferResponse) {
	if c.capacity <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Now().Add(c.ttl)
	if n, ok := c.items[fingerprint]; ok {
		n.entry = Entry{Response: resp, ExpiresAt: expiresAt}
		n.expiresAt = expiresAt
		c.moveToHead(n)
		return
	}

	if len(c.items) >= c.capacity {
		c.evictTail()
	}

	n := &node{
		key:       fingerprint,
		entry:     Entry{Response: resp, ExpiresAt: expiresAt},
		expiresAt: expiresAt,
	}
	c.items[fingerprint] = n
	c.addToHead(n)
}

// Delete removes an entry unconditionally, e.g. after an
// InvalidQuery/ServerError response is mistakenly cached upstream.
func (c *Cache) Delete(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.items[fingerprint]; ok {
		c.removeNode(n)
		delete(c.items, fingerprint)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*node)
	c.head = nil
	c.tail = nil
}

// Stats reports current occupancy and cumulative hit/miss counts for
// the prometheus collector in internal/metrics.
func (c *Cache) Stats() (size, capacity int, hits, misses uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items), c.capacity, c.hits, c.misses
}

func (c *Cache) addToHead(n *node) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache) removeNode(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
}

func (c *Cache) moveToHead(n *node) {
	if n == c.head {
		return
	}
	c.removeNode(n)
	c.addToHead(n)
}

func (c *Cache) evictTail() {
	if c.tail == nil {
		return
	}
	delete(c.items, c.tail.key)
	c.removeNode(c.tail)
}
