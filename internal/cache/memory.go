package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryConfig bounds a MemoryClient. Zero values select the defaults.
type MemoryConfig struct {
	MaxEntries int
	MaxBytes   int64
}

const (
	defaultMaxEntries = 256
	defaultMaxBytes   = 256 << 20
)

// MemoryClient is an in-process LRU cache bounded by entry count and total bytes.
type MemoryClient struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front is most recently used
	size       int64
	maxEntries int
	maxBytes   int64
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// NewMemoryClient creates an empty MemoryClient.
func NewMemoryClient(cfg MemoryConfig) *MemoryClient {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	return &MemoryClient{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
	}
}

// Get returns a copy of the stored value and marks it recently used.
func (c *MemoryClient) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, ErrCacheMiss
	}
	entry := el.Value.(*memoryEntry)
	if entry.expired(time.Now()) {
		c.remove(el)
		return nil, ErrCacheMiss
	}
	c.order.MoveToFront(el)

	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores a copy of value. A non-positive ttl keeps the entry until it is
// evicted. Values larger than the byte budget are not stored.
func (c *MemoryClient) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if int64(len(value)) > c.maxBytes {
		return nil
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := &memoryEntry{key: key, value: stored}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	c.entries[key] = c.order.PushFront(entry)
	c.size += int64(len(stored))

	for len(c.entries) > c.maxEntries || c.size > c.maxBytes {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes key.
func (c *MemoryClient) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.remove(el)
	}
	return nil
}

// Purge removes all keys with the given prefix.
func (c *MemoryClient) Purge(_ context.Context, prefix string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.remove(el)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not.
func (c *MemoryClient) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size returns the total bytes held.
func (c *MemoryClient) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Close drops all entries.
func (c *MemoryClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.order.Init()
	c.size = 0
	return nil
}

// remove must be called with mu held.
func (c *MemoryClient) remove(el *list.Element) {
	entry := c.order.Remove(el).(*memoryEntry)
	delete(c.entries, entry.key)
	c.size -= int64(len(entry.value))
}
