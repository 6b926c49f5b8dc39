package cache

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultSize = 1024
	defaultTTL  = 30 * time.Second
)

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache is a short-TTL memo for hot document reads. Strictly an
// optimization: callers must stay correct when every lookup misses.
type Cache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
	clock   func() time.Time
}

// Config describes cache sizing.
type Config struct {
	Size  int
	TTL   time.Duration
	Clock func() time.Time
}

// New constructs the cache.
func New(cfg Config) (*Cache, error) {
	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	entries, err := lru.New[string, entry](size)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries, ttl: ttl, clock: clock}, nil
}

// Get returns the cached payload, or false on a miss or an expired entry.
func (c *Cache) Get(key string) ([]byte, bool) {
	stored, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if c.clock().After(stored.expiresAt) {
		c.entries.Remove(key)
		return nil, false
	}
	return stored.payload, true
}

// Set stores a payload under the default TTL.
func (c *Cache) Set(key string, payload []byte) {
	c.SetTTL(key, payload, c.ttl)
}

// SetTTL stores a payload with an explicit TTL.
func (c *Cache) SetTTL(key string, payload []byte, ttl time.Duration) {
	c.entries.Add(key, entry{payload: payload, expiresAt: c.clock().Add(ttl)})
}

// Invalidate drops one key.
func (c *Cache) Invalidate(key string) {
	c.entries.Remove(key)
}

// InvalidateDocument drops every key derived from the document id. Called
// synchronously on the write path before success is reported.
func (c *Cache) InvalidateDocument(documentID string) {
	c.Invalidate(DocumentKey(documentID))
	c.Invalidate(BlocksKey(documentID))
}

// DocumentKey is the cache key for a document row read.
func DocumentKey(documentID string) string {
	return "document:" + documentID
}

// BlocksKey is the cache key for a document's first page of blocks.
func BlocksKey(documentID string) string {
	return "blocks:" + documentID
}
