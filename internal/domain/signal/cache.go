package signal

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

const cacheShards = 16

// CacheKey derives the cache key for a (channel, message) pair.
func CacheKey(channel, message string) string {
	sum := sha256.Sum256([]byte(channel + "\n" + message))
	return hex.EncodeToString(sum[:])
}

type cacheEntry struct {
	key       string
	signal    entity.Signal
	expiresAt time.Time
}

type cacheShard struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

// Cache is a sharded TTL + LRU cache of classified signals. Sharding keeps
// lock contention low under fan-in from many channels.
type Cache struct {
	shards      [cacheShards]*cacheShard
	ttl         time.Duration
	maxPerShard int

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCache creates a signal cache. maxEntries is the total capacity across
// shards; ttl is how long an entry stays valid.
func NewCache(maxEntries int, ttl time.Duration) *Cache {
	if maxEntries <= 0 {
		maxEntries = 4096
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &Cache{
		ttl:         ttl,
		maxPerShard: (maxEntries + cacheShards - 1) / cacheShards,
	}
	for i := range c.shards {
		c.shards[i] = &cacheShard{
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

func (c *Cache) shard(key string) *cacheShard {
	// Keys are hex SHA-256; the first byte is uniformly distributed.
	return c.shards[key[0]%cacheShards]
}

// Get returns the cached signal for key, if present and unexpired.
func (c *Cache) Get(key string) (entity.Signal, bool) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		c.misses.Add(1)
		return entity.Signal{}, false
	}
	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		s.order.Remove(elem)
		delete(s.entries, key)
		c.misses.Add(1)
		return entity.Signal{}, false
	}
	s.order.MoveToFront(elem)
	c.hits.Add(1)
	return entry.signal, true
}

// Put stores sig under key, evicting the least recently used entry when the
// shard is full.
func (c *Cache) Put(key string, sig entity.Signal) {
	s := c.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.signal = sig
		entry.expiresAt = time.Now().Add(c.ttl)
		s.order.MoveToFront(elem)
		return
	}

	for s.order.Len() >= c.maxPerShard {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*cacheEntry).key)
	}

	s.entries[key] = s.order.PushFront(&cacheEntry{
		key:       key,
		signal:    sig,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Stats returns cumulative hit and miss counts.
func (c *Cache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the current entry count across shards.
func (c *Cache) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
