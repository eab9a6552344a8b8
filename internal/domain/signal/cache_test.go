package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/miosa-osa/osa/internal/domain/entity"
)

func testSignal(weight float64) entity.Signal {
	return entity.Signal{
		Mode:   entity.ModeExecute,
		Genre:  entity.GenreDirect,
		Type:   entity.TypeRequest,
		Format: entity.FormatMessage,
		Weight: weight,
	}
}

func TestCache_PutGet(t *testing.T) {
	c := NewCache(64, time.Minute)
	key := CacheKey("http", "deploy")

	if _, ok := c.Get(key); ok {
		t.Fatal("empty cache returned a hit")
	}

	c.Put(key, testSignal(0.8))
	sig, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if sig.Weight != 0.8 {
		t.Errorf("wrong signal returned: %+v", sig)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("stats = %d hits / %d misses, want 1/1", hits, misses)
	}
}

func TestCache_OverwriteRefreshes(t *testing.T) {
	c := NewCache(64, time.Minute)
	key := CacheKey("http", "deploy")

	c.Put(key, testSignal(0.3))
	c.Put(key, testSignal(0.9))

	sig, ok := c.Get(key)
	if !ok || sig.Weight != 0.9 {
		t.Errorf("overwrite not applied: ok=%v sig=%+v", ok, sig)
	}
	if c.Len() != 1 {
		t.Errorf("overwrite should not grow the cache, len=%d", c.Len())
	}
}

func TestCache_TTLExpiry(t *testing.T) {
	c := NewCache(64, 10*time.Millisecond)
	key := CacheKey("http", "deploy")

	c.Put(key, testSignal(0.5))
	time.Sleep(25 * time.Millisecond)

	if _, ok := c.Get(key); ok {
		t.Error("expired entry still returned")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not removed, len=%d", c.Len())
	}
}

func TestCache_LRUEviction(t *testing.T) {
	// 16 entries across 16 shards gives one slot per shard, so two keys in
	// the same shard force an eviction of the older one.
	c := NewCache(16, time.Minute)

	keysByShard := make(map[byte][]string)
	var pair []string
	for i := 0; i < 100 && pair == nil; i++ {
		k := CacheKey("http", fmt.Sprintf("message-%d", i))
		shard := k[0] % cacheShards
		keysByShard[shard] = append(keysByShard[shard], k)
		if len(keysByShard[shard]) == 2 {
			pair = keysByShard[shard]
		}
	}
	if pair == nil {
		t.Fatal("could not find two keys sharing a shard")
	}

	c.Put(pair[0], testSignal(0.1))
	c.Put(pair[1], testSignal(0.2))

	if _, ok := c.Get(pair[0]); ok {
		t.Error("oldest entry should have been evicted")
	}
	if sig, ok := c.Get(pair[1]); !ok || sig.Weight != 0.2 {
		t.Errorf("newest entry should survive: ok=%v sig=%+v", ok, sig)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := NewCache(256, time.Minute)
	done := make(chan struct{})

	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := CacheKey("http", fmt.Sprintf("g%d-m%d", g, i%20))
				c.Put(key, testSignal(0.5))
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
