package concurrent_lru

import (
	"hash/maphash"
	"sync"

	"github.com/pmkol/analysis-gateway/pkg/lru"
)

// ShardedLRU spreads string keys over independently locked LRUs.
type ShardedLRU[V any] struct {
	seed maphash.Seed
	l    []*ConcurrentLRU[string, V]
	mask uint64 // shardNum - 1 (shardNum must be power of 2)
}

func NewShardedLRU[V any](shardNum, maxSizePerShard int) *ShardedLRU[V] {
	if shardNum <= 0 || shardNum&(shardNum-1) != 0 {
		panic("shardNum must be a power of 2 and > 0")
	}

	cl := &ShardedLRU[V]{
		seed: maphash.MakeSeed(),
		l:    make([]*ConcurrentLRU[string, V], shardNum),
		mask: uint64(shardNum - 1),
	}
	for i := range cl.l {
		cl.l[i] = NewConcurrentLRU[string, V](maxSizePerShard)
	}
	return cl
}

func (c *ShardedLRU[V]) getShard(key string) *ConcurrentLRU[string, V] {
	h := maphash.String(c.seed, key)
	return c.l[h&c.mask]
}

func (c *ShardedLRU[V]) Add(key string, v V, expire int64) {
	c.getShard(key).Add(key, v, expire)
}

func (c *ShardedLRU[V]) Del(key string) {
	c.getShard(key).Del(key)
}

func (c *ShardedLRU[V]) Get(key string, now int64) (v V, ok bool) {
	return c.getShard(key).Get(key, now)
}

// Clean removes the entries expired at now, one shard at a time.
func (c *ShardedLRU[V]) Clean(now int64) (removed int) {
	for _, shard := range c.l {
		removed += shard.Clean(now)
	}
	return removed
}

func (c *ShardedLRU[V]) Len() int {
	sum := 0
	for _, shard := range c.l {
		sum += shard.Len()
	}
	return sum
}

// ConcurrentLRU is a lru.LRU guarded by a mutex.
type ConcurrentLRU[K comparable, V any] struct {
	sync.Mutex
	lru *lru.LRU[K, V]
}

func NewConcurrentLRU[K comparable, V any](maxSize int) *ConcurrentLRU[K, V] {
	return &ConcurrentLRU[K, V]{
		lru: lru.NewLRU[K, V](maxSize),
	}
}

func (c *ConcurrentLRU[K, V]) Add(key K, v V, expire int64) {
	c.Lock()
	c.lru.Add(key, v, expire)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Del(key K) {
	c.Lock()
	c.lru.Del(key)
	c.Unlock()
}

func (c *ConcurrentLRU[K, V]) Get(key K, now int64) (v V, ok bool) {
	c.Lock()
	v, ok = c.lru.Get(key, now)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Clean(now int64) (removed int) {
	c.Lock()
	removed = c.lru.Clean(now)
	c.Unlock()
	return
}

func (c *ConcurrentLRU[K, V]) Len() int {
	c.Lock()
	n := c.lru.Len()
	c.Unlock()
	return n
}
