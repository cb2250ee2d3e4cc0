package mem_cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pmkol/analysis-gateway/pkg/cache"
	"github.com/pmkol/analysis-gateway/pkg/concurrent_lru"
)

const (
	shardSize              = 64
	defaultCleanerInterval = time.Minute
)

var _ cache.Backend = (*MemCache)(nil)

// MemCache is an in-process cache.Backend. Entries are spread over
// shardSize independently locked LRU shards.
type MemCache struct {
	closed           uint32
	closeCleanerChan chan struct{}

	lru *concurrent_lru.ShardedLRU[string]
	now func() time.Time
}

// NewMemCache returns a MemCache holding about size entries.
// If cleanerInterval > 0, expired entries are purged periodically.
func NewMemCache(size int, cleanerInterval time.Duration) *MemCache {
	sizePerShard := size / shardSize
	if sizePerShard < 16 {
		sizePerShard = 16
	}
	c := &MemCache{
		closeCleanerChan: make(chan struct{}),
		lru:              concurrent_lru.NewShardedLRU[string](shardSize, sizePerShard),
		now:              time.Now,
	}

	if cleanerInterval > 0 {
		go c.startCleaner(cleanerInterval)
	}
	return c
}

func (c *MemCache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

func (c *MemCache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
	}
	return nil
}

func (c *MemCache) Get(_ context.Context, key string) (string, bool, error) {
	if c.isClosed() {
		return "", false, nil
	}
	v, ok := c.lru.Get(key, c.now().UnixNano())
	return v, ok, nil
}

func (c *MemCache) Set(_ context.Context, key string, value string, ttl time.Duration) error {
	if c.isClosed() || ttl <= 0 {
		return nil
	}
	c.lru.Add(key, value, c.now().Add(ttl).UnixNano())
	return nil
}

func (c *MemCache) startCleaner(interval time.Duration) {
	if interval <= 0 {
		interval = defaultCleanerInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.clean()
		}
	}
}

func (c *MemCache) clean() (removed int) {
	return c.lru.Clean(c.now().UnixNano())
}

func (c *MemCache) Len() int {
	return c.lru.Len()
}
