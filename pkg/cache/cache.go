package cache

import (
	"sync"
	"time"
)

// Cache 通用缓存接口
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Clear()
	Size() int
}

// InMemoryCache 内存缓存实现（带 TTL，后台定期清理）
type InMemoryCache[K comparable, V any] struct {
	items      map[K]*cacheItem[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	now        func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// cacheItem 缓存项
type cacheItem[V any] struct {
	value     V
	storedAt  time.Time
	expiresAt time.Time
}

// NewInMemoryCache 创建新的内存缓存；不再使用时调用 Stop 结束清理 goroutine
func NewInMemoryCache[K comparable, V any](defaultTTL time.Duration) *InMemoryCache[K, V] {
	c := &InMemoryCache[K, V]{
		items:      make(map[K]*cacheItem[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
	go c.startCleanup(time.Minute)
	return c
}

// Get 获取缓存值（过期视为不存在）
func (c *InMemoryCache[K, V]) Get(key K) (V, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge 获取缓存值以及写入至今的时长
func (c *InMemoryCache[K, V]) GetWithAge(key K) (V, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	item, exists := c.items[key]
	if !exists {
		return zero, 0, false
	}
	now := c.now()
	if now.After(item.expiresAt) {
		// 过期项交给清理 goroutine 删除
		return zero, 0, false
	}
	return item.value, now.Sub(item.storedAt), true
}

// Set 设置缓存值，ttl 为 0 时使用默认 TTL
func (c *InMemoryCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl == 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	c.items[key] = &cacheItem[V]{
		value:     value,
		storedAt:  now,
		expiresAt: now.Add(ttl),
	}
}

// Delete 删除缓存项
func (c *InMemoryCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear 清空缓存
func (c *InMemoryCache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*cacheItem[V])
}

// Size 获取缓存大小（包含尚未清理的过期项）
func (c *InMemoryCache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys 返回未过期的 key
func (c *InMemoryCache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := c.now()
	out := make([]K, 0, len(c.items))
	for k, item := range c.items {
		if !now.After(item.expiresAt) {
			out = append(out, k)
		}
	}
	return out
}

// Stop 停止后台清理（幂等）
func (c *InMemoryCache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

func (c *InMemoryCache[K, V]) startCleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

// cleanup 清理过期项
func (c *InMemoryCache[K, V]) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, item := range c.items {
		if now.After(item.expiresAt) {
			delete(c.items, key)
		}
	}
}
