package orchestra

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by stores and caches for missing keys
var ErrNotFound = errors.New("not found")

// DurableStore is the source-of-truth tier on the cloud side. A canonical
// write is not committed until this tier acknowledges it.
type DurableStore interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// CacheTier identifies which tier served a read
type CacheTier string

const (
	TierHot     CacheTier = "hot"
	TierWarm    CacheTier = "warm"
	TierDurable CacheTier = "durable"
)

// cacheEntry is one cached value with its bookkeeping
type cacheEntry struct {
	key        string
	value      []byte
	lastAccess time.Time
	elem       *list.Element
}

// CacheOptions configures a tiered cache
type CacheOptions struct {
	HotSize  int
	WarmSize int
}

// TieredCache layers a bounded LRU hot tier and a larger warm tier over a
// durable store. Reads probe hot, warm, durable in order and promote on
// hit. Writes are write-through: the durable store must acknowledge before
// the cache tiers are updated, so the cache is never the source of truth.
type TieredCache struct {
	mu       sync.Mutex
	hot      map[string]*cacheEntry
	hotLRU   *list.List
	warm     map[string]*cacheEntry
	warmLRU  *list.List
	hotSize  int
	warmSize int
	durable  DurableStore
}

// NewTieredCache creates a tiered cache over the given durable store
func NewTieredCache(durable DurableStore, opts CacheOptions) *TieredCache {
	if opts.HotSize <= 0 {
		opts.HotSize = 256
	}
	if opts.WarmSize <= 0 {
		opts.WarmSize = 4096
	}
	return &TieredCache{
		hot:      map[string]*cacheEntry{},
		hotLRU:   list.New(),
		warm:     map[string]*cacheEntry{},
		warmLRU:  list.New(),
		hotSize:  opts.HotSize,
		warmSize: opts.WarmSize,
		durable:  durable,
	}
}

// Get reads a key, probing hot, then warm, then the durable store. Hits in
// colder tiers are promoted to the hot tier. The serving tier is returned
// alongside the value.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, CacheTier, error) {
	c.mu.Lock()
	if e, ok := c.hot[key]; ok {
		e.lastAccess = time.Now()
		c.hotLRU.MoveToFront(e.elem)
		value := e.value
		c.mu.Unlock()
		return value, TierHot, nil
	}
	if e, ok := c.warm[key]; ok {
		value := e.value
		c.warmLRU.Remove(e.elem)
		delete(c.warm, key)
		c.insertHot(key, value)
		c.mu.Unlock()
		return value, TierWarm, nil
	}
	c.mu.Unlock()

	value, err := c.durable.Get(ctx, key)
	if err != nil {
		return nil, TierDurable, err
	}
	c.mu.Lock()
	c.insertHot(key, value)
	c.mu.Unlock()
	return value, TierDurable, nil
}

// Put writes through to the durable store, then updates the cache tiers.
// The write is not considered committed until the durable store returns.
func (c *TieredCache) Put(ctx context.Context, key string, value []byte) error {
	if err := c.durable.Put(ctx, key, value); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.hot[key]; ok {
		e.value = value
		e.lastAccess = time.Now()
		c.hotLRU.MoveToFront(e.elem)
		return nil
	}
	if e, ok := c.warm[key]; ok {
		c.warmLRU.Remove(e.elem)
		delete(c.warm, key)
	}
	c.insertHot(key, value)
	return nil
}

// Delete removes a key from the durable store and invalidates the tiers
func (c *TieredCache) Delete(ctx context.Context, key string) error {
	if err := c.durable.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictKey(key)
	return nil
}

// Invalidate drops a key from the cache tiers without touching the durable
// store.
func (c *TieredCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictKey(key)
}

func (c *TieredCache) evictKey(key string) {
	if e, ok := c.hot[key]; ok {
		c.hotLRU.Remove(e.elem)
		delete(c.hot, key)
	}
	if e, ok := c.warm[key]; ok {
		c.warmLRU.Remove(e.elem)
		delete(c.warm, key)
	}
}

// insertHot adds to the hot tier, demoting the least recently used entry to
// the warm tier when the hot tier is full. Caller holds the lock.
func (c *TieredCache) insertHot(key string, value []byte) {
	e := &cacheEntry{key: key, value: value, lastAccess: time.Now()}
	e.elem = c.hotLRU.PushFront(e)
	c.hot[key] = e

	for len(c.hot) > c.hotSize {
		tail := c.hotLRU.Back()
		if tail == nil {
			break
		}
		victim := tail.Value.(*cacheEntry)
		c.hotLRU.Remove(tail)
		delete(c.hot, victim.key)
		c.insertWarm(victim)
	}
}

func (c *TieredCache) insertWarm(e *cacheEntry) {
	e.elem = c.warmLRU.PushFront(e)
	c.warm[e.key] = e
	for len(c.warm) > c.warmSize {
		tail := c.warmLRU.Back()
		if tail == nil {
			break
		}
		victim := tail.Value.(*cacheEntry)
		c.warmLRU.Remove(tail)
		delete(c.warm, victim.key)
	}
}

// Len returns the number of entries in the hot and warm tiers
func (c *TieredCache) Len() (hot, warm int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hot), len(c.warm)
}

// MemoryStore is an in-memory DurableStore used for tests, examples, and
// single-process deployments.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

// NewMemoryStore returns an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

// Put stores a value
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

// Delete removes a value
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return ErrNotFound
	}
	delete(s.values, key)
	return nil
}

// Keys returns all stored keys
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
