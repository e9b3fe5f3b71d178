package orchestra

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// failingStore rejects writes, to verify write-through ordering
type failingStore struct {
	*MemoryStore
	fail bool
}

func (s *failingStore) Put(ctx context.Context, key string, value []byte) error {
	if s.fail {
		return errors.New("durable store unavailable")
	}
	return s.MemoryStore.Put(ctx, key, value)
}

func TestTieredCache(t *testing.T) {
	ctx := context.Background()

	t.Run("write-through and tier promotion", func(t *testing.T) {
		store := NewMemoryStore()
		cache := NewTieredCache(store, CacheOptions{HotSize: 2, WarmSize: 4})

		require.NoError(t, cache.Put(ctx, "a", []byte("1")))
		value, tier, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, TierHot, tier)
		require.Equal(t, []byte("1"), value)

		// durable holds the value independently of the tiers
		raw, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, []byte("1"), raw)
	})

	t.Run("hot overflow demotes to warm, reads promote back", func(t *testing.T) {
		cache := NewTieredCache(NewMemoryStore(), CacheOptions{HotSize: 2, WarmSize: 4})
		require.NoError(t, cache.Put(ctx, "a", []byte("1")))
		require.NoError(t, cache.Put(ctx, "b", []byte("2")))
		require.NoError(t, cache.Put(ctx, "c", []byte("3")))

		hot, warm := cache.Len()
		require.Equal(t, 2, hot)
		require.Equal(t, 1, warm)

		// "a" was the LRU victim; reading it serves from warm and promotes
		_, tier, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, TierWarm, tier)

		_, tier, err = cache.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, TierHot, tier)
	})

	t.Run("cold miss falls through to durable", func(t *testing.T) {
		store := NewMemoryStore()
		require.NoError(t, store.Put(ctx, "external", []byte("x")))
		cache := NewTieredCache(store, CacheOptions{HotSize: 2, WarmSize: 2})

		value, tier, err := cache.Get(ctx, "external")
		require.NoError(t, err)
		require.Equal(t, TierDurable, tier)
		require.Equal(t, []byte("x"), value)

		_, tier, err = cache.Get(ctx, "external")
		require.NoError(t, err)
		require.Equal(t, TierHot, tier)
	})

	t.Run("missing key", func(t *testing.T) {
		cache := NewTieredCache(NewMemoryStore(), CacheOptions{})
		_, _, err := cache.Get(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("durable failure aborts the write", func(t *testing.T) {
		store := &failingStore{MemoryStore: NewMemoryStore(), fail: true}
		cache := NewTieredCache(store, CacheOptions{})

		require.Error(t, cache.Put(ctx, "a", []byte("1")))
		// nothing cached for an uncommitted write
		_, _, err := cache.Get(ctx, "a")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete and invalidate", func(t *testing.T) {
		store := NewMemoryStore()
		cache := NewTieredCache(store, CacheOptions{})
		require.NoError(t, cache.Put(ctx, "a", []byte("1")))

		cache.Invalidate("a")
		// still durable: invalidation only drops the tiers
		_, tier, err := cache.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, TierDurable, tier)

		require.NoError(t, cache.Delete(ctx, "a"))
		_, _, err = cache.Get(ctx, "a")
		require.ErrorIs(t, err, ErrNotFound)

		// deleting a missing key is fine
		require.NoError(t, cache.Delete(ctx, "a"))
	})

	t.Run("warm overflow evicts oldest", func(t *testing.T) {
		cache := NewTieredCache(NewMemoryStore(), CacheOptions{HotSize: 1, WarmSize: 2})
		for i := 0; i < 5; i++ {
			require.NoError(t, cache.Put(ctx, fmt.Sprintf("k%d", i), []byte{byte(i)}))
		}
		hot, warm := cache.Len()
		require.Equal(t, 1, hot)
		require.Equal(t, 2, warm)
	})
}
