package permission

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCache(client, "perm:", time.Minute)
}

func cacheBackends(t *testing.T) map[string]func(t *testing.T) Cache {
	return map[string]func(t *testing.T) Cache{
		"lru":   func(t *testing.T) Cache { return NewLRUCache(128, time.Minute) },
		"redis": func(t *testing.T) Cache { return newRedisCache(t) },
	}
}

func TestCacheContract(t *testing.T) {
	ctx := context.Background()
	alice, bob := User("alice"), User("bob")
	d1 := KeyOf(New(alice, "read", ResourceOf("document", "d1")))
	d2 := KeyOf(New(alice, "read", ResourceOf("document", "d2")))
	anyDoc := KeyOf(New(alice, "read", AnyOf("document")))
	folder := KeyOf(New(alice, "read", ResourceOf("folder", "f1")))
	bobD1 := KeyOf(New(bob, "read", ResourceOf("document", "d1")))

	fill := func(t *testing.T, c Cache) {
		gen, err := c.Generation(ctx)
		require.NoError(t, err)
		for _, k := range []Key{d1, d2, anyDoc, folder, bobD1} {
			require.NoError(t, c.Put(ctx, k, true, gen))
		}
	}
	cached := func(t *testing.T, c Cache, k Key) bool {
		_, found, err := c.Get(ctx, k)
		require.NoError(t, err)
		return found
	}

	for name, newCache := range cacheBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("put and get", func(t *testing.T) {
				c := newCache(t)
				gen, err := c.Generation(ctx)
				require.NoError(t, err)
				require.NoError(t, c.Put(ctx, d1, true, gen))
				require.NoError(t, c.Put(ctx, d2, false, gen))

				allowed, found, err := c.Get(ctx, d1)
				require.NoError(t, err)
				assert.True(t, found)
				assert.True(t, allowed)

				allowed, found, err = c.Get(ctx, d2)
				require.NoError(t, err)
				assert.True(t, found)
				assert.False(t, allowed)

				_, found, err = c.Get(ctx, folder)
				require.NoError(t, err)
				assert.False(t, found)
			})

			t.Run("stale generation is refused", func(t *testing.T) {
				c := newCache(t)
				gen, err := c.Generation(ctx)
				require.NoError(t, err)
				require.NoError(t, c.Invalidate(ctx, holderScope(alice)))

				next, err := c.Generation(ctx)
				require.NoError(t, err)
				assert.Greater(t, next, gen)

				require.NoError(t, c.Put(ctx, d1, true, gen))
				assert.False(t, cached(t, c, d1))
			})

			t.Run("holder scope", func(t *testing.T) {
				c := newCache(t)
				fill(t, c)
				require.NoError(t, c.Invalidate(ctx, holderScope(alice)))
				for _, k := range []Key{d1, d2, anyDoc, folder} {
					assert.False(t, cached(t, c, k))
				}
				assert.True(t, cached(t, c, bobD1))
			})

			t.Run("resource scope", func(t *testing.T) {
				c := newCache(t)
				fill(t, c)
				require.NoError(t, c.Invalidate(ctx, resourceScope(ResourceOf("document", "d1"))))
				assert.False(t, cached(t, c, d1))
				assert.False(t, cached(t, c, bobD1))
				assert.True(t, cached(t, c, d2))
				assert.True(t, cached(t, c, anyDoc))
			})

			t.Run("resource type scope", func(t *testing.T) {
				c := newCache(t)
				fill(t, c)
				require.NoError(t, c.Invalidate(ctx, resourceScope(AnyOf("document"))))
				for _, k := range []Key{d1, d2, anyDoc, bobD1} {
					assert.False(t, cached(t, c, k))
				}
				assert.True(t, cached(t, c, folder))
			})

			t.Run("holder and resource scope", func(t *testing.T) {
				c := newCache(t)
				fill(t, c)
				require.NoError(t, c.Invalidate(ctx, holderResourceScope(alice, ResourceOf("document", "d1"))))
				assert.False(t, cached(t, c, d1))
				assert.True(t, cached(t, c, d2))
				assert.True(t, cached(t, c, bobD1))

				require.NoError(t, c.Invalidate(ctx, holderResourceScope(alice, AnyOf("document"))))
				assert.False(t, cached(t, c, d2))
				assert.False(t, cached(t, c, anyDoc))
				assert.True(t, cached(t, c, folder))
				assert.True(t, cached(t, c, bobD1))
			})

			t.Run("empty scope flushes", func(t *testing.T) {
				c := newCache(t)
				fill(t, c)
				require.NoError(t, c.Invalidate(ctx, Scope{}))
				for _, k := range []Key{d1, d2, anyDoc, folder, bobD1} {
					assert.False(t, cached(t, c, k))
				}
			})
		})
	}
}

func TestCachedStore(t *testing.T) {
	ctx := context.Background()
	alice := User("alice")
	check := New(alice, "read", ResourceOf("document", "d1"))

	for name, newCache := range cacheBackends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("revocation is visible on the next check", func(t *testing.T) {
				cache := newCache(t)
				store := NewCachedStore(NewMemoryStore(), cache)
				_, err := store.Insert(ctx, New(alice, "read", AnyOf("document")))
				require.NoError(t, err)

				ok, err := store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.True(t, ok)
				_, found, err := cache.Get(ctx, KeyOf(check))
				require.NoError(t, err)
				assert.True(t, found)

				require.NoError(t, store.RemoveByHolderAndResource(ctx, alice, AnyOf("document")))
				ok, err = store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.False(t, ok)
			})

			t.Run("cached denial is cleared by a grant", func(t *testing.T) {
				store := NewCachedStore(NewMemoryStore(), newCache(t))
				ok, err := store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.False(t, ok)

				_, err = store.Insert(ctx, New(alice, "read", AnyOf("document")))
				require.NoError(t, err)
				ok, err = store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("check racing a revoke does not cache its answer", func(t *testing.T) {
				cache := newCache(t)
				inner := NewMemoryStore()
				_, err := inner.Insert(ctx, New(alice, "read", AnyOf("document")))
				require.NoError(t, err)

				var store *CachedStore
				racing := &racingStore{MemoryStore: inner, during: func() {
					require.NoError(t, store.RemoveByHolder(ctx, alice))
				}}
				store = NewCachedStore(racing, cache)

				ok, err := store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.True(t, ok, "the check observed the grant before the revoke")

				_, found, err := cache.Get(ctx, KeyOf(check))
				require.NoError(t, err)
				assert.False(t, found)

				ok, err = store.HasPermission(ctx, check)
				require.NoError(t, err)
				assert.False(t, ok)
			})
		})
	}
}

func TestCachedStoreFallsBackOnReadFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	_, err := inner.Insert(ctx, New(User("alice"), "read", AnyOf("document")))
	require.NoError(t, err)

	store := NewCachedStore(inner, brokenCache{})
	ok, err := store.HasPermission(ctx, New(User("alice"), "read", ResourceOf("document", "d1")))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachedStoreReturnsInvalidationFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	store := NewCachedStore(inner, brokenCache{})

	_, err := store.Insert(ctx, New(User("alice"), "read", AnyOf("document")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to invalidate permission cache")

	ok, err := inner.HasPermission(ctx, New(User("alice"), "read", AnyOf("document")))
	require.NoError(t, err)
	assert.True(t, ok, "the write itself succeeded")

	err = store.RemoveByHolder(ctx, User("alice"))
	assert.Error(t, err)
}

func TestRedisCacheUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	cache := NewRedisCache(client, "perm:", time.Minute)
	mr.Close()

	inner := NewMemoryStore()
	_, err := inner.Insert(context.Background(), New(User("alice"), "read", AnyOf("document")))
	require.NoError(t, err)

	store := NewCachedStore(inner, cache)
	ok, err := store.HasPermission(context.Background(), New(User("alice"), "read", AnyOf("document")))
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Error(t, store.RemoveByHolder(context.Background(), User("alice")))
}

// racingStore runs during once, after the grant was read and before the
// caller caches it
type racingStore struct {
	*MemoryStore
	during func()
	done   bool
}

func (s *racingStore) HasPermission(ctx context.Context, p Permission) (bool, error) {
	ok, err := s.MemoryStore.HasPermission(ctx, p)
	if !s.done {
		s.done = true
		s.during()
	}
	return ok, err
}

type brokenCache struct{}

var errCacheDown = errors.New("cache down")

func (brokenCache) Generation(context.Context) (uint64, error) {
	return 0, errCacheDown
}

func (brokenCache) Get(context.Context, Key) (bool, bool, error) {
	return false, false, errCacheDown
}

func (brokenCache) Put(context.Context, Key, bool, uint64) error {
	return errCacheDown
}

func (brokenCache) Invalidate(context.Context, Scope) error {
	return errCacheDown
}
