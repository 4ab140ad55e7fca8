package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type sample struct {
	Name  string   `json:"name"`
	Items []string `json:"items"`
}

// setupMiniRedis starts an in-memory Redis and returns a store over it.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return mr, NewRedisStore(client)
}

func TestNewManager_Panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("NewManager should panic with nil store")
		}
	}()
	NewManager(nil)
}

func TestManager_RoundTrip(t *testing.T) {
	_, redisStore := setupMiniRedis(t)

	stores := map[string]Store{
		"memory": NewMemoryStore(),
		"redis":  redisStore,
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			m := NewManager(store)
			key := Key{Kind: KindMetadata, Scope: "t", Host: "https://sap", ServicePath: "/SRV/"}

			_, err := GetEntry[sample](ctx, m, key)
			assert.ErrorIs(t, err, ErrCacheMiss)

			want := sample{Name: "Order", Items: []string{"ID", "Amount"}}
			require.NoError(t, SetEntry(ctx, m, key, want, time.Minute))

			got, err := GetEntry[sample](ctx, m, key)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			require.NoError(t, m.Delete(ctx, key))
			_, err = GetEntry[sample](ctx, m, key)
			assert.ErrorIs(t, err, ErrCacheMiss)
		})
	}
}

func TestManager_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	m := NewManager(store, WithClock(clock.Now))
	key := Key{Kind: KindEntitySets, Scope: "t"}

	require.NoError(t, SetEntry(ctx, m, key, []string{"OrderSet"}, 10*time.Minute))

	clock.Advance(9 * time.Minute)
	got, err := GetEntry[[]string](ctx, m, key)
	require.NoError(t, err)
	assert.Equal(t, []string{"OrderSet"}, got)

	clock.Advance(2 * time.Minute)
	_, err = GetEntry[[]string](ctx, m, key)
	assert.ErrorIs(t, err, ErrCacheMiss)

	// Expired entry was deleted from the backend on read
	_, err = store.Get(ctx, key.String())
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestManager_SkipsNonPositiveTTL(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	require.NoError(t, SetEntry(ctx, m, Key{Kind: KindCatalog}, "x", 0))
	assert.Equal(t, 0, store.Len())
}

func TestManager_InvalidEntry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)
	key := Key{Kind: KindMetadata}

	require.NoError(t, store.Set(ctx, key.String(), []byte("not json"), time.Minute))

	_, err := GetEntry[string](ctx, m, key)
	if !errors.Is(err, ErrInvalidEntry) {
		t.Errorf("GetEntry() error = %v, want ErrInvalidEntry", err)
	}
}

func TestRedisStore_TTL(t *testing.T) {
	mr, store := setupMiniRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisStore_BackendError(t *testing.T) {
	mr, store := setupMiniRedis(t)
	mr.Close()

	_, err := store.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}
