package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runnable "github.com/goliatone/go-runnable"
)

type closeCounter struct {
	*MemoryStore
	closed int
}

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestFactoryReusesStoreByName(t *testing.T) {
	f := NewFactory(0)
	a, err := f.Store(Config{Name: "orders"})
	require.NoError(t, err)
	b, err := f.Store(Config{Name: "orders", MaxSize: 5})
	require.NoError(t, err)
	c, err := f.Store(Config{Name: "users"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Set(ctx, "k", []byte("1"), 0))
	_, found, _ := b.Get(ctx, "k")
	assert.True(t, found)
	_, found, _ = c.Get(ctx, "k")
	assert.False(t, found)
	assert.Equal(t, 2, f.Len())
}

func TestFactoryNamespacesKeys(t *testing.T) {
	backend, err := NewMemoryStore(10)
	require.NoError(t, err)
	f := NewFactory(0)
	store, err := f.Store(Config{Name: "ns", Store: backend})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "p:s", []byte("1"), 0))
	_, found, _ := backend.Get(ctx, "runnify:p:s")
	assert.True(t, found)
}

func TestFactoryClear(t *testing.T) {
	f := NewFactory(0)
	ctx := context.Background()
	orders, _ := f.Store(Config{Name: "orders"})
	users, _ := f.Store(Config{Name: "users"})
	require.NoError(t, orders.Set(ctx, "k", []byte("1"), 0))
	require.NoError(t, users.Set(ctx, "k", []byte("1"), 0))

	require.NoError(t, f.Clear(ctx, "orders"))
	_, found, _ := orders.Get(ctx, "k")
	assert.False(t, found)
	_, found, _ = users.Get(ctx, "k")
	assert.True(t, found)

	require.NoError(t, f.ClearAll(ctx))
	_, found, _ = users.Get(ctx, "k")
	assert.False(t, found)
	require.NoError(t, f.Clear(ctx, "unknown"))
}

func TestFactoryDisconnect(t *testing.T) {
	f := NewFactory(0)
	mem, _ := NewMemoryStore(1)
	backend := &closeCounter{MemoryStore: mem}

	_, err := f.Store(Config{Name: "a", Store: backend})
	require.NoError(t, err)
	require.NoError(t, f.Disconnect("a"))
	assert.Equal(t, 1, backend.closed)
	assert.Equal(t, 0, f.Len())

	_, err = f.Store(Config{Name: "b", Store: backend})
	require.NoError(t, err)
	_, err = f.Store(Config{Name: "c"})
	require.NoError(t, err)
	require.NoError(t, f.DisconnectAll())
	assert.Equal(t, 2, backend.closed)
	assert.Equal(t, 0, f.Len())
}

func TestFactoryClosesEvictedStores(t *testing.T) {
	f := NewFactory(1)
	mem, _ := NewMemoryStore(1)
	backend := &closeCounter{MemoryStore: mem}

	_, err := f.Store(Config{Name: "a", Store: backend})
	require.NoError(t, err)
	_, err = f.Store(Config{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, backend.closed)
}

func TestFactoryRedisURI(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	f := NewFactory(0)
	defer f.DisconnectAll()
	store, err := f.Store(Config{Name: "redis", URI: "redis://" + server.Addr()})
	require.NoError(t, err)
	require.NoError(t, store.Set(context.Background(), "p:s", []byte(`{"value":1}`), time.Minute))

	assert.True(t, server.Exists("runnify:p:s"))
}

func TestFactoryRejectsUnknownURI(t *testing.T) {
	_, err := NewFactory(0).Store(Config{Name: "x", URI: "memcached://localhost"})
	assert.True(t, runnable.IsFault(err, runnable.CodeConfiguration))
}

func TestFactorySQLiteURI(t *testing.T) {
	f := NewFactory(0)
	store, err := f.Store(Config{Name: "sql", URI: "sqlite://"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	raw, found, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("v"), raw)

	require.NoError(t, f.Disconnect("sql"))
	assert.Equal(t, 0, f.Len())
}
