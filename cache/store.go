// Package cache memoizes step results. A Gateway derives keys and TTLs from
// the state, a Factory hands out namespaced stores, and the stores persist
// JSON encoded values in memory, Redis or a SQL database.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Namespace prefixes every key written through a Factory store.
const Namespace = "runnify"

// Store is a key value backend with per entry expiry. A zero ttl never
// expires.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Clear removes every key starting with prefix.
	Clear(ctx context.Context, prefix string) error
	Close() error
}

// envelope is the stored shape of a cached value.
type envelope struct {
	Value   any   `json:"value"`
	Expires int64 `json:"expires,omitempty"`
}

func encode(value any, ttl time.Duration) ([]byte, error) {
	env := envelope{Value: value}
	if ttl > 0 {
		env.Expires = time.Now().Add(ttl).UnixMilli()
	}
	return json.Marshal(env)
}

func decode(raw []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return env.Value, nil
}

// namespaced prefixes keys of a shared store.
type namespaced struct {
	Store
	prefix string
}

func (n namespaced) key(k string) string {
	return n.prefix + k
}

func (n namespaced) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return n.Store.Get(ctx, n.key(key))
}

func (n namespaced) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return n.Store.Set(ctx, n.key(key), value, ttl)
}

func (n namespaced) Delete(ctx context.Context, key string) error {
	return n.Store.Delete(ctx, n.key(key))
}

func (n namespaced) Clear(ctx context.Context, prefix string) error {
	return n.Store.Clear(ctx, n.key(prefix))
}
