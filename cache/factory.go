package cache

import (
	"context"
	"errors"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultFactorySize = 100
	defaultStoreName   = "default"
)

type factoryEntry struct {
	store  Store
	closed bool
}

// Factory hands out one store per cache name. Stores are held in an LRU and
// closed when evicted.
type Factory struct {
	mu     sync.Mutex
	stores *lru.Cache[string, *factoryEntry]
}

var defaultFactory = NewFactory(DefaultFactorySize)

// Default returns the package wide factory used when none is configured.
func Default() *Factory {
	return defaultFactory
}

func NewFactory(size int) *Factory {
	if size <= 0 {
		size = DefaultFactorySize
	}
	stores, _ := lru.NewWithEvict(size, func(_ string, e *factoryEntry) {
		if !e.closed {
			e.closed = true
			_ = e.store.Close()
		}
	})
	return &Factory{stores: stores}
}

// Store returns the store registered under cfg.Name, building it on first
// use: cfg.Store when set, a Redis or SQLite store for a matching URI,
// otherwise a memory store bounded by cfg.MaxSize.
func (f *Factory) Store(cfg Config) (Store, error) {
	name := storeName(cfg.Name)

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.stores.Get(name); ok {
		return e.store, nil
	}

	backend, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	store := namespaced{Store: backend, prefix: Namespace + ":"}
	f.stores.Add(name, &factoryEntry{store: store})
	return store, nil
}

func buildStore(cfg Config) (Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	uri := strings.TrimSpace(cfg.URI)
	switch {
	case uri == "" || uri == "memory":
		return NewMemoryStore(cfg.MaxSize)
	case strings.HasPrefix(uri, "redis://") || strings.HasPrefix(uri, "rediss://"):
		return NewRedisStoreFromURL(uri)
	case strings.HasPrefix(uri, "sqlite://"):
		return NewSQLiteStoreFromURI(uri)
	}
	return nil, configurationFault("unsupported cache store uri", map[string]any{"uri": uri})
}

// Clear removes every namespaced key of the named store.
func (f *Factory) Clear(ctx context.Context, name string) error {
	f.mu.Lock()
	e, ok := f.stores.Peek(storeName(name))
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return e.store.Clear(ctx, "")
}

func (f *Factory) ClearAll(ctx context.Context) error {
	var errs []error
	for _, e := range f.entries() {
		if err := e.store.Clear(ctx, ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes the named store and forgets it. The next Store call
// with that name builds a new one.
func (f *Factory) Disconnect(name string) error {
	name = storeName(name)
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.stores.Peek(name)
	if !ok {
		return nil
	}
	e.closed = true
	err := e.store.Close()
	f.stores.Remove(name)
	return err
}

func (f *Factory) DisconnectAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var errs []error
	for _, name := range f.stores.Keys() {
		e, ok := f.stores.Peek(name)
		if !ok {
			continue
		}
		e.closed = true
		if err := e.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.stores.Purge()
	return errors.Join(errs...)
}

// Len returns the number of live stores.
func (f *Factory) Len() int {
	return f.stores.Len()
}

func (f *Factory) entries() []*factoryEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*factoryEntry, 0, f.stores.Len())
	for _, name := range f.stores.Keys() {
		if e, ok := f.stores.Peek(name); ok {
			out = append(out, e)
		}
	}
	return out
}

func storeName(name string) string {
	if name = strings.TrimSpace(name); name == "" {
		return defaultStoreName
	}
	return name
}
