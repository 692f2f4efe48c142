package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	runnable "github.com/goliatone/go-runnable"
	"github.com/goliatone/go-runnable/events"
	"github.com/goliatone/go-runnable/runner"
	"github.com/goliatone/go-runnable/state"
)

// Identity names a cached callable. Pipeline and Step are required once
// caching is active.
type Identity struct {
	Pipeline string
	Step     string
	Fn       string
}

func (id Identity) String() string {
	parts := []string{id.Pipeline, id.Step}
	if id.Fn != "" {
		parts = append(parts, id.Fn)
	}
	return strings.Join(parts, ":")
}

func (id Identity) complete() bool {
	return id.Pipeline != "" && id.Step != ""
}

// Emitter receives cache events. *events.Bus satisfies it.
type Emitter interface {
	Emit(name string, payload any) bool
}

// Entry is the resolved cache slot for one call.
type Entry struct {
	Key string
	TTL time.Duration
}

// Gateway reads and writes the cached results of one callable.
type Gateway struct {
	identity Identity
	cfg      Config
	factory  *Factory

	mu    sync.Mutex
	store Store
}

// NewGateway validates cfg against id. A statically active config without
// a pipeline name or step label fails here; one driven by ActiveFunc fails
// on the first active lookup.
func NewGateway(id Identity, cfg Config, factory *Factory) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		factory = Default()
	}
	g := &Gateway{identity: id, cfg: cfg, factory: factory}
	if cfg.staticallyActive() && !id.complete() {
		return nil, g.identityFault()
	}
	return g, nil
}

func (g *Gateway) Identity() Identity {
	return g.identity
}

// Resolve decides whether the call is cached for s and computes its key and
// TTL. ok is false when caching is inactive.
func (g *Gateway) Resolve(ctx context.Context, s runnable.State) (Entry, bool, error) {
	if err := runnable.Aborted(ctx); err != nil {
		return Entry{}, false, err
	}
	active, err := g.active(s)
	if err != nil || !active {
		return Entry{}, false, err
	}
	if !g.identity.complete() {
		return Entry{}, false, g.identityFault()
	}
	key, err := g.key(s)
	if err != nil {
		return Entry{}, false, err
	}
	ttl, err := g.ttl(s)
	if err != nil {
		return Entry{}, false, err
	}
	return Entry{Key: key, TTL: ttl}, true, nil
}

// Get looks up entry. A lookup exceeding the configured timeout is a miss.
func (g *Gateway) Get(ctx context.Context, entry Entry, emitter Emitter) (any, bool, error) {
	store, err := g.backend()
	if err != nil {
		return nil, false, err
	}

	out, err := runner.Timeout(g.cfg.Timeout).Execute(ctx, func(ctx context.Context) (any, error) {
		raw, found, err := store.Get(ctx, entry.Key)
		if err != nil || !found {
			return nil, err
		}
		return decode(raw)
	})
	if runnable.IsFault(err, runnable.CodeTimeout) {
		emit(emitter, events.CacheGetTimeout, entry.Key)
		emit(emitter, events.CacheMiss, entry.Key)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		emit(emitter, events.CacheMiss, entry.Key)
		return nil, false, nil
	}
	emit(emitter, events.CacheHit, entry.Key)
	return out, true, nil
}

// Set stores value under entry. Nil values are not cached and a write
// exceeding the configured timeout is dropped.
func (g *Gateway) Set(ctx context.Context, entry Entry, value any, emitter Emitter) error {
	if value == nil {
		return nil
	}
	store, err := g.backend()
	if err != nil {
		return err
	}
	raw, err := encode(value, entry.TTL)
	if err != nil {
		return runnable.NewFault(runnable.ErrStep, "cache value is not serializable", err, map[string]any{
			"key": entry.Key,
		})
	}

	_, err = runner.Timeout(g.cfg.Timeout).Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, store.Set(ctx, entry.Key, raw, entry.TTL)
	})
	if runnable.IsFault(err, runnable.CodeTimeout) {
		emit(emitter, events.CacheSetTimeout, entry.Key)
		return nil
	}
	if err != nil {
		return err
	}
	emit(emitter, events.CacheSet, entry.Key)
	return nil
}

func (g *Gateway) active(s runnable.State) (bool, error) {
	if g.cfg.ActiveFunc != nil {
		return g.cfg.ActiveFunc(s)
	}
	return g.cfg.staticallyActive(), nil
}

func (g *Gateway) key(s runnable.State) (string, error) {
	var (
		suffix string
		err    error
	)
	switch {
	case len(g.cfg.KeyFields) > 0:
		suffix = state.FieldKey(s, g.cfg.KeyFields...)
	case g.cfg.KeyFunc != nil:
		suffix, err = g.cfg.KeyFunc(s)
	case g.cfg.KeySchema != nil:
		var projected runnable.State
		projected, err = g.cfg.KeySchema.Parse(s)
		if err == nil {
			suffix = state.Stringify(projected)
		}
	}
	if err != nil {
		return "", err
	}
	key := g.identity.String()
	if suffix != "" {
		key += ":" + suffix
	}
	return key, nil
}

func (g *Gateway) ttl(s runnable.State) (time.Duration, error) {
	if g.cfg.TTLFunc != nil {
		return g.cfg.TTLFunc(s)
	}
	return g.cfg.TTL, nil
}

func (g *Gateway) backend() (Store, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.store != nil {
		return g.store, nil
	}
	store, err := g.factory.Store(g.cfg)
	if err != nil {
		return nil, err
	}
	g.store = store
	return store, nil
}

func (g *Gateway) identityFault() error {
	return configurationFault("caching requires a pipeline name and a step label", map[string]any{
		"pipeline": g.identity.Pipeline,
		"step":     g.identity.Step,
	})
}

func emit(emitter Emitter, name, key string) {
	if emitter != nil {
		emitter.Emit(name, key)
	}
}
