// Package catalog implements the server-side grain catalog: lazy
// activation, per-grain mutual exclusion, and ordinal-indexed method
// dispatch.
package catalog

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/floegence/grainrpc/grainerrors"
	"github.com/floegence/grainrpc/observability"
)

const numShards = 64

// GrainID names one logical grain instance.
type GrainID struct {
	GrainType string
	GrainKey  string
}

func (id GrainID) shardIndex() int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.GrainType))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id.GrainKey))
	return int(h.Sum32() % numShards)
}

type grainEntry struct {
	construct   func(key string) (any, error)
	handlers    map[uint32]erasedHandler
	methodNames map[uint32]string
}

type activation struct {
	mu       sync.Mutex
	value    any
	lastUsed time.Time

	// ready is closed once construction finishes, successfully or not;
	// err holds the construction failure, if any. Every caller that
	// finds this activation already in the shard map — whether it built
	// it or raced another goroutine for it — waits on ready before
	// touching value, so a failed constructor is reported to every
	// waiter instead of only the one that ran it.
	ready chan struct{}
	err   error
}

type shard struct {
	mu          sync.Mutex
	activations map[GrainID]*activation
}

// Catalog is the server-side registry of grain types and their live
// activations.
type Catalog struct {
	mu    sync.RWMutex
	types map[string]*grainEntry

	shards [numShards]*shard

	evictionIdle time.Duration
	onEvict      func(id GrainID)
	logger       *slog.Logger
	observer     observability.CatalogObserver

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds an empty Catalog. evictionIdle <= 0 disables eviction
// (the default).
func New(evictionIdle time.Duration, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Catalog{
		types:        make(map[string]*grainEntry),
		evictionIdle: evictionIdle,
		logger:       logger,
		observer:     observability.NoopCatalogObserver,
		stopCh:       make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{activations: make(map[GrainID]*activation)}
	}
	return c
}

// SetEvictionCallback installs a callback run whenever the eviction
// sweep deactivates a grain.
func (c *Catalog) SetEvictionCallback(onEvict func(id GrainID)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvict = onEvict
}

// SetObserver installs obs as the metrics sink for catalog events.
// Passing nil restores the no-op observer.
func (c *Catalog) SetObserver(obs observability.CatalogObserver) {
	if obs == nil {
		obs = observability.NoopCatalogObserver
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

func (c *Catalog) registerType(grainType string, entry *grainEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[grainType] = entry
}

// Invoke resolves (or lazily activates) the grain, looks up the method
// handler for ordinal,
// decode the argument, and invoke — recovering from a handler panic and
// classifying it as Internal.
func (c *Catalog) Invoke(ctx context.Context, id GrainID, ordinal uint32, argument json.RawMessage) (result json.RawMessage, err error) {
	c.mu.RLock()
	entry, ok := c.types[id.GrainType]
	c.mu.RUnlock()
	if !ok {
		return nil, grainerrors.New(grainerrors.StageCatalog, grainerrors.CodeInternal, "no grain type registered for manifest entry")
	}
	handler, ok := entry.handlers[ordinal]
	if !ok {
		return nil, grainerrors.New(grainerrors.StageCatalog, grainerrors.CodeUnknownMethod, "no handler registered for ordinal")
	}

	act, err := c.activate(id, entry)
	if err != nil {
		return nil, err
	}

	act.mu.Lock()
	defer act.mu.Unlock()
	act.lastUsed = time.Now()

	return c.invokeHandler(ctx, id.GrainType, handler, act.value, argument)
}

func (c *Catalog) invokeHandler(ctx context.Context, grainType string, handler erasedHandler, value any, argument json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = grainerrors.New(grainerrors.StageCatalog, grainerrors.CodeInternal, "handler panic")
			c.mu.RLock()
			obs := c.observer
			c.mu.RUnlock()
			obs.HandlerPanic(grainType)
		}
	}()
	return handler(ctx, value, argument)
}

func (c *Catalog) activate(id GrainID, entry *grainEntry) (*activation, error) {
	sh := c.shards[id.shardIndex()]
	sh.mu.Lock()
	act, ok := sh.activations[id]
	if ok {
		sh.mu.Unlock()
		<-act.ready
		if act.err != nil {
			return nil, act.err
		}
		return act, nil
	}
	act = &activation{lastUsed: time.Now(), ready: make(chan struct{})}
	sh.activations[id] = act
	sh.mu.Unlock()

	value, err := entry.construct(id.GrainKey)
	if err != nil {
		act.err = grainerrors.Wrap(grainerrors.StageCatalog, grainerrors.CodeInternal, "grain activation failed", err)
		sh.mu.Lock()
		delete(sh.activations, id)
		sh.mu.Unlock()
		close(act.ready)
		return nil, act.err
	}
	act.value = value
	close(act.ready)

	c.mu.RLock()
	obs := c.observer
	c.mu.RUnlock()
	obs.Activated(id.GrainType)
	obs.ActiveGrains(c.ActiveCount())
	return act, nil
}

// Deactivate evicts id immediately, if active.
func (c *Catalog) Deactivate(id GrainID) {
	sh := c.shards[id.shardIndex()]
	sh.mu.Lock()
	_, existed := sh.activations[id]
	delete(sh.activations, id)
	sh.mu.Unlock()
	if existed {
		c.mu.RLock()
		onEvict := c.onEvict
		obs := c.observer
		c.mu.RUnlock()
		obs.Deactivated(id.GrainType)
		obs.ActiveGrains(c.ActiveCount())
		if onEvict != nil {
			onEvict(id)
		}
	}
}

// ActiveCount returns the number of currently active grain instances
// across all shards.
func (c *Catalog) ActiveCount() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		total += len(sh.activations)
		sh.mu.Unlock()
	}
	return total
}

// RunEvictionSweep periodically deactivates grains idle longer than
// evictionIdle. A no-op loop if evictionIdle <= 0.
func (c *Catalog) RunEvictionSweep() {
	if c.evictionIdle <= 0 {
		return
	}
	t := time.NewTicker(c.evictionIdle)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			now := time.Now()
			for _, sh := range c.shards {
				var expired []GrainID
				sh.mu.Lock()
				for id, act := range sh.activations {
					act.mu.Lock()
					idle := now.Sub(act.lastUsed)
					act.mu.Unlock()
					if idle > c.evictionIdle {
						expired = append(expired, id)
					}
				}
				for _, id := range expired {
					delete(sh.activations, id)
				}
				sh.mu.Unlock()
				for _, id := range expired {
					c.logger.Debug("grain evicted", "grain_type", id.GrainType, "grain_key", id.GrainKey)
					c.mu.RLock()
					onEvict := c.onEvict
					obs := c.observer
					c.mu.RUnlock()
					obs.Deactivated(id.GrainType)
					obs.ActiveGrains(c.ActiveCount())
					if onEvict != nil {
						onEvict(id)
					}
				}
			}
		}
	}
}

// Stop ends a running RunEvictionSweep loop.
func (c *Catalog) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}
