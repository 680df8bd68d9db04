// Package cache provides the copy-on-write observable record cache that backs
// profile and membership views.
//
// Every mutation publishes a new immutable Snapshot and synchronously
// re-evaluates registered derived views. A view's callback runs only when its
// projected value changed by value equality, so each view observes at most
// one notification per mutation.
package cache

import (
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Unsubscribe removes a derived view. Calling it more than once is a no-op.
type Unsubscribe func()

// Option configures a Cache.
type Option[V any] func(*options[V])

type options[V any] struct {
	name   string
	clone  func(V) V
	equal  func(a, b V) bool
	logger *slog.Logger
}

// WithName labels log records emitted by the cache.
func WithName[V any](name string) Option[V] {
	return func(opts *options[V]) {
		if name != "" {
			opts.name = name
		}
	}
}

// WithClone configures deep copy for values that hold reference types, so
// snapshots never alias caller-owned memory.
func WithClone[V any](clone func(V) V) Option[V] {
	return func(opts *options[V]) {
		if clone != nil {
			opts.clone = clone
		}
	}
}

// WithEqual overrides the value equality used to detect no-op writes.
func WithEqual[V any](equal func(a, b V) bool) Option[V] {
	return func(opts *options[V]) {
		if equal != nil {
			opts.equal = equal
		}
	}
}

// WithLogger configures the logger used to report recovered observer panics.
func WithLogger[V any](logger *slog.Logger) Option[V] {
	return func(opts *options[V]) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// Cache is a keyed record cache with snapshot publication and derived views.
//
// Cache is safe for concurrent use. Writers serialize on an internal lock;
// notification runs outside that lock on whichever writer wins the delivery
// turn, so observers may call back into the cache, including writes. An
// uncontended writer has notified every view before Put, Merge or Delete
// returns; a writer racing an active delivery hands its snapshot to that
// deliverer instead.
type Cache[K comparable, V any] struct {
	opts options[V]

	mu         sync.Mutex
	current    Snapshot[K, V]
	views      map[uint64]view[K, V]
	nextViewID uint64
	delivering bool
	delivered  uint64
}

// view is a registered derived projection.
type view[K comparable, V any] interface {
	deliver(snapshot Snapshot[K, V])
}

// New creates an empty cache.
func New[K comparable, V any](opts ...Option[V]) *Cache[K, V] {
	resolved := options[V]{
		name:   "cache",
		equal:  defaultEqual[V],
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&resolved)
	}

	return &Cache[K, V]{
		opts: resolved,
		current: Snapshot[K, V]{
			entries: make(map[K]V),
			clone:   resolved.clone,
		},
		views: make(map[uint64]view[K, V]),
	}
}

// Snapshot returns the current immutable snapshot.
func (c *Cache[K, V]) Snapshot() Snapshot[K, V] {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// Get returns the current entry for key. A miss is not an error.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	return c.Snapshot().Get(key)
}

// Pick returns the current entries whose keys satisfy keep.
func (c *Cache[K, V]) Pick(keep func(K) bool) map[K]V {
	return c.Snapshot().Pick(keep)
}

// Put inserts or overwrites one entry.
func (c *Cache[K, V]) Put(key K, value V) {
	c.Merge(map[K]V{key: value})
}

// Merge applies all entries as one mutation with last-write-wins per key.
//
// It reports whether any entry changed. Merging values equal to the current
// ones publishes nothing, which makes repeated merges idempotent.
func (c *Cache[K, V]) Merge(entries map[K]V) bool {
	if len(entries) == 0 {
		return false
	}

	c.mu.Lock()
	var next map[K]V
	for key, value := range entries {
		if existing, ok := c.current.entries[key]; ok && c.opts.equal(existing, value) {
			continue
		}
		if next == nil {
			next = maps.Clone(c.current.entries)
		}
		next[key] = c.cloneValue(value)
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}

	c.publishLocked(next)
	return true
}

// Delete removes keys as one mutation and reports whether any key was present.
func (c *Cache[K, V]) Delete(keys ...K) bool {
	c.mu.Lock()
	var next map[K]V
	for _, key := range keys {
		if _, ok := c.current.entries[key]; !ok {
			continue
		}
		if next == nil {
			next = maps.Clone(c.current.entries)
		}
		delete(next, key)
	}
	if next == nil {
		c.mu.Unlock()
		return false
	}

	c.publishLocked(next)
	return true
}

// publishLocked swaps in a new snapshot, releases c.mu, and delivers it.
func (c *Cache[K, V]) publishLocked(next map[K]V) {
	c.current = Snapshot[K, V]{
		entries: next,
		version: c.current.version + 1,
		clone:   c.opts.clone,
	}
	if c.delivering {
		// The active deliverer picks up the newer version before it returns.
		c.mu.Unlock()
		return
	}
	c.delivering = true

	for c.delivered != c.current.version {
		snapshot := c.current
		views := make([]view[K, V], 0, len(c.views))
		for _, registered := range c.views {
			views = append(views, registered)
		}
		c.delivered = snapshot.version
		c.mu.Unlock()

		for _, registered := range views {
			registered.deliver(snapshot)
		}

		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Cache[K, V]) unregister(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.views, id)
}

// ViewCount returns the number of registered derived views.
func (c *Cache[K, V]) ViewCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.views)
}

func (c *Cache[K, V]) cloneValue(value V) V {
	if c.opts.clone == nil {
		return value
	}

	return c.opts.clone(value)
}

// derived is one projection registered through Subscribe.
//
// last is only touched by the single active deliverer or by Subscribe before
// registration, so it needs no lock of its own.
type derived[K comparable, V any, P any] struct {
	cache    *Cache[K, V]
	project  func(Snapshot[K, V]) P
	onChange func(P)
	equal    func(a, b P) bool
	last     P
	version  uint64
	closed   atomic.Bool
}

func (d *derived[K, V, P]) deliver(snapshot Snapshot[K, V]) {
	if d.closed.Load() || snapshot.version <= d.version {
		return
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			d.cache.opts.logger.Error("cache observer panic recovered",
				"cache", d.cache.opts.name,
				"version", snapshot.version,
				"error", fmt.Sprint(recovered),
			)
		}
	}()

	d.version = snapshot.version
	next := d.project(snapshot)
	if d.equal(d.last, next) {
		return
	}
	d.last = next
	if d.onChange != nil && !d.closed.Load() {
		d.onChange(next)
	}
}

// Subscribe registers a derived view and returns its value on the current snapshot.
//
// onChange runs synchronously after later mutations whose projected value
// differs from the last delivered one. After unsubscribe returns, no new
// notification starts for this view.
func Subscribe[K comparable, V any, P any](
	c *Cache[K, V],
	project func(Snapshot[K, V]) P,
	onChange func(P),
) (P, Unsubscribe) {
	return SubscribeEqual(c, project, onChange, defaultEqual[P])
}

// SubscribeEqual is Subscribe with an explicit equality for projected values.
func SubscribeEqual[K comparable, V any, P any](
	c *Cache[K, V],
	project func(Snapshot[K, V]) P,
	onChange func(P),
	equal func(a, b P) bool,
) (P, Unsubscribe) {
	if equal == nil {
		equal = defaultEqual[P]
	}
	registered := &derived[K, V, P]{
		cache:    c,
		project:  project,
		onChange: onChange,
		equal:    equal,
	}

	initial, id := registerDerived(c, registered)

	var once sync.Once
	return initial, func() {
		once.Do(func() {
			registered.closed.Store(true)
			c.unregister(id)
		})
	}
}

// registerDerived projects the current snapshot and registers the view under
// one lock hold, so no mutation falls between the two.
func registerDerived[K comparable, V any, P any](c *Cache[K, V], registered *derived[K, V, P]) (P, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := c.current
	initial := registered.project(snapshot)
	registered.last = initial
	registered.version = snapshot.version
	c.nextViewID++
	id := c.nextViewID
	c.views[id] = registered

	return initial, id
}

// Lookup is the projected value of a single-key view.
type Lookup[V any] struct {
	Value V
	Found bool
}

// WatchKey subscribes to one key.
func WatchKey[K comparable, V any](c *Cache[K, V], key K, onChange func(Lookup[V])) (Lookup[V], Unsubscribe) {
	return Subscribe(c, func(snapshot Snapshot[K, V]) Lookup[V] {
		value, found := snapshot.Get(key)
		return Lookup[V]{Value: value, Found: found}
	}, onChange)
}

// WatchKeys subscribes to the sub-mapping of keys, omitting misses.
func WatchKeys[K comparable, V any](c *Cache[K, V], keys []K, onChange func(map[K]V)) (map[K]V, Unsubscribe) {
	owned := append([]K(nil), keys...)
	return Subscribe(c, func(snapshot Snapshot[K, V]) map[K]V {
		return snapshot.PickKeys(owned)
	}, onChange)
}

func defaultEqual[T any](a, b T) bool {
	return cmp.Equal(a, b, cmpopts.EquateEmpty())
}
