package chatsync

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultStaleAfter is how long a fetched value is served without a re-fetch.
const DefaultStaleAfter = 5 * time.Minute

// Key identifies one cached query result.
type Key string

// ConversationsKey is the cache key of a user's conversation list ([]v1.Conversation).
func ConversationsKey(userID string) Key { return Key("conversations:" + userID) }

// MessagesKey is the cache key of a conversation's thread ([]Message).
func MessagesKey(conversationID string) Key { return Key("messages:" + conversationID) }

// Entry is a snapshot of one cached value.
type Entry struct {
	Value any

	// FetchedAt is the time of the last Write or successful load. Zero if the value
	// only ever came from Merge.
	FetchedAt time.Time

	// Stale is set by Invalidate (and by Merge on an absent key); the next Fetch reloads.
	Stale bool

	// Generation increases on every mutation of the key.
	Generation uint64
}

// Fresh reports whether e can be served without a reload at now.
func (e Entry) Fresh(now time.Time, staleAfter time.Duration) bool {
	if e.Stale || e.FetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.FetchedAt) < staleAfter
}

// Loader produces the authoritative value of a key.
type Loader func(ctx context.Context) (any, error)

// Reconciler combines the cached value with a freshly loaded one. It must be pure.
type Reconciler func(current, loaded any) any

// Listener is notified after a key changes.
type Listener func(key Key, e Entry)

// Cache is the keyed client-side store shared by the controllers.
//
// Every mutation runs under one mutex, so updaters passed to Merge are atomic with
// respect to each other. Listeners run after the mutex is released, one at a time
// and in mutation order; a listener may call back into the Cache.
type Cache struct {
	now        func() time.Time
	staleAfter time.Duration

	mu        sync.Mutex
	entries   map[Key]Entry
	listeners map[Key]map[uint64]Listener
	nextID    uint64
	queue     []notification
	draining  bool

	loads singleflight.Group
}

type notification struct {
	key   Key
	entry Entry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithStaleAfter sets the freshness window used by Fetch.
func WithStaleAfter(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

// WithCacheClock overrides time.Now (tests).
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCache returns an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		now:        time.Now,
		staleAfter: DefaultStaleAfter,
		entries:    make(map[Key]Entry),
		listeners:  make(map[Key]map[uint64]Listener),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StaleAfter returns the configured freshness window.
func (c *Cache) StaleAfter() time.Duration { return c.staleAfter }

// Now returns the cache clock's current time.
func (c *Cache) Now() time.Time { return c.now() }

// Read returns the cached entry for key.
func (c *Cache) Read(key Key) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok
}

// Write replaces the value of key, clears Stale and notifies listeners.
func (c *Cache) Write(key Key, value any) Entry {
	c.mu.Lock()
	e := c.entries[key]
	e = Entry{Value: value, FetchedAt: c.now(), Generation: e.Generation + 1}
	c.setLocked(key, e)
	c.mu.Unlock()

	c.drain()
	return e
}

// MergeExisting is Merge for keys that are already cached. Absent keys are left
// absent and ok is false.
func (c *Cache) MergeExisting(key Key, fn func(old any) any) (Entry, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return Entry{}, false
	}
	e.Value = fn(e.Value)
	e.Generation++
	c.setLocked(key, e)
	c.mu.Unlock()

	c.drain()
	return e, true
}

// Merge applies fn to the current value of key and stores the result.
// ok is false when the key is absent; the new entry is then marked Stale so that
// a partial value built from events is completed by the next Fetch.
func (c *Cache) Merge(key Key, fn func(old any, ok bool) any) Entry {
	c.mu.Lock()
	old, ok := c.entries[key]
	e := old
	e.Value = fn(old.Value, ok)
	e.Generation = old.Generation + 1
	if !ok {
		e.Stale = true
	}
	c.setLocked(key, e)
	c.mu.Unlock()

	c.drain()
	return e
}

// Invalidate marks key stale and notifies listeners. Absent keys are ignored.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	e.Stale = true
	e.Generation++
	c.setLocked(key, e)
	c.mu.Unlock()

	c.drain()
}

// Subscribe registers fn for changes of key. The returned func removes it and is idempotent.
func (c *Cache) Subscribe(key Key, fn Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[key] == nil {
		c.listeners[key] = make(map[uint64]Listener)
	}
	c.listeners[key][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners[key], id)
			if len(c.listeners[key]) == 0 {
				delete(c.listeners, key)
			}
			c.mu.Unlock()
		})
	}
}

// Fetch returns the value of key, loading it when absent, stale or older than the
// freshness window. Concurrent loads of one key share a single Loader call.
//
// When reconcile is non-nil it combines the cached value (if any) with the loaded
// one. Without it the loaded value replaces the cached one, and is left Stale if
// the key changed while the load was in flight so that the next Fetch reloads.
func (c *Cache) Fetch(ctx context.Context, key Key, load Loader, reconcile Reconciler) (Entry, error) {
	if e, ok := c.Read(key); ok && e.Fresh(c.now(), c.staleAfter) {
		return e, nil
	}

	v, err, _ := c.loads.Do(string(key), func() (any, error) {
		c.mu.Lock()
		gen := c.entries[key].Generation
		c.mu.Unlock()

		loaded, err := load(ctx)
		if err != nil {
			return Entry{}, err
		}
		return c.storeLoaded(key, gen, loaded, reconcile), nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

func (c *Cache) storeLoaded(key Key, gen uint64, loaded any, reconcile Reconciler) Entry {
	c.mu.Lock()
	cur, ok := c.entries[key]
	e := Entry{Value: loaded, FetchedAt: c.now(), Generation: cur.Generation + 1}
	switch {
	case ok && reconcile != nil:
		e.Value = reconcile(cur.Value, loaded)
	case ok && cur.Generation != gen:
		e.Stale = true
	}
	c.setLocked(key, e)
	c.mu.Unlock()

	c.drain()
	return e
}

// setLocked stores e and queues its notification. c.mu must be held.
func (c *Cache) setLocked(key Key, e Entry) {
	c.entries[key] = e
	if len(c.listeners[key]) > 0 {
		c.queue = append(c.queue, notification{key: key, entry: e})
	}
}

// drain delivers queued notifications. Only one goroutine drains at a time, which
// keeps delivery in mutation order; others return immediately and leave their
// notifications to the active drainer.
func (c *Cache) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true

	for len(c.queue) > 0 {
		n := c.queue[0]
		c.queue[0] = notification{}
		c.queue = c.queue[1:]

		fns := make([]Listener, 0, len(c.listeners[n.key]))
		for _, fn := range c.listeners[n.key] {
			fns = append(fns, fn)
		}
		c.mu.Unlock()

		for _, fn := range fns {
			fn(n.key, n.entry)
		}

		c.mu.Lock()
	}

	c.draining = false
	c.mu.Unlock()
}
