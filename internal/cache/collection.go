// Package cache is the in-memory Domain Store: a normalized copy of the
// gateway's collections that is refreshed wholesale and otherwise mutated only
// with gateway-confirmed results.
package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Entity is anything addressable by a numeric id.
type Entity interface {
	EntityID() int64
}

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "failed"
)

// Status describes the load state of one collection.
type Status struct {
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	LoadedAt   time.Time `json:"loadedAt"`
	Generation uint64    `json:"generation"`
	Count      int       `json:"count"`
	err        error
}

func (s Status) Err() error { return s.err }

// Change is emitted after the cached set of a collection changes.
type Change struct {
	Collection string
	Action     string
	ID         int64
}

type Loader[T Entity] func(ctx context.Context) ([]T, error)

type mutation[T Entity] struct {
	remove bool
	item   T
	id     int64
}

// Collection caches one entity collection. Concurrent LoadAll calls share a
// single gateway round-trip; mutations mirrored while that load is in flight
// are replayed on top of its result so a response that predates them cannot
// erase them.
type Collection[T Entity] struct {
	name  string
	load  Loader[T]
	clock func() time.Time

	mu        sync.RWMutex
	items     map[int64]T
	order     []int64
	state     State
	err       error
	loadedAt  time.Time
	gen       uint64
	inFlight  bool
	journal   []mutation[T]
	listeners []func(Change)
	loadHooks []func(name string, err error)

	group singleflight.Group
}

func NewCollection[T Entity](name string, load Loader[T]) *Collection[T] {
	return &Collection[T]{
		name:  name,
		load:  load,
		clock: time.Now,
		items: make(map[int64]T),
		state: StateIdle,
	}
}

func (c *Collection[T]) Name() string { return c.name }

// OnChange registers fn to be called after every applied change.
func (c *Collection[T]) OnChange(fn func(Change)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

// OnLoad registers fn to be called after every completed load.
func (c *Collection[T]) OnLoad(fn func(name string, err error)) {
	c.mu.Lock()
	c.loadHooks = append(c.loadHooks, fn)
	c.mu.Unlock()
}

// LoadAll replaces the cached set with a fresh list from the gateway. On
// failure the previous set stays available and the error is recorded in the
// collection status.
func (c *Collection[T]) LoadAll(ctx context.Context) ([]T, error) {
	ch := c.group.DoChan("load", func() (any, error) {
		return nil, c.doLoad(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return c.All(), res.Err
		}
		return c.All(), nil
	case <-ctx.Done():
		return c.All(), ctx.Err()
	}
}

func (c *Collection[T]) doLoad(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateLoading
	c.inFlight = true
	c.journal = nil
	c.mu.Unlock()

	items, err := c.load(ctx)

	c.mu.Lock()
	c.inFlight = false
	if err != nil {
		c.state = StateFailed
		c.err = err
		c.journal = nil
		hooks := c.loadHooks
		c.mu.Unlock()
		for _, fn := range hooks {
			fn(c.name, err)
		}
		return err
	}

	c.items = make(map[int64]T, len(items))
	c.order = c.order[:0]
	for _, item := range items {
		c.put(item)
	}
	for _, m := range c.journal {
		if m.remove {
			c.drop(m.id)
		} else {
			c.put(m.item)
		}
	}
	c.journal = nil
	c.state = StateReady
	c.err = nil
	c.loadedAt = c.clock()
	c.gen++
	listeners := c.listeners
	hooks := c.loadHooks
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(c.name, nil)
	}
	c.notify(listeners, Change{Collection: c.name, Action: "loaded"})
	return nil
}

// EnsureFresh loads the collection unless it is ready and younger than ttl.
func (c *Collection[T]) EnsureFresh(ctx context.Context, ttl time.Duration) error {
	c.mu.RLock()
	fresh := c.state == StateReady && c.clock().Sub(c.loadedAt) < ttl
	c.mu.RUnlock()
	if fresh {
		return nil
	}
	_, err := c.LoadAll(ctx)
	return err
}

func (c *Collection[T]) Get(id int64) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

// All returns the cached entities in insertion order.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

func (c *Collection[T]) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		State:      c.state,
		LoadedAt:   c.loadedAt,
		Generation: c.gen,
		Count:      len(c.order),
		err:        c.err,
	}
	if c.err != nil {
		st.Error = c.err.Error()
	}
	return st
}

// Insert mirrors a gateway-confirmed create.
func (c *Collection[T]) Insert(item T) {
	c.apply(mutation[T]{item: item}, "created")
}

// Upsert mirrors a gateway-confirmed update, inserting if absent.
func (c *Collection[T]) Upsert(item T) {
	c.apply(mutation[T]{item: item}, "updated")
}

// Remove mirrors a gateway-confirmed delete.
func (c *Collection[T]) Remove(id int64) {
	c.apply(mutation[T]{remove: true, id: id}, "deleted")
}

func (c *Collection[T]) apply(m mutation[T], action string) {
	c.mu.Lock()
	id := m.id
	if m.remove {
		c.drop(m.id)
	} else {
		id = m.item.EntityID()
		c.put(m.item)
	}
	if c.inFlight {
		c.journal = append(c.journal, m)
	}
	c.gen++
	listeners := c.listeners
	c.mu.Unlock()

	c.notify(listeners, Change{Collection: c.name, Action: action, ID: id})
}

func (c *Collection[T]) put(item T) {
	id := item.EntityID()
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = item
}

func (c *Collection[T]) drop(id int64) {
	if _, ok := c.items[id]; !ok {
		return
	}
	delete(c.items, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *Collection[T]) notify(listeners []func(Change), ch Change) {
	for _, fn := range listeners {
		fn(ch)
	}
}
