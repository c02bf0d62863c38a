// Package cache holds the in-memory, persistence-mirrored snapshot of a
// remote entity collection. Reads are served synchronously from the
// snapshot (stale data is an acceptable degraded state); a background
// refresh replaces it wholesale when a remote pull succeeds.
package cache

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/bakeline/batch-sync/internal/state"
)

// Model is an entity that can be cached: deep-copyable and identified
// by a stable key.
type Model[T any] interface {
	Clone() T
	Key() string
}

// Collection is the snapshot cache for one entity collection.
// Constructed at session start and injected into the gateway; never
// ambient global state.
type Collection[T Model[T]] struct {
	name   string
	store  *state.Store
	logger *slog.Logger

	mu    sync.RWMutex
	items []T
}

// NewCollection creates an empty collection cache. Call Load before any
// network activity so the UI never sees a blank state.
func NewCollection[T Model[T]](name string, store *state.Store, logger *slog.Logger) *Collection[T] {
	return &Collection[T]{
		name:   name,
		store:  store,
		logger: logger.With(slog.String("collection", name)),
	}
}

// Name returns the collection name, which is also its snapshot key.
func (c *Collection[T]) Name() string { return c.name }

// Load populates the cache from the persisted snapshot. A missing or
// unreadable snapshot leaves the cache empty; the session still works.
func (c *Collection[T]) Load() {
	data, err := c.store.Snapshot(c.name)
	if err != nil {
		c.logger.Warn("reading persisted snapshot failed", slog.String("error", err.Error()))

		return
	}

	if data == nil {
		return
	}

	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		c.logger.Warn("decoding persisted snapshot failed", slog.String("error", err.Error()))

		return
	}

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()

	c.logger.Debug("loaded persisted snapshot", slog.Int("items", len(items)))
}

// All returns deep copies of every cached item. Callers can never
// mutate cache state through the returned slice.
func (c *Collection[T]) All() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]T, len(c.items))
	for i, item := range c.items {
		out[i] = item.Clone()
	}

	return out
}

// Get returns a deep copy of the item with the given key.
func (c *Collection[T]) Get(key string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, item := range c.items {
		if item.Key() == key {
			return item.Clone(), true
		}
	}

	var zero T

	return zero, false
}

// Len returns the number of cached items.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// ReplaceAll overwrites the snapshot wholesale and re-persists it. This
// is the remote-refresh path; there is no partial merge.
func (c *Collection[T]) ReplaceAll(items []T) {
	cloned := make([]T, len(items))
	for i, item := range items {
		cloned[i] = item.Clone()
	}

	c.mu.Lock()
	c.items = cloned
	c.persistLocked()
	c.mu.Unlock()
}

// Put inserts or replaces a single item. This is the optimistic local
// mutation path: the UI sees the change regardless of remote outcome.
func (c *Collection[T]) Put(item T) {
	stored := item.Clone()

	c.mu.Lock()
	replaced := false

	for i := range c.items {
		if c.items[i].Key() == stored.Key() {
			c.items[i] = stored
			replaced = true

			break
		}
	}

	if !replaced {
		c.items = append(c.items, stored)
	}

	c.persistLocked()
	c.mu.Unlock()
}

// Remove deletes the item with the given key, if present.
func (c *Collection[T]) Remove(key string) {
	c.mu.Lock()

	for i := range c.items {
		if c.items[i].Key() == key {
			c.items = append(c.items[:i], c.items[i+1:]...)

			break
		}
	}

	c.persistLocked()
	c.mu.Unlock()
}

// persistLocked mirrors the snapshot to the state store. Persistence
// failures are non-fatal: the session continues in memory and the next
// successful write re-establishes the snapshot. Callers hold c.mu.
func (c *Collection[T]) persistLocked() {
	data, err := json.Marshal(c.items)
	if err != nil {
		c.logger.Error("marshalling snapshot", slog.String("error", err.Error()))

		return
	}

	if err := c.store.SetSnapshot(c.name, data); err != nil {
		c.logger.Warn("persisting snapshot failed, continuing in memory",
			slog.String("error", err.Error()))
	}
}
