// Package cache keeps the in-memory copy of the backend collections.
//
// Every mutation is write-then-reconcile: the list changes only after the
// server confirmed the write, and it changes to exactly what the server
// returned. A failed call leaves the list as it was.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"sync"
)

// Record is anything with a server-assigned integer identity.
type Record interface {
	Key() int64
}

// Doer is the gateway surface the cache needs.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) error
}

// Collection is the cached list for one entity.
type Collection[T Record] struct {
	mu     sync.RWMutex
	name   string
	gw     Doer
	items  []T
	loaded bool
	// gen is bumped by Reset so a load that straddles it is dropped.
	gen    uint64
	logger *slog.Logger
}

// NewCollection returns an empty collection served from "/<name>/".
func NewCollection[T Record](name string, gw Doer, logger *slog.Logger) *Collection[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collection[T]{name: name, gw: gw, logger: logger}
}

// Name returns the entity name.
func (c *Collection[T]) Name() string { return c.name }

func (c *Collection[T]) listPath() string { return "/" + c.name + "/" }

func (c *Collection[T]) itemPath(id int64) string {
	return "/" + c.name + "/" + strconv.FormatInt(id, 10) + "/"
}

// Load replaces the whole list with the server's.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()

	var out []T
	if err := c.gw.Do(ctx, http.MethodGet, c.listPath(), nil, nil, &out); err != nil {
		c.logger.Error("cache: load failed", slog.String("entity", c.name), slog.String("error", err.Error()))
		return nil, fmt.Errorf("cache: load %s: %w", c.name, err)
	}
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, fmt.Errorf("cache: load %s: %w", c.name, context.Canceled)
	}
	c.items = out
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug("cache: loaded", slog.String("entity", c.name), slog.Int("count", len(out)))
	return slices.Clone(out), nil
}

// Create posts payload and appends the record the server returned.
func (c *Collection[T]) Create(ctx context.Context, payload any) (T, error) {
	var created T
	if err := c.gw.Do(ctx, http.MethodPost, c.listPath(), nil, payload, &created); err != nil {
		c.logger.Error("cache: create failed", slog.String("entity", c.name), slog.String("error", err.Error()))
		return created, fmt.Errorf("cache: create %s: %w", c.name, err)
	}
	c.mu.Lock()
	c.items = append(c.items, created)
	c.mu.Unlock()
	return created, nil
}

// Update patches record id and swaps in the server's version. A record the
// cache does not hold is left absent.
func (c *Collection[T]) Update(ctx context.Context, id int64, payload any) (T, error) {
	var updated T
	if err := c.gw.Do(ctx, http.MethodPatch, c.itemPath(id), nil, payload, &updated); err != nil {
		c.logger.Error("cache: update failed",
			slog.String("entity", c.name),
			slog.Int64("id", id),
			slog.String("error", err.Error()))
		return updated, fmt.Errorf("cache: update %s %d: %w", c.name, id, err)
	}
	c.mu.Lock()
	if i := c.indexOf(id); i >= 0 {
		c.items[i] = updated
	} else {
		c.logger.Warn("cache: updated record not held", slog.String("entity", c.name), slog.Int64("id", id))
	}
	c.mu.Unlock()
	return updated, nil
}

// Delete removes record id on the server, then locally.
func (c *Collection[T]) Delete(ctx context.Context, id int64) error {
	if err := c.gw.Do(ctx, http.MethodDelete, c.itemPath(id), nil, nil, nil); err != nil {
		c.logger.Error("cache: delete failed",
			slog.String("entity", c.name),
			slog.Int64("id", id),
			slog.String("error", err.Error()))
		return fmt.Errorf("cache: delete %s %d: %w", c.name, id, err)
	}
	c.mu.Lock()
	if i := c.indexOf(id); i >= 0 {
		c.items = slices.Delete(c.items, i, i+1)
	}
	c.mu.Unlock()
	return nil
}

// Prune drops every held record matching fn and returns how many went.
// Only call it to mirror a write the server already confirmed.
func (c *Collection[T]) Prune(fn func(T) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	before := len(c.items)
	c.items = slices.DeleteFunc(c.items, fn)
	return before - len(c.items)
}

// Items returns a copy of the held list.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.items)
}

// Get returns the held record with the given id.
func (c *Collection[T]) Get(id int64) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i := c.indexOf(id); i >= 0 {
		return c.items[i], true
	}
	var zero T
	return zero, false
}

// Loaded reports whether Load has succeeded since the last Reset.
func (c *Collection[T]) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Reset forgets the list.
func (c *Collection[T]) Reset() {
	c.mu.Lock()
	c.items = nil
	c.loaded = false
	c.gen++
	c.mu.Unlock()
}

// indexOf must be called with mu held.
func (c *Collection[T]) indexOf(id int64) int {
	return slices.IndexFunc(c.items, func(item T) bool { return item.Key() == id })
}
