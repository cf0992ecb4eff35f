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

	"golang.org/x/sync/singleflight"

	"github.com/starford/assessdesk/internal/models"
)

type childEntry struct {
	children []models.Property
}

// ChildCache holds the properties of each municipality, fetched at most once
// per parent until that parent is invalidated.
type ChildCache struct {
	mu      sync.Mutex
	gw      Doer
	entries map[int64]*childEntry
	// gens is bumped on invalidation so a fetch that started before it
	// cannot store a stale result afterwards.
	gens   map[int64]uint64
	epoch  uint64
	group  singleflight.Group
	logger *slog.Logger
}

// NewChildCache returns an empty child cache.
func NewChildCache(gw Doer, logger *slog.Logger) *ChildCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChildCache{
		gw:      gw,
		entries: make(map[int64]*childEntry),
		gens:    make(map[int64]uint64),
		logger:  logger,
	}
}

// Load returns the children of parentID, fetching them only if they are not
// cached. Concurrent calls for the same parent share one request.
func (c *ChildCache) Load(ctx context.Context, parentID int64) ([]models.Property, error) {
	c.mu.Lock()
	if e, ok := c.entries[parentID]; ok {
		out := slices.Clone(e.children)
		c.mu.Unlock()
		return out, nil
	}
	gen, epoch := c.gens[parentID], c.epoch
	c.mu.Unlock()

	// A load that starts after an invalidation must not join a flight that
	// started before it.
	key := fmt.Sprintf("%d/%d/%d", parentID, gen, epoch)
	// The flight outlives any single caller, so it runs detached from the
	// first caller's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		var fetched []models.Property
		query := url.Values{"municipal": {strconv.FormatInt(parentID, 10)}}
		if err := c.gw.Do(fetchCtx, http.MethodGet, "/properties/", query, nil, &fetched); err != nil {
			return nil, err
		}
		// The filter is the server's job; a server that ignores it must not
		// leak other parents' rows into this one.
		children := slices.DeleteFunc(fetched, func(p models.Property) bool {
			return p.MunicipalID != 0 && p.MunicipalID != parentID
		})

		c.mu.Lock()
		if c.gens[parentID] == gen && c.epoch == epoch {
			c.entries[parentID] = &childEntry{children: children}
		}
		c.mu.Unlock()
		return children, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("cache: load children of %d: %w", parentID, ctx.Err())
	case res = <-ch:
	}
	if res.Err != nil {
		c.logger.Error("cache: load children failed",
			slog.Int64("parent_id", parentID),
			slog.String("error", res.Err.Error()))
		return nil, fmt.Errorf("cache: load children of %d: %w", parentID, res.Err)
	}
	v := res.Val
	return slices.Clone(v.([]models.Property)), nil
}

// Peek returns cached children without fetching.
func (c *ChildCache) Peek(parentID int64) ([]models.Property, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[parentID]
	if !ok {
		return nil, false
	}
	return slices.Clone(e.children), true
}

// Owner returns the parent whose cached children include childID.
func (c *ChildCache) Owner(childID int64) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for parentID, e := range c.entries {
		if slices.ContainsFunc(e.children, func(p models.Property) bool { return p.ID == childID }) {
			return parentID, true
		}
	}
	return 0, false
}

// Invalidate drops the cached children of each parent so the next Load
// refetches.
func (c *ChildCache) Invalidate(parentIDs ...int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range parentIDs {
		delete(c.entries, id)
		c.gens[id]++
	}
}

// Reset drops everything.
func (c *ChildCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[int64]*childEntry)
	c.epoch++
}
