// Package expansion tracks which municipality rows are expanded and the load
// state of their children.
package expansion

import (
	"context"
	"log/slog"
	"sync"

	"github.com/starford/assessdesk/internal/models"
)

// ChildState is the load state of one row's children.
type ChildState string

const (
	NotLoaded ChildState = "not_loaded"
	Loading   ChildState = "loading"
	Loaded    ChildState = "loaded"
	Failed    ChildState = "failed"
)

// Children is the subset of the child cache the controller reads.
type Children interface {
	Load(ctx context.Context, parentID int64) ([]models.Property, error)
	Peek(parentID int64) ([]models.Property, bool)
}

// Row is a snapshot of one row.
type Row struct {
	ID       int64             `json:"id"`
	Expanded bool              `json:"expanded"`
	State    ChildState        `json:"state"`
	Children []models.Property `json:"children,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type rowState struct {
	expanded bool
	loading  bool
	err      error
}

// Controller holds per-row expansion. Loaded children live in the child
// cache, so a row whose cache entry was invalidated reads as NotLoaded.
type Controller struct {
	mu       sync.Mutex
	rows     map[int64]*rowState
	children Children
	logger   *slog.Logger
}

// New returns a controller with every row collapsed.
func New(children Children, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		rows:     make(map[int64]*rowState),
		children: children,
		logger:   logger,
	}
}

// Toggle flips row id and returns its new state.
func (c *Controller) Toggle(ctx context.Context, id int64) (Row, error) {
	c.mu.Lock()
	r := c.row(id)
	expanded := r.expanded
	c.mu.Unlock()

	if expanded {
		return c.Collapse(id), nil
	}
	return c.Expand(ctx, id)
}

// Expand opens row id, loading its children only if they are not cached.
// The returned error is the load failure, also recorded on the row.
func (c *Controller) Expand(ctx context.Context, id int64) (Row, error) {
	c.mu.Lock()
	r := c.row(id)
	r.expanded = true
	if _, ok := c.children.Peek(id); ok || r.loading {
		row := c.snapshot(id, r)
		c.mu.Unlock()
		return row, nil
	}
	r.loading = true
	r.err = nil
	c.mu.Unlock()

	_, err := c.children.Load(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Reset may have replaced the row while the load ran.
	if cur, ok := c.rows[id]; ok && cur == r {
		r.loading = false
		r.err = err
	}
	if err != nil {
		c.logger.Warn("expansion: child load failed", slog.Int64("id", id), slog.String("error", err.Error()))
	}
	return c.snapshot(id, c.row(id)), err
}

// Collapse closes row id. It never fetches and keeps cached children.
func (c *Controller) Collapse(id int64) Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.row(id)
	r.expanded = false
	return c.snapshot(id, r)
}

// Row returns the current view of row id.
func (c *Controller) Row(id int64) Row {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rows[id]
	if !ok {
		r = &rowState{}
	}
	return c.snapshot(id, r)
}

// Expanded returns the ids of every expanded row.
func (c *Controller) Expanded() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for id, r := range c.rows {
		if r.expanded {
			ids = append(ids, id)
		}
	}
	return ids
}

// Forget drops row id, for a municipality that no longer exists.
func (c *Controller) Forget(id int64) {
	c.mu.Lock()
	delete(c.rows, id)
	c.mu.Unlock()
}

// Reset collapses every row.
func (c *Controller) Reset() {
	c.mu.Lock()
	c.rows = make(map[int64]*rowState)
	c.mu.Unlock()
}

// row must be called with mu held.
func (c *Controller) row(id int64) *rowState {
	r, ok := c.rows[id]
	if !ok {
		r = &rowState{}
		c.rows[id] = r
	}
	return r
}

// snapshot must be called with mu held.
func (c *Controller) snapshot(id int64, r *rowState) Row {
	row := Row{ID: id, Expanded: r.expanded}
	switch children, ok := c.children.Peek(id); {
	case r.loading:
		row.State = Loading
	case ok:
		row.State = Loaded
		row.Children = children
	case r.err != nil:
		row.State = Failed
		row.Error = r.err.Error()
	default:
		row.State = NotLoaded
	}
	return row
}
