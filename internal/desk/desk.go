// Package desk is the assessment desk: it drives the session, the caches,
// row expansion and validation for one user's actions.
package desk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/cache"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/expansion"
	"github.com/starford/assessdesk/internal/models"
	"github.com/starford/assessdesk/internal/session"
	"github.com/starford/assessdesk/internal/validate"
)

const (
	entityMunicipalities = "municipalities"
	entityProperties     = "properties"
)

// Bus is the event bus the desk publishes to and follows.
type Bus interface {
	Publish(events.Event)
	Subscribe() chan events.Event
	Unsubscribe(chan events.Event)
}

// Option configures a Desk.
type Option func(*Desk)

// WithLogoutOnUnauthorized controls whether a 401 from a data endpoint drops
// the session. It is on by default.
func WithLogoutOnUnauthorized(on bool) Option {
	return func(d *Desk) { d.logoutOnUnauthorized = on }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Desk) { d.logger = logger }
}

// Desk serves the municipality and property views.
type Desk struct {
	session        *session.Store
	municipalities *cache.Collection[models.Municipality]
	properties     *cache.Collection[models.Property]
	children       *cache.ChildCache
	rows           *expansion.Controller
	validator      *validate.Validator
	bus            Bus
	logger         *slog.Logger

	logoutOnUnauthorized bool

	mu           sync.Mutex
	inflight     map[string]struct{}
	active       map[string]bool
	reloadCancel context.CancelFunc
	reloads      sync.WaitGroup
}

// New wires a desk over an authenticated gateway. bus may be nil.
func New(store *session.Store, gw cache.Doer, bus Bus, opts ...Option) *Desk {
	d := &Desk{
		session:              store,
		bus:                  bus,
		logger:               slog.Default(),
		logoutOnUnauthorized: true,
		inflight:             make(map[string]struct{}),
		active:               make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.municipalities = cache.NewCollection[models.Municipality](entityMunicipalities, gw, d.logger)
	d.properties = cache.NewCollection[models.Property](entityProperties, gw, d.logger)
	d.children = cache.NewChildCache(gw, d.logger)
	d.rows = expansion.New(d.children, d.logger)
	d.validator = validate.New(gw, d.logger)
	return d
}

// Session returns the session store.
func (d *Desk) Session() *session.Store { return d.session }

// Submitting reports whether any write is waiting on the server.
func (d *Desk) Submitting() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight) > 0
}

// Login replaces the session with one for username.
func (d *Desk) Login(ctx context.Context, username, password string) error {
	_, err := d.session.Login(ctx, username, password)
	return err
}

// Logout drops the session.
func (d *Desk) Logout() error {
	return d.session.Logout()
}

// Reload refetches every collection that has been viewed. Missing or failed
// reloads leave the caches empty rather than stale.
func (d *Desk) Reload(ctx context.Context) error {
	d.mu.Lock()
	municipalities, properties := d.active[entityMunicipalities], d.active[entityProperties]
	d.mu.Unlock()

	var errs []error
	if municipalities {
		if _, err := d.loadMunicipalities(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if properties {
		if _, err := d.loadProperties(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch follows session changes until ctx is done: each change cancels any
// reload still running, clears cached data and expansion, and reloads the
// viewed collections if a session is held.
func (d *Desk) Watch(ctx context.Context) error {
	if d.bus == nil {
		<-ctx.Done()
		return nil
	}
	ch := d.bus.Subscribe()
	defer d.bus.Unsubscribe(ch)
	defer d.stopReload()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if ev.IsSession() {
				d.sessionChanged(ctx, ev.Type)
			}
		}
	}
}

func (d *Desk) sessionChanged(ctx context.Context, kind string) {
	d.mu.Lock()
	if d.reloadCancel != nil {
		d.reloadCancel()
		d.reloadCancel = nil
	}
	d.mu.Unlock()

	d.resetViews()
	d.logger.Info("desk: session changed", slog.String("event", kind), slog.Bool("authenticated", d.session.Authenticated()))
	if !d.session.Authenticated() {
		return
	}

	rctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.reloadCancel = cancel
	d.mu.Unlock()

	d.reloads.Add(1)
	go func() {
		defer d.reloads.Done()
		if err := d.Reload(rctx); err != nil && rctx.Err() == nil {
			d.logger.Warn("desk: reload after session change failed", slog.String("error", err.Error()))
		}
	}()
}

func (d *Desk) stopReload() {
	d.mu.Lock()
	if d.reloadCancel != nil {
		d.reloadCancel()
		d.reloadCancel = nil
	}
	d.mu.Unlock()
	d.reloads.Wait()
}

func (d *Desk) resetViews() {
	d.municipalities.Reset()
	d.properties.Reset()
	d.children.Reset()
	d.rows.Reset()
}

// begin claims the write slot for key, failing if a write is already pending.
func (d *Desk) begin(key string) (done func(), err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inflight[key]; busy {
		return nil, fmt.Errorf("desk: %s: %w", key, apperr.ErrInFlight)
	}
	d.inflight[key] = struct{}{}
	return func() {
		d.mu.Lock()
		delete(d.inflight, key)
		d.mu.Unlock()
	}, nil
}

// check applies the unauthorized policy to a data endpoint failure.
func (d *Desk) check(err error) error {
	if err == nil {
		return nil
	}
	if d.logoutOnUnauthorized && errors.Is(err, apperr.ErrUnauthorized) {
		if ierr := d.session.Invalidate("unauthorized"); ierr != nil {
			d.logger.Error("desk: invalidate session", slog.String("error", ierr.Error()))
		}
	}
	return err
}

func (d *Desk) markActive(entity string) {
	d.mu.Lock()
	d.active[entity] = true
	d.mu.Unlock()
}

func (d *Desk) publish(kind, entity string, id int64) {
	if d.bus == nil {
		return
	}
	data := map[string]any{"entity": entity}
	if id != 0 {
		data["id"] = id
	}
	d.bus.Publish(events.Event{Type: kind, Data: data})
}

func (d *Desk) publishLoaded(entity string, count int) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: events.CollectionLoaded, Data: map[string]any{"entity": entity, "count": count}})
}

func writeKey(entity string, id int64) string {
	return fmt.Sprintf("%s/%d", entity, id)
}
