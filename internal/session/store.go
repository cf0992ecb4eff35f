// Package session owns the bearer token: acquiring it, persisting it,
// restoring it at startup, and announcing every change on the event bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/storage"
)

// TokenKey is the durable storage slot holding the current bearer token.
const TokenKey = "token"

// Authenticator exchanges credentials for a bearer token.
type Authenticator interface {
	ObtainToken(ctx context.Context, username, password string) (string, error)
}

// Publisher receives session-changed notifications.
type Publisher interface {
	Publish(events.Event)
}

// Store is the single owner of the session token. Every change is written
// through to durable storage before it becomes visible in memory.
//
// A held token only means the client believes it is authenticated; nothing
// here checks expiry.
type Store struct {
	mu     sync.RWMutex
	token  string
	slots  storage.Provider
	auth   Authenticator
	bus    Publisher
	logger *slog.Logger
}

// Open builds a Store and restores a previously persisted token, if any.
func Open(slots storage.Provider, auth Authenticator, bus Publisher, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{slots: slots, auth: auth, bus: bus, logger: logger}

	token, err := s.readSlot()
	if err != nil {
		return nil, fmt.Errorf("session: restore: %w", err)
	}
	if token != "" {
		s.token = token
		logger.Info("session: restored token from storage")
		s.publish(events.SessionRestored, "")
	}
	return s, nil
}

// Token returns the current token. It satisfies gateway.TokenSource.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// Authenticated reports whether a token is held.
func (s *Store) Authenticated() bool {
	_, ok := s.Token()
	return ok
}

// Login clears any held token, then exchanges the credentials for a new one.
// The old token is dropped first so no request issued during the round trip
// carries stale privileges. On failure the session stays unauthenticated.
func (s *Store) Login(ctx context.Context, username, password string) (string, error) {
	if err := s.clear(events.SessionLogout, "login"); err != nil {
		return "", err
	}

	if strings.TrimSpace(username) == "" {
		return "", apperr.Invalid("username", "is required")
	}
	if password == "" {
		return "", apperr.Invalid("password", "is required")
	}

	token, err := s.auth.ObtainToken(ctx, username, password)
	if err != nil {
		s.logger.Warn("session: login failed",
			slog.String("username", username),
			slog.String("error", err.Error()))
		return "", err
	}

	if err := s.set(token); err != nil {
		return "", err
	}
	s.logger.Info("session: logged in", slog.String("username", username))
	s.publish(events.SessionLogin, "")
	return token, nil
}

// Logout drops the token from memory and storage. Calling it without a
// session is a no-op.
func (s *Store) Logout() error {
	return s.clear(events.SessionLogout, "logout")
}

// Invalidate drops the token because the server rejected it.
func (s *Store) Invalidate(reason string) error {
	return s.clear(events.SessionInvalidated, reason)
}

// Watch follows outside changes to the token slot (another process logging in
// or out) until ctx is done. Providers without change notification return
// immediately.
func (s *Store) Watch(ctx context.Context) error {
	w, ok := s.slots.(storage.Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, s.logger, func(key string) {
		if key == TokenKey {
			s.reconcile()
		}
	})
}

// reconcile re-reads the slot and adopts it when it differs from memory.
func (s *Store) reconcile() {
	s.mu.Lock()
	stored, err := s.readSlot()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("session: reread token slot failed", slog.String("error", err.Error()))
		return
	}
	if stored == s.token {
		s.mu.Unlock()
		return
	}
	s.token = stored
	s.mu.Unlock()

	s.logger.Info("session: token changed outside this process",
		slog.Bool("authenticated", stored != ""))
	s.publish(events.SessionExternal, "storage")
}

func (s *Store) set(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.slots.Put(TokenKey, []byte(token)); err != nil {
		return fmt.Errorf("session: persist token: %w", err)
	}
	s.token = token
	return nil
}

func (s *Store) clear(kind, reason string) error {
	s.mu.Lock()
	had := s.token != ""
	s.token = ""
	err := s.slots.Delete(TokenKey)
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("session: clear token: %w", err)
	}
	if had {
		s.logger.Info("session: cleared", slog.String("reason", reason))
		s.publish(kind, reason)
	}
	return nil
}

func (s *Store) readSlot() (string, error) {
	data, err := s.slots.Get(TokenKey)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *Store) publish(kind, reason string) {
	if s.bus == nil {
		return
	}
	data := map[string]any{"authenticated": s.Authenticated()}
	if reason != "" {
		data["reason"] = reason
	}
	s.bus.Publish(events.Event{Type: kind, Data: data})
}
