package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/storage"
)

type fakeAuth struct {
	token string
	err   error
	calls int
	// during is called while the request is "in flight".
	during func()
}

func (f *fakeAuth) ObtainToken(_ context.Context, _, _ string) (string, error) {
	f.calls++
	if f.during != nil {
		f.during()
	}
	return f.token, f.err
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testSlots(t *testing.T) *storage.FS {
	t.Helper()
	fs, err := storage.NewFS(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return fs
}

func TestLogin_PersistsAndRestores(t *testing.T) {
	slots := testSlots(t)
	bus := &recorder{}
	s, err := Open(slots, &fakeAuth{token: "tok-1"}, bus, quietLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Authenticated() {
		t.Fatal("fresh store should be unauthenticated")
	}

	token, err := s.Login(context.Background(), "clerk", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token != "tok-1" {
		t.Errorf("token = %q", token)
	}

	// Simulate a reload.
	restoredBus := &recorder{}
	restored, err := Open(slots, &fakeAuth{}, restoredBus, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, ok := restored.Token()
	if !ok || got != "tok-1" {
		t.Errorf("restored token = %q, %v", got, ok)
	}
	if types := restoredBus.types(); len(types) != 1 || types[0] != events.SessionRestored {
		t.Errorf("restore events = %v", types)
	}
}

func TestLogout_ClearsMemoryAndStorage(t *testing.T) {
	slots := testSlots(t)
	bus := &recorder{}
	s, _ := Open(slots, &fakeAuth{token: "tok"}, bus, quietLogger())
	_, _ = s.Login(context.Background(), "clerk", "pw")

	if err := s.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, ok := s.Token(); ok {
		t.Error("token should be absent after logout")
	}
	if _, err := slots.Get(TokenKey); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("slot still present: %v", err)
	}
	if err := s.Logout(); err != nil {
		t.Fatalf("second Logout: %v", err)
	}

	types := bus.types()
	want := []string{events.SessionLogin, events.SessionLogout}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("events[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestLogin_ClearsOldTokenBeforeRequest(t *testing.T) {
	slots := testSlots(t)
	_ = slots.Put(TokenKey, []byte("stale"))

	auth := &fakeAuth{token: "fresh"}
	s, _ := Open(slots, auth, nil, quietLogger())
	auth.during = func() {
		if _, ok := s.Token(); ok {
			t.Error("stale token still held during login request")
		}
		if _, err := slots.Get(TokenKey); err == nil {
			t.Error("stale token still persisted during login request")
		}
	}

	if _, err := s.Login(context.Background(), "clerk", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}
}

func TestLogin_FailureLeavesUnauthenticated(t *testing.T) {
	slots := testSlots(t)
	_ = slots.Put(TokenKey, []byte("old"))

	s, _ := Open(slots, &fakeAuth{err: apperr.ErrInvalidCredentials}, nil, quietLogger())
	_, err := s.Login(context.Background(), "clerk", "wrong")
	if !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if s.Authenticated() {
		t.Error("failed login must leave the session unauthenticated")
	}
	if _, err := slots.Get(TokenKey); err == nil {
		t.Error("failed login must not leave a persisted token")
	}
}

func TestLogin_EmptyCredentialsSkipNetwork(t *testing.T) {
	auth := &fakeAuth{token: "x"}
	s, _ := Open(testSlots(t), auth, nil, quietLogger())
	_, err := s.Login(context.Background(), "  ", "pw")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if auth.calls != 0 {
		t.Errorf("authenticator called %d times", auth.calls)
	}
}

func TestLogin_EmptyCredentialsDropOldToken(t *testing.T) {
	slots := testSlots(t)
	auth := &fakeAuth{token: "old"}
	s, _ := Open(slots, auth, nil, quietLogger())
	if _, err := s.Login(context.Background(), "clerk", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	_, err := s.Login(context.Background(), "", "")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if tok, ok := s.Token(); ok {
		t.Errorf("token = %q, want none", tok)
	}
	if _, err := slots.Get(TokenKey); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("slot still present: %v", err)
	}
	if auth.calls != 1 {
		t.Errorf("authenticator called %d times, want 1", auth.calls)
	}
}

func TestInvalidate(t *testing.T) {
	bus := &recorder{}
	s, _ := Open(testSlots(t), &fakeAuth{token: "t"}, bus, quietLogger())
	_, _ = s.Login(context.Background(), "clerk", "pw")
	if err := s.Invalidate("unauthorized"); err != nil {
		t.Fatal(err)
	}
	if s.Authenticated() {
		t.Error("still authenticated")
	}
	types := bus.types()
	if types[len(types)-1] != events.SessionInvalidated {
		t.Errorf("last event = %q", types[len(types)-1])
	}
}

func TestClaims(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":    float64(42),
		"token_type": "access",
		"exp":        exp.Unix(),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}

	s, _ := Open(testSlots(t), &fakeAuth{token: signed}, nil, quietLogger())
	if _, ok := s.Claims(); ok {
		t.Error("claims without a token")
	}
	_, _ = s.Login(context.Background(), "clerk", "pw")

	c, ok := s.Claims()
	if !ok {
		t.Fatal("expected claims from JWT token")
	}
	if c.UserID != "42" || c.TokenType != "access" || !c.ExpiresAt.Equal(exp) {
		t.Errorf("claims = %+v", c)
	}
}

func TestClaims_OpaqueToken(t *testing.T) {
	if _, ok := parseClaims("not-a-jwt"); ok {
		t.Error("opaque token should not yield claims")
	}
}

func TestWatch_AdoptsOutsideChange(t *testing.T) {
	slots := testSlots(t)
	bus := &recorder{}
	s, _ := Open(slots, &fakeAuth{}, bus, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	other, _ := storage.NewFS(slots.Root())
	_ = other.Put(TokenKey, []byte("from-other-process"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if tok, _ := s.Token(); tok == "from-other-process" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if tok, _ := s.Token(); tok != "from-other-process" {
		t.Fatalf("token = %q, outside change not adopted", tok)
	}
	found := false
	for _, typ := range bus.types() {
		if typ == events.SessionExternal {
			found = true
		}
	}
	if !found {
		t.Error("no session.external event published")
	}
}
