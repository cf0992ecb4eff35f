package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/starford/assessdesk/internal/desk"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/expansion"
	"github.com/starford/assessdesk/internal/gateway"
	"github.com/starford/assessdesk/internal/session"
	"github.com/starford/assessdesk/internal/testutil"
)

type env struct {
	backend *testutil.Backend
	router  http.Handler
	bus     *events.Broker
}

// testEnv wires a desk against a fake backend. An empty authToken means the
// control API runs in disabled mode.
func testEnv(t *testing.T, authToken string) *env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend := testutil.NewBackend(t)
	_, slots := testutil.TestSlots(t)

	client, err := gateway.NewClient(gateway.ClientConfig{
		BaseURL:        backend.URL(),
		ResourcePrefix: testutil.Prefix,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	bus := events.NewBroker()
	t.Cleanup(bus.Close)
	store, err := session.Open(slots, client, bus, logger)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	d := desk.New(store, gateway.New(client, store), bus, desk.WithLogger(logger))

	router := NewRouter(d, authToken != "", authToken, bus)
	return &env{backend: backend, router: router, bus: bus}
}

func (e *env) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *env) login(t *testing.T) {
	t.Helper()
	user, pass := e.backend.Credentials()
	w := e.do(t, http.MethodPost, "/session/login", LoginRequest{Username: user, Password: pass})
	if w.Code != http.StatusOK {
		t.Fatalf("login = %d, body = %s", w.Code, w.Body.String())
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := testEnv(t, "")

	var sess SessionResponse
	w := e.do(t, http.MethodGet, "/session", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if w.Code != http.StatusOK || sess.Authenticated {
		t.Fatalf("initial session = %d %+v", w.Code, sess)
	}

	e.login(t)
	w = e.do(t, http.MethodGet, "/session", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if !sess.Authenticated {
		t.Error("session should be authenticated after login")
	}

	w = e.do(t, http.MethodPost, "/session/logout", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout = %d", w.Code)
	}
	w = e.do(t, http.MethodGet, "/session", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &sess)
	if sess.Authenticated {
		t.Error("session should be cleared after logout")
	}
}

func TestLogin_Rejected(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodPost, "/session/login", LoginRequest{Username: "clerk", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad password = %d, want 401", w.Code)
	}
	w = e.do(t, http.MethodPost, "/session/login", LoginRequest{Username: "", Password: "x"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty username = %d, want 422", w.Code)
	}
	if n := len(e.backend.Calls(http.MethodPost)); n != 1 {
		t.Errorf("token requests = %d, want 1", n)
	}
}

func TestListWithoutSession(t *testing.T) {
	e := testEnv(t, "")

	w := e.do(t, http.MethodGet, "/municipalities", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("list without session = %d, want 401", w.Code)
	}
}

func TestCreateAndListMunicipalities(t *testing.T) {
	e := testEnv(t, "")
	e.login(t)

	w := e.do(t, http.MethodPost, "/municipalities", map[string]string{
		"municipal_name": "Springfield",
		"municipal_rate": "0.01",
		"education_rate": "0.002",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodGet, "/municipalities", nil)
	var list MunicipalityListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 1 || list.Municipalities[0].Name != "Springfield" {
		t.Errorf("list = %+v", list)
	}

	w = e.do(t, http.MethodPost, "/municipalities", map[string]string{
		"municipal_name": " SPRINGFIELD",
		"municipal_rate": "0.01",
		"education_rate": "0.002",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("duplicate = %d, want 422", w.Code)
	}
	var body errResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Field != "municipal_name" {
		t.Errorf("field = %q", body.Field)
	}
}

func TestDeleteMunicipality_BackendFailure(t *testing.T) {
	e := testEnv(t, "")
	e.backend.AddMunicipality("Springfield", "0.01", "0.002")
	e.login(t)

	e.backend.Fail(http.MethodDelete, "/municipalities/1/", http.StatusInternalServerError)
	w := e.do(t, http.MethodDelete, "/municipalities/1", nil)
	if w.Code != http.StatusBadGateway {
		t.Errorf("delete on 500 = %d, want 502", w.Code)
	}

	e.backend.Fail(http.MethodDelete, "/municipalities/1/", 0)
	w = e.do(t, http.MethodDelete, "/municipalities/1", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d, want 204", w.Code)
	}
}

func TestToggleMunicipality(t *testing.T) {
	e := testEnv(t, "")
	m := e.backend.AddMunicipality("Springfield", "0.01", "0.002")
	e.backend.AddProperty("R-1", 1000, m.ID)
	e.login(t)

	var row RowResponse
	w := e.do(t, http.MethodPost, "/municipalities/1/toggle", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &row)
	if w.Code != http.StatusOK || !row.Expanded || row.State != expansion.Loaded || len(row.Children) != 1 {
		t.Fatalf("expand = %d %+v", w.Code, row)
	}

	w = e.do(t, http.MethodPost, "/municipalities/1/toggle", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &row)
	if row.Expanded {
		t.Error("second toggle should collapse")
	}

	w = e.do(t, http.MethodGet, "/municipalities/1/row", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &row)
	if row.Expanded || row.State != expansion.Loaded {
		t.Errorf("row = %+v", row)
	}
}

func TestInvalidID(t *testing.T) {
	e := testEnv(t, "")

	for _, path := range []string{"/municipalities/abc/row", "/municipalities/0/row"} {
		w := e.do(t, http.MethodGet, path, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", path, w.Code)
		}
	}
}

func TestPropertyEndpoints(t *testing.T) {
	e := testEnv(t, "")
	m := e.backend.AddMunicipality("Springfield", "0.01", "0.002")
	e.login(t)

	w := e.do(t, http.MethodPost, "/properties", map[string]any{
		"assessment_roll_number": "R-1",
		"assessment_value":       "150000",
		"municipal_id":           m.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d, body = %s", w.Code, w.Body.String())
	}

	w = e.do(t, http.MethodPatch, "/properties/99", map[string]string{"assessment_roll_number": "R-9"})
	if w.Code != http.StatusNotFound {
		t.Errorf("patch missing = %d, want 404", w.Code)
	}

	w = e.do(t, http.MethodPatch, "/properties/2", map[string]string{})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty patch = %d, want 422", w.Code)
	}

	w = e.do(t, http.MethodGet, "/properties", nil)
	var list PropertyListResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Total != 1 || list.Properties[0].MunicipalID != m.ID {
		t.Errorf("list = %+v", list)
	}

	w = e.do(t, http.MethodDelete, "/properties/2", nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("delete = %d", w.Code)
	}
}

func TestInvalidJSON(t *testing.T) {
	e := testEnv(t, "")

	req := httptest.NewRequest(http.MethodPost, "/municipalities", strings.NewReader("{"))
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad json = %d, want 400", w.Code)
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	e := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("Authorization", "Bearer secret123")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authed = %d, want 200", w.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	e := testEnv(t, "secret123")

	w := e.do(t, http.MethodGet, "/session", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthed = %d, want 401", w.Code)
	}
}

func TestAuthMiddleware_WrongToken(t *testing.T) {
	e := testEnv(t, "secret123")

	req := httptest.NewRequest(http.MethodGet, "/session", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token = %d, want 401", w.Code)
	}
}

func TestSSEEvents_AuthProtected(t *testing.T) {
	e := testEnv(t, "secret")

	w := e.do(t, http.MethodGet, "/events", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("SSE no auth = %d, want 401", w.Code)
	}
}

func TestSSEEvents_StreamsSessionChange(t *testing.T) {
	e := testEnv(t, "")
	server := httptest.NewServer(e.router)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	for e.bus.SubscriberCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	e.login(t)

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if scanner.Text() == "event: "+events.SessionLogin {
			return
		}
	}
	t.Fatalf("no %s event before stream ended: %v", events.SessionLogin, scanner.Err())
}
