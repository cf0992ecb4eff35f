package desk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/starford/assessdesk/internal/apperr"
	"github.com/starford/assessdesk/internal/events"
	"github.com/starford/assessdesk/internal/expansion"
	"github.com/starford/assessdesk/internal/gateway"
	"github.com/starford/assessdesk/internal/models"
	"github.com/starford/assessdesk/internal/session"
	"github.com/starford/assessdesk/internal/testutil"
)

type fixture struct {
	desk    *Desk
	backend *testutil.Backend
	bus     *events.Broker
	store   *session.Store
}

func newFixture(t *testing.T, opts ...Option) *fixture {
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

	d := New(store, gateway.New(client, store), bus, append([]Option{WithLogger(logger)}, opts...)...)
	user, pass := backend.Credentials()
	if err := d.Login(context.Background(), user, pass); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return &fixture{desk: d, backend: backend, bus: bus, store: store}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func childFetches(b *testutil.Backend, parent string) int {
	n := 0
	for _, c := range b.Calls(http.MethodGet) {
		if c.Query == "municipal="+parent {
			n++
		}
	}
	return n
}

func TestCreateMunicipality_AppendsEcho(t *testing.T) {
	f := newFixture(t)
	f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	ctx := context.Background()

	if _, err := f.desk.ListMunicipalities(ctx); err != nil {
		t.Fatalf("ListMunicipalities: %v", err)
	}
	created, err := f.desk.CreateMunicipality(ctx, models.MunicipalityFields{
		Name:          models.Ptr("Shelbyville"),
		MunicipalRate: models.Ptr(decimal.RequireFromString("0.015")),
		EducationRate: models.Ptr(decimal.RequireFromString("0.003")),
	})
	if err != nil {
		t.Fatalf("CreateMunicipality: %v", err)
	}

	items, _ := f.desk.ListMunicipalities(ctx)
	if len(items) != 2 {
		t.Fatalf("items = %d, want 2", len(items))
	}
	last := items[1]
	if last.ID != created.ID || last.Name != "Shelbyville" || !last.MunicipalRate.Equal(decimal.RequireFromString("0.015")) {
		t.Errorf("appended %+v, created %+v", last, created)
	}
	if f.desk.Submitting() {
		t.Error("Submitting should be false after the write returns")
	}
}

func TestCreateMunicipality_DuplicateName(t *testing.T) {
	f := newFixture(t)
	f.backend.AddMunicipality("Springfield", "0.01", "0.002")

	_, err := f.desk.CreateMunicipality(context.Background(), models.MunicipalityFields{
		Name:          models.Ptr("springfield "),
		MunicipalRate: models.Ptr(decimal.RequireFromString("0.01")),
		EducationRate: models.Ptr(decimal.RequireFromString("0.01")),
	})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
	if n := f.backend.Writes(); n != 0 {
		t.Errorf("writes = %d, want 0", n)
	}
}

func TestDeleteMunicipality_ServerErrorKeepsList(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	f.backend.AddMunicipality("Shelbyville", "0.01", "0.002")
	ctx := context.Background()
	if _, err := f.desk.ListMunicipalities(ctx); err != nil {
		t.Fatalf("ListMunicipalities: %v", err)
	}

	f.backend.Fail(http.MethodDelete, "/municipalities/1/", http.StatusInternalServerError)
	err := f.desk.DeleteMunicipality(ctx, m.ID)
	if !errors.Is(err, apperr.ErrServer) {
		t.Fatalf("err = %v, want ErrServer", err)
	}
	if items, _ := f.desk.ListMunicipalities(ctx); len(items) != 2 {
		t.Errorf("items = %d, want 2", len(items))
	}
	if !f.store.Authenticated() {
		t.Error("a 500 must not end the session")
	}
}

func TestDeleteMunicipality_DropsProperties(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	other := f.backend.AddMunicipality("Shelbyville", "0.01", "0.002")
	f.backend.AddProperty("R-1", 1000, m.ID)
	f.backend.AddProperty("R-2", 2000, m.ID)
	f.backend.AddProperty("R-3", 3000, other.ID)
	ctx := context.Background()

	if _, err := f.desk.ListMunicipalities(ctx); err != nil {
		t.Fatalf("ListMunicipalities: %v", err)
	}
	if _, err := f.desk.ListProperties(ctx); err != nil {
		t.Fatalf("ListProperties: %v", err)
	}
	if _, err := f.desk.ExpandMunicipality(ctx, m.ID); err != nil {
		t.Fatalf("ExpandMunicipality: %v", err)
	}
	if prompt := f.desk.DeletePrompt(m); !strings.Contains(prompt, "its 2 properties") {
		t.Errorf("prompt = %q", prompt)
	}

	if err := f.desk.DeleteMunicipality(ctx, m.ID); err != nil {
		t.Fatalf("DeleteMunicipality: %v", err)
	}
	props, _ := f.desk.ListProperties(ctx)
	if len(props) != 1 || props[0].RollNumber != "R-3" {
		t.Errorf("properties = %+v", props)
	}
	if row := f.desk.MunicipalityRow(m.ID); row.Expanded || row.State != expansion.NotLoaded {
		t.Errorf("row = %+v", row)
	}
	if _, err := f.desk.Municipality(m.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Municipality after delete: %v", err)
	}
}

func TestToggleMunicipality_FetchesOnce(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	f.backend.AddProperty("R-1", 1000, m.ID)
	ctx := context.Background()

	for i := range 3 {
		row, err := f.desk.ToggleMunicipality(ctx, m.ID)
		if err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
		if row.Expanded != (i%2 == 0) {
			t.Errorf("toggle %d: expanded = %v", i, row.Expanded)
		}
	}
	row := f.desk.MunicipalityRow(m.ID)
	if row.State != expansion.Loaded || len(row.Children) != 1 {
		t.Fatalf("row = %+v", row)
	}
	// tax = 1000 * (0.01 + 0.002)
	if !row.Children[0].PropertyTax.Equal(decimal.NewFromInt(12)) {
		t.Errorf("property tax = %s", row.Children[0].PropertyTax)
	}
	if n := childFetches(f.backend, "1"); n != 1 {
		t.Errorf("child fetches = %d, want 1", n)
	}
}

func TestUpdateProperty_InvalidatesBothParents(t *testing.T) {
	f := newFixture(t)
	a := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	b := f.backend.AddMunicipality("Shelbyville", "0.01", "0.002")
	pid := f.backend.AddProperty("R-1", 1000, a.ID)
	ctx := context.Background()

	for _, id := range []int64{a.ID, b.ID} {
		if _, err := f.desk.ExpandMunicipality(ctx, id); err != nil {
			t.Fatalf("expand %d: %v", id, err)
		}
	}
	if _, err := f.desk.UpdateProperty(ctx, pid, models.PropertyFields{MunicipalID: models.Ptr(b.ID)}); err != nil {
		t.Fatalf("UpdateProperty: %v", err)
	}
	for _, id := range []int64{a.ID, b.ID} {
		if row := f.desk.MunicipalityRow(id); row.State != expansion.NotLoaded {
			t.Errorf("row %d state = %s, want %s", id, row.State, expansion.NotLoaded)
		}
	}

	f.desk.rows.Collapse(b.ID)
	row, err := f.desk.ExpandMunicipality(ctx, b.ID)
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if len(row.Children) != 1 || row.Children[0].ID != pid {
		t.Errorf("children of new parent = %+v", row.Children)
	}
}

func TestUpdateMunicipality_InvalidatesOwnChildren(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	f.backend.AddProperty("R-1", 1000, m.ID)
	ctx := context.Background()

	if _, err := f.desk.ExpandMunicipality(ctx, m.ID); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if _, err := f.desk.UpdateMunicipality(ctx, m.ID, models.MunicipalityFields{MunicipalRate: models.Ptr(decimal.RequireFromString("0.02"))}); err != nil {
		t.Fatalf("UpdateMunicipality: %v", err)
	}
	f.desk.rows.Collapse(m.ID)
	row, err := f.desk.ExpandMunicipality(ctx, m.ID)
	if err != nil {
		t.Fatalf("re-expand: %v", err)
	}
	if !row.Children[0].PropertyTax.Equal(decimal.NewFromInt(22)) {
		t.Errorf("tax after rate change = %s, want 22", row.Children[0].PropertyTax)
	}
}

func TestWrite_InFlightRejectsSecond(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	pid := f.backend.AddProperty("R-1", 1000, m.ID)
	release := f.backend.Hold(http.MethodDelete, "/properties/2/")
	defer release()
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- f.desk.DeleteProperty(ctx, pid) }()
	eventually(t, func() bool { return len(f.backend.Calls(http.MethodDelete)) == 1 }, "first delete never reached the server")

	if !f.desk.Submitting() {
		t.Error("Submitting should be true while a write is pending")
	}
	if err := f.desk.DeleteProperty(ctx, pid); !errors.Is(err, apperr.ErrInFlight) {
		t.Errorf("second delete err = %v, want ErrInFlight", err)
	}
	release()
	if err := <-errc; err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if f.desk.Submitting() {
		t.Error("Submitting should clear after the write")
	}
	if n := len(f.backend.Calls(http.MethodDelete)); n != 1 {
		t.Errorf("delete calls = %d, want 1", n)
	}
}

func TestUnauthorized_EndsSession(t *testing.T) {
	f := newFixture(t)
	f.backend.RevokeTokens()

	_, err := f.desk.ListMunicipalities(context.Background())
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if f.store.Authenticated() {
		t.Error("session should be invalidated after a 401")
	}
}

func TestUnauthorized_KeepsSessionWhenDisabled(t *testing.T) {
	f := newFixture(t, WithLogoutOnUnauthorized(false))
	f.backend.RevokeTokens()

	if _, err := f.desk.ListMunicipalities(context.Background()); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if !f.store.Authenticated() {
		t.Error("session should survive a 401 when the policy is off")
	}
}

func TestWatch_ResetsAndReloads(t *testing.T) {
	f := newFixture(t)
	m := f.backend.AddMunicipality("Springfield", "0.01", "0.002")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := f.desk.ListMunicipalities(ctx); err != nil {
		t.Fatalf("ListMunicipalities: %v", err)
	}
	if _, err := f.desk.ExpandMunicipality(ctx, m.ID); err != nil {
		t.Fatalf("expand: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- f.desk.Watch(ctx) }()
	eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, "watch never subscribed")

	if err := f.desk.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	eventually(t, func() bool { return !f.desk.municipalities.Loaded() }, "caches not reset on logout")
	if row := f.desk.MunicipalityRow(m.ID); row.Expanded {
		t.Error("expansion should reset on logout")
	}

	user, pass := f.backend.Credentials()
	if err := f.desk.Login(ctx, user, pass); err != nil {
		t.Fatalf("Login: %v", err)
	}
	eventually(t, func() bool { return f.desk.municipalities.Loaded() }, "municipalities not reloaded after login")
	if f.desk.properties.Loaded() {
		t.Error("properties were never viewed and should not be reloaded")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
}

func TestDeletePrompt_ASCII(t *testing.T) {
	f := newFixture(t)
	prompt := f.desk.DeletePrompt(models.Municipality{ID: 4, Name: "Ogdenville"})
	if !strings.Contains(prompt, `"Ogdenville"`) || !strings.Contains(prompt, " - ") {
		t.Errorf("prompt = %q", prompt)
	}
	for _, r := range prompt {
		if r > 127 {
			t.Fatalf("prompt has non-ASCII rune %q", r)
		}
	}
}
