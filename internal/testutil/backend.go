package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/starford/assessdesk/internal/models"
)

// Prefix is the resource prefix the fake backend serves under.
const Prefix = "/property-assessment"

// Call records one request the backend received.
type Call struct {
	Method string
	Path   string
	Query  string
}

type property struct {
	id          int64
	roll        string
	value       decimal.Decimal
	municipalID int64
}

// Backend is an in-memory property-assessment server.
type Backend struct {
	Server *httptest.Server

	mu             sync.Mutex
	username       string
	password       string
	token          string
	issued         int
	municipalities map[int64]models.Municipality
	properties     map[int64]property
	nextID         int64
	calls          []Call
	failures       map[string]int
	hold           map[string]chan struct{}
}

// NewBackend starts a backend that accepts username/password "clerk"/"secret".
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		username:       "clerk",
		password:       "secret",
		municipalities: make(map[int64]models.Municipality),
		properties:     make(map[int64]property),
		failures:       make(map[string]int),
		hold:           make(map[string]chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(b.record)
	r.Post("/api/token/", b.obtainToken)
	r.Route(Prefix, func(r chi.Router) {
		r.Use(b.inject, b.authorize)
		r.Get("/municipalities/", b.listMunicipalities)
		r.Post("/municipalities/", b.createMunicipality)
		r.Patch("/municipalities/{id}/", b.updateMunicipality)
		r.Delete("/municipalities/{id}/", b.deleteMunicipality)
		r.Get("/properties/", b.listProperties)
		r.Post("/properties/", b.createProperty)
		r.Patch("/properties/{id}/", b.updateProperty)
		r.Delete("/properties/{id}/", b.deleteProperty)
	})

	b.Server = httptest.NewServer(r)
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the base URL.
func (b *Backend) URL() string { return b.Server.URL }

// Credentials returns the accepted username and password.
func (b *Backend) Credentials() (string, string) { return b.username, b.password }

// AddMunicipality seeds a municipality.
func (b *Backend) AddMunicipality(name, municipalRate, educationRate string) models.Municipality {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m := models.Municipality{
		ID:            b.nextID,
		Name:          name,
		MunicipalRate: decimal.RequireFromString(municipalRate),
		EducationRate: decimal.RequireFromString(educationRate),
	}
	b.municipalities[m.ID] = m
	return m
}

// AddProperty seeds a property.
func (b *Backend) AddProperty(roll string, value int64, municipalID int64) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.properties[b.nextID] = property{id: b.nextID, roll: roll, value: decimal.NewFromInt(value), municipalID: municipalID}
	return b.nextID
}

// RevokeTokens makes every issued token stale.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	b.token = ""
	b.mu.Unlock()
}

// Fail makes the next requests matching method and path (without prefix)
// answer with status until cleared with status 0.
func (b *Backend) Fail(method, path string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := method + " " + Prefix + path
	if status == 0 {
		delete(b.failures, key)
		return
	}
	b.failures[key] = status
}

// Hold blocks requests matching method and path until the returned func is
// called.
func (b *Backend) Hold(method, path string) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.hold[method+" "+Prefix+path] = ch
	b.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.hold, method+" "+Prefix+path)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Calls returns the requests received with the given method, or all when
// method is empty.
func (b *Backend) Calls(method string) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	if method == "" {
		return slices.Clone(b.calls)
	}
	var out []Call
	for _, c := range b.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Writes counts POST, PATCH and DELETE calls against the resources.
func (b *Backend) Writes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method != http.MethodGet && strings.HasPrefix(c.Path, Prefix) {
			n++
		}
	}
	return n
}

// PropertyCount returns how many properties the server holds.
func (b *Backend) PropertyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.properties)
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.calls = append(b.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) inject(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Method + " " + r.URL.Path
		b.mu.Lock()
		status := b.failures[key]
		hold := b.hold[key]
		b.mu.Unlock()

		if hold != nil {
			select {
			case <-hold:
			case <-r.Context().Done():
				return
			}
		}
		if status != 0 {
			writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		want := b.token
		b.mu.Unlock()
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || want == "" || got != want {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) obtainToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if req.Username != b.username || req.Password != b.password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"})
		return
	}
	b.issued++
	b.token = fmt.Sprintf("token-%d", b.issued)
	writeJSON(w, http.StatusOK, map[string]string{"access": b.token, "refresh": "refresh-" + b.token})
}

func (b *Backend) listMunicipalities(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.Municipality, 0, len(b.municipalities))
	for _, m := range b.municipalities {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, c models.Municipality) int { return int(a.ID - c.ID) })
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) createMunicipality(w http.ResponseWriter, r *http.Request) {
	var f models.MunicipalityFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil || f.Name == nil || f.MunicipalRate == nil || f.EducationRate == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing fields"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	m := models.Municipality{ID: b.nextID, Name: *f.Name, MunicipalRate: *f.MunicipalRate, EducationRate: *f.EducationRate}
	b.municipalities[m.ID] = m
	writeJSON(w, http.StatusCreated, m)
}

func (b *Backend) updateMunicipality(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var f models.MunicipalityFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.municipalities[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if f.Name != nil {
		m.Name = *f.Name
	}
	if f.MunicipalRate != nil {
		m.MunicipalRate = *f.MunicipalRate
	}
	if f.EducationRate != nil {
		m.EducationRate = *f.EducationRate
	}
	b.municipalities[id] = m
	writeJSON(w, http.StatusOK, m)
}

func (b *Backend) deleteMunicipality(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.municipalities[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	delete(b.municipalities, id)
	for pid, p := range b.properties {
		if p.municipalID == id {
			delete(b.properties, pid)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Backend) listProperties(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.properties))
	for _, p := range b.sortedProperties() {
		if v := q.Get("municipal"); v != "" && v != strconv.FormatInt(p.municipalID, 10) {
			continue
		}
		if v := q.Get("assessment_roll_number"); v != "" && !strings.EqualFold(v, p.roll) {
			continue
		}
		out = append(out, b.propertyWire(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (b *Backend) createProperty(w http.ResponseWriter, r *http.Request) {
	var f models.PropertyFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil || f.RollNumber == nil || f.AssessmentValue == nil || f.MunicipalID == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing fields"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.municipalities[*f.MunicipalID]; !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"municipal_id": "Invalid pk"})
		return
	}
	b.nextID++
	p := property{id: b.nextID, roll: *f.RollNumber, value: *f.AssessmentValue, municipalID: *f.MunicipalID}
	b.properties[p.id] = p
	writeJSON(w, http.StatusCreated, b.propertyWire(p))
}

func (b *Backend) updateProperty(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	var f models.PropertyFields
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed"})
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.properties[id]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	if f.RollNumber != nil {
		p.roll = *f.RollNumber
	}
	if f.AssessmentValue != nil {
		p.value = *f.AssessmentValue
	}
	if f.MunicipalID != nil {
		p.municipalID = *f.MunicipalID
	}
	b.properties[id] = p
	writeJSON(w, http.StatusOK, b.propertyWire(p))
}

func (b *Backend) deleteProperty(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.properties[id]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
		return
	}
	delete(b.properties, id)
	w.WriteHeader(http.StatusNoContent)
}

// sortedProperties must be called with mu held.
func (b *Backend) sortedProperties() []property {
	out := make([]property, 0, len(b.properties))
	for _, p := range b.properties {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, c property) int { return int(a.id - c.id) })
	return out
}

// propertyWire must be called with mu held.
func (b *Backend) propertyWire(p property) map[string]any {
	m := b.municipalities[p.municipalID]
	return map[string]any{
		"id":                     p.id,
		"assessment_roll_number": p.roll,
		"assessment_value":       p.value,
		"municipal":              m,
		"property_tax":           p.value.Mul(m.MunicipalRate.Add(m.EducationRate)),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
