package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/assessdesk/internal/desk"
)

// NewRouter creates a chi router with all control API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(d *desk.Desk, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(d)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Session.
	r.Get("/session", h.GetSession)
	r.Post("/session/login", h.Login)
	r.Post("/session/logout", h.Logout)

	// Municipalities.
	r.Get("/municipalities", h.ListMunicipalities)
	r.Post("/municipalities", h.CreateMunicipality)
	r.Patch("/municipalities/{id}", h.UpdateMunicipality)
	r.Delete("/municipalities/{id}", h.DeleteMunicipality)
	r.Post("/municipalities/{id}/toggle", h.ToggleMunicipality)
	r.Get("/municipalities/{id}/row", h.MunicipalityRow)

	// Properties.
	r.Get("/properties", h.ListProperties)
	r.Post("/properties", h.CreateProperty)
	r.Patch("/properties/{id}", h.UpdateProperty)
	r.Delete("/properties/{id}", h.DeleteProperty)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
