package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/assessdesk/internal/desk"
)

const maxBodyBytes = 1 << 20

// Handler holds API route handlers.
type Handler struct {
	desk *desk.Desk
}

// NewHandler creates a new Handler.
func NewHandler(d *desk.Desk) *Handler {
	return &Handler{desk: d}
}

// recordID parses the {id} route parameter.
func recordID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid id"))
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return false
	}
	return true
}

func refresh(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("refresh"))
	return v
}

// GetSession handles GET /session.
//
//	@Summary		Report whether a backend session is held
//	@Tags			session
//	@Produce		json
//	@Success		200	{object}	SessionResponse
//	@Security		BearerAuth
//	@Router			/session [get]
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	store := h.desk.Session()
	resp := SessionResponse{
		Authenticated: store.Authenticated(),
		Submitting:    h.desk.Submitting(),
	}
	if claims, ok := store.Claims(); ok {
		resp.UserID = claims.UserID
		if !claims.ExpiresAt.IsZero() {
			exp := claims.ExpiresAt
			resp.ExpiresAt = &exp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Login handles POST /session/login.
//
//	@Summary		Exchange credentials for a backend session
//	@Tags			session
//	@Accept			json
//	@Produce		json
//	@Param			body	body		LoginRequest	true	"Credentials"
//	@Success		200		{object}	SessionResponse
//	@Failure		401		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/session/login [post]
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.desk.Login(r.Context(), req.Username, req.Password); err != nil {
		writeError(w, "login", err)
		return
	}
	h.GetSession(w, r)
}

// Logout handles POST /session/logout.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.desk.Logout(); err != nil {
		writeError(w, "logout", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListMunicipalities handles GET /municipalities.
//
//	@Summary		List municipalities, loading them on first call
//	@Tags			municipalities
//	@Produce		json
//	@Param			refresh	query		bool	false	"Reload from the backend"
//	@Success		200		{object}	MunicipalityListResponse
//	@Failure		401		{object}	errResponse
//	@Failure		502		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/municipalities [get]
func (h *Handler) ListMunicipalities(w http.ResponseWriter, r *http.Request) {
	list := h.desk.ListMunicipalities
	if refresh(r) {
		list = h.desk.RefreshMunicipalities
	}
	items, err := list(r.Context())
	if err != nil {
		writeError(w, "list municipalities", err)
		return
	}
	writeJSON(w, http.StatusOK, MunicipalityListResponse{Municipalities: items, Total: len(items)})
}

// CreateMunicipality handles POST /municipalities.
//
//	@Summary		Create a municipality
//	@Tags			municipalities
//	@Accept			json
//	@Produce		json
//	@Param			body	body		MunicipalityRequest	true	"Municipality to create"
//	@Success		201		{object}	models.Municipality
//	@Failure		409		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/municipalities [post]
func (h *Handler) CreateMunicipality(w http.ResponseWriter, r *http.Request) {
	var req MunicipalityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := h.desk.CreateMunicipality(r.Context(), req)
	if err != nil {
		writeError(w, "create municipality", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateMunicipality handles PATCH /municipalities/{id}.
func (h *Handler) UpdateMunicipality(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req MunicipalityRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := h.desk.UpdateMunicipality(r.Context(), id, req)
	if err != nil {
		writeError(w, "update municipality", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteMunicipality handles DELETE /municipalities/{id}.
func (h *Handler) DeleteMunicipality(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.desk.DeleteMunicipality(r.Context(), id); err != nil {
		writeError(w, "delete municipality", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleMunicipality handles POST /municipalities/{id}/toggle.
//
//	@Summary		Expand or collapse a municipality row
//	@Tags			municipalities
//	@Produce		json
//	@Param			id	path		int	true	"Municipality id"
//	@Success		200	{object}	RowResponse
//	@Failure		502	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/municipalities/{id}/toggle [post]
func (h *Handler) ToggleMunicipality(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	row, err := h.desk.ToggleMunicipality(r.Context(), id)
	if err != nil {
		writeError(w, "toggle municipality", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// MunicipalityRow handles GET /municipalities/{id}/row.
func (h *Handler) MunicipalityRow(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.desk.MunicipalityRow(id))
}

// ListProperties handles GET /properties.
//
//	@Summary		List properties, loading them on first call
//	@Tags			properties
//	@Produce		json
//	@Param			refresh	query		bool	false	"Reload from the backend"
//	@Success		200		{object}	PropertyListResponse
//	@Security		BearerAuth
//	@Router			/properties [get]
func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	list := h.desk.ListProperties
	if refresh(r) {
		list = h.desk.RefreshProperties
	}
	items, err := list(r.Context())
	if err != nil {
		writeError(w, "list properties", err)
		return
	}
	writeJSON(w, http.StatusOK, PropertyListResponse{Properties: items, Total: len(items)})
}

// CreateProperty handles POST /properties.
func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req PropertyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	created, err := h.desk.CreateProperty(r.Context(), req)
	if err != nil {
		writeError(w, "create property", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// UpdateProperty handles PATCH /properties/{id}.
func (h *Handler) UpdateProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	var req PropertyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	updated, err := h.desk.UpdateProperty(r.Context(), id, req)
	if err != nil {
		writeError(w, "update property", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// DeleteProperty handles DELETE /properties/{id}.
func (h *Handler) DeleteProperty(w http.ResponseWriter, r *http.Request) {
	id, ok := recordID(w, r)
	if !ok {
		return
	}
	if err := h.desk.DeleteProperty(r.Context(), id); err != nil {
		writeError(w, "delete property", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
