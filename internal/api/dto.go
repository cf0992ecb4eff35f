package api

import (
	"time"

	"github.com/starford/assessdesk/internal/expansion"
	"github.com/starford/assessdesk/internal/models"
)

// LoginRequest is the request body for starting a session.
type LoginRequest struct {
	Username string `json:"username" example:"clerk" validate:"required"`
	Password string `json:"password" example:"secret" validate:"required"`
}

// SessionResponse describes the current session.
type SessionResponse struct {
	Authenticated bool       `json:"authenticated" validate:"required"`
	UserID        string     `json:"user_id,omitempty" example:"7"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Submitting    bool       `json:"submitting"`
}

// MunicipalityRequest is the body for creating or patching a municipality.
type MunicipalityRequest = models.MunicipalityFields

// PropertyRequest is the body for creating or patching a property.
type PropertyRequest = models.PropertyFields

// MunicipalityListResponse wraps the municipality list.
type MunicipalityListResponse struct {
	Municipalities []models.Municipality `json:"municipalities" validate:"required"`
	Total          int                   `json:"total" example:"3" validate:"required"`
}

// PropertyListResponse wraps the property list.
type PropertyListResponse struct {
	Properties []models.Property `json:"properties" validate:"required"`
	Total      int               `json:"total" example:"12" validate:"required"`
}

// RowResponse is the expansion view of one municipality.
type RowResponse = expansion.Row
