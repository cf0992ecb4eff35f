package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/starford/assessdesk/internal/apperr"
)

// StatusError describes a failed backend call. Callers match the failure kind
// with errors.Is against the apperr sentinels, or extract the details:
//
//	var statusErr *gateway.StatusError
//	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusForbidden { ... }
type StatusError struct {
	Method string
	Path   string
	// StatusCode is zero when the request never got a response.
	StatusCode int
	// Body is a truncated copy of the failure body, kept for diagnostics only.
	Body string
	// Kind is one of the apperr sentinels.
	Kind error
	// Err is the transport error, if any.
	Err error
}

func (e *StatusError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("gateway: %s %s: %v: %v", e.Method, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("gateway: %s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
}

func (e *StatusError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindForStatus maps a non-2xx status to its failure kind.
func KindForStatus(code int) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return apperr.ErrUnauthorized
	case code == http.StatusNotFound:
		return apperr.ErrNotFound
	case code >= 500:
		return apperr.ErrServer
	default:
		return apperr.ErrRequest
	}
}

// IsStatus reports whether err is a *StatusError with the given status code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == code
	}
	return false
}
