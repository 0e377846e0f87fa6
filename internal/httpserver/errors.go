package httpserver

import (
	"net/http"

	"bidflow/internal/domain"
)

const (
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrForbidden        = "forbidden"
	ErrBadForm          = "bad form"
	ErrInvalidSignature = "invalid signature"
	ErrMissingFields    = "missing fields"
)

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindValidation:
		return http.StatusBadRequest
	}
	return http.StatusBadGateway
}
