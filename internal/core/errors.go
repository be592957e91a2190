package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy shared by every component. Handlers map these to HTTP
// status codes at the edge; background tasks log and continue.
var (
	ErrInvalidInput    = fmt.Errorf("invalid input")
	ErrNotFound        = fmt.Errorf("not found")
	ErrConflict        = fmt.Errorf("conflict")
	ErrUnauthorized    = fmt.Errorf("unauthorized")
	ErrForbidden       = fmt.Errorf("forbidden")
	ErrTierUnavailable = fmt.Errorf("tier unavailable")
	ErrTimeout         = fmt.Errorf("timeout")
	ErrTransport       = fmt.Errorf("transport error")
	ErrQueueOverflow   = fmt.Errorf("queue overflow")
)

// StatusCode maps a core error to its HTTP status class.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrTierUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns the stable machine-readable code for a core error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrTierUnavailable):
		return "tier_unavailable"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrTransport):
		return "transport_error"
	case errors.Is(err, ErrQueueOverflow):
		return "queue_overflow"
	default:
		return "internal"
	}
}
