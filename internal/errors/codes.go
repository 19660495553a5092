// Package errors holds the error codes of the REST API and their mapping
// from engine error kinds.
package errors

import (
	"net/http"

	"github.com/itsChris/wgsync/internal/wg"
)

// Error code constants for API responses.
const (
	// Engine kinds
	ErrNotFound         = "NOT_FOUND"
	ErrAlreadyExists    = "ALREADY_EXISTS"
	ErrInvalidKey       = "INVALID_KEY"
	ErrUnsupported      = "UNSUPPORTED"
	ErrPermissionDenied = "PERMISSION_DENIED"
	ErrBackendDown      = "BACKEND_DOWN"
	ErrTimeout          = "TIMEOUT"
	ErrProtocol         = "PROTOCOL_ERROR"

	// Reconciliation
	ErrNotConverged = "NOT_CONVERGED"

	// Store
	ErrDatabaseCorrupted = "DATABASE_CORRUPTED"

	// General
	ErrValidation = "VALIDATION_ERROR"
	ErrInternal   = "INTERNAL_ERROR"
)

// FromKind maps an engine error kind to an API code and HTTP status.
func FromKind(k wg.Kind) (code string, status int) {
	switch k {
	case wg.NotFound:
		return ErrNotFound, http.StatusNotFound
	case wg.AlreadyExists:
		return ErrAlreadyExists, http.StatusConflict
	case wg.InvalidKey:
		return ErrInvalidKey, http.StatusBadRequest
	case wg.InvalidArgument:
		return ErrValidation, http.StatusBadRequest
	case wg.Unsupported:
		return ErrUnsupported, http.StatusNotImplemented
	case wg.PermissionDenied:
		return ErrPermissionDenied, http.StatusForbidden
	case wg.BackendDown:
		return ErrBackendDown, http.StatusServiceUnavailable
	case wg.Timeout:
		return ErrTimeout, http.StatusGatewayTimeout
	case wg.ProtocolError:
		return ErrProtocol, http.StatusBadGateway
	default:
		return ErrInternal, http.StatusInternalServerError
	}
}
