package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"strings"

	"github.com/itsChris/wgsync/internal/db"
	apperr "github.com/itsChris/wgsync/internal/errors"
	"github.com/itsChris/wgsync/internal/logging"
	"github.com/itsChris/wgsync/internal/wg"
)

// errorResponse is the JSON shape returned for all API errors.
type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
	Hint      string `json:"hint,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Stack     string `json:"stack,omitempty"`
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured JSON error response. Engine errors carry
// an operator hint; in dev mode the error chain and an abbreviated stack
// trace are included as well.
func writeError(w http.ResponseWriter, r *http.Request, err error, code string, status int, devMode bool) {
	body := errorBody{
		Code:      code,
		Message:   "unknown error",
		RequestID: logging.RequestID(r.Context()),
	}
	if err != nil {
		body.Message = err.Error()
		body.Hint = wg.Hint(err)
	}
	if devMode && err != nil {
		body.Detail = fmt.Sprintf("%T: %v", err, err)
		body.Stack = captureStack(3)
	}
	writeJSON(w, status, errorResponse{Error: body})
}

// errorStatus maps an error from the engine or the store onto an API code
// and HTTP status.
func errorStatus(err error) (string, int) {
	if errors.Is(err, db.ErrNotFound) {
		return apperr.ErrNotFound, http.StatusNotFound
	}
	return apperr.FromKind(wg.KindOf(err))
}

// fail writes err with the status its kind maps to. Server-side failures
// are logged; client errors are left to the request logger.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	code, status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).Error(op+"_failed",
			"error", err,
			"error_type", fmt.Sprintf("%T", err),
			"operation", op,
			"interface", r.PathValue("name"),
			"hint", wg.Hint(err),
			"component", "handler",
		)
	}
	writeError(w, r, err, code, status, s.devMode)
}

// readBody reads a request body. It detects MaxBytesError (body exceeded
// the configured limit) and returns 413 instead of 400.
func readBody(r *http.Request) (body []byte, code string, status int, err error) {
	body, err = io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, apperr.ErrValidation, http.StatusRequestEntityTooLarge,
				fmt.Errorf("request body too large (limit %d bytes)", maxBytesErr.Limit)
		}
		return nil, apperr.ErrValidation, http.StatusBadRequest,
			fmt.Errorf("read request body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, apperr.ErrValidation, http.StatusBadRequest, errors.New("empty request body")
	}
	return body, "", 0, nil
}

// fieldError describes a single field-level validation error.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// validationErrorResponse is the JSON shape for 400 validation errors.
type validationErrorResponse struct {
	Error     string       `json:"error"`
	Code      string       `json:"code"`
	RequestID string       `json:"request_id,omitempty"`
	Fields    []fieldError `json:"fields"`
}

// writeValidationError writes a structured validation error with field-level details.
func writeValidationError(w http.ResponseWriter, r *http.Request, fields []fieldError) {
	writeJSON(w, http.StatusBadRequest, validationErrorResponse{
		Error:     "validation failed",
		Code:      apperr.ErrValidation,
		RequestID: logging.RequestID(r.Context()),
		Fields:    fields,
	})
}

// captureStack returns an abbreviated stack trace starting skip frames up.
func captureStack(skip int) string {
	pcs := make([]uintptr, 5)
	n := runtime.Callers(skip+1, pcs)
	if n == 0 {
		return ""
	}

	frames := runtime.CallersFrames(pcs[:n])
	var b strings.Builder
	for {
		frame, more := frames.Next()
		if b.Len() > 0 {
			b.WriteString(" -> ")
		}
		fmt.Fprintf(&b, "%s:%d", frame.File, frame.Line)
		if !more {
			break
		}
	}
	return b.String()
}
