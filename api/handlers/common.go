// Package handlers implements the /api/v1 HTTP surface over the store
// and the execution engine.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/BaSui01/flowengine/internal/ctxkeys"
	"github.com/BaSui01/flowengine/types"
)

// ErrorEnvelope is the body of every non-2xx response.
type ErrorEnvelope struct {
	Detail    any     `json:"detail"`
	RequestID *string `json:"request_id"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are out; nothing left to do but drop it.
		return
	}
}

// WriteError renders err as the error envelope, mapping domain error
// codes to HTTP statuses.
func WriteError(w http.ResponseWriter, r *http.Request, err error, logger *zap.Logger) {
	status := http.StatusInternalServerError
	detail := any("internal server error")

	var typed *types.Error
	if errors.As(err, &typed) {
		status = typed.HTTPStatus
		if status == 0 {
			status = statusForCode(typed.Code)
		}
		detail = typed.Message
	}

	if logger != nil && status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.Int("status", status),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	WriteJSON(w, status, ErrorEnvelope{
		Detail:    detail,
		RequestID: requestIDPtr(r),
	})
}

// WriteDetail renders a literal detail message with an explicit status.
func WriteDetail(w http.ResponseWriter, r *http.Request, status int, detail any) {
	WriteJSON(w, status, ErrorEnvelope{
		Detail:    detail,
		RequestID: requestIDPtr(r),
	})
}

func statusForCode(code types.ErrorCode) int {
	switch code {
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrValidation, types.ErrDependencyCycle,
		types.ErrUnknownAgentRef, types.ErrInvalidTransition:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func requestIDPtr(r *http.Request) *string {
	if id, ok := ctxkeys.RequestID(r.Context()); ok && id != "" {
		return &id
	}
	return nil
}

// DecodeJSONBody decodes the request body into dst. Malformed bodies are
// schema violations per the API contract and render as 422.
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		WriteDetail(w, r, http.StatusUnprocessableEntity, "request body is required")
		return false
	}

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		WriteDetail(w, r, http.StatusUnprocessableEntity, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
