// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the response utilities shared by all endpoints: the
// structured error envelope, the mapping from service errors to HTTP
// statuses, and the success helper.
//
// Conventions:
//   - All error responses return an ErrorResponse with a stable `code`.
//   - `fail()` centralizes error logging and formatting; 5xx responses are
//     logged with the request-scoped logger so they carry the request id.
//   - Validation failures of POST /identify additionally fill `error`, the
//     field existing clients of the service read.
//
// Example error response:
//
//	HTTP/1.1 404 Not Found
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "not_found",
//	  "message": "contact not found"
//	}
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/identity-reconciler/internal/http/middleware"
	"github.com/tbourn/identity-reconciler/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"contact not found"`
	// Legacy error text, set on request validation failures
	Error string `json:"error,omitempty" example:"At least one of 'email' or 'phoneNumber' is required."`
}

// fail aborts the request with a structured error and logs server-side errors.
func fail(c *gin.Context, status int, code, msg string) {
	abort(c, status, ErrorResponse{Code: code, Message: msg}, nil)
}

// Fail is the exported variant of fail() for the router's fallbacks.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// abort writes resp with the request id filled in. cause, when present, is
// logged for 5xx responses but never sent to the client.
func abort(c *gin.Context, status int, resp ErrorResponse, cause error) {
	resp.RequestID = c.Writer.Header().Get("X-Request-ID")

	if status >= http.StatusInternalServerError {
		ev := middleware.LoggerFrom(c).Error().
			Int("status", status).
			Str("code", resp.Code).
			Str("message", resp.Message)
		if cause != nil {
			ev = ev.Err(cause)
		}
		ev.Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// failService translates an error returned by the services layer.
func failService(c *gin.Context, err error) {
	var se *services.StorageError
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		abort(c, http.StatusBadRequest, ErrorResponse{
			Code:    ErrCodeInvalidContact,
			Message: msgContactRequired,
			Error:   msgContactRequired,
		}, nil)
	case errors.Is(err, services.ErrContactNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "contact not found")
	case errors.Is(err, services.ErrIdempotencyConflict):
		fail(c, http.StatusConflict, ErrCodeIdempotencyReused, "Idempotency-Key was already used with a different payload")
	case errors.Is(err, services.ErrBrokenLink), errors.Is(err, services.ErrClusterInconsistent):
		abort(c, http.StatusInternalServerError, ErrorResponse{
			Code:    ErrCodeDataIntegrity,
			Message: "contact links are inconsistent",
		}, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		abort(c, http.StatusServiceUnavailable, ErrorResponse{
			Code:    ErrCodeUnavailable,
			Message: "request did not complete in time",
		}, err)
	case errors.As(err, &se):
		abort(c, http.StatusInternalServerError, ErrorResponse{
			Code:    ErrCodeInternal,
			Message: "storage failure",
		}, err)
	default:
		abort(c, http.StatusInternalServerError, ErrorResponse{
			Code:    ErrCodeInternal,
			Message: "internal server error",
		}, err)
	}
}

// ok writes a success JSON response.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}
