// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case. Generic codes mirror HTTP status semantics;
// domain codes describe failures of the identity engine that a status alone
// cannot convey. Clients branch on these codes, never on message text.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "invalid_contact",
//	  "message": "At least one of 'email' or 'phoneNumber' is required.",
//	  "error": "At least one of 'email' or 'phoneNumber' is required."
//	}
package handlers

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "too_many_requests"
	ErrCodeInternal    = "internal_error"
	ErrCodeUnavailable = "unavailable"

	// Domain-specific:
	ErrCodeInvalidContact    = "invalid_contact"
	ErrCodeIdempotencyReused = "idempotency_key_reused"
	ErrCodeDataIntegrity     = "data_integrity"
	ErrCodeMethodNotAllowed  = "method_not_allowed"
	ErrCodePayloadTooLarge   = "payload_too_large"
)
