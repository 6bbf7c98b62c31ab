// Identity HTTP handlers.
//
// This file exposes the identity reconciliation endpoints:
//   - POST /identify                 (consolidate an email/phone pair)
//   - GET  {base}/contacts/{id}      (cluster view, weak ETag support)
//
// Handlers are transport-thin: they decode and validate input, call the
// application services, and translate results into HTTP responses.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/http/middleware"
	"github.com/tbourn/identity-reconciler/internal/services"
	"github.com/tbourn/identity-reconciler/internal/utils"
)

const msgContactRequired = "At least one of 'email' or 'phoneNumber' is required."

// HeaderIdempotentReplayed marks a response served from a stored
// Idempotency-Key outcome.
const HeaderIdempotentReplayed = "Idempotent-Replayed"

//
// Service contracts (context-aware)
//

// IdentityService is the linking engine as consumed by the handlers.
type IdentityService interface {
	// Consolidate links (email, phone) into the contact graph and returns the
	// resulting cluster.
	Consolidate(ctx context.Context, email, phone *string) (*domain.ClusterView, error)
	// Cluster returns the cluster containing contactID.
	Cluster(ctx context.Context, contactID int64) (*domain.ClusterView, error)
	// VersionedCluster returns the cluster containing contactID together with
	// its version, read consistently.
	VersionedCluster(ctx context.Context, contactID int64) (*domain.ClusterView, services.ClusterVersion, error)
}

// IdempotencyService records outcomes of keyed POST /identify calls.
type IdempotencyService interface {
	Lookup(ctx context.Context, key, requestHash string) (*domain.Idempotency, error)
	Save(ctx context.Context, key, requestHash string, primaryID int64, status int) error
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the service.
type Handlers struct {
	identitySvc IdentityService
	idemSvc     IdempotencyService
}

// New constructs Handlers. idemSvc may be nil, which disables
// Idempotency-Key handling.
func New(identitySvc IdentityService, idemSvc IdempotencyService) *Handlers {
	return &Handlers{identitySvc: identitySvc, idemSvc: idemSvc}
}

//
// DTOs
//

// FlexString decodes a JSON string or number. Numbers keep their literal
// text, so 9876543210 and "9876543210" are the same phone number.
type FlexString struct {
	Value *string
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		f.Value = nil
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		f.Value = &s
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("phoneNumber must be a string or a number")
	}
	s := n.String()
	f.Value = &s
	return nil
}

// MarshalJSON implements json.Marshaler.
func (f FlexString) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}

// IdentifyRequest is the JSON payload of POST /identify.
type IdentifyRequest struct {
	Email       *string     `json:"email" example:"lorraine@hillvalley.edu"`
	PhoneNumber *FlexString `json:"phoneNumber" swaggertype:"string" example:"123456"`
}

func (r IdentifyRequest) phone() *string {
	if r.PhoneNumber == nil {
		return nil
	}
	return r.PhoneNumber.Value
}

// IdentifyResponse wraps a consolidated cluster.
type IdentifyResponse struct {
	Contact domain.ClusterView `json:"contact"`
}

//
// Handlers
//

// Identify godoc
// @ID          identify
// @Summary     Consolidate a contact
// @Description Links the given email and/or phone number into the contact graph and returns the consolidated cluster. Supports Idempotency-Key; replays carry Idempotent-Replayed: true.
// @Tags        Identity
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Optional idempotency key"  example(2b9c3d36-4d0e-4b53-8f4e-3e3c1f0b9b7a)
// @Param       body             body    handlers.IdentifyRequest  true  "Contact details"
//
// @Success     200  {object}  handlers.IdentifyResponse
// @Header      200  {string}  Idempotent-Replayed  "true when served from a stored outcome"
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     409  {object}  handlers.ErrorResponse  "Idempotency-Key reused"
// @Failure     413  {object}  handlers.ErrorResponse  "Body too large"
// @Failure     429  {object}  handlers.ErrorResponse  "Too many requests"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /identify [post]
func (h *Handlers) Identify(c *gin.Context) {
	var req IdentifyRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	email, phone := utils.CleanField(req.Email), utils.CleanField(req.phone())
	if email == nil && phone == nil {
		failService(c, services.ErrInvalidRequest)
		return
	}

	ctx := c.Request.Context()
	key, keyed := middleware.GetIdempotencyKey(c)
	keyed = keyed && h.idemSvc != nil
	var fp string
	if keyed {
		fp = services.Fingerprint(email, phone)
		rec, err := h.idemSvc.Lookup(ctx, key, fp)
		switch {
		case errors.Is(err, services.ErrIdempotencyConflict):
			failService(c, err)
			return
		case err != nil:
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
		case rec != nil:
			// The recorded primary may have been merged since; Cluster
			// follows the link to the current one.
			view, err := h.identitySvc.Cluster(ctx, rec.PrimaryContactID)
			if err == nil {
				c.Header(HeaderIdempotentReplayed, "true")
				ok(c, http.StatusOK, IdentifyResponse{Contact: *view})
				return
			}
			middleware.LoggerFrom(c).Warn().Err(err).
				Int64("primary_id", rec.PrimaryContactID).
				Msg("idempotent replay failed; recomputing")
		}
	}

	view, err := h.identitySvc.Consolidate(ctx, email, phone)
	if err != nil {
		failService(c, err)
		return
	}

	if keyed {
		if err := h.idemSvc.Save(ctx, key, fp, view.PrimaryContactID, http.StatusOK); err != nil {
			middleware.LoggerFrom(c).Warn().Err(err).Msg("idempotency save failed")
		}
	}

	ok(c, http.StatusOK, IdentifyResponse{Contact: *view})
}

// GetContactCluster godoc
// @ID          getContactCluster
// @Summary     Get a contact's cluster
// @Description Returns the consolidated cluster containing the contact. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Identity
// @Produce     json
//
// @Param       id             path    int     true  "Contact ID"                  minimum(1) example(1)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"cluster:1:2:1700000000\")
//
// @Success     200  {object} handlers.IdentifyResponse
// @Header      200  {string} ETag  "Weak ETag for the current cluster"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     404  {object} handlers.ErrorResponse "Contact not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /contacts/{id} [get]
func (h *Handlers) GetContactCluster(c *gin.Context) {
	id, valid := utils.ParseID(c.Param("id"))
	if !valid {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "contact id must be a positive integer")
		return
	}

	ctx := c.Request.Context()
	view, ver, err := h.identitySvc.VersionedCluster(ctx, id)
	if err != nil {
		failService(c, err)
		return
	}

	etag := clusterETag(view.PrimaryContactID, ver)
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}

	ok(c, http.StatusOK, IdentifyResponse{Contact: *view})
}

func clusterETag(primaryID int64, ver services.ClusterVersion) string {
	var ts int64
	if ver.UpdatedAt != nil {
		ts = ver.UpdatedAt.Unix()
	}
	return fmt.Sprintf(`W/"cluster:%d:%d:%d"`, primaryID, ver.Members, ts)
}
