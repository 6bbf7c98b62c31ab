// Package services – IdempotencyService
//
// This file implements IdempotencyService, which records the outcome of
// POST /identify calls carrying an Idempotency-Key so that retries of the
// same request resolve to the same cluster without re-running the engine.
// A record stores a fingerprint of the normalized payload; reusing a key with
// a different payload is rejected with ErrIdempotencyConflict.
package services

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/utils"
)

// IdempotencyService stores and looks up idempotency records.
type IdempotencyService struct {
	DB  *gorm.DB
	TTL time.Duration

	// now is overridable in tests.
	now func() time.Time
}

// NewIdempotencyService constructs an IdempotencyService; ttl <= 0 defaults
// to 24h.
func NewIdempotencyService(db *gorm.DB, ttl time.Duration) *IdempotencyService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyService{DB: db, TTL: ttl, now: func() time.Time { return time.Now().UTC() }}
}

func (s *IdempotencyService) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now().UTC()
}

// Fingerprint hashes the normalized (email, phone) pair. Absent and blank
// fields hash the same; present fields are length-prefixed so that values
// cannot bleed into each other.
func Fingerprint(email, phone *string) string {
	d := xxhash.New()
	for _, f := range []*string{utils.CleanField(email), utils.CleanField(phone)} {
		if f == nil {
			_, _ = d.WriteString("-|")
			continue
		}
		_, _ = d.WriteString(strconv.Itoa(len(*f)))
		_, _ = d.WriteString(":")
		_, _ = d.WriteString(*f)
		_, _ = d.WriteString("|")
	}
	return strconv.FormatUint(d.Sum64(), 16)
}

// Exists reports whether an unexpired record exists for key.
func (s *IdempotencyService) Exists(ctx context.Context, key string, now time.Time) (bool, error) {
	_, err := repo.GetIdempotency(ctx, s.DB, key, now)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("get_idempotency", err)
	}
	return true, nil
}

// Lookup returns the unexpired record for key, or nil when none exists.
// A record whose fingerprint differs from requestHash yields
// ErrIdempotencyConflict.
func (s *IdempotencyService) Lookup(ctx context.Context, key, requestHash string) (*domain.Idempotency, error) {
	rec, err := repo.GetIdempotency(ctx, s.DB, key, s.clock())
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get_idempotency", err)
	}
	if rec.RequestHash != requestHash {
		return nil, ErrIdempotencyConflict
	}
	return rec, nil
}

// Save records that key resolved to primaryID. A concurrent save of the same
// key with the same fingerprint is not an error. An expired record still
// holding the key is purged and the insert retried once.
func (s *IdempotencyService) Save(ctx context.Context, key, requestHash string, primaryID int64, status int) error {
	for attempt := 0; attempt < 2; attempt++ {
		_, err := repo.CreateIdempotency(ctx, s.DB, key, requestHash, primaryID, status, s.TTL)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repo.ErrDuplicate) {
			return storageErr("create_idempotency", err)
		}
		existing, lerr := s.Lookup(ctx, key, requestHash)
		if lerr != nil || existing != nil {
			return lerr
		}
		if _, perr := s.Purge(ctx); perr != nil {
			return perr
		}
	}
	return nil
}

// Purge removes expired records and reports how many were deleted.
func (s *IdempotencyService) Purge(ctx context.Context) (int64, error) {
	n, err := repo.PurgeExpiredIdempotency(ctx, s.DB, s.clock())
	if err != nil {
		return 0, storageErr("purge_idempotency", err)
	}
	return n, nil
}
