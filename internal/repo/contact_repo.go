// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Contact
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions: the caller's tx is the explicit scope of
// every read and write. They follow the "thin repository" approach: no
// linking rules, only persistence and query composition.
//
// Error semantics:
//   - When a contact is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Functions:
//
//   - FindMatching(ctx, db, email, phone) -> []domain.Contact, error
//     Contacts whose email or phone equals a non-nil input, oldest first.
//
//   - FindClusterMembers(ctx, db, primaryID) -> []domain.Contact, error
//     The primary plus every contact linked to it, oldest first.
//
//   - FindContactByID(ctx, db, id) -> *domain.Contact, error
//     Fetches a single contact, or ErrNotFound if missing.
//
//   - InsertContact(ctx, db, c) -> error
//     Persists c, assigning ID and UTC timestamps.
//
//   - UpdateContactLink(ctx, db, c) -> error
//     Rewrites precedence and linked id, refreshing updated_at.
//
// Usage:
//
//	err := db.Transaction(func(tx *gorm.DB) error {
//	    matches, err := repo.FindMatching(ctx, repo.ForUpdate(tx), email, phone)
//	    ...
//	})
//
// This repository is wrapped by services.IdentityService, which owns the
// linking algorithm and the transaction boundary.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/identity-reconciler/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ForUpdate adds row locking (SELECT ... FOR UPDATE) to subsequent reads on
// dialects that support it. SQLite serializes writers with its database lock,
// so the handle is returned unchanged there.
func ForUpdate(db *gorm.DB) *gorm.DB {
	if IsPostgres(db) {
		return db.Clauses(clause.Locking{Strength: clause.LockingStrengthUpdate})
	}
	return db
}

// FindMatching returns every contact whose email equals email or whose phone
// number equals phone, ordered by (created_at, id) ascending. A nil input
// drops its filter; with both nil the result is empty and no query is issued.
func FindMatching(ctx context.Context, db *gorm.DB, email, phone *string) ([]domain.Contact, error) {
	q := db.WithContext(ctx)
	switch {
	case email != nil && phone != nil:
		q = q.Where("email = ? OR phone_number = ?", *email, *phone)
	case email != nil:
		q = q.Where("email = ?", *email)
	case phone != nil:
		q = q.Where("phone_number = ?", *phone)
	default:
		return []domain.Contact{}, nil
	}

	var out []domain.Contact
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindClusterMembers returns the contact with id primaryID together with all
// contacts whose linked_id equals primaryID, ordered by (created_at, id).
func FindClusterMembers(ctx context.Context, db *gorm.DB, primaryID int64) ([]domain.Contact, error) {
	var out []domain.Contact
	err := db.WithContext(ctx).
		Where("id = ? OR linked_id = ?", primaryID, primaryID).
		Order("created_at ASC").Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindContactByID fetches a single contact by id.
// Returns ErrNotFound if the row does not exist.
func FindContactByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error) {
	var c domain.Contact
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// InsertContact persists c. ID is assigned by the database; CreatedAt and
// UpdatedAt are set to the current UTC time when zero.
func InsertContact(ctx context.Context, db *gorm.DB, c *domain.Contact) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.LinkPrecedence == "" {
		c.LinkPrecedence = domain.LinkPrimary
	}
	return db.WithContext(ctx).Omit(clause.Associations).Create(c).Error
}

// UpdateContactLink writes c's LinkPrecedence and LinkedID and refreshes
// updated_at. Email, phone and created_at are never touched.
// Returns ErrNotFound if no row has c.ID.
func UpdateContactLink(ctx context.Context, db *gorm.DB, c *domain.Contact) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Contact{}).
		Where("id = ?", c.ID).
		Updates(map[string]any{
			"link_precedence": c.LinkPrecedence,
			"linked_id":       c.LinkedID,
			"updated_at":      now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	c.UpdatedAt = now
	return nil
}
