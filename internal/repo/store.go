package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
)

// ContactStore adapts the package-level contact functions to the method set
// expected by services.ContactRepo.
type ContactStore struct{}

func (ContactStore) ForUpdate(db *gorm.DB) *gorm.DB { return ForUpdate(db) }

func (ContactStore) FindMatching(ctx context.Context, db *gorm.DB, email, phone *string) ([]domain.Contact, error) {
	return FindMatching(ctx, db, email, phone)
}

func (ContactStore) FindClusterMembers(ctx context.Context, db *gorm.DB, primaryID int64) ([]domain.Contact, error) {
	return FindClusterMembers(ctx, db, primaryID)
}

func (ContactStore) FindContactByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error) {
	return FindContactByID(ctx, db, id)
}

func (ContactStore) InsertContact(ctx context.Context, db *gorm.DB, c *domain.Contact) error {
	return InsertContact(ctx, db, c)
}

func (ContactStore) UpdateContactLink(ctx context.Context, db *gorm.DB, c *domain.Contact) error {
	return UpdateContactLink(ctx, db, c)
}

func (ContactStore) ClusterStats(ctx context.Context, db *gorm.DB, primaryID int64) (int64, *time.Time, error) {
	return ClusterStats(ctx, db, primaryID)
}
