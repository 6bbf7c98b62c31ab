// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used for
// conditional responses (ETag generation) in the HTTP layer.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
)

// ClusterStats returns aggregate metadata for the cluster rooted at
// primaryID: the number of members (primary included) and the greatest
// UpdatedAt among them.
//
// When no row matches, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        primary plus linked contacts
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func ClusterStats(ctx context.Context, db *gorm.DB, primaryID int64) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Contact{}).Where("id = ? OR linked_id = ?", primaryID, primaryID)

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}
