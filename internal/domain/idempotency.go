package domain

import "time"

// Idempotency records the outcome of a previously processed identify request,
// keyed by the client-supplied Idempotency-Key. RequestHash fingerprints the
// normalized payload so that reuse of a key with a different body can be
// rejected; PrimaryContactID points at the cluster the request resolved to.
type Idempotency struct {
	ID               string    `gorm:"type:varchar(36);not null;primaryKey"`
	Key              string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_idempotency_key"`
	RequestHash      string    `gorm:"type:varchar(32);not null"`
	PrimaryContactID int64     `gorm:"not null"`
	Status           int       `gorm:"not null"`
	CreatedAt        time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt        time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
