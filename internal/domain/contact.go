// Package domain defines the persistence models for contacts and the
// consolidated cluster view returned to clients. These types are mapped with
// GORM and form the core data layer of the identity reconciler.
package domain

import "time"

// LinkPrecedence marks a contact as the root of its cluster ("primary") or as
// a member pointing at that root ("secondary").
type LinkPrecedence string

const (
	LinkPrimary   LinkPrecedence = "primary"
	LinkSecondary LinkPrecedence = "secondary"
)

// Contact is a single observed (email, phone) record.
//
// Fields:
//   - ID: autoincrement primary key; ordering tie-breaker after CreatedAt.
//   - Email / PhoneNumber: at least one is non-nil for rows the engine writes.
//   - LinkedID: nil for primaries; the primary's ID for secondaries.
//   - LinkPrecedence: "primary" or "secondary" (enforced by DB constraint).
//   - CreatedAt / UpdatedAt: UTC timestamps; UpdatedAt moves on every relink.
//   - DeletedAt: plain timestamp column kept for compatibility; neither set
//     nor read by the engine, so marked rows still match and link.
//   - Linked: FK association only (never preloaded).
type Contact struct {
	ID             int64          `json:"id"              gorm:"primaryKey;autoIncrement"`
	Email          *string        `json:"email"           gorm:"type:varchar(255);index:idx_contacts_email"`
	PhoneNumber    *string        `json:"phoneNumber"     gorm:"type:varchar(64);index:idx_contacts_phone"`
	LinkedID       *int64         `json:"linkedId"        gorm:"index:idx_contacts_linked"`
	LinkPrecedence LinkPrecedence `json:"linkPrecedence"  gorm:"type:varchar(10);not null;default:'primary';check:link_precedence IN ('primary','secondary')"`
	CreatedAt      time.Time      `json:"createdAt"       gorm:"index:idx_contacts_created"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	DeletedAt      *time.Time     `json:"-"               gorm:"index"`

	Linked *Contact `json:"-" gorm:"foreignKey:LinkedID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Contact.
func (Contact) TableName() string { return "contacts" }

// IsPrimary reports whether c is the root of its cluster.
func (c *Contact) IsPrimary() bool { return c.LinkPrecedence == LinkPrimary }

// Before reports whether c was created before o, breaking timestamp ties by ID.
func (c *Contact) Before(o *Contact) bool {
	if c.CreatedAt.Equal(o.CreatedAt) {
		return c.ID < o.ID
	}
	return c.CreatedAt.Before(o.CreatedAt)
}

// ClusterView is the consolidated summary of one identity cluster.
//
// Emails and PhoneNumbers are de-duplicated in first-seen order with the
// primary's values first. SecondaryContactIDs lists every non-primary member
// in (createdAt, id) order.
type ClusterView struct {
	PrimaryContactID    int64    `json:"primaryContactId"`
	Emails              []string `json:"emails"`
	PhoneNumbers        []string `json:"phoneNumbers"`
	SecondaryContactIDs []int64  `json:"secondaryContactIds"`
}
