// Package services – IdentityService
//
// This file implements IdentityService, the linking engine. Consolidate
// resolves an incoming (email, phone) pair to a cluster of contacts: it
// creates a fresh primary when nothing matches, merges clusters when the pair
// bridges them (the earliest-created primary absorbs the others), records at
// most one new secondary when the pair carries unseen information, and
// returns the consolidated ClusterView.
//
// Every call runs in one transaction against the store. On PostgreSQL the
// transaction is SERIALIZABLE and the match set is row-locked; on SQLite the
// database lock serializes writers. Transactions that lose a race are re-run
// from scratch up to MaxAttempts times.
//
// Observability: public methods open OpenTelemetry spans carrying contact ids
// only. Emails and phone numbers never reach spans or logs.
package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/observability"
	"github.com/tbourn/identity-reconciler/internal/repo"
	"github.com/tbourn/identity-reconciler/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ContactRepo defines the repository contract required by IdentityService.
// Every method receives the handle to operate on, which is the open
// transaction during a consolidation.
type ContactRepo interface {
	// ForUpdate returns a handle whose reads lock the returned rows, where
	// the dialect supports it.
	ForUpdate(db *gorm.DB) *gorm.DB

	// FindMatching returns contacts whose email or phone equals a non-nil
	// input, ordered by (created_at, id).
	FindMatching(ctx context.Context, db *gorm.DB, email, phone *string) ([]domain.Contact, error)

	// FindClusterMembers returns the primary and every contact linked to it,
	// ordered by (created_at, id).
	FindClusterMembers(ctx context.Context, db *gorm.DB, primaryID int64) ([]domain.Contact, error)

	// FindContactByID fetches one contact or returns repo.ErrNotFound.
	FindContactByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Contact, error)

	// InsertContact persists a new contact and assigns its id.
	InsertContact(ctx context.Context, db *gorm.DB, c *domain.Contact) error

	// UpdateContactLink rewrites precedence and linked id.
	UpdateContactLink(ctx context.Context, db *gorm.DB, c *domain.Contact) error

	// ClusterStats returns member count and latest update for a cluster.
	ClusterStats(ctx context.Context, db *gorm.DB, primaryID int64) (int64, *time.Time, error)
}

// IdentityService owns the consolidation algorithm and its transaction
// boundary.
type IdentityService struct {
	// DB is the GORM pool transactions are opened on.
	DB *gorm.DB
	// Repo is the contact repository used inside each transaction.
	Repo ContactRepo

	// MaxAttempts bounds how often a conflicting transaction is run.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration
}

// NewIdentityService constructs an IdentityService with default retry policy.
func NewIdentityService(db *gorm.DB, r ContactRepo) *IdentityService {
	return &IdentityService{
		DB:           db,
		Repo:         r,
		MaxAttempts:  5,
		RetryBackoff: 20 * time.Millisecond,
	}
}

// consolidation is the result of one transaction attempt.
type consolidation struct {
	view     *domain.ClusterView
	outcome  string
	relinked int
	members  int
}

// Consolidate resolves (email, phone) to its cluster, creating, linking and
// merging contacts as needed, and returns the consolidated view.
//
// Inputs are trimmed and NFC-normalized; blank values count as absent. With
// both absent it fails with ErrInvalidRequest before touching the store.
func (s *IdentityService) Consolidate(ctx context.Context, email, phone *string) (*domain.ClusterView, error) {
	email, phone = utils.CleanField(email), utils.CleanField(phone)
	if email == nil && phone == nil {
		return nil, ErrInvalidRequest
	}

	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "Consolidate",
		trace.WithAttributes(
			attribute.Bool("input.email", email != nil),
			attribute.Bool("input.phone", phone != nil),
		),
	)
	defer span.End()

	var res consolidation
	err := s.inTx(ctx, func(tx *gorm.DB) error {
		r, err := s.consolidate(ctx, tx, email, phone)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "consolidate failed")
		return nil, err
	}

	observability.RecordConsolidation(res.outcome)
	observability.RecordRelinked(res.relinked)
	observability.RecordClusterSize(res.members)

	span.SetAttributes(
		attribute.Int64("contact.primary_id", res.view.PrimaryContactID),
		attribute.String("consolidation.outcome", res.outcome),
		attribute.Int("cluster.size", res.members),
	)
	zerolog.Ctx(ctx).Debug().
		Int64("primary_id", res.view.PrimaryContactID).
		Str("outcome", res.outcome).
		Int("relinked", res.relinked).
		Int("cluster_size", res.members).
		Msg("consolidated")

	return res.view, nil
}

// consolidate runs one attempt of the algorithm inside tx.
func (s *IdentityService) consolidate(ctx context.Context, tx *gorm.DB, email, phone *string) (consolidation, error) {
	locked := s.Repo.ForUpdate(tx)

	matches, err := s.Repo.FindMatching(ctx, locked, email, phone)
	if err != nil {
		return consolidation{}, storageErr("find_matching", err)
	}

	// Nothing known: the pair starts its own cluster.
	if len(matches) == 0 {
		c := &domain.Contact{Email: email, PhoneNumber: phone, LinkPrecedence: domain.LinkPrimary}
		if err := s.Repo.InsertContact(ctx, tx, c); err != nil {
			return consolidation{}, storageErr("insert_primary", err)
		}
		view, n, err := s.view(ctx, tx, c.ID)
		if err != nil {
			return consolidation{}, err
		}
		return consolidation{view: view, outcome: observability.OutcomeCreatedPrimary, members: n}, nil
	}

	// Resolve every match to its cluster root.
	primaries := make(map[int64]*domain.Contact)
	for i := range matches {
		p, err := s.resolvePrimary(ctx, locked, &matches[i], primaries)
		if err != nil {
			return consolidation{}, err
		}
		primaries[p.ID] = p
	}

	// Pull in contacts sharing the winning primary's own email or phone until
	// the earliest primary stops changing.
	expanded := make(map[int64]bool)
	primary := earliest(primaries)
	for !expanded[primary.ID] {
		expanded[primary.ID] = true
		if primary.Email == nil && primary.PhoneNumber == nil {
			break
		}
		peers, err := s.Repo.FindMatching(ctx, locked, primary.Email, primary.PhoneNumber)
		if err != nil {
			return consolidation{}, storageErr("find_peers", err)
		}
		for i := range peers {
			p, err := s.resolvePrimary(ctx, locked, &peers[i], primaries)
			if err != nil {
				return consolidation{}, err
			}
			primaries[p.ID] = p
		}
		primary = earliest(primaries)
	}

	// Fold every other involved cluster into the absorbing primary.
	relinked := 0
	for id := range primaries {
		if id == primary.ID {
			continue
		}
		members, err := s.Repo.FindClusterMembers(ctx, locked, id)
		if err != nil {
			return consolidation{}, storageErr("find_cluster_members", err)
		}
		for i := range members {
			m := &members[i]
			if !m.IsPrimary() && m.LinkedID != nil && *m.LinkedID == primary.ID {
				continue
			}
			m.LinkPrecedence = domain.LinkSecondary
			m.LinkedID = &primary.ID
			if err := s.Repo.UpdateContactLink(ctx, tx, m); err != nil {
				return consolidation{}, storageErr("update_link", err)
			}
			relinked++
		}
	}

	outcome := observability.OutcomeMatched
	if relinked > 0 {
		outcome = observability.OutcomeMerged
	}

	// One new secondary when the request carries an email or phone that the
	// original match set has not seen.
	if hasNewInformation(matches, email, phone) {
		c := &domain.Contact{
			Email:          email,
			PhoneNumber:    phone,
			LinkedID:       &primary.ID,
			LinkPrecedence: domain.LinkSecondary,
		}
		if err := s.Repo.InsertContact(ctx, tx, c); err != nil {
			return consolidation{}, storageErr("insert_secondary", err)
		}
		if outcome == observability.OutcomeMatched {
			outcome = observability.OutcomeCreatedSecondary
		}
	}

	view, n, err := s.view(ctx, tx, primary.ID)
	if err != nil {
		return consolidation{}, err
	}
	return consolidation{view: view, outcome: outcome, relinked: relinked, members: n}, nil
}

// resolvePrimary returns c itself when it is a primary, or the primary its
// LinkedID points at. A secondary without a link, a link to a missing row and
// a link to another secondary are all ErrBrokenLink.
func (s *IdentityService) resolvePrimary(ctx context.Context, db *gorm.DB, c *domain.Contact, known map[int64]*domain.Contact) (*domain.Contact, error) {
	if c.IsPrimary() {
		if p, ok := known[c.ID]; ok {
			return p, nil
		}
		return c, nil
	}
	if c.LinkedID == nil {
		return nil, s.brokenLink(ctx, c.ID, 0)
	}
	if p, ok := known[*c.LinkedID]; ok {
		return p, nil
	}
	p, err := s.Repo.FindContactByID(ctx, db, *c.LinkedID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, s.brokenLink(ctx, c.ID, *c.LinkedID)
	}
	if err != nil {
		return nil, storageErr("find_by_id", err)
	}
	if !p.IsPrimary() {
		return nil, s.brokenLink(ctx, c.ID, p.ID)
	}
	return p, nil
}

func (s *IdentityService) brokenLink(ctx context.Context, contactID, linkedID int64) error {
	zerolog.Ctx(ctx).Error().
		Int64("contact_id", contactID).
		Int64("linked_id", linkedID).
		Msg("broken contact link")
	return fmt.Errorf("%w: contact %d -> %d", ErrBrokenLink, contactID, linkedID)
}

// view reads the cluster rooted at primaryID and builds its summary.
func (s *IdentityService) view(ctx context.Context, db *gorm.DB, primaryID int64) (*domain.ClusterView, int, error) {
	members, err := s.Repo.FindClusterMembers(ctx, db, primaryID)
	if err != nil {
		return nil, 0, storageErr("find_cluster_members", err)
	}
	v, err := BuildClusterView(primaryID, members)
	if err != nil {
		zerolog.Ctx(ctx).Error().
			Int64("primary_id", primaryID).
			Int("members", len(members)).
			Msg("cluster not rooted at primary")
		return nil, 0, err
	}
	return v, len(members), nil
}

// ClusterVersion identifies one state of a cluster for conditional reads:
// the member count and the latest updated_at among members.
type ClusterVersion struct {
	Members   int64
	UpdatedAt *time.Time
}

// Cluster returns the view of the cluster containing contactID, which may be
// a primary or a secondary. It only reads.
func (s *IdentityService) Cluster(ctx context.Context, contactID int64) (*domain.ClusterView, error) {
	view, _, err := s.readCluster(ctx, contactID, false)
	return view, err
}

// VersionedCluster is Cluster plus the cluster's version, both read in the
// same transaction so the version always describes the returned view.
func (s *IdentityService) VersionedCluster(ctx context.Context, contactID int64) (*domain.ClusterView, ClusterVersion, error) {
	return s.readCluster(ctx, contactID, true)
}

func (s *IdentityService) readCluster(ctx context.Context, contactID int64, withVersion bool) (*domain.ClusterView, ClusterVersion, error) {
	tr := otel.Tracer("services/IdentityService")
	ctx, span := tr.Start(ctx, "Cluster",
		trace.WithAttributes(attribute.Int64("contact.id", contactID)),
	)
	defer span.End()

	var (
		view *domain.ClusterView
		ver  ClusterVersion
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := s.Repo.FindContactByID(ctx, tx, contactID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrContactNotFound
		}
		if err != nil {
			return storageErr("find_by_id", err)
		}
		p, err := s.resolvePrimary(ctx, tx, c, nil)
		if err != nil {
			return err
		}
		v, _, err := s.view(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if withVersion {
			n, at, err := s.Repo.ClusterStats(ctx, tx, p.ID)
			if err != nil {
				return storageErr("cluster_stats", err)
			}
			ver = ClusterVersion{Members: n, UpdatedAt: at}
		}
		view = v
		return nil
	}, s.readOptions()...)
	if err != nil {
		if !errors.Is(err, ErrContactNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "cluster lookup failed")
		}
		return nil, ClusterVersion{}, storageErr("read_tx", err)
	}
	return view, ver, nil
}

// BuildClusterView summarizes members, which must be ordered by
// (created_at, id) and start with the primary. Emails and phone numbers are
// de-duplicated keeping first occurrence; every member after index 0 is a
// secondary.
func BuildClusterView(primaryID int64, members []domain.Contact) (*domain.ClusterView, error) {
	if len(members) == 0 || members[0].ID != primaryID {
		return nil, ErrClusterInconsistent
	}

	v := &domain.ClusterView{
		PrimaryContactID:    primaryID,
		Emails:              []string{},
		PhoneNumbers:        []string{},
		SecondaryContactIDs: make([]int64, 0, len(members)-1),
	}
	seenEmail := make(map[string]struct{}, len(members))
	seenPhone := make(map[string]struct{}, len(members))
	for i := range members {
		m := &members[i]
		if m.Email != nil {
			if _, ok := seenEmail[*m.Email]; !ok {
				seenEmail[*m.Email] = struct{}{}
				v.Emails = append(v.Emails, *m.Email)
			}
		}
		if m.PhoneNumber != nil {
			if _, ok := seenPhone[*m.PhoneNumber]; !ok {
				seenPhone[*m.PhoneNumber] = struct{}{}
				v.PhoneNumbers = append(v.PhoneNumbers, *m.PhoneNumber)
			}
		}
		if i > 0 {
			v.SecondaryContactIDs = append(v.SecondaryContactIDs, m.ID)
		}
	}
	return v, nil
}

// hasNewInformation reports whether email or phone is non-nil and absent
// from the corresponding field of every contact in matches.
func hasNewInformation(matches []domain.Contact, email, phone *string) bool {
	emailSeen, phoneSeen := email == nil, phone == nil
	for i := range matches {
		m := &matches[i]
		if !emailSeen && m.Email != nil && *m.Email == *email {
			emailSeen = true
		}
		if !phoneSeen && m.PhoneNumber != nil && *m.PhoneNumber == *phone {
			phoneSeen = true
		}
	}
	return !emailSeen || !phoneSeen
}

// earliest returns the contact created first, ties broken by id.
func earliest(cs map[int64]*domain.Contact) *domain.Contact {
	var out *domain.Contact
	for _, c := range cs {
		if out == nil || c.Before(out) {
			out = c
		}
	}
	return out
}

// ---- transactions ----

// inTx runs fn in a transaction, re-running it from scratch when the store
// reports a write conflict. The last error is returned wrapped as a
// StorageError unless fn produced a service-level error.
func (s *IdentityService) inTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	attempts := s.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(fn, s.writeOptions()...)
		if err == nil {
			return nil
		}
		if !repo.IsRetryable(err) || attempt == attempts {
			break
		}
		observability.RecordTxRetry()
		zerolog.Ctx(ctx).Debug().Int("attempt", attempt).Err(err).Msg("retrying consolidation after conflict")
		if werr := sleepCtx(ctx, time.Duration(attempt)*s.RetryBackoff); werr != nil {
			return storageErr("retry_wait", werr)
		}
	}
	return storageErr("transaction", err)
}

func (s *IdentityService) writeOptions() []*sql.TxOptions {
	if repo.IsPostgres(s.DB) {
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return nil
}

func (s *IdentityService) readOptions() []*sql.TxOptions {
	if repo.IsPostgres(s.DB) {
		return []*sql.TxOptions{{Isolation: sql.LevelRepeatableRead, ReadOnly: true}}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
