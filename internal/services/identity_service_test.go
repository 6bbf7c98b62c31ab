package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/identity-reconciler/internal/domain"
	"github.com/tbourn/identity-reconciler/internal/repo"
)

// ----- helpers -----

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

func newService(t *testing.T) (*IdentityService, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	svc := NewIdentityService(db, repo.ContactStore{})
	svc.RetryBackoff = time.Millisecond
	return svc, db
}

func strp(s string) *string { return &s }

func seedContact(t *testing.T, db *gorm.DB, email, phone *string, linked *int64, at time.Time) *domain.Contact {
	t.Helper()
	c := &domain.Contact{Email: email, PhoneNumber: phone, LinkedID: linked, LinkPrecedence: domain.LinkPrimary, CreatedAt: at}
	if linked != nil {
		c.LinkPrecedence = domain.LinkSecondary
	}
	require.NoError(t, repo.InsertContact(context.Background(), db, c))
	return c
}

func countContacts(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&domain.Contact{}).Count(&n).Error)
	return n
}

func loadContact(t *testing.T, db *gorm.DB, id int64) *domain.Contact {
	t.Helper()
	c, err := repo.FindContactByID(context.Background(), db, id)
	require.NoError(t, err)
	return c
}

// assertInvariants checks the primary/secondary hierarchy over the whole table.
func assertInvariants(t *testing.T, db *gorm.DB) {
	t.Helper()
	var all []domain.Contact
	require.NoError(t, db.Find(&all).Error)
	byID := make(map[int64]domain.Contact, len(all))
	for _, c := range all {
		byID[c.ID] = c
	}
	for _, c := range all {
		assert.True(t, c.Email != nil || c.PhoneNumber != nil, "contact %d has neither email nor phone", c.ID)
		switch c.LinkPrecedence {
		case domain.LinkPrimary:
			assert.Nil(t, c.LinkedID, "primary %d must not link", c.ID)
		case domain.LinkSecondary:
			if assert.NotNil(t, c.LinkedID, "secondary %d without link", c.ID) {
				target, ok := byID[*c.LinkedID]
				if assert.True(t, ok, "secondary %d links to missing %d", c.ID, *c.LinkedID) {
					assert.Equal(t, domain.LinkPrimary, target.LinkPrecedence, "secondary %d links to secondary %d", c.ID, target.ID)
				}
			}
		default:
			t.Errorf("contact %d has precedence %q", c.ID, c.LinkPrecedence)
		}
	}
}

// ----- validation -----

func TestConsolidate_Validation(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	for _, in := range [][2]*string{
		{nil, nil},
		{strp(""), nil},
		{nil, strp("   ")},
		{strp(" \t"), strp("\n")},
	} {
		_, err := svc.Consolidate(ctx, in[0], in[1])
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Zero(t, countContacts(t, db))

	// Regardless of store state.
	_, err := svc.Consolidate(ctx, strp("a@x.com"), nil)
	require.NoError(t, err)
	_, err = svc.Consolidate(ctx, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// ----- core properties -----

func TestConsolidate_NoMatch_FreshStart(t *testing.T) {
	svc, db := newService(t)

	v, err := svc.Consolidate(context.Background(), strp("a@x.com"), nil)
	require.NoError(t, err)

	assert.NotZero(t, v.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com"}, v.Emails)
	assert.Equal(t, []string{}, v.PhoneNumbers)
	assert.Equal(t, []int64{}, v.SecondaryContactIDs)
	assert.EqualValues(t, 1, countContacts(t, db))

	p := loadContact(t, db, v.PrimaryContactID)
	assert.Equal(t, domain.LinkPrimary, p.LinkPrecedence)
	assert.Nil(t, p.LinkedID)
	assert.Nil(t, p.PhoneNumber)
}

func TestConsolidate_NormalizesInputs(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	v1, err := svc.Consolidate(ctx, strp("  a@x.com "), strp(" 123 "))
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, v1.Emails)
	assert.Equal(t, []string{"123"}, v1.PhoneNumbers)

	v2, err := svc.Consolidate(ctx, strp("a@x.com"), strp("123"))
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.EqualValues(t, 1, countContacts(t, db))
}

func TestConsolidate_ExactMatch_NoNewInfo(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	first, err := svc.Consolidate(ctx, strp("a@x.com"), strp("123"))
	require.NoError(t, err)
	second, err := svc.Consolidate(ctx, strp("a@x.com"), strp("123"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, countContacts(t, db))
}

func TestConsolidate_NewInfoCreatesSecondary(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	p := seedContact(t, db, strp("a@x.com"), nil, nil, time.Now().UTC().Add(-time.Hour))

	v, err := svc.Consolidate(ctx, strp("a@x.com"), strp("123"))
	require.NoError(t, err)

	assert.Equal(t, p.ID, v.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com"}, v.Emails)
	assert.Equal(t, []string{"123"}, v.PhoneNumbers)
	require.Len(t, v.SecondaryContactIDs, 1)
	assert.EqualValues(t, 2, countContacts(t, db))

	sec := loadContact(t, db, v.SecondaryContactIDs[0])
	assert.Equal(t, domain.LinkSecondary, sec.LinkPrecedence)
	require.NotNil(t, sec.LinkedID)
	assert.Equal(t, p.ID, *sec.LinkedID)
	assert.Equal(t, "a@x.com", *sec.Email)
	assert.Equal(t, "123", *sec.PhoneNumber)
}

func TestConsolidate_BothFieldsNovel_OnlyOneSecondary(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	// Phone matches; email is new. One secondary carries both.
	p := seedContact(t, db, strp("a@x.com"), strp("123"), nil, time.Now().UTC().Add(-time.Hour))

	v, err := svc.Consolidate(ctx, strp("b@x.com"), strp("123"))
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, v.Emails)
	assert.Equal(t, []string{"123"}, v.PhoneNumbers)
	assert.Len(t, v.SecondaryContactIDs, 1)
	assert.EqualValues(t, 2, countContacts(t, db))
}

func TestConsolidate_KnownFieldWithDifferentPairing_NoDuplicate(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	p := seedContact(t, db, strp("a@x.com"), strp("111"), nil, base)
	_ = seedContact(t, db, strp("b@x.com"), strp("111"), &p.ID, base.Add(time.Minute))

	// Only an email already present in the match set: nothing new.
	v, err := svc.Consolidate(ctx, strp("b@x.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PrimaryContactID)
	assert.EqualValues(t, 2, countContacts(t, db))

	// Only a phone already present: nothing new.
	_, err = svc.Consolidate(ctx, nil, strp("111"))
	require.NoError(t, err)
	assert.EqualValues(t, 2, countContacts(t, db))
}

func TestConsolidate_MergeEarliestWins(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	p1 := seedContact(t, db, strp("a@x.com"), nil, nil, base)
	p2 := seedContact(t, db, nil, strp("999"), nil, base.Add(10*time.Minute))

	v, err := svc.Consolidate(ctx, strp("a@x.com"), strp("999"))
	require.NoError(t, err)

	assert.Equal(t, p1.ID, v.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com"}, v.Emails)
	assert.Equal(t, []string{"999"}, v.PhoneNumbers)
	assert.Equal(t, []int64{p2.ID}, v.SecondaryContactIDs)
	// Both values were already in the match set: no extra row.
	assert.EqualValues(t, 2, countContacts(t, db))

	demoted := loadContact(t, db, p2.ID)
	assert.Equal(t, domain.LinkSecondary, demoted.LinkPrecedence)
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, p1.ID, *demoted.LinkedID)
	assert.True(t, demoted.UpdatedAt.After(p2.UpdatedAt))

	members, err := repo.FindClusterMembers(ctx, db, p1.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	assertInvariants(t, db)
}

func TestConsolidate_MergeIsIndependentOfInsertionOrder(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	// Higher id, earlier creation: the earlier one still wins.
	base := time.Now().UTC().Add(-time.Hour)
	late := seedContact(t, db, nil, strp("999"), nil, base.Add(10*time.Minute))
	early := seedContact(t, db, strp("a@x.com"), nil, nil, base)
	require.Greater(t, early.ID, late.ID)

	v, err := svc.Consolidate(ctx, strp("a@x.com"), strp("999"))
	require.NoError(t, err)
	assert.Equal(t, early.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{late.ID}, v.SecondaryContactIDs)
}

func TestConsolidate_EqualCreatedAt_LowerIDWins(t *testing.T) {
	svc, db := newService(t)
	at := time.Now().UTC().Add(-time.Hour)
	a := seedContact(t, db, strp("a@x.com"), nil, nil, at)
	b := seedContact(t, db, nil, strp("999"), nil, at)

	v, err := svc.Consolidate(context.Background(), strp("a@x.com"), strp("999"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{b.ID}, v.SecondaryContactIDs)
}

func TestConsolidate_MergeRelinksWholeAbsorbedCluster(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	a := seedContact(t, db, strp("a@x.com"), strp("111"), nil, base)
	aSec := seedContact(t, db, strp("a2@x.com"), strp("111"), &a.ID, base.Add(time.Minute))
	b := seedContact(t, db, strp("b@x.com"), strp("222"), nil, base.Add(2*time.Minute))
	bSec := seedContact(t, db, strp("b2@x.com"), strp("222"), &b.ID, base.Add(3*time.Minute))

	// Email hits a's secondary, phone hits b's secondary.
	v, err := svc.Consolidate(ctx, strp("a2@x.com"), strp("222"))
	require.NoError(t, err)

	assert.Equal(t, a.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{aSec.ID, b.ID, bSec.ID}, v.SecondaryContactIDs)
	assert.Equal(t, []string{"a@x.com", "a2@x.com", "b@x.com", "b2@x.com"}, v.Emails)
	assert.Equal(t, []string{"111", "222"}, v.PhoneNumbers)
	assert.EqualValues(t, 4, countContacts(t, db))

	for _, id := range []int64{b.ID, bSec.ID} {
		c := loadContact(t, db, id)
		assert.Equal(t, domain.LinkSecondary, c.LinkPrecedence)
		require.NotNil(t, c.LinkedID)
		assert.Equal(t, a.ID, *c.LinkedID, "contact %d must point at the absorbing primary", id)
	}
	assertInvariants(t, db)
}

func TestConsolidate_MergeThreeClusters(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	c := seedContact(t, db, strp("c@x.com"), nil, nil, base.Add(2*time.Minute))
	a := seedContact(t, db, strp("a@x.com"), nil, nil, base)
	_ = seedContact(t, db, nil, strp("555"), nil, base.Add(time.Minute))

	// First bridge: a + 555.
	v, err := svc.Consolidate(ctx, strp("a@x.com"), strp("555"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, v.PrimaryContactID)

	// Second bridge: c + 555 pulls c under a as well.
	v, err = svc.Consolidate(ctx, strp("c@x.com"), strp("555"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, v.PrimaryContactID)
	assert.Len(t, v.SecondaryContactIDs, 2)
	assert.Equal(t, domain.LinkSecondary, loadContact(t, db, c.ID).LinkPrecedence)
	assert.EqualValues(t, 3, countContacts(t, db))
	assertInvariants(t, db)
}

func TestConsolidate_MatchOnSecondaryReturnsPrimaryCluster(t *testing.T) {
	svc, db := newService(t)
	base := time.Now().UTC().Add(-time.Hour)
	p := seedContact(t, db, strp("a@x.com"), strp("111"), nil, base)
	s := seedContact(t, db, strp("b@x.com"), strp("111"), &p.ID, base.Add(time.Minute))

	v, err := svc.Consolidate(context.Background(), strp("b@x.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{s.ID}, v.SecondaryContactIDs)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, v.Emails)
}

func TestConsolidate_Idempotence_RowCountStable(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	calls := [][2]*string{
		{strp("a@x.com"), strp("1")},
		{strp("b@x.com"), strp("1")},
		{strp("c@x.com"), strp("2")},
		{strp("b@x.com"), strp("2")},
		{nil, strp("3")},
		{strp("a@x.com"), strp("3")},
	}
	for _, in := range calls {
		_, err := svc.Consolidate(ctx, in[0], in[1])
		require.NoError(t, err)
	}
	before := countContacts(t, db)
	assertInvariants(t, db)

	for round := 0; round < 3; round++ {
		for _, in := range calls {
			_, err := svc.Consolidate(ctx, in[0], in[1])
			require.NoError(t, err)
		}
	}
	assert.Equal(t, before, countContacts(t, db))
	assertInvariants(t, db)

	// Everything is connected now: one primary.
	var primaries int64
	require.NoError(t, db.Model(&domain.Contact{}).Where("link_precedence = ?", domain.LinkPrimary).Count(&primaries).Error)
	assert.EqualValues(t, 1, primaries)
}

// ----- corruption and failures -----

func TestConsolidate_BrokenLink_MissingTarget(t *testing.T) {
	svc, db := newService(t)
	// FK enforcement is off on this test handle, so a dangling link can be seeded.
	dangling := int64(4242)
	_ = seedContact(t, db, strp("a@x.com"), nil, &dangling, time.Now().UTC())

	_, err := svc.Consolidate(context.Background(), strp("a@x.com"), strp("1"))
	assert.ErrorIs(t, err, ErrBrokenLink)
	var se *StorageError
	assert.False(t, errors.As(err, &se), "broken links are not storage failures")
	assert.EqualValues(t, 1, countContacts(t, db), "nothing may be written")
}

func TestConsolidate_BrokenLink_SecondaryChain(t *testing.T) {
	svc, db := newService(t)
	base := time.Now().UTC().Add(-time.Hour)
	p := seedContact(t, db, strp("p@x.com"), nil, nil, base)
	s1 := seedContact(t, db, strp("s1@x.com"), nil, &p.ID, base.Add(time.Minute))
	_ = seedContact(t, db, strp("s2@x.com"), nil, &s1.ID, base.Add(2*time.Minute))

	_, err := svc.Consolidate(context.Background(), strp("s2@x.com"), nil)
	assert.ErrorIs(t, err, ErrBrokenLink)
}

func TestConsolidate_BrokenLink_NilLink(t *testing.T) {
	svc, db := newService(t)
	require.NoError(t, db.Exec(
		`INSERT INTO contacts (email, link_precedence, created_at, updated_at) VALUES (?, 'secondary', ?, ?)`,
		"orphan@x.com", time.Now().UTC(), time.Now().UTC()).Error)

	_, err := svc.Consolidate(context.Background(), strp("orphan@x.com"), nil)
	assert.ErrorIs(t, err, ErrBrokenLink)
}

// failingRepo fails a chosen operation with a fixed error.
type failingRepo struct {
	repo.ContactStore
	failOn string
	err    error
}

func (f failingRepo) FindMatching(ctx context.Context, db *gorm.DB, email, phone *string) ([]domain.Contact, error) {
	if f.failOn == "find" {
		return nil, f.err
	}
	return f.ContactStore.FindMatching(ctx, db, email, phone)
}

func (f failingRepo) InsertContact(ctx context.Context, db *gorm.DB, c *domain.Contact) error {
	if f.failOn == "insert" {
		return f.err
	}
	return f.ContactStore.InsertContact(ctx, db, c)
}

func TestConsolidate_StorageErrors(t *testing.T) {
	boom := errors.New("disk on fire")
	for _, tc := range []struct {
		failOn string
		op     string
	}{
		{"find", "find_matching"},
		{"insert", "insert_primary"},
	} {
		t.Run(tc.failOn, func(t *testing.T) {
			db := newTestDB(t)
			svc := NewIdentityService(db, failingRepo{failOn: tc.failOn, err: boom})

			_, err := svc.Consolidate(context.Background(), strp("a@x.com"), nil)
			var se *StorageError
			require.True(t, errors.As(err, &se), "want StorageError, got %T %v", err, err)
			assert.Equal(t, tc.op, se.Op)
			assert.ErrorIs(t, err, boom)
			assert.Zero(t, countContacts(t, db))
		})
	}
}

func TestConsolidate_PartialWritesRolledBack(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC().Add(-time.Hour)
	// Two primaries sharing an email: the request reaches p2 by phone and
	// p1 through p2's email, so p2 gets relinked before the insert runs.
	_ = seedContact(t, db, strp("b@x.com"), nil, nil, base)
	p2 := seedContact(t, db, strp("b@x.com"), strp("999"), nil, base.Add(time.Minute))

	svc := NewIdentityService(db, failingRepo{failOn: "insert", err: errors.New("insert failed")})
	_, err := svc.Consolidate(context.Background(), strp("new@x.com"), strp("999"))
	require.Error(t, err)

	got := loadContact(t, db, p2.ID)
	assert.Equal(t, domain.LinkPrimary, got.LinkPrecedence, "relink must roll back with the failed insert")
	assert.Nil(t, got.LinkedID)
	assert.EqualValues(t, 2, countContacts(t, db))
}

func TestConsolidate_PeersOfPrimaryAreMerged(t *testing.T) {
	svc, db := newService(t)
	base := time.Now().UTC().Add(-time.Hour)
	p1 := seedContact(t, db, strp("b@x.com"), nil, nil, base)
	p2 := seedContact(t, db, strp("b@x.com"), strp("999"), nil, base.Add(time.Minute))

	v, err := svc.Consolidate(context.Background(), nil, strp("999"))
	require.NoError(t, err)
	assert.Equal(t, p1.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{p2.ID}, v.SecondaryContactIDs)
	assertInvariants(t, db)
}

// flakyRepo fails FindMatching with a retryable error a fixed number of times.
type flakyRepo struct {
	repo.ContactStore
	failures int32
	calls    int32
	err      error
}

func (f *flakyRepo) FindMatching(ctx context.Context, db *gorm.DB, email, phone *string) ([]domain.Contact, error) {
	atomic.AddInt32(&f.calls, 1)
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, f.err
	}
	return f.ContactStore.FindMatching(ctx, db, email, phone)
}

func TestConsolidate_RetriesOnConflict(t *testing.T) {
	db := newTestDB(t)
	fr := &flakyRepo{failures: 2, err: &pgconn.PgError{Code: "40001"}}
	svc := NewIdentityService(db, fr)
	svc.RetryBackoff = time.Millisecond

	v, err := svc.Consolidate(context.Background(), strp("a@x.com"), nil)
	require.NoError(t, err)
	assert.NotZero(t, v.PrimaryContactID)
	assert.EqualValues(t, 3, atomic.LoadInt32(&fr.calls))
	assert.EqualValues(t, 1, countContacts(t, db))
}

func TestConsolidate_RetriesExhausted(t *testing.T) {
	db := newTestDB(t)
	fr := &flakyRepo{failures: 100, err: errors.New("database is locked (5) (SQLITE_BUSY)")}
	svc := NewIdentityService(db, fr)
	svc.MaxAttempts = 3
	svc.RetryBackoff = time.Millisecond

	_, err := svc.Consolidate(context.Background(), strp("a@x.com"), nil)
	var se *StorageError
	require.True(t, errors.As(err, &se))
	assert.EqualValues(t, 3, atomic.LoadInt32(&fr.calls))
}

func TestConsolidate_NonRetryableNotRetried(t *testing.T) {
	db := newTestDB(t)
	fr := &flakyRepo{failures: 100, err: errors.New("syntax error")}
	svc := NewIdentityService(db, fr)

	_, err := svc.Consolidate(context.Background(), strp("a@x.com"), nil)
	require.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fr.calls))
}

func TestConsolidate_RetryHonorsCancellation(t *testing.T) {
	db := newTestDB(t)
	fr := &flakyRepo{failures: 100, err: &pgconn.PgError{Code: "40P01"}}
	svc := NewIdentityService(db, fr)
	svc.MaxAttempts = 10
	svc.RetryBackoff = time.Hour

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := svc.Consolidate(ctx, strp("a@x.com"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 10*time.Second)
}

// ----- concurrency -----

func TestConsolidate_ConcurrentSamePair_SinglePrimary(t *testing.T) {
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "race.db"))
	require.NoError(t, err)
	sqlDB, _ := db.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	db.Logger = logger.Default.LogMode(logger.Silent)
	require.NoError(t, repo.AutoMigrate(db))

	svc := NewIdentityService(db, repo.ContactStore{})
	svc.MaxAttempts = 100
	svc.RetryBackoff = 2 * time.Millisecond

	const workers = 8
	var wg sync.WaitGroup
	ids := make([]int64, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := svc.Consolidate(context.Background(), strp("race@x.com"), strp("777"))
			errs[i] = err
			if err == nil {
				ids[i] = v.PrimaryContactID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.EqualValues(t, 1, countContacts(t, db))
	assertInvariants(t, db)
}

// ----- read paths -----

func TestCluster_ResolvesFromAnyMember(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()

	v, err := svc.Consolidate(ctx, strp("a@x.com"), strp("1"))
	require.NoError(t, err)
	v2, err := svc.Consolidate(ctx, strp("b@x.com"), strp("1"))
	require.NoError(t, err)
	require.Len(t, v2.SecondaryContactIDs, 1)

	fromPrimary, err := svc.Cluster(ctx, v.PrimaryContactID)
	require.NoError(t, err)
	fromSecondary, err := svc.Cluster(ctx, v2.SecondaryContactIDs[0])
	require.NoError(t, err)
	assert.Equal(t, v2, fromPrimary)
	assert.Equal(t, v2, fromSecondary)

	_, err = svc.Cluster(ctx, 987654)
	assert.ErrorIs(t, err, ErrContactNotFound)
	_ = db
}

func TestVersionedCluster(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	v, err := svc.Consolidate(ctx, strp("a@x.com"), nil)
	require.NoError(t, err)
	merged, err := svc.Consolidate(ctx, strp("a@x.com"), strp("1"))
	require.NoError(t, err)
	require.Len(t, merged.SecondaryContactIDs, 1)

	view, ver, err := svc.VersionedCluster(ctx, merged.SecondaryContactIDs[0])
	require.NoError(t, err)
	assert.Equal(t, merged, view)
	assert.EqualValues(t, 2, ver.Members)
	require.NotNil(t, ver.UpdatedAt)

	// The version moves with the cluster it describes.
	_, err = svc.Consolidate(ctx, strp("b@x.com"), strp("1"))
	require.NoError(t, err)
	view2, ver2, err := svc.VersionedCluster(ctx, v.PrimaryContactID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, ver2.Members)
	assert.EqualValues(t, len(view2.SecondaryContactIDs)+1, ver2.Members)

	_, _, err = svc.VersionedCluster(ctx, 999)
	assert.ErrorIs(t, err, ErrContactNotFound)
}

// deleted_at is a plain column: marked rows keep matching and linking.
func TestConsolidate_DeletedAtIsIgnored(t *testing.T) {
	svc, db := newService(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	p := seedContact(t, db, strp("a@x.com"), nil, nil, base)
	sec := seedContact(t, db, nil, strp("123"), &p.ID, base.Add(time.Minute))
	require.NoError(t, db.Model(&domain.Contact{}).Where("id = ?", p.ID).
		Update("deleted_at", time.Now().UTC()).Error)

	v, err := svc.Consolidate(ctx, nil, strp("123"))
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PrimaryContactID)
	assert.Equal(t, []int64{sec.ID}, v.SecondaryContactIDs)

	v, err = svc.Consolidate(ctx, strp("a@x.com"), nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, v.PrimaryContactID)

	fromSecondary, err := svc.Cluster(ctx, sec.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, fromSecondary.PrimaryContactID)

	assert.EqualValues(t, 2, countContacts(t, db))
	require.NotNil(t, loadContact(t, db, p.ID).DeletedAt)
	assertInvariants(t, db)
}

// ----- view building -----

func TestBuildClusterView_DedupesInOrder(t *testing.T) {
	members := []domain.Contact{
		{ID: 1, Email: strp("a@x.com"), PhoneNumber: strp("1")},
		{ID: 4, Email: strp("b@x.com"), PhoneNumber: strp("1")},
		{ID: 2, Email: strp("a@x.com"), PhoneNumber: nil},
		{ID: 9, Email: nil, PhoneNumber: strp("2")},
	}
	v, err := BuildClusterView(1, members)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, v.Emails)
	assert.Equal(t, []string{"1", "2"}, v.PhoneNumbers)
	assert.Equal(t, []int64{4, 2, 9}, v.SecondaryContactIDs)
}

func TestBuildClusterView_AssertsPrimaryFirst(t *testing.T) {
	_, err := BuildClusterView(1, nil)
	assert.ErrorIs(t, err, ErrClusterInconsistent)

	_, err = BuildClusterView(1, []domain.Contact{{ID: 2}, {ID: 1}})
	assert.ErrorIs(t, err, ErrClusterInconsistent)
}

func TestHasNewInformation(t *testing.T) {
	matches := []domain.Contact{
		{Email: strp("a@x.com")},
		{PhoneNumber: strp("1")},
	}
	assert.False(t, hasNewInformation(matches, strp("a@x.com"), strp("1")))
	assert.False(t, hasNewInformation(matches, strp("a@x.com"), nil))
	assert.False(t, hasNewInformation(matches, nil, strp("1")))
	assert.True(t, hasNewInformation(matches, strp("b@x.com"), strp("1")))
	assert.True(t, hasNewInformation(matches, strp("a@x.com"), strp("2")))
}

func TestStorageError_Unwrap(t *testing.T) {
	inner := errors.New("x")
	err := storageErr("op", inner)
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "op")
	assert.Nil(t, storageErr("op", nil))
	assert.Same(t, ErrBrokenLink, storageErr("op", ErrBrokenLink))
}
