package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/playgraph/playgraph/internal/crawl"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *Store, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewStoreWithPool(mock, fixedClock{now: now})
	require.NoError(t, err)
	return mock, store, now
}

func TestClaimNextAppReturnsRecord(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	expires := now.Add(10 * time.Minute)
	firstSeen := now.Add(-time.Hour)

	mock.ExpectQuery(`UPDATE apps SET`).
		WithArgs("worker-1", expires, now).
		WillReturnRows(pgxmock.NewRows([]string{
			"package_id", "priority", "relations_pending", "extended_details", "first_seen_at", "last_crawled_at",
		}).AddRow("com.example.app", 10, []string{"similar", "same_developer"}, false, firstSeen, nil))

	rec, err := store.ClaimNextApp(context.Background(), "worker-1", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "com.example.app", rec.PackageID)
	require.Equal(t, crawl.AppStatusClaimed, rec.Status)
	require.Equal(t, 10, rec.Priority)
	require.Equal(t, "worker-1", rec.LeaseOwner)
	require.Equal(t, expires, *rec.LeaseExpiresAt)
	require.Equal(t, []crawl.RelationKind{crawl.RelationSimilar, crawl.RelationSameDeveloper}, rec.RelationsPending)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextAppEmptyQueue(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectQuery(`UPDATE apps SET`).
		WithArgs("worker-1", now.Add(time.Minute), now).
		WillReturnError(pgx.ErrNoRows)

	rec, err := store.ClaimNextApp(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextAppRetriesSerializationFailure(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	expires := now.Add(time.Minute)

	mock.ExpectQuery(`UPDATE apps SET`).
		WithArgs("worker-1", expires, now).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectQuery(`UPDATE apps SET`).
		WithArgs("worker-1", expires, now).
		WillReturnRows(pgxmock.NewRows([]string{
			"package_id", "priority", "relations_pending", "extended_details", "first_seen_at", "last_crawled_at",
		}).AddRow("com.example.app", 0, []string{}, false, now, nil))

	rec, err := store.ClaimNextApp(context.Background(), "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseAppIdempotentOnZeroRows(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec(`UPDATE apps SET`).
		WithArgs("com.example.app", "worker-1", "CRAWLED", []string{"similar"}, true, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.ReleaseApp(context.Background(), crawl.AppRelease{
		PackageID:       "com.example.app",
		Owner:           "worker-1",
		Outcome:         crawl.AppOutcomeCrawled,
		ClearRelations:  []crawl.RelationKind{crawl.RelationSimilar},
		ExtendedFetched: true,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseAppRejectsUnknownOutcome(t *testing.T) {
	t.Parallel()

	_, store, _ := newMockStore(t)

	err := store.ReleaseApp(context.Background(), crawl.AppRelease{
		PackageID: "com.example.app",
		Owner:     "worker-1",
		Outcome:   crawl.AppOutcome("bogus"),
	})
	require.Error(t, err)
}

func TestInsertAppIfAbsentDuplicateIsSuccess(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec(`INSERT INTO apps`).
		WithArgs("com.example.app", 0, []string{"similar", "same_developer"}, false, now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	inserted, err := store.InsertAppIfAbsent(context.Background(), crawl.AppRecord{
		PackageID:        "com.example.app",
		RelationsPending: crawl.DefaultRelations(false),
	})
	require.NoError(t, err)
	require.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPriority(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectExec(`UPDATE apps SET priority`).
		WithArgs(crawl.ElevatedPriority, []string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	matched, err := store.SetPriority(context.Background(), []string{"a", "b"}, crawl.ElevatedPriority)
	require.NoError(t, err)
	require.Equal(t, int64(2), matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSetPriorityNoPackagesIsNoOp(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	matched, err := store.SetPriority(context.Background(), nil, crawl.ElevatedPriority)
	require.NoError(t, err)
	require.Zero(t, matched)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueueDownload(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)

	mock.ExpectExec(`INSERT INTO downloads`).
		WithArgs("com.example.app", int64(42), true, int64(1024), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	inserted, err := store.EnqueueDownload(context.Background(), "com.example.app", 42, true, 1024)
	require.NoError(t, err)
	require.True(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextDownloadReturnsRecord(t *testing.T) {
	t.Parallel()

	mock, store, now := newMockStore(t)
	expires := now.Add(30 * time.Minute)

	mock.ExpectQuery(`UPDATE downloads SET`).
		WithArgs("worker-2", expires, now, true).
		WillReturnRows(pgxmock.NewRows([]string{
			"package_id", "version_code", "free", "bytes_expected", "started_at",
		}).AddRow("com.example.app", int64(42), true, int64(2048), now))

	rec, err := store.ClaimNextDownload(context.Background(), "worker-2", 30*time.Minute, true)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, "com.example.app", rec.PackageID)
	require.Equal(t, int64(42), rec.VersionCode)
	require.Equal(t, crawl.DownloadStatusClaimed, rec.Status)
	require.Equal(t, "worker-2", rec.LeaseOwner)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseDownloadRetry(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)

	mock.ExpectExec(`UPDATE downloads SET`).
		WithArgs("com.example.app", int64(42), "worker-2", "PENDING").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := store.ReleaseDownload(context.Background(), crawl.DownloadRelease{
		PackageID:   "com.example.app",
		VersionCode: 42,
		Owner:       "worker-2",
		Outcome:     crawl.DownloadOutcomeRetry,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAppliesAllStatements(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	for range schemaStatements {
		mock.ExpectExec(`CREATE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaStopsOnError(t *testing.T) {
	t.Parallel()

	mock, store, _ := newMockStore(t)
	mock.ExpectExec(`CREATE`).WillReturnError(errors.New("boom"))

	require.ErrorContains(t, store.EnsureSchema(context.Background()), "apply schema")
	require.NoError(t, mock.ExpectationsWereMet())
}
