// Package postgres implements the shared persistent store on PostgreSQL.
//
// All cross-worker coordination rides on single-statement claims: the
// select-and-stamp is one UPDATE with a FOR UPDATE SKIP LOCKED subselect, so
// two workers can never observe the same eligible record. Releases are
// guarded by (owner, status) and treat zero matched rows as success, which
// makes them idempotent under lease reclaim.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playgraph/playgraph/internal/crawl"
)

// claimAttempts bounds the silent retry loop for claims that lose a
// serialization race. Contention is never surfaced to the caller.
const claimAttempts = 3

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawl.Store against a pgx connection pool.
type Store struct {
	pool  pgxPool
	clock crawl.Clock
}

// NewStore connects a Postgres-backed Store using the provided config.
func NewStore(ctx context.Context, cfg Config, clock crawl.Clock) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool, clock: clock}, nil
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for
// testing with pgxmock).
func NewStoreWithPool(pool pgxPool, clock crawl.Clock) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	return &Store{pool: pool, clock: clock}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// CountApps returns the number of application records.
func (s *Store) CountApps(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM apps`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count apps: %w", err)
	}
	return count, nil
}

const insertAppSQL = `
INSERT INTO apps (package_id, status, priority, relations_pending, extended_details, first_seen_at)
VALUES ($1, 'NEW', $2, $3, $4, $5)
ON CONFLICT (package_id) DO NOTHING`

// InsertAppIfAbsent inserts a NEW record, reporting whether a row was
// written. A concurrent discovery of the same package is success: the unique
// key on package_id is the dedup mechanism, there is no separate seen set.
func (s *Store) InsertAppIfAbsent(ctx context.Context, rec crawl.AppRecord) (bool, error) {
	if rec.PackageID == "" {
		return false, fmt.Errorf("package id is required")
	}
	firstSeen := rec.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = s.clock.Now()
	}
	tag, err := s.pool.Exec(ctx, insertAppSQL,
		rec.PackageID,
		rec.Priority,
		relationStrings(rec.RelationsPending),
		rec.ExtendedDetails,
		firstSeen,
	)
	if err != nil {
		return false, fmt.Errorf("insert app %s: %w", rec.PackageID, err)
	}
	return tag.RowsAffected() == 1, nil
}

const claimAppSQL = `
UPDATE apps SET
	status = 'CLAIMED',
	lease_owner = $1,
	lease_expires_at = $2
WHERE package_id = (
	SELECT package_id FROM apps
	WHERE status = 'NEW'
	   OR (status = 'CLAIMED' AND lease_expires_at < $3)
	   OR (status = 'CRAWLED' AND cardinality(relations_pending) > 0)
	ORDER BY priority DESC, first_seen_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING package_id, priority, relations_pending, extended_details, first_seen_at, last_crawled_at`

// ClaimNextApp claims the highest-priority eligible application record.
// Expired leases are reclaimed by the same predicate; there is no separate
// sweeper. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNextApp(ctx context.Context, owner string, leaseFor time.Duration) (*crawl.AppRecord, error) {
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := s.clock.Now()
		expires := now.Add(leaseFor)

		var (
			rec       crawl.AppRecord
			relations []string
		)
		err := s.pool.QueryRow(ctx, claimAppSQL, owner, expires, now).Scan(
			&rec.PackageID,
			&rec.Priority,
			&relations,
			&rec.ExtendedDetails,
			&rec.FirstSeenAt,
			&rec.LastCrawledAt,
		)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, nil
		case isContention(err):
			lastErr = err
			continue
		case err != nil:
			return nil, fmt.Errorf("claim app: %w", err)
		}

		rec.Status = crawl.AppStatusClaimed
		rec.LeaseOwner = owner
		rec.LeaseExpiresAt = &expires
		rec.RelationsPending = relationKinds(relations)
		return &rec, nil
	}
	return nil, fmt.Errorf("claim app: %w", lastErr)
}

const releaseAppSQL = `
UPDATE apps SET
	status = $3,
	lease_owner = NULL,
	lease_expires_at = NULL,
	relations_pending = ARRAY(
		SELECT unnest(relations_pending) EXCEPT SELECT unnest($4::text[])
	),
	extended_details = extended_details OR $5,
	last_crawled_at = CASE WHEN $3 = 'CRAWLED' THEN $6 ELSE last_crawled_at END
WHERE package_id = $1 AND status = 'CLAIMED' AND lease_owner = $2`

// ReleaseApp clears the lease and applies the outcome transition. A release
// that matches no row (the lease expired and was reclaimed, or was already
// released) is a no-op, not an error.
func (s *Store) ReleaseApp(ctx context.Context, rel crawl.AppRelease) error {
	status, err := appOutcomeStatus(rel.Outcome)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, releaseAppSQL,
		rel.PackageID,
		rel.Owner,
		string(status),
		relationStrings(rel.ClearRelations),
		rel.ExtendedFetched,
		s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("release app %s: %w", rel.PackageID, err)
	}
	return nil
}

const setPrioritySQL = `UPDATE apps SET priority = $1 WHERE package_id = ANY($2)`

// SetPriority applies the operator override to the given packages regardless
// of status. In-flight leases are unaffected; only future claim ordering
// changes.
func (s *Store) SetPriority(ctx context.Context, packageIDs []string, priority int) (int64, error) {
	if len(packageIDs) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, setPrioritySQL, priority, packageIDs)
	if err != nil {
		return 0, fmt.Errorf("set priority: %w", err)
	}
	return tag.RowsAffected(), nil
}

const enqueueDownloadSQL = `
INSERT INTO downloads (package_id, version_code, status, free, bytes_expected, created_at)
VALUES ($1, $2, 'PENDING', $3, $4, $5)
ON CONFLICT (package_id, version_code) DO NOTHING`

// EnqueueDownload records a (package, version) binary fetch. Duplicate pairs
// are success under the same discipline as InsertAppIfAbsent.
func (s *Store) EnqueueDownload(ctx context.Context, packageID string, versionCode int64, free bool, bytesExpected int64) (bool, error) {
	var expected any
	if bytesExpected > 0 {
		expected = bytesExpected
	}
	tag, err := s.pool.Exec(ctx, enqueueDownloadSQL, packageID, versionCode, free, expected, s.clock.Now())
	if err != nil {
		return false, fmt.Errorf("enqueue download %s/%d: %w", packageID, versionCode, err)
	}
	return tag.RowsAffected() == 1, nil
}

const claimDownloadSQL = `
UPDATE downloads SET
	status = 'CLAIMED',
	lease_owner = $1,
	lease_expires_at = $2,
	started_at = COALESCE(started_at, $3)
WHERE (package_id, version_code) IN (
	SELECT d.package_id, d.version_code
	FROM downloads d
	JOIN apps a ON a.package_id = d.package_id
	WHERE (d.status = 'PENDING' OR (d.status = 'CLAIMED' AND d.lease_expires_at < $3))
	  AND ($4 = FALSE OR d.free)
	ORDER BY a.priority DESC, d.created_at ASC
	LIMIT 1
	FOR UPDATE OF d SKIP LOCKED
)
RETURNING package_id, version_code, free, COALESCE(bytes_expected, 0), started_at`

// ClaimNextDownload claims the next eligible download ordered by the owning
// application's priority. Returns (nil, nil) when nothing is eligible.
func (s *Store) ClaimNextDownload(ctx context.Context, owner string, leaseFor time.Duration, freeOnly bool) (*crawl.DownloadRecord, error) {
	var lastErr error
	for attempt := 0; attempt < claimAttempts; attempt++ {
		now := s.clock.Now()
		expires := now.Add(leaseFor)

		var rec crawl.DownloadRecord
		err := s.pool.QueryRow(ctx, claimDownloadSQL, owner, expires, now, freeOnly).Scan(
			&rec.PackageID,
			&rec.VersionCode,
			&rec.Free,
			&rec.BytesExpected,
			&rec.StartedAt,
		)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return nil, nil
		case isContention(err):
			lastErr = err
			continue
		case err != nil:
			return nil, fmt.Errorf("claim download: %w", err)
		}

		rec.Status = crawl.DownloadStatusClaimed
		rec.LeaseOwner = owner
		rec.LeaseExpiresAt = &expires
		return &rec, nil
	}
	return nil, fmt.Errorf("claim download: %w", lastErr)
}

const releaseDownloadSQL = `
UPDATE downloads SET
	status = $4,
	lease_owner = NULL,
	lease_expires_at = NULL
WHERE package_id = $1 AND version_code = $2 AND status = 'CLAIMED' AND lease_owner = $3`

// ReleaseDownload clears the lease and applies the outcome transition, with
// the same zero-rows-is-fine idempotence as ReleaseApp.
func (s *Store) ReleaseDownload(ctx context.Context, rel crawl.DownloadRelease) error {
	status, err := downloadOutcomeStatus(rel.Outcome)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, releaseDownloadSQL, rel.PackageID, rel.VersionCode, rel.Owner, string(status))
	if err != nil {
		return fmt.Errorf("release download %s/%d: %w", rel.PackageID, rel.VersionCode, err)
	}
	return nil
}

func appOutcomeStatus(outcome crawl.AppOutcome) (crawl.AppStatus, error) {
	switch outcome {
	case crawl.AppOutcomeCrawled:
		return crawl.AppStatusCrawled, nil
	case crawl.AppOutcomeFailed:
		return crawl.AppStatusFailed, nil
	case crawl.AppOutcomeRequeue:
		return crawl.AppStatusNew, nil
	default:
		return "", fmt.Errorf("unknown app outcome %q", outcome)
	}
}

func downloadOutcomeStatus(outcome crawl.DownloadOutcome) (crawl.DownloadStatus, error) {
	switch outcome {
	case crawl.DownloadOutcomeDone:
		return crawl.DownloadStatusDownloaded, nil
	case crawl.DownloadOutcomeFailed:
		return crawl.DownloadStatusFailed, nil
	case crawl.DownloadOutcomeRetry:
		return crawl.DownloadStatusPending, nil
	default:
		return "", fmt.Errorf("unknown download outcome %q", outcome)
	}
}

// isContention reports whether the error is a serialization or deadlock
// failure worth a silent retry.
func isContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func relationStrings(kinds []crawl.RelationKind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

func relationKinds(values []string) []crawl.RelationKind {
	if len(values) == 0 {
		return nil
	}
	out := make([]crawl.RelationKind, len(values))
	for i, v := range values {
		out[i] = crawl.RelationKind(v)
	}
	return out
}
