package crawl

import (
	"context"
	"io"
	"time"
)

// Store is the persistent store adapter shared by every worker process. All
// cross-worker coordination goes through its atomic single-record claim and
// release operations; workers never talk to each other directly.
type Store interface {
	// EnsureSchema creates tables and indexes if they do not exist yet.
	EnsureSchema(ctx context.Context) error

	// CountApps returns the number of application records in the store.
	CountApps(ctx context.Context) (int64, error)

	// InsertAppIfAbsent inserts a new application record, treating a
	// duplicate key as success. It reports whether a row was inserted.
	InsertAppIfAbsent(ctx context.Context, rec AppRecord) (bool, error)

	// ClaimNextApp atomically claims the highest-priority eligible
	// application record (NEW, CLAIMED with an expired lease, or CRAWLED
	// with relation expansion pending) for the given owner. It returns
	// (nil, nil) when nothing is eligible.
	ClaimNextApp(ctx context.Context, owner string, leaseFor time.Duration) (*AppRecord, error)

	// ReleaseApp clears the lease and applies the outcome transition.
	// Releasing a lease that was already reclaimed or released is a no-op.
	ReleaseApp(ctx context.Context, rel AppRelease) error

	// SetPriority sets the priority for the given packages regardless of
	// their current status and returns how many records matched.
	SetPriority(ctx context.Context, packageIDs []string, priority int) (int64, error)

	// EnqueueDownload records that a (package, version) binary should be
	// fetched. A duplicate pair is success, not an error.
	EnqueueDownload(ctx context.Context, packageID string, versionCode int64, free bool, bytesExpected int64) (bool, error)

	// ClaimNextDownload atomically claims the next eligible download,
	// ordered by the owning application's priority. freeOnly restricts
	// claims to binaries offered at no cost. It returns (nil, nil) when
	// nothing is eligible.
	ClaimNextDownload(ctx context.Context, owner string, leaseFor time.Duration, freeOnly bool) (*DownloadRecord, error)

	// ReleaseDownload clears the lease and applies the outcome transition,
	// with the same idempotence as ReleaseApp.
	ReleaseDownload(ctx context.Context, rel DownloadRelease) error

	// Close releases the underlying connection resources.
	Close()
}

// MarketClient performs the actual network calls against the marketplace.
// The wire protocol and authentication flow live behind this interface.
type MarketClient interface {
	// TopCharts lists the applications appearing in the category charts,
	// used once to seed a fresh store.
	TopCharts(ctx context.Context) ([]ChartEntry, error)

	// Details fetches application metadata; extended additionally requests
	// the full description.
	Details(ctx context.Context, packageID string, extended bool) (AppDetails, error)

	// Relations fetches the requested relation edges for a package and
	// returns the discovered package identifiers per kind.
	Relations(ctx context.Context, packageID string, kinds []RelationKind) (map[RelationKind][]string, error)

	// Binary streams the APK for a (package, version) pair. The caller
	// must close the reader. The returned size may be -1 when unknown.
	Binary(ctx context.Context, packageID string, versionCode int64) (io.ReadCloser, int64, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
