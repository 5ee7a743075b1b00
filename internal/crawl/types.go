package crawl

import (
	"errors"
	"time"
)

// AppStatus tracks an application record through the discovery state machine.
type AppStatus string

// Application record states. NEW -> CLAIMED -> {CRAWLED | NEW}. CRAWLED is
// terminal for the base crawl but stays claimable while relation expansion
// work is still pending.
const (
	AppStatusNew     AppStatus = "NEW"
	AppStatusClaimed AppStatus = "CLAIMED"
	AppStatusCrawled AppStatus = "CRAWLED"
	AppStatusFailed  AppStatus = "FAILED"
)

// DownloadStatus tracks a binary fetch attempt.
type DownloadStatus string

// Download record states.
const (
	DownloadStatusPending    DownloadStatus = "PENDING"
	DownloadStatusClaimed    DownloadStatus = "CLAIMED"
	DownloadStatusDownloaded DownloadStatus = "DOWNLOADED"
	DownloadStatusFailed     DownloadStatus = "FAILED"
)

// RelationKind names one edge type of the marketplace's discovery graph.
type RelationKind string

// Relation kinds the marketplace exposes for a package.
const (
	RelationSimilar       RelationKind = "similar"
	RelationPreInstall    RelationKind = "pre_install"
	RelationPostInstall   RelationKind = "post_install"
	RelationSameDeveloper RelationKind = "same_developer"
)

// ElevatedPriority is the fixed priority assigned by the operator override.
// Claim ordering is priority descending, so elevated records are picked first.
const ElevatedPriority = 10

// DefaultRelations returns the relation kinds a freshly discovered record
// still needs expanded. The slow crawl additionally walks the pre-install and
// post-install edges; similar and same-developer are always followed.
func DefaultRelations(slowCrawl bool) []RelationKind {
	kinds := []RelationKind{RelationSimilar, RelationSameDeveloper}
	if slowCrawl {
		kinds = append(kinds, RelationPreInstall, RelationPostInstall)
	}
	return kinds
}

// AppRecord is one discovered marketplace application. PackageID is the
// globally unique key; the unique index on it is the dedup mechanism for
// concurrent discovery.
type AppRecord struct {
	PackageID        string
	Status           AppStatus
	Priority         int
	RelationsPending []RelationKind
	ExtendedDetails  bool
	LeaseOwner       string
	LeaseExpiresAt   *time.Time
	FirstSeenAt      time.Time
	LastCrawledAt    *time.Time
}

// DownloadRecord is one (package, version) binary fetch attempt. Claim
// ordering follows the owning AppRecord's priority; the record itself does
// not carry one.
type DownloadRecord struct {
	PackageID      string
	VersionCode    int64
	Status         DownloadStatus
	Free           bool
	BytesExpected  int64
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	StartedAt      *time.Time
}

// AppOutcome selects the status transition applied when releasing a lease on
// an application record.
type AppOutcome string

// Lease release outcomes for application records. There is no outcome for
// transient failures: the worker simply walks away and the lease expires.
const (
	AppOutcomeCrawled AppOutcome = "crawled"
	AppOutcomeFailed  AppOutcome = "failed"
	AppOutcomeRequeue AppOutcome = "requeue"
)

// AppRelease carries everything a worker reports back when it releases an
// application lease.
type AppRelease struct {
	PackageID string
	Owner     string
	Outcome   AppOutcome
	// ClearRelations lists the relation kinds that were just expanded and
	// should be removed from the pending set.
	ClearRelations []RelationKind
	// ExtendedFetched marks that the extended metadata request was issued.
	ExtendedFetched bool
}

// DownloadOutcome selects the status transition applied when releasing a
// lease on a download record.
type DownloadOutcome string

// Lease release outcomes for download records. Retry puts the record back to
// PENDING so any worker can pick it up on the next cycle.
const (
	DownloadOutcomeDone   DownloadOutcome = "downloaded"
	DownloadOutcomeFailed DownloadOutcome = "failed"
	DownloadOutcomeRetry  DownloadOutcome = "retry"
)

// DownloadRelease identifies the lease being released and the outcome.
type DownloadRelease struct {
	PackageID   string
	VersionCode int64
	Owner       string
	Outcome     DownloadOutcome
}

// AppDetails is the metadata the marketplace returns for one package.
type AppDetails struct {
	PackageID   string
	Title       string
	Developer   string
	VersionCode int64
	Free        bool
	// Description is only populated by the extended request.
	Description string
}

// ChartEntry is one application listed in a top chart, used for seeding.
type ChartEntry struct {
	PackageID string
	Chart     string
	Category  string
}

// ErrPackageGone reports that the marketplace has permanently removed a
// package. It is the only error class that marks a record FAILED; anything
// else is treated as transient and retried via lease expiry.
var ErrPackageGone = errors.New("package removed from marketplace")

// ErrAlreadyInitialized reports that seeding was attempted against a store
// that already holds records.
var ErrAlreadyInitialized = errors.New("store already initialized")
