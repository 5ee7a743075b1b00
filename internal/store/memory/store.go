// Package memory provides an in-memory crawl.Store for development and
// testing. It honors the same claim/release contract as the Postgres store,
// including lease expiry reclaim and idempotent release, with a mutex
// standing in for the database's atomicity.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/playgraph/playgraph/internal/crawl"
)

type downloadKey struct {
	packageID   string
	versionCode int64
}

// Store implements crawl.Store over process-local maps.
type Store struct {
	mu        sync.Mutex
	clock     crawl.Clock
	apps      map[string]*crawl.AppRecord
	appSeq    map[string]int
	downloads map[downloadKey]*crawl.DownloadRecord
	dlSeq     map[downloadKey]int
	seq       int
}

// NewStore constructs a Store. The clock drives lease stamps and expiry.
func NewStore(clock crawl.Clock) *Store {
	return &Store{
		clock:     clock,
		apps:      make(map[string]*crawl.AppRecord),
		appSeq:    make(map[string]int),
		downloads: make(map[downloadKey]*crawl.DownloadRecord),
		dlSeq:     make(map[downloadKey]int),
	}
}

// EnsureSchema is a no-op for the in-memory store.
func (s *Store) EnsureSchema(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

// CountApps returns the number of application records.
func (s *Store) CountApps(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.apps)), nil
}

// InsertAppIfAbsent inserts a NEW record; a duplicate package is success.
func (s *Store) InsertAppIfAbsent(_ context.Context, rec crawl.AppRecord) (bool, error) {
	if rec.PackageID == "" {
		return false, fmt.Errorf("package id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apps[rec.PackageID]; exists {
		return false, nil
	}
	stored := rec
	stored.Status = crawl.AppStatusNew
	if stored.FirstSeenAt.IsZero() {
		stored.FirstSeenAt = s.clock.Now()
	}
	stored.RelationsPending = append([]crawl.RelationKind(nil), rec.RelationsPending...)
	s.apps[rec.PackageID] = &stored
	s.seq++
	s.appSeq[rec.PackageID] = s.seq
	return true, nil
}

// ClaimNextApp claims the highest-priority eligible record, reclaiming
// expired leases through the same predicate as the Postgres store.
func (s *Store) ClaimNextApp(_ context.Context, owner string, leaseFor time.Duration) (*crawl.AppRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var best *crawl.AppRecord
	for _, rec := range s.apps {
		if !s.appEligible(rec, now) {
			continue
		}
		if best == nil || s.appBefore(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(leaseFor)
	best.Status = crawl.AppStatusClaimed
	best.LeaseOwner = owner
	best.LeaseExpiresAt = &expires

	out := *best
	out.RelationsPending = append([]crawl.RelationKind(nil), best.RelationsPending...)
	return &out, nil
}

func (s *Store) appEligible(rec *crawl.AppRecord, now time.Time) bool {
	switch rec.Status {
	case crawl.AppStatusNew:
		return true
	case crawl.AppStatusClaimed:
		return rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(now)
	case crawl.AppStatusCrawled:
		return len(rec.RelationsPending) > 0
	default:
		return false
	}
}

// appBefore orders candidates: priority descending, then oldest first.
func (s *Store) appBefore(a, b *crawl.AppRecord) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.FirstSeenAt.Equal(b.FirstSeenAt) {
		return a.FirstSeenAt.Before(b.FirstSeenAt)
	}
	return s.appSeq[a.PackageID] < s.appSeq[b.PackageID]
}

// ReleaseApp applies the outcome transition if the caller still holds the
// lease; otherwise it is a no-op.
func (s *Store) ReleaseApp(_ context.Context, rel crawl.AppRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.apps[rel.PackageID]
	if !ok || rec.Status != crawl.AppStatusClaimed || rec.LeaseOwner != rel.Owner {
		return nil
	}

	switch rel.Outcome {
	case crawl.AppOutcomeCrawled:
		rec.Status = crawl.AppStatusCrawled
		now := s.clock.Now()
		rec.LastCrawledAt = &now
	case crawl.AppOutcomeFailed:
		rec.Status = crawl.AppStatusFailed
	case crawl.AppOutcomeRequeue:
		rec.Status = crawl.AppStatusNew
	default:
		return fmt.Errorf("unknown app outcome %q", rel.Outcome)
	}

	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil
	rec.RelationsPending = removeKinds(rec.RelationsPending, rel.ClearRelations)
	if rel.ExtendedFetched {
		rec.ExtendedDetails = true
	}
	return nil
}

// SetPriority applies the operator override regardless of status.
func (s *Store) SetPriority(_ context.Context, packageIDs []string, priority int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched int64
	for _, id := range packageIDs {
		if rec, ok := s.apps[id]; ok {
			rec.Priority = priority
			matched++
		}
	}
	return matched, nil
}

// EnqueueDownload records a (package, version) fetch; duplicates are success.
func (s *Store) EnqueueDownload(_ context.Context, packageID string, versionCode int64, free bool, bytesExpected int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := downloadKey{packageID: packageID, versionCode: versionCode}
	if _, exists := s.downloads[key]; exists {
		return false, nil
	}
	s.downloads[key] = &crawl.DownloadRecord{
		PackageID:     packageID,
		VersionCode:   versionCode,
		Status:        crawl.DownloadStatusPending,
		Free:          free,
		BytesExpected: bytesExpected,
	}
	s.seq++
	s.dlSeq[key] = s.seq
	return true, nil
}

// ClaimNextDownload claims the next eligible download ordered by the owning
// application's priority, then enqueue order.
func (s *Store) ClaimNextDownload(_ context.Context, owner string, leaseFor time.Duration, freeOnly bool) (*crawl.DownloadRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var (
		best    *crawl.DownloadRecord
		bestKey downloadKey
	)
	for key, rec := range s.downloads {
		if freeOnly && !rec.Free {
			continue
		}
		if !s.downloadEligible(rec, now) {
			continue
		}
		if best == nil || s.downloadBefore(key, bestKey) {
			best = rec
			bestKey = key
		}
	}
	if best == nil {
		return nil, nil
	}

	expires := now.Add(leaseFor)
	best.Status = crawl.DownloadStatusClaimed
	best.LeaseOwner = owner
	best.LeaseExpiresAt = &expires
	if best.StartedAt == nil {
		started := now
		best.StartedAt = &started
	}

	out := *best
	return &out, nil
}

func (s *Store) downloadEligible(rec *crawl.DownloadRecord, now time.Time) bool {
	switch rec.Status {
	case crawl.DownloadStatusPending:
		return true
	case crawl.DownloadStatusClaimed:
		return rec.LeaseExpiresAt != nil && rec.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}

func (s *Store) downloadBefore(a, b downloadKey) bool {
	pa, pb := s.appPriority(a.packageID), s.appPriority(b.packageID)
	if pa != pb {
		return pa > pb
	}
	return s.dlSeq[a] < s.dlSeq[b]
}

func (s *Store) appPriority(packageID string) int {
	if rec, ok := s.apps[packageID]; ok {
		return rec.Priority
	}
	return 0
}

// ReleaseDownload applies the outcome transition if the caller still holds
// the lease; otherwise it is a no-op.
func (s *Store) ReleaseDownload(_ context.Context, rel crawl.DownloadRelease) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := downloadKey{packageID: rel.PackageID, versionCode: rel.VersionCode}
	rec, ok := s.downloads[key]
	if !ok || rec.Status != crawl.DownloadStatusClaimed || rec.LeaseOwner != rel.Owner {
		return nil
	}

	switch rel.Outcome {
	case crawl.DownloadOutcomeDone:
		rec.Status = crawl.DownloadStatusDownloaded
	case crawl.DownloadOutcomeFailed:
		rec.Status = crawl.DownloadStatusFailed
	case crawl.DownloadOutcomeRetry:
		rec.Status = crawl.DownloadStatusPending
	default:
		return fmt.Errorf("unknown download outcome %q", rel.Outcome)
	}

	rec.LeaseOwner = ""
	rec.LeaseExpiresAt = nil
	return nil
}

// GetApp returns a copy of the record for assertions in tests.
func (s *Store) GetApp(packageID string) (crawl.AppRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.apps[packageID]
	if !ok {
		return crawl.AppRecord{}, false
	}
	out := *rec
	out.RelationsPending = append([]crawl.RelationKind(nil), rec.RelationsPending...)
	return out, true
}

// GetDownload returns a copy of the record for assertions in tests.
func (s *Store) GetDownload(packageID string, versionCode int64) (crawl.DownloadRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.downloads[downloadKey{packageID: packageID, versionCode: versionCode}]
	if !ok {
		return crawl.DownloadRecord{}, false
	}
	return *rec, true
}

func removeKinds(have, drop []crawl.RelationKind) []crawl.RelationKind {
	if len(drop) == 0 {
		return have
	}
	dropSet := make(map[crawl.RelationKind]struct{}, len(drop))
	for _, k := range drop {
		dropSet[k] = struct{}{}
	}
	var out []crawl.RelationKind
	for _, k := range have {
		if _, gone := dropSet[k]; !gone {
			out = append(out, k)
		}
	}
	return out
}
