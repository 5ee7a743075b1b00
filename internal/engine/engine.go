// Package engine runs the crawl worker loop: claim a lease on an application
// record, fetch its metadata and relation edges, register everything it
// discovers, and release the lease with the outcome.
package engine

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
	"github.com/playgraph/playgraph/internal/metrics"
)

// maxStoreErrors is how many consecutive claim failures the loop tolerates
// before treating the store as unreachable and exiting.
const maxStoreErrors = 5

// Config controls one engine instance.
type Config struct {
	// Owner is the lease owner identity for this worker.
	Owner string
	// SlowCrawl also walks the pre-install and post-install edges.
	SlowCrawl bool
	// MoreDetails issues the extended metadata request for records that do
	// not have it yet.
	MoreDetails bool
	// EnqueueDownloads registers a download for every crawled version.
	EnqueueDownloads bool
	// TaskLease is the lease duration stamped on each claim.
	TaskLease time.Duration
	// IdleWait is how long to sleep when nothing is eligible.
	IdleWait time.Duration
	// ExitWhenIdle stops the loop instead of sleeping on an empty queue.
	ExitWhenIdle bool
}

// Engine drains the application queue for one worker.
type Engine struct {
	cfg    Config
	store  crawl.Store
	market crawl.MarketClient
	logger *zap.Logger
}

// New constructs an Engine.
func New(cfg Config, store crawl.Store, market crawl.MarketClient, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, store: store, market: market, logger: logger}
}

// Run claims and processes application records until the context is canceled
// or, with ExitWhenIdle, until the queue drains. A transient task failure
// leaves the record claimed; the lease expiring is the retry mechanism.
func (e *Engine) Run(ctx context.Context) error {
	storeErrors := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := e.store.ClaimNextApp(ctx, e.cfg.Owner, e.cfg.TaskLease)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			storeErrors++
			metrics.ObserveClaim("app", "error")
			e.logger.Error("Failed to claim next application",
				zap.Int("consecutive_errors", storeErrors), zap.Error(err))
			if storeErrors >= maxStoreErrors {
				return err
			}
			if err := sleep(ctx, e.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}
		storeErrors = 0

		if rec == nil {
			metrics.ObserveClaim("app", "empty")
			if e.cfg.ExitWhenIdle {
				e.logger.Info("Queue is idle; exiting")
				return nil
			}
			if err := sleep(ctx, e.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}

		metrics.ObserveClaim("app", "claimed")
		e.process(ctx, rec)
	}
}

// process runs one crawl task. Errors are handled here, not returned: the
// loop keeps going no matter how an individual task ends.
func (e *Engine) process(ctx context.Context, rec *crawl.AppRecord) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := e.logger.With(zap.String("package_id", rec.PackageID))

	extended := e.cfg.MoreDetails && !rec.ExtendedDetails
	details, err := e.market.Details(ctx, rec.PackageID, extended)
	if err != nil {
		e.handleTaskError(ctx, rec, logger, "fetch details", err)
		return
	}

	discovered := make(map[string]struct{})
	if len(rec.RelationsPending) > 0 {
		relations, err := e.market.Relations(ctx, rec.PackageID, rec.RelationsPending)
		if err != nil {
			e.handleTaskError(ctx, rec, logger, "fetch relations", err)
			return
		}
		for _, pkgs := range relations {
			for _, pkg := range pkgs {
				if pkg != "" && pkg != rec.PackageID {
					discovered[pkg] = struct{}{}
				}
			}
		}
	}

	for pkg := range discovered {
		inserted, err := e.store.InsertAppIfAbsent(ctx, crawl.AppRecord{
			PackageID:        pkg,
			RelationsPending: crawl.DefaultRelations(e.cfg.SlowCrawl),
		})
		if err != nil {
			e.handleTaskError(ctx, rec, logger, "register discovered package", err)
			return
		}
		if inserted {
			metrics.ObserveDiscovery("inserted")
		} else {
			metrics.ObserveDiscovery("duplicate")
		}
	}

	if e.cfg.EnqueueDownloads && details.VersionCode > 0 {
		if _, err := e.store.EnqueueDownload(ctx, rec.PackageID, details.VersionCode, details.Free, 0); err != nil {
			e.handleTaskError(ctx, rec, logger, "enqueue download", err)
			return
		}
	}

	release := crawl.AppRelease{
		PackageID:       rec.PackageID,
		Owner:           e.cfg.Owner,
		Outcome:         crawl.AppOutcomeCrawled,
		ClearRelations:  rec.RelationsPending,
		ExtendedFetched: extended,
	}
	if err := e.store.ReleaseApp(ctx, release); err != nil {
		logger.Error("Failed to release crawled application", zap.Error(err))
		metrics.ObserveTask("app", "release_error")
		return
	}
	metrics.ObserveTask("app", "crawled")
	logger.Info("Crawled application",
		zap.Int("discovered", len(discovered)),
		zap.Int64("version_code", details.VersionCode))
}

// handleTaskError applies the error taxonomy. A removed package is marked
// FAILED. A canceled context requeues the record so another worker picks it
// up immediately. Anything else is transient: the worker walks away and the
// lease expires on its own.
func (e *Engine) handleTaskError(ctx context.Context, rec *crawl.AppRecord, logger *zap.Logger, op string, err error) {
	switch {
	case errors.Is(err, crawl.ErrPackageGone):
		logger.Warn("Package removed from marketplace", zap.String("op", op))
		e.release(rec, crawl.AppOutcomeFailed)
		metrics.ObserveTask("app", "failed")
	case ctx.Err() != nil:
		logger.Info("Task interrupted by shutdown", zap.String("op", op))
		e.release(rec, crawl.AppOutcomeRequeue)
		metrics.ObserveTask("app", "requeued")
	default:
		logger.Warn("Transient task failure; leaving lease to expire",
			zap.String("op", op), zap.Error(err))
		metrics.ObserveTask("app", "transient_error")
	}
}

// release runs on a fresh context so it still works during shutdown.
func (e *Engine) release(rec *crawl.AppRecord, outcome crawl.AppOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := e.store.ReleaseApp(ctx, crawl.AppRelease{
		PackageID: rec.PackageID,
		Owner:     e.cfg.Owner,
		Outcome:   outcome,
	})
	if err != nil {
		e.logger.Error("Failed to release application lease",
			zap.String("package_id", rec.PackageID), zap.Error(err))
	}
}

// Seed populates a fresh store from the marketplace top charts. It refuses
// to run against a store that already holds records.
func Seed(ctx context.Context, store crawl.Store, market crawl.MarketClient, slowCrawl bool, logger *zap.Logger) (int, error) {
	count, err := store.CountApps(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, crawl.ErrAlreadyInitialized
	}

	entries, err := market.TopCharts(ctx)
	if err != nil {
		return 0, err
	}

	inserted := 0
	for _, entry := range entries {
		ok, err := store.InsertAppIfAbsent(ctx, crawl.AppRecord{
			PackageID:        entry.PackageID,
			RelationsPending: crawl.DefaultRelations(slowCrawl),
		})
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
		}
	}
	logger.Info("Seeded store from top charts",
		zap.Int("charted", len(entries)), zap.Int("inserted", inserted))
	return inserted, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
