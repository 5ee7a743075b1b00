// Package pool runs the binary download side: it claims download records,
// streams APKs into a bounded local folder, and suspends itself while the
// folder sits at its size ceiling.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
	"github.com/playgraph/playgraph/internal/metrics"
)

// maxStoreErrors mirrors the crawl loop: this many consecutive claim
// failures mean the store is unreachable.
const maxStoreErrors = 5

// Config controls one pool manager instance.
type Config struct {
	// Owner is the lease owner identity for this worker.
	Owner string
	// Folder is the pool directory; created if missing.
	Folder string
	// CeilingBytes suspends downloads while the folder is at or above it.
	CeilingBytes int64
	// Lease is the download lease duration stamped on each claim.
	Lease time.Duration
	// PollInterval is the re-measure cadence while suspended.
	PollInterval time.Duration
	// IdleWait is how long to sleep when no download is eligible.
	IdleWait time.Duration
	// FreeOnly restricts claims to binaries offered at no cost.
	FreeOnly bool
	// ExitWhenIdle stops the loop instead of sleeping on an empty queue.
	ExitWhenIdle bool
}

// Manager drains the download queue for one worker.
type Manager struct {
	cfg    Config
	store  crawl.Store
	market crawl.MarketClient
	clock  crawl.Clock
	logger *zap.Logger
}

// New constructs a Manager.
func New(cfg Config, store crawl.Store, market crawl.MarketClient, clock crawl.Clock, logger *zap.Logger) *Manager {
	return &Manager{cfg: cfg, store: store, market: market, clock: clock, logger: logger}
}

type stepResult int

const (
	stepWorked stepResult = iota
	stepSuspended
	stepIdle
)

// Run measures, claims and downloads until the context is canceled or, with
// ExitWhenIdle, until the queue drains. The folder measurement happens before
// every claim, so a single slot freed by an external consumer is enough to
// resume.
func (m *Manager) Run(ctx context.Context) error {
	if err := os.MkdirAll(m.cfg.Folder, 0o755); err != nil {
		return fmt.Errorf("create pool folder: %w", err)
	}

	storeErrors := 0
	wasSuspended := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		result, err := m.step(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			storeErrors++
			metrics.ObserveClaim("download", "error")
			m.logger.Error("Failed to claim next download",
				zap.Int("consecutive_errors", storeErrors), zap.Error(err))
			if storeErrors >= maxStoreErrors {
				return err
			}
			if err := sleep(ctx, m.cfg.IdleWait); err != nil {
				return err
			}
			continue
		}
		storeErrors = 0

		switch result {
		case stepSuspended:
			if !wasSuspended {
				m.logger.Warn("Pool folder at capacity; suspending downloads",
					zap.Int64("ceiling_bytes", m.cfg.CeilingBytes))
			}
			wasSuspended = true
			if err := sleep(ctx, m.cfg.PollInterval); err != nil {
				return err
			}
		case stepIdle:
			wasSuspended = false
			metrics.ObserveClaim("download", "empty")
			if m.cfg.ExitWhenIdle {
				m.logger.Info("Download queue is idle; exiting")
				return nil
			}
			if err := sleep(ctx, m.cfg.IdleWait); err != nil {
				return err
			}
		default:
			if wasSuspended {
				m.logger.Info("Pool folder below ceiling; resuming downloads")
			}
			wasSuspended = false
		}
	}
}

// step performs one measure-claim-download cycle. It returns stepSuspended
// without touching the queue while the folder is at the ceiling.
func (m *Manager) step(ctx context.Context) (stepResult, error) {
	size, err := dirSize(m.cfg.Folder)
	if err != nil {
		return stepIdle, fmt.Errorf("measure pool folder: %w", err)
	}
	metrics.SetPoolBytes(size)

	if size >= m.cfg.CeilingBytes {
		metrics.SetPoolSuspended(true)
		return stepSuspended, nil
	}
	metrics.SetPoolSuspended(false)

	rec, err := m.store.ClaimNextDownload(ctx, m.cfg.Owner, m.cfg.Lease, m.cfg.FreeOnly)
	if err != nil {
		return stepIdle, err
	}
	if rec == nil {
		return stepIdle, nil
	}

	metrics.ObserveClaim("download", "claimed")
	m.download(ctx, rec)
	return stepWorked, nil
}

// download streams one binary into the pool. It writes to a temp file and
// renames into place, so a finalized name is always a complete file.
func (m *Manager) download(ctx context.Context, rec *crawl.DownloadRecord) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := m.logger.With(
		zap.String("package_id", rec.PackageID),
		zap.Int64("version_code", rec.VersionCode))
	started := m.clock.Now()

	body, _, err := m.market.Binary(ctx, rec.PackageID, rec.VersionCode)
	if err != nil {
		if errors.Is(err, crawl.ErrPackageGone) {
			logger.Warn("Binary removed from marketplace")
			m.release(rec, crawl.DownloadOutcomeFailed)
			metrics.ObserveTask("download", "failed")
			return
		}
		logger.Warn("Failed to start binary download; will retry", zap.Error(err))
		m.release(rec, crawl.DownloadOutcomeRetry)
		metrics.ObserveTask("download", "retried")
		return
	}
	defer body.Close() //nolint:errcheck // best-effort close

	final := filepath.Join(m.cfg.Folder, FileName(rec.PackageID, rec.VersionCode))
	tmp := final + ".tmp"
	written, err := writeFile(tmp, body)
	if err != nil {
		if removeErr := os.Remove(tmp); removeErr != nil && !os.IsNotExist(removeErr) {
			logger.Error("Failed to remove partial download", zap.Error(removeErr))
		}
		logger.Warn("Binary download failed; will retry",
			zap.Int64("bytes_written", written), zap.Error(err))
		m.release(rec, crawl.DownloadOutcomeRetry)
		metrics.ObserveTask("download", "retried")
		return
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		logger.Error("Failed to finalize download", zap.Error(err))
		m.release(rec, crawl.DownloadOutcomeRetry)
		metrics.ObserveTask("download", "retried")
		return
	}

	metrics.ObserveDownload(written, m.clock.Now().Sub(started))
	metrics.ObserveTask("download", "downloaded")
	m.release(rec, crawl.DownloadOutcomeDone)
	logger.Info("Downloaded binary", zap.Int64("bytes", written))
}

// release runs on a fresh context so it still works during shutdown.
func (m *Manager) release(rec *crawl.DownloadRecord, outcome crawl.DownloadOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := m.store.ReleaseDownload(ctx, crawl.DownloadRelease{
		PackageID:   rec.PackageID,
		VersionCode: rec.VersionCode,
		Owner:       m.cfg.Owner,
		Outcome:     outcome,
	})
	if err != nil {
		m.logger.Error("Failed to release download lease",
			zap.String("package_id", rec.PackageID), zap.Error(err))
	}
}

func writeFile(path string, body io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	written, err := io.Copy(f, body)
	if err != nil {
		f.Close() //nolint:errcheck // already failing
		return written, fmt.Errorf("write binary: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close() //nolint:errcheck // already failing
		return written, fmt.Errorf("sync binary: %w", err)
	}
	if err := f.Close(); err != nil {
		return written, fmt.Errorf("close binary: %w", err)
	}
	return written, nil
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
