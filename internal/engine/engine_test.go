package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
	"github.com/playgraph/playgraph/internal/store/memory"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1700000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeMarket struct {
	mu           sync.Mutex
	details      map[string]crawl.AppDetails
	detailsErr   map[string]error
	relations    map[string]map[crawl.RelationKind][]string
	charts       []crawl.ChartEntry
	extendedSeen map[string]bool
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		details:      make(map[string]crawl.AppDetails),
		detailsErr:   make(map[string]error),
		relations:    make(map[string]map[crawl.RelationKind][]string),
		extendedSeen: make(map[string]bool),
	}
}

func (m *fakeMarket) TopCharts(context.Context) ([]crawl.ChartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.charts, nil
}

func (m *fakeMarket) Details(_ context.Context, packageID string, extended bool) (crawl.AppDetails, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if extended {
		m.extendedSeen[packageID] = true
	}
	if err, ok := m.detailsErr[packageID]; ok {
		return crawl.AppDetails{}, err
	}
	if d, ok := m.details[packageID]; ok {
		return d, nil
	}
	return crawl.AppDetails{PackageID: packageID, VersionCode: 1, Free: true}, nil
}

func (m *fakeMarket) Relations(_ context.Context, packageID string, kinds []crawl.RelationKind) (map[crawl.RelationKind][]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[crawl.RelationKind][]string)
	for _, kind := range kinds {
		if pkgs, ok := m.relations[packageID][kind]; ok {
			out[kind] = pkgs
		}
	}
	return out, nil
}

func (m *fakeMarket) Binary(context.Context, string, int64) (io.ReadCloser, int64, error) {
	return nil, 0, fmt.Errorf("not implemented")
}

func defaultEngineConfig() Config {
	return Config{
		Owner:            "worker-test",
		EnqueueDownloads: true,
		TaskLease:        time.Minute,
		IdleWait:         time.Millisecond,
		ExitWhenIdle:     true,
	}
}

func seedApp(t *testing.T, store *memory.Store, packageID string) {
	t.Helper()
	_, err := store.InsertAppIfAbsent(context.Background(), crawl.AppRecord{
		PackageID:        packageID,
		RelationsPending: crawl.DefaultRelations(false),
	})
	require.NoError(t, err)
}

func TestRunCrawlsQueueAndRegistersDiscoveries(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	market.details["app.a"] = crawl.AppDetails{PackageID: "app.a", VersionCode: 7, Free: true}
	market.relations["app.a"] = map[crawl.RelationKind][]string{
		crawl.RelationSimilar: {"app.c"},
	}
	seedApp(t, store, "app.a")
	seedApp(t, store, "app.b")

	eng := New(defaultEngineConfig(), store, market, zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	for _, pkg := range []string{"app.a", "app.b", "app.c"} {
		rec, ok := store.GetApp(pkg)
		require.True(t, ok, pkg)
		require.Equal(t, crawl.AppStatusCrawled, rec.Status, pkg)
		require.Empty(t, rec.RelationsPending, pkg)
		require.Empty(t, rec.LeaseOwner, pkg)
	}

	dl, ok := store.GetDownload("app.a", 7)
	require.True(t, ok)
	require.Equal(t, crawl.DownloadStatusPending, dl.Status)
	require.True(t, dl.Free)
}

func TestRunSkipsDownloadsWhenDisabled(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	seedApp(t, store, "app.a")

	cfg := defaultEngineConfig()
	cfg.EnqueueDownloads = false
	eng := New(cfg, store, newFakeMarket(), zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	_, ok := store.GetDownload("app.a", 1)
	require.False(t, ok)
}

func TestTransientErrorLeavesRecordClaimed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	market.detailsErr["app.a"] = fmt.Errorf("connection reset")
	seedApp(t, store, "app.a")

	eng := New(defaultEngineConfig(), store, market, zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	rec, ok := store.GetApp("app.a")
	require.True(t, ok)
	require.Equal(t, crawl.AppStatusClaimed, rec.Status)
	require.Equal(t, "worker-test", rec.LeaseOwner)
	require.NotNil(t, rec.LeaseExpiresAt)
}

func TestRemovedPackageIsMarkedFailed(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	market.detailsErr["app.a"] = crawl.ErrPackageGone
	seedApp(t, store, "app.a")

	eng := New(defaultEngineConfig(), store, market, zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	rec, ok := store.GetApp("app.a")
	require.True(t, ok)
	require.Equal(t, crawl.AppStatusFailed, rec.Status)
	require.Empty(t, rec.LeaseOwner)
}

func TestExtendedDetailsRequestedOnceAndRecorded(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	seedApp(t, store, "app.a")

	cfg := defaultEngineConfig()
	cfg.MoreDetails = true
	eng := New(cfg, store, market, zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	require.True(t, market.extendedSeen["app.a"])
	rec, ok := store.GetApp("app.a")
	require.True(t, ok)
	require.True(t, rec.ExtendedDetails)
}

func TestSlowCrawlExpandsExtraRelations(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	market.relations["app.a"] = map[crawl.RelationKind][]string{
		crawl.RelationSimilar: {"app.c"},
	}
	seedApp(t, store, "app.a")

	cfg := defaultEngineConfig()
	cfg.SlowCrawl = true
	eng := New(cfg, store, market, zap.NewNop())
	require.NoError(t, eng.Run(context.Background()))

	rec, ok := store.GetApp("app.c")
	require.True(t, ok)
	require.Equal(t, crawl.AppStatusCrawled, rec.Status)
}

type failingStore struct {
	crawl.Store
	claimErr error
}

func (s *failingStore) ClaimNextApp(context.Context, string, time.Duration) (*crawl.AppRecord, error) {
	return nil, s.claimErr
}

func TestRunGivesUpAfterConsecutiveStoreErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("store unreachable")
	store := &failingStore{Store: memory.NewStore(newTestClock()), claimErr: boom}

	eng := New(defaultEngineConfig(), store, newFakeMarket(), zap.NewNop())
	err := eng.Run(context.Background())
	require.ErrorIs(t, err, boom)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	cfg := defaultEngineConfig()
	cfg.ExitWhenIdle = false
	cfg.IdleWait = 10 * time.Millisecond
	eng := New(cfg, store, newFakeMarket(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("engine did not stop on cancel")
	}
}

func TestSeedPopulatesEmptyStoreOnly(t *testing.T) {
	t.Parallel()

	store := memory.NewStore(newTestClock())
	market := newFakeMarket()
	market.charts = []crawl.ChartEntry{
		{PackageID: "app.a", Chart: "topselling_free", Category: "GAME"},
		{PackageID: "app.b", Chart: "topselling_free", Category: "TOOLS"},
		{PackageID: "app.a", Chart: "topgrossing", Category: "GAME"},
	}

	inserted, err := Seed(context.Background(), store, market, false, zap.NewNop())
	require.NoError(t, err)
	require.Equal(t, 2, inserted)

	rec, ok := store.GetApp("app.a")
	require.True(t, ok)
	require.Equal(t, crawl.AppStatusNew, rec.Status)
	require.Equal(t, crawl.DefaultRelations(false), rec.RelationsPending)

	_, err = Seed(context.Background(), store, market, false, zap.NewNop())
	require.ErrorIs(t, err, crawl.ErrAlreadyInitialized)
}
