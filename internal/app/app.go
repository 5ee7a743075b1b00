// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/api"
	"github.com/playgraph/playgraph/internal/clock/system"
	"github.com/playgraph/playgraph/internal/config"
	"github.com/playgraph/playgraph/internal/crawl"
	"github.com/playgraph/playgraph/internal/logging"
	"github.com/playgraph/playgraph/internal/market"
	"github.com/playgraph/playgraph/internal/metrics"
	"github.com/playgraph/playgraph/internal/store/memory"
	"github.com/playgraph/playgraph/internal/store/postgres"
)

// App holds the shared, long-lived services: logger, store, marketplace
// client and the metrics listener. It is initialized once at startup and
// handed to the commands through the cobra context.
type App struct {
	config config.Config
	logger *zap.Logger
	store  crawl.Store
	market crawl.MarketClient
	clock  crawl.Clock
	owner  string
	server *api.Server
}

// GetConfig returns the loaded configuration.
func (a *App) GetConfig() config.Config { return a.config }

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetStore provides access to the shared persistent store.
func (a *App) GetStore() crawl.Store { return a.store }

// GetMarket returns the marketplace client.
func (a *App) GetMarket() crawl.MarketClient { return a.market }

// GetClock returns the wall clock used for lease stamps.
func (a *App) GetClock() crawl.Clock { return a.clock }

// Owner returns this process's lease owner identity.
func (a *App) Owner() string { return a.owner }

// NewApp creates and initializes an App from the configuration at cfgPath.
// It fails fast when any critical service cannot be initialized; setup
// problems are never retried.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	logger.Info("Initializing application services")

	metrics.Init()
	clock := system.New()

	var store crawl.Store
	switch cfg.DB.Provider {
	case "postgres":
		logger.Info("Connecting to PostgreSQL")
		store, err = postgres.NewStore(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: cfg.DB.MaxConns,
			MinConns: cfg.DB.MinConns,
		}, clock)
		if err != nil {
			return nil, fmt.Errorf("initialize store: %w", err)
		}
	case "memory":
		logger.Info("Using in-memory store; records will not survive restarts")
		store = memory.NewStore(clock)
	default:
		return nil, fmt.Errorf("unknown db.provider: %s", cfg.DB.Provider)
	}

	client, err := market.New(ctx, market.Config{
		BaseURL:           cfg.Market.BaseURL,
		HTTPProxy:         cfg.Market.HTTPProxy,
		HTTPSProxy:        cfg.Market.HTTPSProxy,
		TokenDispenserURL: cfg.Market.TokenDispenserURL,
		Timeout:           time.Duration(cfg.Market.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("initialize marketplace client: %w", err)
	}

	server := api.NewServer(cfg.Server.MetricsPort, logger)
	go server.Start()

	a := &App{
		config: cfg,
		logger: logger,
		store:  store,
		market: client,
		clock:  clock,
		owner:  workerIdentity(),
		server: server,
	}
	logger.Info("Application services initialized", zap.String("owner", a.owner))
	return a, nil
}

// Close gracefully shuts down all services in the container. It is called by
// a cobra hook after the command finishes.
func (a *App) Close() {
	a.logger.Info("Shutting down application services")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("Error shutting down metrics server", zap.Error(err))
	}

	a.store.Close()

	// Best effort: stderr sync failures on shutdown are not actionable.
	_ = a.logger.Sync()
}

// workerIdentity builds the lease owner string for this process. It must be
// unique across concurrently running workers, including restarts on the same
// host.
func workerIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
