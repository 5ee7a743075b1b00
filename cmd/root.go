// Package cmd defines and implements the CLI commands for the playgraph
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/app"
	"github.com/playgraph/playgraph/internal/config"
	"github.com/playgraph/playgraph/internal/crawl"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use. Tests inject a
// mock through the newApp factory.
type App interface {
	Close()
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetStore() crawl.Store
	GetMarket() crawl.MarketClient
	GetClock() crawl.Clock
	Owner() string
}

// newApp is the application factory, a variable so tests can replace it.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	return app.NewApp(ctx, cfgPath)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "playgraph",
		Short: "A distributed marketplace crawler",
		Long: `playgraph walks an application marketplace's relation graph. Many
worker processes share one store and coordinate exclusively through
lease-based claims on its records, so any number of crawl and
download-pool workers can run side by side.`,
		SilenceUsage: true,

		// Runs before the subcommand's RunE: build the service container
		// and hand it to the command through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default relies on PLAYGRAPH_* environment variables)")

	cmd.AddCommand(newInitializeCmd())
	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDownloadPoolCmd())
	cmd.AddCommand(newChangePriorityCmd())

	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so workers can release or abandon their leases cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
