package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
	"github.com/playgraph/playgraph/internal/engine"
)

// newInitializeCmd creates the 'initialize' subcommand: schema setup plus a
// one-time seed of the queue from the marketplace top charts.
func newInitializeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "initialize",
		Short: "Create the store schema and seed it from the top charts",
		Long: `Creates the store schema if needed, then seeds the crawl queue with
the applications currently listed in the marketplace top charts.
Seeding refuses to run against a store that already holds records.`,

		RunE: runInitializeCommand,
	}
}

func runInitializeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	store := appInstance.GetStore()

	if err := store.EnsureSchema(cmd.Context()); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	inserted, err := engine.Seed(cmd.Context(), store, appInstance.GetMarket(),
		appInstance.GetConfig().Crawl.SlowCrawl, logger)
	if errors.Is(err, crawl.ErrAlreadyInitialized) {
		return fmt.Errorf("store already holds records; initialize runs only against an empty store")
	}
	if err != nil {
		return fmt.Errorf("seed store: %w", err)
	}

	logger.Info("Initialization finished", zap.Int("seeded", inserted))
	return nil
}
