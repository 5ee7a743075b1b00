package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/playgraph/playgraph/internal/engine"
)

// newCrawlCmd creates the 'crawl' subcommand, which runs one crawl worker
// loop against the shared store.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run a crawl worker",
		Long: `Runs one crawl worker: it repeatedly claims an application record,
fetches its marketplace metadata and relation edges, registers the
packages it discovers, and releases the record. Start as many of
these as you like; the store arbitrates.`,

		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()

	eng := engine.New(engine.Config{
		Owner:            appInstance.Owner(),
		SlowCrawl:        cfg.Crawl.SlowCrawl,
		MoreDetails:      cfg.Crawl.MoreDetails,
		EnqueueDownloads: cfg.Crawl.EnqueueDownloads,
		TaskLease:        cfg.TaskLease(),
		IdleWait:         cfg.IdleWait(),
		ExitWhenIdle:     cfg.Crawl.ExitWhenIdle,
	}, appInstance.GetStore(), appInstance.GetMarket(), appInstance.GetLogger())

	if err := eng.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run crawl worker: %w", err)
	}

	appInstance.GetLogger().Info("Crawl command finished")
	return nil
}
