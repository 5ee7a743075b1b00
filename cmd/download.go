package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/playgraph/playgraph/internal/pool"
)

// newDownloadPoolCmd creates the 'download-pool' subcommand, which runs one
// binary download worker against the shared store.
func newDownloadPoolCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "download-pool",
		Short: "Run a binary download worker",
		Long: `Runs one download worker: it claims download records and streams the
binaries into a local pool folder, pausing whenever the folder sits
at its configured size ceiling. An external consumer is expected to
drain the folder.`,

		RunE: runDownloadPoolCommand,
	}
}

func runDownloadPoolCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()

	mgr := pool.New(pool.Config{
		Owner:        appInstance.Owner(),
		Folder:       cfg.Pool.Folder,
		CeilingBytes: cfg.PoolCeilingBytes(),
		Lease:        cfg.DownloadLease(),
		PollInterval: cfg.PollInterval(),
		IdleWait:     cfg.IdleWait(),
		FreeOnly:     cfg.Pool.FreeOnly,
		ExitWhenIdle: cfg.Crawl.ExitWhenIdle,
	}, appInstance.GetStore(), appInstance.GetMarket(), appInstance.GetClock(), appInstance.GetLogger())

	if err := mgr.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run download worker: %w", err)
	}

	appInstance.GetLogger().Info("Download pool command finished")
	return nil
}
