package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/playgraph/playgraph/internal/crawl"
)

// newChangePriorityCmd creates the 'change-priority' subcommand, the
// operator override that moves packages to the front of the queue.
func newChangePriorityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "change-priority PACKAGE [PACKAGE...]",
		Short: "Move packages to the front of the crawl queue",
		Long: `Sets the listed packages to the elevated priority so the next claims
pick them first. Applies regardless of the records' current status.`,
		Args: cobra.MinimumNArgs(1),

		RunE: runChangePriorityCommand,
	}
}

func runChangePriorityCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	matched, err := appInstance.GetStore().SetPriority(cmd.Context(), args, crawl.ElevatedPriority)
	if err != nil {
		return fmt.Errorf("set priority: %w", err)
	}

	if matched < int64(len(args)) {
		logger.Warn("Some packages were not found",
			zap.Int64("matched", matched), zap.Int("requested", len(args)))
	}
	logger.Info("Priority updated",
		zap.Int64("matched", matched), zap.Int("priority", crawl.ElevatedPriority))
	return nil
}
