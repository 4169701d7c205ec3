package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/merge"
)

var closeDoneCmd = &cobra.Command{
	Use:   "close-done",
	Short: "Merge, clean up and archive every completed worktree",
	Long: `Find worktrees with a valid completion record and merge each one into its
base branch, in the order they were built. A merged worktree is removed, its
branch deleted and its records archived before the next one starts.

Merge conflicts go to the configured resolution agent. When the agent's work
cannot be verified the conflict is reproduced in the feature's worktree for
manual resolution and the worktree is reported as conflict_manual.

One worktree's failure never blocks the others. The command exits non-zero
when any worktree failed or needs review.`,
	Args: cobra.NoArgs,
	RunE: runCloseDone,
}

var (
	closeDoneDryRun bool
	closeDoneOnly   []string
	closeDoneSkip   []string
)

func init() {
	rootCmd.AddCommand(closeDoneCmd)
	closeDoneCmd.Flags().BoolVar(&closeDoneDryRun, "dry-run", false, "Show what would be merged without changing anything")
	closeDoneCmd.Flags().StringSliceVar(&closeDoneOnly, "only", nil, "Only process these worktrees (repeatable)")
	closeDoneCmd.Flags().StringSliceVar(&closeDoneSkip, "skip", nil, "Skip these worktrees (repeatable)")
}

func runCloseDone(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	summary, err := o.CloseDone(cmd.Context(), merge.Options{
		DryRun: closeDoneDryRun,
		Only:   closeDoneOnly,
		Skip:   closeDoneSkip,
	})
	if err != nil {
		if summary != nil && len(summary.Results) > 0 {
			fmt.Fprint(cmd.OutOrStdout(), newRenderer(cmd, o.Config()).Summary(summary))
		}
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), newRenderer(cmd, o.Config()).Summary(summary))
	return summary.Err()
}
