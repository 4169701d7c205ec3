package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var guardCmd = &cobra.Command{
	Use:   "guard",
	Short: "Check locks and repair stale worktree state",
	Long: `Run the lock and state guard on its own: remove abandoned empty index.lock
files, delete clean directories under the worktree root that git no longer
knows about and prune worktree metadata. Locks that are held or non-empty are
never removed, and orphaned directories with changes are reported and left
in place.`,
	Args: cobra.NoArgs,
	RunE: runGuard,
}

var guardDryRun bool

func init() {
	rootCmd.AddCommand(guardCmd)
	guardCmd.Flags().BoolVar(&guardDryRun, "dry-run", false, "Report what would be repaired without changing anything")
}

func runGuard(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	rep, err := o.Guard(cmd.Context(), guardDryRun)
	if rep != nil {
		fmt.Fprint(cmd.OutOrStdout(), newRenderer(cmd, o.Config()).Guard(rep))
	}
	return err
}
