package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/build"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Create worktrees for all staged features",
	Long: `Create a worktree and branch for every staged feature, rooted at the
integration branch. The batch is atomic: if any worktree cannot be created,
everything this run created is removed again and the features stay staged.

Features whose worktree already exists with the expected branch are skipped,
so re-running after a failure is safe.`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

var (
	buildDryRun      bool
	buildIntegration string
)

func init() {
	rootCmd.AddCommand(buildCmd)
	buildCmd.Flags().BoolVar(&buildDryRun, "dry-run", false, "Show what would be created without changing anything")
	buildCmd.Flags().StringVar(&buildIntegration, "integration", "", "Integration branch name (overrides build.integration_branch)")
}

func runBuild(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	res, err := o.Build(cmd.Context(), build.Options{DryRun: buildDryRun, Integration: buildIntegration})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), newRenderer(cmd, o.Config()).Build(res))
	return nil
}
