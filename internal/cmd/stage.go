package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stageCmd = &cobra.Command{
	Use:   "stage <name> <description>",
	Short: "Stage a feature for the next build",
	Long: `Record a feature request. The next 'arbor build' creates a worktree and a
branch for every staged feature in one all-or-nothing batch.

Names may contain letters, digits, '.', '_' and '-'.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runStage,
}

var unstageCmd = &cobra.Command{
	Use:   "unstage <name>",
	Short: "Remove a staged feature before it is built",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnstage,
}

func init() {
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(unstageCmd)
}

func runStage(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	feature, err := o.Stage(cmd.Context(), args[0], strings.Join(args[1:], " "))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Staged %s\n", feature.Name)
	return nil
}

func runUnstage(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	if err := o.Unstage(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unstaged %s\n", args[0])
	return nil
}
