package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/orchestrator"
)

var completeCmd = &cobra.Command{
	Use:   "complete <name>",
	Short: "Mark a worktree's work as finished",
	Long: `Write a completion record for a worktree so the next 'arbor close-done'
merges it. The record carries the branch and base branch arbor created the
worktree with.

Agents that work without arbor may instead write the JSON record into the
completion directory themselves.`,
	Args: cobra.ExactArgs(1),
	RunE: runComplete,
}

var (
	completeSummary string
	completeNotes   string
)

func init() {
	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().StringVarP(&completeSummary, "summary", "m", "", "What was done")
	completeCmd.Flags().StringVar(&completeNotes, "notes", "", "Anything the merge or a reviewer should know")
}

func runComplete(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	path, err := o.Complete(cmd.Context(), args[0], orchestrator.CompleteOptions{
		Summary: completeSummary,
		Notes:   completeNotes,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Completed %s\nRecord: %s\n", args[0], path)
	return nil
}
