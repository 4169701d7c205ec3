package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/orchestrator"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run close-done whenever completion records appear",
	Long: `Watch the completion directory and run close-done each time records are
written or changed. Runs once at startup. Stop with Ctrl+C.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	out := cmd.OutOrStdout()
	r := newRenderer(cmd, o.Config())
	fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n\n", o.Layout().Completions)

	err = o.Watch(cmd.Context(), func(summary *orchestrator.RunSummary, err error) {
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "close-done: %v\n", err)
			return
		}
		fmt.Fprintln(out, r.Summary(summary))
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
