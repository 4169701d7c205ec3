package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/stage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show staged features and worktree states",
	Long: `Display staged features and every worktree arbor tracks, with its lifecycle
state and the reason for any failure or manual review.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

var (
	statusJSON bool
	statusAll  bool
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print machine-readable JSON")
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Include archived worktrees")
}

type statusJSONRecord struct {
	*lifecycle.Record
	Missing bool `json:"missing,omitempty"`
}

type statusJSONOutput struct {
	Staged   []stage.Feature    `json:"staged"`
	Records  []statusJSONRecord `json:"records"`
	Warnings []string           `json:"warnings,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	o, err := openOrchestrator(cmd)
	if err != nil {
		return err
	}
	defer closeOrchestrator(cmd, o)

	rep, err := o.Status(cmd.Context())
	if err != nil {
		return err
	}

	if !statusJSON {
		fmt.Fprint(cmd.OutOrStdout(), newRenderer(cmd, o.Config()).Status(rep, statusAll))
		return nil
	}

	records := rep.Live()
	if statusAll {
		records = rep.Records
	}
	out := statusJSONOutput{
		Staged:   rep.Staged,
		Records:  make([]statusJSONRecord, 0, len(records)),
		Warnings: rep.Warnings,
	}
	if out.Staged == nil {
		out.Staged = []stage.Feature{}
	}
	for _, rec := range records {
		out.Records = append(out.Records, statusJSONRecord{Record: rec, Missing: rep.Missing[rec.Name]})
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
