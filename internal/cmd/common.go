package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/orchestrator"
	"github.com/Iron-Ham/arbor/internal/tui/report"
	"github.com/Iron-Ham/arbor/internal/tui/styles"
)

// testOptions lets tests substitute collaborators; nil in production.
var testOptions *orchestrator.Options

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Join(errors.ErrInvalidConfig, err)
	}
	return cfg, nil
}

// openOrchestrator loads the configuration and assembles an orchestrator for
// the working directory. The caller must Close it.
func openOrchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	var opts orchestrator.Options
	if testOptions != nil {
		opts = *testOptions
	}
	return orchestrator.New(cmd.Context(), cfg, workDir(), opts)
}

// newRenderer builds a report renderer for the command's output.
func newRenderer(cmd *cobra.Command, cfg *config.Config) *report.Renderer {
	out := cmd.OutOrStdout()
	return report.New(styles.New(out, cfg.UI.Color), terminalWidth(out))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 0
	}
	return width
}

func closeOrchestrator(cmd *cobra.Command, o *orchestrator.Orchestrator) {
	if err := o.Close(); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to close log: %v\n", err)
	}
}
