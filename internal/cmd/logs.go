package cmd

import (
	"bufio"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/tui/styles"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View arbor's debug log",
	Long: `View and filter arbor's structured debug log.

Examples:
  # Show the last 50 entries
  arbor logs

  # Everything about one worktree
  arbor logs --worktree login -n 0

  # Follow logs in real-time
  arbor logs -f

  # Warnings and errors from the last hour
  arbor logs --level warn --since 1h`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsSince     string
	logsGrep      string
	logsWorktree  string
	logsOperation string
	logsPhase     string
)

func init() {
	rootCmd.AddCommand(logsCmd)
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsWorktree, "worktree", "", "Only entries about this worktree")
	logsCmd.Flags().StringVar(&logsOperation, "operation", "", "Only entries for this build operation ID")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries from this phase (guard, build, merge, ...)")
}

// logView selects and renders log entries for the terminal.
type logView struct {
	filter logging.Filter
	grep   *regexp.Regexp
	styles *styles.Styles
}

func (v logView) passes(e logging.Entry) bool {
	if !v.filter.Matches(e) {
		return false
	}
	if v.grep == nil {
		return true
	}
	searchText := e.Message
	for _, val := range e.Attrs {
		searchText += " " + fmt.Sprintf("%v", val)
	}
	return v.grep.MatchString(searchText)
}

func (v logView) level(level string) string {
	text := "[" + level + "]"
	switch logging.ParseLevel(level) {
	case logging.LevelDebug:
		return v.styles.Muted.Render(text)
	case logging.LevelWarn:
		return v.styles.Warning.Render(text)
	case logging.LevelError:
		return v.styles.Error.Render(text)
	default:
		return v.styles.Header.Render(text)
	}
}

func (v logView) format(e logging.Entry) string {
	var sb strings.Builder
	sb.WriteString(v.styles.Muted.Render("[" + e.Time.Local().Format("15:04:05.000") + "]"))
	sb.WriteString(" ")
	sb.WriteString(v.level(e.Level))
	sb.WriteString(" ")
	sb.WriteString(e.Message)

	for _, kv := range [][2]string{{"phase", e.Phase}, {"worktree", e.Worktree}, {"operation_id", e.OperationID}} {
		if kv[1] != "" {
			sb.WriteString(" " + v.styles.Muted.Render(kv[0]+"=") + kv[1])
		}
	}
	for _, k := range slices.Sorted(maps.Keys(e.Attrs)) {
		sb.WriteString(" " + v.styles.Muted.Render(k+"=") + fmt.Sprintf("%v", e.Attrs[k]))
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	git, err := worktree.Open(cmd.Context(), workDir())
	if err != nil {
		return err
	}
	logDir := cfg.Layout(git.Root()).LogDir

	out := cmd.OutOrStdout()
	logPath := filepath.Join(logDir, logging.LogFileName)
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found at %s\n", logPath)
		return nil
	}

	view := logView{
		filter: logging.Filter{
			MinLevel:    logsLevel,
			OperationID: logsOperation,
			Worktree:    logsWorktree,
			Phase:       logsPhase,
		},
		styles: styles.New(out, cfg.UI.Color),
	}
	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		view.filter.Since = time.Now().Add(-duration)
	}
	if logsGrep != "" {
		view.grep, err = regexp.Compile(logsGrep)
		if err != nil {
			return fmt.Errorf("invalid grep pattern: %w", err)
		}
	}

	if logsFollow {
		return followLogs(cmd, logPath, view)
	}
	return displayLogs(out, logDir, logsTail, view)
}

// displayLogs prints the last tail matching entries of the log file
func displayLogs(out io.Writer, logDir string, tail int, view logView) error {
	entries, err := logging.ReadEntries(logDir, view.filter)
	if err != nil {
		return err
	}
	entries = slices.DeleteFunc(entries, func(e logging.Entry) bool { return !view.passes(e) })

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintln(out, view.format(e))
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior for the log file
func followLogs(cmd *cobra.Command, logPath string, view logView) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Following logs... (Ctrl+C to stop)\n\n")

	ctx := cmd.Context()
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			return fmt.Errorf("error reading log file: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		e, ok := logging.ParseEntry(line)
		if !ok {
			fmt.Fprintln(out, line)
			continue
		}
		if view.passes(e) {
			fmt.Fprintln(out, view.format(e))
		}
	}
}
