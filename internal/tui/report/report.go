// Package report renders arbor's status and run summaries as static tables
// for the terminal.
package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/Iron-Ham/arbor/internal/build"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/orchestrator"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/tui/styles"
	"github.com/Iron-Ham/arbor/internal/util"
)

// DefaultWidth is used when the output is not a terminal.
const DefaultWidth = 120

const minLastColumn = 20

// Renderer formats reports for one output stream.
type Renderer struct {
	styles *styles.Styles
	width  int
}

// New creates a Renderer. A width of zero or less uses DefaultWidth.
func New(s *styles.Styles, width int) *Renderer {
	if width <= 0 {
		width = DefaultWidth
	}
	return &Renderer{styles: s, width: width}
}

// Table renders headers and rows as a static table. Every column but the
// last is sized to its content; the last takes the remaining width.
func (r *Renderer) Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = ansi.StringWidth(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], ansi.StringWidth(cell))
			}
		}
	}

	// Cells carry one column of padding on each side.
	used := 0
	for _, w := range widths[:len(widths)-1] {
		used += w + 2
	}
	last := len(widths) - 1
	widths[last] = min(widths[last], max(r.width-used-2, minLastColumn))

	columns := make([]table.Column, len(headers))
	for i, h := range headers {
		columns[i] = table.Column{Title: h, Width: widths[i]}
	}
	tableRows := make([]table.Row, len(rows))
	for i, row := range rows {
		tableRows[i] = table.Row(row)
	}

	rr := r.styles.Renderer()
	st := table.Styles{
		Header: rr.NewStyle().
			Padding(0, 1).
			Bold(true).
			Foreground(styles.PrimaryColor).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(styles.BorderColor).
			BorderBottom(true),
		Cell:     rr.NewStyle().Padding(0, 1),
		Selected: rr.NewStyle(),
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithRows(tableRows),
		table.WithHeight(len(rows)+2),
		table.WithFocused(false),
		table.WithStyles(st),
	)
	return trimBlankLines(t.View())
}

func trimBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	for len(lines) > 0 && strings.TrimSpace(ansi.Strip(lines[len(lines)-1])) == "" {
		lines = lines[:len(lines)-1]
	}
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	return strings.Join(lines, "\n")
}

func (r *Renderer) title(text string) string {
	return r.styles.Title.Render(text)
}

func (r *Renderer) warnings(b *strings.Builder, warnings []string) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", r.styles.Warning.Render("Warnings:"))
	for _, w := range warnings {
		fmt.Fprintf(b, "  %s %s\n", r.styles.Warning.Render("!"), w)
	}
}

// Status renders staged features and worktree records. Archived records
// are listed only when all is set.
func (r *Renderer) Status(report *orchestrator.StatusReport, all bool) string {
	var b strings.Builder

	records := report.Live()
	if all {
		records = report.Records
	}

	fmt.Fprintln(&b, r.title("Worktrees"))
	if len(records) == 0 {
		fmt.Fprintln(&b, r.styles.Muted.Render("  none"))
	} else {
		rows := make([][]string, 0, len(records))
		for _, rec := range records {
			state := styles.StateIcon(rec.State) + " " + string(rec.State)
			if report.Missing[rec.Name] {
				state += " (missing)"
			}
			rows = append(rows, []string{rec.Name, state, rec.Branch, rec.BaseBranch, util.FirstLine(rec.Reason)})
		}
		fmt.Fprintln(&b, r.Table([]string{"Name", "State", "Branch", "Base", "Reason"}, rows))
	}

	if len(report.Staged) > 0 {
		fmt.Fprintf(&b, "\n%s\n", r.title("Staged"))
		fmt.Fprintln(&b, r.Staged(report.Staged))
	}

	r.warnings(&b, report.Warnings)
	return b.String()
}

// Staged renders staged features.
func (r *Renderer) Staged(features []stage.Feature) string {
	rows := make([][]string, 0, len(features))
	for _, f := range features {
		rows = append(rows, []string{f.Name, f.RequestedAt.Local().Format("2006-01-02 15:04"), util.FirstLine(f.Description)})
	}
	return r.Table([]string{"Name", "Staged", "Description"}, rows)
}

// Build renders a build result.
func (r *Renderer) Build(res *build.Result) string {
	var b strings.Builder
	heading := "Build"
	if res.DryRun {
		heading += " (dry run)"
	}
	fmt.Fprintln(&b, r.title(heading))

	if len(res.Plan) == 0 {
		fmt.Fprintln(&b, r.styles.Muted.Render("  nothing staged"))
		return b.String()
	}

	integration := res.Integration
	if res.IntegrationCreated {
		integration += " (created from " + res.IntegrationBase + ")"
	}
	fmt.Fprintf(&b, "Integration branch: %s\n", integration)

	rows := make([][]string, 0, len(res.Plan))
	for _, p := range res.Plan {
		rows = append(rows, []string{p.Feature.Name, string(p.Action), p.Branch, p.Path})
	}
	fmt.Fprintln(&b, r.Table([]string{"Name", "Action", "Branch", "Path"}, rows))

	if !res.DryRun {
		fmt.Fprintln(&b, r.styles.Success.Render(fmt.Sprintf("%s ready", util.Plural(len(res.Built), "worktree"))))
	}
	if res.Guard != nil {
		r.warnings(&b, res.Guard.Warnings())
	}
	return b.String()
}

// Guard renders a guard report.
func (r *Renderer) Guard(rep *guard.Report) string {
	var b strings.Builder
	heading := "Guard"
	if rep.DryRun {
		heading += " (dry run)"
	}
	fmt.Fprintln(&b, r.title(heading))

	verb := "removed"
	if rep.DryRun {
		verb = "would remove"
	}
	for _, l := range rep.RemovedLocks {
		fmt.Fprintf(&b, "  %s stale lock %s\n", verb, l)
	}
	for _, o := range rep.RemovedOrphans {
		fmt.Fprintf(&b, "  %s orphaned directory %s\n", verb, o)
	}
	if rep.Pruned {
		fmt.Fprintln(&b, "  pruned worktree metadata")
	}
	if len(rep.RemovedLocks) == 0 && len(rep.RemovedOrphans) == 0 && len(rep.SkippedOrphans) == 0 {
		fmt.Fprintln(&b, r.styles.Success.Render("  repository is clean"))
	}
	r.warnings(&b, rep.Warnings())
	return b.String()
}

// Summary renders a close-done run: one row per processed record with its
// terminal state and reason, then warnings and totals.
func (r *Renderer) Summary(s *orchestrator.RunSummary) string {
	var b strings.Builder
	heading := "Close-done"
	if s.DryRun {
		heading += " (dry run)"
	}
	fmt.Fprintln(&b, r.title(heading))

	if len(s.Results) == 0 {
		fmt.Fprintln(&b, r.styles.Muted.Render("  no completed worktrees"))
	} else {
		rows := make([][]string, 0, len(s.Results))
		for _, res := range s.Results {
			rows = append(rows, []string{
				res.WorktreeName,
				styles.StateIcon(res.State) + " " + string(res.State),
				mergeLabel(res),
				util.ShortSHA(res.CommitHash),
				reasonOf(res),
			})
		}
		fmt.Fprintln(&b, r.Table([]string{"Worktree", "State", "Merge", "Commit", "Reason"}, rows))
	}

	r.warnings(&b, s.Warnings())

	attention := len(s.Attention())
	ok := len(s.Results) - attention
	totals := fmt.Sprintf("%d succeeded, %d need attention", ok, attention)
	if s.Detection != nil && len(s.Detection.Rejected) > 0 {
		totals += fmt.Sprintf(", %s rejected", util.Plural(len(s.Detection.Rejected), "completion record"))
	}
	switch {
	case s.Err() != nil:
		fmt.Fprintf(&b, "\n%s\n", r.styles.Error.Render(totals))
	default:
		fmt.Fprintf(&b, "\n%s\n", r.styles.Success.Render(totals))
	}
	return b.String()
}

func mergeLabel(res lifecycle.MergeResult) string {
	label := string(res.MergeType)
	switch {
	case res.Trivial:
		label += " (trivial)"
	case res.Resolved:
		label += " (resolved)"
	}
	return label
}

func reasonOf(res lifecycle.MergeResult) string {
	if res.Reason != "" {
		return util.FirstLine(res.Reason)
	}
	if res.Err != nil {
		return util.FirstLine(res.Err.Error())
	}
	if len(res.ConflictedFiles) > 0 {
		return "conflicts in " + strings.Join(res.ConflictedFiles, ", ")
	}
	return ""
}
