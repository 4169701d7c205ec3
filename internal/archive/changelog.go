package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/util"
)

const changelogHeader = "# Changelog\n\nFeatures merged by arbor, newest last.\n"

// ChangelogEntry renders the changelog line for one archived feature.
func ChangelogEntry(rec *lifecycle.Record, res *lifecycle.MergeResult, at time.Time) string {
	what := util.FirstLine(rec.Summary)
	if what == "" {
		what = util.FirstLine(rec.Description)
	}
	line := fmt.Sprintf("- %s **%s** (`%s` into `%s`", at.UTC().Format("2006-01-02"), rec.Name, rec.Branch, rec.BaseBranch)
	if res != nil && res.CommitHash != "" {
		line += ", " + util.ShortSHA(res.CommitHash)
	}
	line += ")"
	if what != "" {
		line += ": " + what
	}
	return line + "\n"
}

// AppendChangelog appends entry to the changelog at path, creating it with
// a header first if needed.
func AppendChangelog(path, entry string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create changelog directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open changelog: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	var b strings.Builder
	if info.Size() == 0 {
		b.WriteString(changelogHeader + "\n")
	}
	b.WriteString(entry)
	if _, err := f.WriteString(b.String()); err != nil {
		return fmt.Errorf("failed to append changelog: %w", err)
	}
	return nil
}
