// Package archive removes merged worktrees and branches and files away the
// paperwork of a finished feature.
package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/util"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// SummaryFileName is written into every archive entry.
const SummaryFileName = "summary.md"

// VCS is the subset of version control cleanup needs.
type VCS interface {
	RemoveWorktree(ctx context.Context, path string, force bool) error
	ListWorktrees(ctx context.Context) ([]worktree.Info, error)
	DeleteBranch(ctx context.Context, dir, name string, force bool) error
	BranchExists(ctx context.Context, name string) (bool, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
	Status(ctx context.Context, dir string) (worktree.Status, error)
}

// Options configures a Manager.
type Options struct {
	ArchiveDir  string
	Changelog   string
	KeepBackups bool
}

// Manager performs post-merge cleanup and archival.
type Manager struct {
	vcs     VCS
	tracker *lifecycle.Tracker
	opts    Options
	logger  *logging.Logger
	now     func() time.Time
}

// NewManager creates a Manager.
func NewManager(vcs VCS, tracker *lifecycle.Tracker, opts Options, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{vcs: vcs, tracker: tracker, opts: opts, logger: logger.WithPhase("archive"), now: time.Now}
}

// Finalize cleans up a record whose merge has landed. workspace is the
// worktree with the base branch checked out; branch deletion is judged
// against its HEAD. The record reaches merged only once git confirms the
// worktree and branch are gone, and archived once its files are filed.
func (m *Manager) Finalize(ctx context.Context, rec *lifecycle.Record, res *lifecycle.MergeResult, workspace string) error {
	log := m.logger.WithWorktree(rec.Name)

	merged, err := m.vcs.IsAncestor(ctx, rec.Branch, rec.BaseBranch)
	if err != nil {
		return err
	}
	if !merged {
		return fmt.Errorf("%s is not merged into %s; refusing to clean up", rec.Branch, rec.BaseBranch)
	}

	if err := m.removeWorktree(ctx, log, rec); err != nil {
		return err
	}
	if err := m.deleteBranch(ctx, log, rec, workspace); err != nil {
		return err
	}
	if err := m.confirmGone(ctx, rec); err != nil {
		return err
	}

	if err := m.tracker.Advance(rec, lifecycle.EventMerged, ""); err != nil {
		return err
	}
	log.Info("worktree merged and removed", "branch", rec.Branch, "base", rec.BaseBranch)

	return m.Archive(rec, res)
}

func (m *Manager) removeWorktree(ctx context.Context, log *logging.Logger, rec *lifecycle.Record) error {
	infos, err := m.vcs.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	info, ok := worktree.FindByBranch(infos, rec.Branch)
	if !ok {
		info, ok = worktree.FindByPath(infos, rec.Path)
	}
	if !ok {
		return nil
	}

	err = m.vcs.RemoveWorktree(ctx, info.Path, false)
	if err == nil {
		return nil
	}

	// Force only when nothing tracked would be lost; the branch itself is
	// already confirmed merged.
	status, statusErr := m.vcs.Status(ctx, info.Path)
	if statusErr == nil {
		for _, entry := range status.Entries {
			if !strings.HasPrefix(entry, "??") && !strings.HasPrefix(entry, "!!") {
				return errors.Wrapf(errors.ErrDirtyWorktree, "cannot remove %s", info.Path)
			}
		}
	}
	log.Warn("plain worktree removal failed, forcing", "path", info.Path, "error", util.FirstLine(err.Error()))
	return m.vcs.RemoveWorktree(ctx, info.Path, true)
}

func (m *Manager) deleteBranch(ctx context.Context, log *logging.Logger, rec *lifecycle.Record, workspace string) error {
	exists, err := m.vcs.BranchExists(ctx, rec.Branch)
	if err != nil || !exists {
		return err
	}
	err = m.vcs.DeleteBranch(ctx, workspace, rec.Branch, false)
	if err == nil {
		return nil
	}
	log.Warn("safe branch delete refused, force-deleting merged branch",
		"branch", rec.Branch, "error", util.FirstLine(err.Error()))
	return m.vcs.DeleteBranch(ctx, workspace, rec.Branch, true)
}

// confirmGone re-queries git rather than trusting the commands above.
func (m *Manager) confirmGone(ctx context.Context, rec *lifecycle.Record) error {
	infos, err := m.vcs.ListWorktrees(ctx)
	if err != nil {
		return err
	}
	if info, ok := worktree.FindByBranch(infos, rec.Branch); ok {
		return fmt.Errorf("worktree %s is still registered after removal", info.Path)
	}
	if rec.Path != "" {
		if _, ok := worktree.FindByPath(infos, rec.Path); ok {
			return fmt.Errorf("worktree %s is still registered after removal", rec.Path)
		}
	}
	exists, err := m.vcs.BranchExists(ctx, rec.Branch)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("branch %s still exists after deletion", rec.Branch)
	}
	return nil
}

// Archive files a merged record's completion records, backups and
// resolution logs under <archive>/<name>/<timestamp>/, writes its summary,
// appends the changelog and moves the record to archived. res may be nil
// when finishing an archival interrupted in an earlier run.
func (m *Manager) Archive(rec *lifecycle.Record, res *lifecycle.MergeResult) error {
	log := m.logger.WithWorktree(rec.Name)
	now := m.now().UTC()
	dir := filepath.Join(m.opts.ArchiveDir, rec.Name, now.Format("20060102T150405Z"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create archive directory: %w", err)
	}

	var errs []error
	for _, file := range rec.CompletionFiles {
		if err := util.MoveFile(file, filepath.Join(dir, filepath.Base(file))); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	for i, backup := range rec.Backups {
		if !m.opts.KeepBackups {
			if err := os.RemoveAll(backup); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		dst := filepath.Join(dir, "backups", fmt.Sprintf("%d-%s", i+1, filepath.Base(filepath.Dir(backup))))
		if err := util.MoveFile(backup, dst); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	for _, backup := range rec.Backups {
		// Drops the per-attempt timestamp directory once it is empty.
		_ = os.Remove(filepath.Dir(backup))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("failed to archive %s: %w", rec.Name, err)
	}

	if err := util.WriteFileAtomic(filepath.Join(dir, SummaryFileName), []byte(Summary(rec, res, now)), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	if m.opts.Changelog != "" {
		if err := AppendChangelog(m.opts.Changelog, ChangelogEntry(rec, res, now)); err != nil {
			return err
		}
	}

	rec.ArchivePath = dir
	rec.Backups = nil
	rec.CompletionFiles = nil
	if err := m.tracker.Advance(rec, lifecycle.EventArchive, ""); err != nil {
		return err
	}
	log.Info("worktree archived", "dir", dir)
	return nil
}

// Summary renders the markdown summary for one archived feature.
func Summary(rec *lifecycle.Record, res *lifecycle.MergeResult, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", rec.Name)
	fmt.Fprintf(&b, "- Branch: `%s`\n", rec.Branch)
	fmt.Fprintf(&b, "- Merged into: `%s`\n", rec.BaseBranch)
	if res != nil {
		mergeType := string(res.MergeType)
		if res.Trivial {
			mergeType += " (no unique commits)"
		}
		if res.Resolved {
			mergeType += " (conflicts resolved by agent)"
		}
		fmt.Fprintf(&b, "- Merge: %s\n", mergeType)
		if res.CommitHash != "" {
			fmt.Fprintf(&b, "- Commit: `%s`\n", res.CommitHash)
		}
	}
	if !rec.CompletedAt.IsZero() {
		fmt.Fprintf(&b, "- Completed: %s\n", rec.CompletedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(&b, "- Archived: %s\n", at.UTC().Format(time.RFC3339))

	if rec.Description != "" {
		fmt.Fprintf(&b, "\n## Description\n\n%s\n", strings.TrimSpace(rec.Description))
	}
	if rec.Summary != "" {
		fmt.Fprintf(&b, "\n## Summary\n\n%s\n", strings.TrimSpace(rec.Summary))
	}
	if rec.Notes != "" {
		fmt.Fprintf(&b, "\n## Notes\n\n%s\n", strings.TrimSpace(rec.Notes))
	}
	if res != nil && len(res.Commits) > 0 {
		b.WriteString("\n## Commits\n\n")
		for _, c := range res.Commits {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}
