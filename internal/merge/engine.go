// Package merge merges completed features into their base branches one at
// a time, delegating conflicts and cleaning up after every success.
package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/arbor/internal/archive"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/resolve"
	"github.com/Iron-Ham/arbor/internal/util"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// Options filters and controls a merge run.
type Options struct {
	DryRun bool
	Only   []string
	Skip   []string
}

// Selected reports whether name passes the --only and --skip filters.
func (o Options) Selected(name string) bool {
	if len(o.Only) > 0 && !slices.Contains(o.Only, name) {
		return false
	}
	return !slices.Contains(o.Skip, name)
}

// Deps are the collaborators an Engine needs.
type Deps struct {
	VCS         worktree.VCS
	Tracker     *lifecycle.Tracker
	Guard       *guard.Guard
	Delegate    *resolve.Delegate
	Archive     *archive.Manager
	MergeDir    string
	ContextFile string
	Logger      *logging.Logger
	Bus         *event.Bus
}

// Engine runs close-done merges.
type Engine struct {
	vcs         worktree.VCS
	tracker     *lifecycle.Tracker
	guard       *guard.Guard
	delegate    *resolve.Delegate
	archive     *archive.Manager
	mergeDir    string
	contextFile string
	logger      *logging.Logger
	bus         *event.Bus
}

// NewEngine creates an Engine.
func NewEngine(d Deps) *Engine {
	logger := d.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Engine{
		vcs:         d.VCS,
		tracker:     d.Tracker,
		guard:       d.Guard,
		delegate:    d.Delegate,
		archive:     d.Archive,
		mergeDir:    d.MergeDir,
		contextFile: d.ContextFile,
		logger:      logger.WithPhase("merge"),
		bus:         d.Bus,
	}
}

// MergeAll processes records in order. Each record is merged and cleaned up
// before the next starts; a failure is recorded in that record's result and
// never stops the rest. Cancellation stops before the next record.
//
// The index locks are checked before every record. A lock held by another
// git process stops the run with ErrLockActive and leaves the record as it
// was; the results gathered so far are returned with the error.
func (e *Engine) MergeAll(ctx context.Context, records []*lifecycle.Record, opts Options) ([]lifecycle.MergeResult, error) {
	var results []lifecycle.MergeResult
	var mergedEarlier []*lifecycle.Record

	for _, rec := range records {
		if !opts.Selected(rec.Name) {
			continue
		}
		if ctx.Err() != nil {
			e.logger.Warn("merge run canceled", "remaining", rec.Name)
			break
		}

		var res lifecycle.MergeResult
		if opts.DryRun {
			res = e.plan(ctx, rec)
		} else {
			if err := e.guard.CheckLocks(ctx); err != nil {
				if errors.IsPrecondition(err) {
					e.logger.Error("merge run stopped", "before", rec.Name, "error", err.Error())
					return results, err
				}
				res = lifecycle.MergeResult{
					WorktreeName: rec.Name,
					MergeType:    worktree.MergeError,
					State:        rec.State,
					Err:          err,
					Reason:       "lock check failed: " + util.FirstLine(err.Error()),
				}
				results = append(results, res)
				continue
			}
			res = e.mergeOne(ctx, rec, mergedEarlier)
			if res.Succeeded() {
				mergedEarlier = append(mergedEarlier, rec)
			}
			e.publish(event.NewMergeFinishedEvent(rec.Name, string(res.MergeType), res.CommitHash, string(res.State), res.Reason))
		}
		results = append(results, res)
	}
	return results, nil
}

// plan predicts what a merge would do without touching anything.
func (e *Engine) plan(ctx context.Context, rec *lifecycle.Record) lifecycle.MergeResult {
	res := lifecycle.MergeResult{WorktreeName: rec.Name, DryRun: true, State: rec.State}

	unique, err := e.vcs.UniqueCommits(ctx, rec.BaseBranch, rec.Branch)
	if err != nil {
		res.MergeType = worktree.MergeError
		res.Err = err
		res.Reason = util.FirstLine(err.Error())
		return res
	}
	res.Commits, _ = e.vcs.CommitSubjects(ctx, rec.BaseBranch, rec.Branch)
	if unique == 0 {
		res.Trivial = true
		res.MergeType = worktree.MergeFastForward
		res.Reason = "no unique commits"
		return res
	}

	ff, err := e.vcs.IsAncestor(ctx, rec.BaseBranch, rec.Branch)
	switch {
	case err != nil:
		res.MergeType = worktree.MergeError
		res.Err = err
	case ff:
		res.MergeType = worktree.MergeFastForward
	default:
		res.MergeType = worktree.MergeCommit
	}
	res.Reason = fmt.Sprintf("would merge %s into %s", util.Plural(unique, "commit"), rec.BaseBranch)
	return res
}

func (e *Engine) mergeOne(ctx context.Context, rec *lifecycle.Record, mergedEarlier []*lifecycle.Record) (res lifecycle.MergeResult) {
	log := e.logger.WithWorktree(rec.Name)
	res = lifecycle.MergeResult{WorktreeName: rec.Name}
	defer func() { res.State = rec.State }()

	// A manual resolution left from a previous run is never retried under
	// the operator's feet.
	if rec.State == lifecycle.StateConflictManual && rec.ConflictWorkspace != "" {
		if busy, err := e.vcs.MergeInProgress(ctx, rec.ConflictWorkspace); err == nil && busy {
			res.MergeType = worktree.MergeConflicts
			res.Reason = "manual resolution still in progress in " + rec.ConflictWorkspace
			return res
		}
	}

	if err := e.tracker.Save(rec); err != nil {
		return e.fail(log, rec, res, err, "")
	}
	if err := e.tracker.Reopen(rec); err != nil {
		return e.fail(log, rec, res, err, "")
	}
	rec.ConflictWorkspace = ""
	if err := e.tracker.Advance(rec, lifecycle.EventMerge, ""); err != nil {
		return e.fail(log, rec, res, err, "")
	}
	log.Info("merging", "branch", rec.Branch, "base", rec.BaseBranch)

	ws, err := acquireWorkspace(ctx, e.vcs, e.mergeDir, rec.BaseBranch, log)
	if err != nil {
		return e.fail(log, rec, res, err, "no merge workspace: ")
	}
	defer ws.release(context.WithoutCancel(ctx), e.vcs, log)

	res.Commits, _ = e.vcs.CommitSubjects(ctx, rec.BaseBranch, rec.Branch)

	unique, err := e.vcs.UniqueCommits(ctx, rec.BaseBranch, rec.Branch)
	if err != nil {
		return e.fail(log, rec, res, err, "")
	}

	if unique == 0 {
		res.Trivial = true
		res.MergeType = worktree.MergeFastForward
		res.Reason = "no unique commits"
		if head, err := e.vcs.RevParse(ctx, ws.Path, "HEAD"); err == nil {
			res.CommitHash = head
		}
		log.Info("nothing to merge", "branch", rec.Branch)
	} else {
		outcome, err := e.vcs.Merge(ctx, ws.Path, rec.Branch)
		res.MergeType = outcome.Type
		res.Output = outcome.Output
		if err != nil {
			e.abortIfMerging(ctx, ws.Path, log)
			return e.fail(log, rec, res, err, "merge failed: ")
		}
		res.CommitHash = outcome.Commit

		if outcome.Type == worktree.MergeConflicts {
			res.ConflictedFiles = outcome.Conflicts
			log.Warn("merge conflicts", "files", outcome.Conflicts)
			if !e.resolveConflicts(ctx, log, rec, &res, ws, mergedEarlier) {
				return res
			}
		}
	}

	if err := e.archive.Finalize(ctx, rec, &res, ws.Path); err != nil {
		if rec.State == lifecycle.StateMerged {
			// The merge landed and git is clean; only the paperwork failed.
			res.Err = err
			res.Reason = "archival failed: " + util.FirstLine(err.Error())
			log.Error("archival failed", "error", err.Error())
			return res
		}
		return e.fail(log, rec, res, err, "cleanup failed: ")
	}
	log.Info("merged", "merge_type", string(res.MergeType), "commit", util.ShortSHA(res.CommitHash))
	return res
}

// resolveConflicts hands the conflicted merge in ws to the delegate and
// commits it when the result verifies. Otherwise it aborts the merge, moves
// the conflict into the feature worktree for manual work and reports false.
func (e *Engine) resolveConflicts(ctx context.Context, log *logging.Logger, rec *lifecycle.Record, res *lifecycle.MergeResult, ws workspace, mergedEarlier []*lifecycle.Record) bool {
	attempt, err := e.delegate.Resolve(ctx, resolve.Conflict{
		Name:        rec.Name,
		Branch:      rec.Branch,
		BaseBranch:  rec.BaseBranch,
		Workspace:   ws.Path,
		Files:       res.ConflictedFiles,
		ContextText: e.contextText(rec, mergedEarlier),
	})
	if err != nil {
		e.abortIfMerging(ctx, ws.Path, log)
		*res = e.fail(log, rec, *res, err, "conflict resolution failed: ")
		return false
	}
	if attempt.BackupDir != "" {
		rec.Backups = append(rec.Backups, attempt.BackupDir)
	}

	if attempt.Resolved {
		commit, err := e.vcs.CommitMerge(ctx, ws.Path)
		if err == nil {
			res.Resolved = true
			res.CommitHash = commit
			log.Info("conflicts resolved by agent", "files", len(res.ConflictedFiles), "commit", util.ShortSHA(commit))
			return true
		}
		attempt.Reason = "failed to commit resolved merge: " + util.FirstLine(err.Error())
	}

	e.abortIfMerging(ctx, ws.Path, log)
	reason := attempt.Reason
	if attempt.NeedsReview {
		reason = "needs review: " + reason
	}
	if where := e.materialize(ctx, log, rec); where != "" {
		rec.ConflictWorkspace = where
		reason += "; conflict left in " + where + " for manual resolution"
	} else {
		reason += "; merge aborted, backups in " + attempt.BackupDir
	}

	res.Reason = reason
	if err := e.tracker.Advance(rec, lifecycle.EventConflict, reason); err != nil {
		res.Err = err
	}
	log.Warn("record needs manual conflict resolution", "reason", reason)
	return false
}

// materialize reproduces the conflict inside the feature's own worktree by
// merging the base branch into it. It returns the worktree path, or "" when
// the worktree is missing or has local changes.
func (e *Engine) materialize(ctx context.Context, log *logging.Logger, rec *lifecycle.Record) string {
	if rec.Path == "" {
		return ""
	}
	status, err := e.vcs.Status(ctx, rec.Path)
	if err != nil || !status.Clean() {
		return ""
	}
	outcome, err := e.vcs.Merge(ctx, rec.Path, rec.BaseBranch)
	if err != nil {
		log.Warn("could not reproduce conflict in feature worktree", "path", rec.Path, "error", util.FirstLine(err.Error()))
		e.abortIfMerging(ctx, rec.Path, log)
		return ""
	}
	if outcome.Type != worktree.MergeConflicts {
		// The base merged cleanly into the feature; the next run fast-forwards.
		return ""
	}
	return rec.Path
}

func (e *Engine) abortIfMerging(ctx context.Context, dir string, log *logging.Logger) {
	ctx = context.WithoutCancel(ctx)
	busy, err := e.vcs.MergeInProgress(ctx, dir)
	if err != nil || !busy {
		return
	}
	if err := e.vcs.AbortMerge(ctx, dir); err != nil {
		log.Error("failed to abort merge", "dir", dir, "error", err.Error())
	}
}

// fail moves rec to failed (when it is merging) and records err.
func (e *Engine) fail(log *logging.Logger, rec *lifecycle.Record, res lifecycle.MergeResult, err error, prefix string) lifecycle.MergeResult {
	if res.MergeType == "" {
		res.MergeType = worktree.MergeError
	}
	res.Err = err
	res.Reason = prefix + util.FirstLine(err.Error())
	var gitErr *errors.GitError
	if errors.As(err, &gitErr) && res.Output == "" {
		res.Output = gitErr.Error()
	}

	if rec.State == lifecycle.StateMerging {
		if advErr := e.tracker.Advance(rec, lifecycle.EventFail, res.Reason); advErr != nil {
			log.Error("failed to record failure", "error", advErr.Error())
		}
	}
	log.Error("merge failed", "reason", res.Reason)
	return res
}

// contextText describes both sides of the merge for the resolution agent.
func (e *Engine) contextText(rec *lifecycle.Record, mergedEarlier []*lifecycle.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Incoming feature %s (branch %s):\n", rec.Name, rec.Branch)
	if e.contextFile != "" && rec.Path != "" {
		if data, err := os.ReadFile(filepath.Join(rec.Path, e.contextFile)); err == nil {
			b.Write(data)
			b.WriteString("\n")
		}
	}
	if intent := rec.Intent(); intent != "" {
		b.WriteString(intent + "\n")
	}

	fmt.Fprintf(&b, "\nBase branch %s", rec.BaseBranch)
	if len(mergedEarlier) == 0 {
		b.WriteString(" (no other features merged in this run).\n")
		return b.String()
	}
	b.WriteString(", which already contains these features merged earlier in this run:\n")
	for _, other := range mergedEarlier {
		fmt.Fprintf(&b, "- %s: %s\n", other.Name, util.FirstLine(other.Intent()))
	}
	return b.String()
}

func (e *Engine) publish(ev event.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
