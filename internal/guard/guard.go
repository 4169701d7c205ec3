// Package guard protects the shared git repository before arbor mutates it.
//
// A check has three parts: index lock inspection (stale empty locks are
// removed, anything else aborts with ErrLockActive), reconciliation of the
// worktree directory against git's registered worktrees (only provably
// clean orphans are deleted), and "git worktree prune". Separately, RunLock
// serializes whole arbor invocations on an advisory file lock.
package guard

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/util"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

const indexLockName = "index.lock"

// VCS is the subset of worktree.VCS the guard needs.
type VCS interface {
	worktree.WorktreeOps
	worktree.StatusOps
}

// Options controls a guard check.
type Options struct {
	// DryRun reports what would be repaired without touching anything.
	DryRun bool
	// LocksOnly skips orphan reconciliation and pruning.
	LocksOnly bool
}

// SkippedOrphan is an unregistered directory the guard refused to delete.
type SkippedOrphan struct {
	Path   string
	Reason string
}

// Report lists what a check repaired or refused to repair.
type Report struct {
	DryRun         bool
	RemovedLocks   []string
	RemovedOrphans []string
	SkippedOrphans []SkippedOrphan
	Pruned         bool
}

// Warnings returns one line per condition the operator should know about.
func (r *Report) Warnings() []string {
	var out []string
	for _, s := range r.SkippedOrphans {
		out = append(out, fmt.Sprintf("orphaned directory %s left in place: %s", s.Path, s.Reason))
	}
	return out
}

// Guard inspects and repairs repository state.
type Guard struct {
	vcs         VCS
	worktreeDir string
	cfg         config.GuardConfig
	logger      *logging.Logger
	bus         *event.Bus
	now         func() time.Time
}

// New creates a Guard for the repository behind vcs. worktreeDir is the
// directory arbor creates feature worktrees in.
func New(vcs VCS, worktreeDir string, cfg config.GuardConfig, logger *logging.Logger, bus *event.Bus) *Guard {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Guard{
		vcs:         vcs,
		worktreeDir: worktreeDir,
		cfg:         cfg,
		logger:      logger.WithPhase("guard"),
		bus:         bus,
		now:         time.Now,
	}
}

// Check runs the lock check, orphan reconciliation and prune. ErrLockActive
// aborts before anything else is touched.
func (g *Guard) Check(ctx context.Context, opts Options) (*Report, error) {
	report := &Report{DryRun: opts.DryRun}

	removed, err := g.checkLocks(ctx, opts.DryRun)
	report.RemovedLocks = removed
	if err != nil {
		return report, err
	}
	if opts.LocksOnly {
		return report, nil
	}

	if err := g.reconcile(ctx, opts.DryRun, report); err != nil {
		return report, err
	}

	if !opts.DryRun {
		if err := g.vcs.Prune(ctx); err != nil {
			return report, err
		}
		report.Pruned = true
	}
	return report, nil
}

// CheckLocks runs only the index lock check.
func (g *Guard) CheckLocks(ctx context.Context) error {
	_, err := g.checkLocks(ctx, false)
	return err
}

// -----------------------------------------------------------------------------
// Index locks
// -----------------------------------------------------------------------------

func (g *Guard) lockPaths(ctx context.Context) ([]string, error) {
	common, err := g.vcs.CommonDir(ctx)
	if err != nil {
		return nil, err
	}
	paths := []string{filepath.Join(common, indexLockName)}
	linked, err := filepath.Glob(filepath.Join(common, "worktrees", "*", indexLockName))
	if err != nil {
		return nil, err
	}
	slices.Sort(linked)
	return append(paths, linked...), nil
}

type lockState int

const (
	lockAbsent lockState = iota
	lockStale
	lockFresh
	lockHeld
)

func (g *Guard) inspect(path string) (lockState, *errors.LockError) {
	info, err := os.Stat(path)
	if err != nil {
		return lockAbsent, nil
	}
	age := g.now().Sub(info.ModTime())
	if info.Size() > 0 {
		return lockHeld, errors.NewLockError(path, "lock file is not empty; another git process may be writing").
			WithAge(age).WithSize(info.Size())
	}
	if age >= g.cfg.StaleLockThreshold() {
		return lockStale, nil
	}
	return lockFresh, errors.NewLockError(path, "lock file is recent; another git process is probably running").
		WithAge(age)
}

func (g *Guard) checkLocks(ctx context.Context, dryRun bool) ([]string, error) {
	paths, err := g.lockPaths(ctx)
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, path := range paths {
		ok, err := g.settleLock(ctx, path, dryRun)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, path)
		}
	}
	return removed, nil
}

// settleLock resolves one lock path. It reports true when a stale lock was
// (or in dry-run would be) removed.
func (g *Guard) settleLock(ctx context.Context, path string, dryRun bool) (bool, error) {
	state, lockErr := g.inspect(path)
	switch state {
	case lockAbsent:
		return false, nil
	case lockHeld:
		g.logger.Error("index lock is held", "path", path, "size", lockErr.Size, "age", lockErr.Age.String())
		return false, lockErr
	case lockStale:
		return true, g.removeLock(path, dryRun)
	}

	if dryRun {
		return false, lockErr
	}

	// Fresh and empty: give the owning git process a moment to finish.
	g.logger.Info("waiting for fresh index lock", "path", path)
	var (
		lastErr    *errors.LockError
		removedNow bool
	)
	retryer := retry.New[struct{}](retry.Config{
		MaxAttempts:   max(g.cfg.LockRetries, 1),
		InitialDelay:  g.cfg.LockWait(),
		BackoffPolicy: retry.BackoffExponential,
	})
	_, err := retryer.Do(ctx, func(ctx context.Context) (struct{}, error) {
		state, lockErr := g.inspect(path)
		switch state {
		case lockAbsent:
			lastErr = nil
			return struct{}{}, nil
		case lockStale:
			lastErr = nil
			removedNow = true
			return struct{}{}, g.removeLock(path, false)
		default:
			lastErr = lockErr
			return struct{}{}, lockErr
		}
	})
	if lastErr != nil {
		g.logger.Error("index lock still present after waiting", "path", path)
		return false, lastErr
	}
	if err != nil {
		return false, err
	}
	return removedNow, nil
}

func (g *Guard) removeLock(path string, dryRun bool) error {
	reason := fmt.Sprintf("empty and older than %s", g.cfg.StaleLockThreshold())
	if dryRun {
		g.logger.Info("would remove stale index lock", "path", path, "reason", reason)
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.NewLockError(path, "failed to remove stale lock").WithCause(err)
	}
	g.logger.Warn("removed stale index lock", "path", path, "reason", reason)
	g.publish(event.TypeLockRemoved, path, reason)
	return nil
}

// -----------------------------------------------------------------------------
// Orphan reconciliation
// -----------------------------------------------------------------------------

func (g *Guard) reconcile(ctx context.Context, dryRun bool, report *Report) error {
	entries, err := os.ReadDir(g.worktreeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read worktree directory: %w", err)
	}

	registered, err := g.vcs.ListWorktrees(ctx)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(g.worktreeDir, entry.Name())
		if _, ok := worktree.FindByPath(registered, path); ok {
			continue
		}

		clean, reason := g.orphanIsClean(ctx, path)
		if !clean {
			g.logger.Warn("orphaned directory skipped", "path", path, "reason", reason)
			report.SkippedOrphans = append(report.SkippedOrphans, SkippedOrphan{Path: path, Reason: reason})
			g.publish(event.TypeOrphanSkipped, path, reason)
			continue
		}

		if dryRun {
			g.logger.Info("would remove orphaned directory", "path", path, "reason", reason)
			report.RemovedOrphans = append(report.RemovedOrphans, path)
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			g.logger.Warn("failed to remove orphaned directory", "path", path, "error", err.Error())
			report.SkippedOrphans = append(report.SkippedOrphans, SkippedOrphan{Path: path, Reason: err.Error()})
			continue
		}
		g.logger.Warn("removed orphaned directory", "path", path, "reason", reason)
		report.RemovedOrphans = append(report.RemovedOrphans, path)
		g.publish(event.TypeOrphanRemoved, path, reason)
	}
	return nil
}

// orphanIsClean decides whether an unregistered directory can be deleted
// without losing work. Anything that cannot be proven clean is kept.
func (g *Guard) orphanIsClean(ctx context.Context, path string) (bool, string) {
	empty, err := util.IsEmptyDir(path)
	if err != nil {
		return false, fmt.Sprintf("cannot read directory: %v", err)
	}
	if empty {
		return true, "empty directory not registered with git"
	}

	if _, err := os.Lstat(filepath.Join(path, ".git")); err != nil {
		return false, "not a git checkout; cannot verify it holds no uncommitted work"
	}

	status, err := g.vcs.Status(ctx, path)
	if err != nil {
		return false, fmt.Sprintf("status check failed: %s", util.FirstLine(err.Error()))
	}
	if !status.Clean() {
		return false, fmt.Sprintf("uncommitted changes (%s)", util.Plural(len(status.Entries), "path"))
	}
	return true, "clean checkout not registered with git"
}

func (g *Guard) publish(eventType, path, reason string) {
	if g.bus != nil {
		g.bus.Publish(event.NewGuardEvent(eventType, path, reason))
	}
}
