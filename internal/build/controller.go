// Package build turns staged features into worktrees, one batch at a time.
//
// A batch is all-or-nothing. Every member is journaled before git is
// touched; any failure or cancellation rolls back exactly what this
// invocation created (worktrees, owned branches, a freshly created
// integration branch) and verifies the branch and worktree sets match the
// snapshot taken before the batch began. A batch whose process died is
// rolled back from its journal by Recover on the next invocation.
package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/util"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// Action is what a build does for one staged feature.
type Action string

const (
	ActionCreate Action = "create" // new branch from the integration branch
	ActionAttach Action = "attach" // worktree for a branch that already exists
	ActionSkip   Action = "skip"   // already registered with the expected branch
)

// Planned is the decision made for one feature before anything is mutated.
type Planned struct {
	Feature stage.Feature
	Path    string
	Branch  string
	Action  Action
}

// Options controls a build.
type Options struct {
	DryRun bool
	// Integration overrides the rendered integration branch name.
	Integration string
}

// Result describes a finished (or planned) build.
type Result struct {
	OperationID        string
	Integration        string
	IntegrationBase    string
	IntegrationCreated bool
	DryRun             bool
	Plan               []Planned
	Built              []*lifecycle.Record
	Skipped            []string
	Guard              *guard.Report
}

// Deps are the collaborators a Controller needs.
type Deps struct {
	VCS      worktree.VCS
	Guard    *guard.Guard
	Registry *stage.Registry
	Tracker  *lifecycle.Tracker
	Journal  *Journal
	Config   *config.Config
	Layout   config.Layout
	Logger   *logging.Logger
	Bus      *event.Bus
}

// Controller builds worktree batches.
type Controller struct {
	vcs      worktree.VCS
	guard    *guard.Guard
	registry *stage.Registry
	tracker  *lifecycle.Tracker
	journal  *Journal
	cfg      *config.Config
	layout   config.Layout
	logger   *logging.Logger
	bus      *event.Bus
	now      func() time.Time
	newID    func() string
}

// NewController creates a Controller.
func NewController(d Deps) *Controller {
	logger := d.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Controller{
		vcs:      d.VCS,
		guard:    d.Guard,
		registry: d.Registry,
		tracker:  d.Tracker,
		journal:  d.Journal,
		cfg:      d.Config,
		layout:   d.Layout,
		logger:   logger.WithPhase("build"),
		bus:      d.Bus,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// PathFor returns the worktree path for a feature name.
func (c *Controller) PathFor(name string) string {
	return filepath.Join(c.layout.WorktreeDir, name)
}

// BranchFor returns the branch name for a feature name.
func (c *Controller) BranchFor(name string) string {
	return c.cfg.Branch.Prefix + "/" + name
}

// Build creates worktrees for features. With no features it does nothing.
// Precondition failures (lock active, path conflicts) return before any
// mutation; failures after mutation began return a BatchError after rollback.
func (c *Controller) Build(ctx context.Context, features []stage.Feature, opts Options) (*Result, error) {
	result := &Result{DryRun: opts.DryRun}
	if len(features) == 0 {
		return result, nil
	}
	for _, f := range features {
		if err := stage.ValidateName(f.Name); err != nil {
			return result, err
		}
	}

	report, err := c.guard.Check(ctx, guard.Options{DryRun: opts.DryRun})
	result.Guard = report
	if err != nil {
		return result, err
	}

	integration := opts.Integration
	if integration == "" {
		integration, err = IntegrationBranchName(c.cfg.Build.IntegrationBranch, c.now(), c.cfg.Build.Version)
		if err != nil {
			return result, err
		}
	}
	base := c.cfg.Build.IntegrationBase
	if base == "" {
		base = c.vcs.MainBranch(ctx)
	}
	result.Integration = integration
	result.IntegrationBase = base

	plan, err := c.Plan(ctx, features)
	if err != nil {
		return result, err
	}
	result.Plan = plan
	if opts.DryRun {
		return result, nil
	}

	var todo []Planned
	for _, p := range plan {
		if p.Action == ActionSkip {
			result.Skipped = append(result.Skipped, p.Feature.Name)
			if err := c.adoptExisting(p, integration); err != nil {
				c.logger.Warn("failed to record existing worktree", "worktree", p.Feature.Name, "error", err.Error())
			}
			continue
		}
		todo = append(todo, p)
	}
	if len(todo) == 0 {
		c.logger.Info("all features already have worktrees", "skipped", len(result.Skipped))
		_, err := c.registry.RemoveAll(result.Skipped...)
		return result, err
	}

	before, err := c.snapshot(ctx)
	if err != nil {
		return result, err
	}

	batch := &Batch{
		OperationID:     c.newID(),
		StartedAt:       c.now().UTC(),
		Integration:     integration,
		IntegrationBase: base,
		Status:          BatchInProgress,
	}
	result.OperationID = batch.OperationID
	log := c.logger.WithOperation(batch.OperationID)
	if err := c.journal.Save(batch); err != nil {
		return result, err
	}

	names := make([]string, 0, len(todo))
	for _, p := range todo {
		names = append(names, p.Feature.Name)
	}
	log.Info("batch started", "members", names, "integration", integration, "base", base)
	c.publish(event.NewBatchStartedEvent(batch.OperationID, names))

	records, failed, err := c.execute(ctx, log, batch, todo)
	if err != nil {
		// Cancellation must not stop the rollback it triggered.
		rbCtx := context.WithoutCancel(ctx)
		count, rbErr := c.rollback(rbCtx, log, batch, records, err)
		if rbErr == nil {
			rbErr = c.verify(rbCtx, before)
		}
		c.finish(log, batch, rbErr)

		batchErr := errors.NewBatchError(batch.OperationID, count, err).WithFailed(failed).WithRollbackErr(rbErr)
		log.Error("batch rolled back", "count", count, "failed", failed, "error", err.Error())
		c.publish(event.NewBatchRolledBackEvent(batch.OperationID, names, count, err.Error()))
		return result, batchErr
	}

	result.IntegrationCreated = batch.IntegrationCreated
	result.Built = records
	batch.Status = BatchCommitted
	batch.FinishedAt = c.now().UTC()
	if err := c.journal.Save(batch); err != nil {
		log.Warn("failed to mark batch committed", "error", err.Error())
	}

	for _, rec := range records {
		if err := c.tracker.Advance(rec, lifecycle.EventActivate, ""); err != nil {
			log.Warn("failed to activate record", "worktree", rec.Name, "error", err.Error())
		}
	}
	if _, err := c.registry.RemoveAll(append(names, result.Skipped...)...); err != nil {
		log.Warn("failed to remove built features from the stage registry", "error", err.Error())
	}

	log.Info("batch committed", "built", len(records), "skipped", len(result.Skipped))
	c.publish(event.NewBatchCommittedEvent(batch.OperationID, names))
	return result, nil
}

// Plan decides what to do for each feature without changing anything.
// A feature whose path or branch is owned by something else is a
// PathConflictError.
func (c *Controller) Plan(ctx context.Context, features []stage.Feature) ([]Planned, error) {
	infos, err := c.vcs.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	plan := make([]Planned, 0, len(features))
	seen := make(map[string]bool)
	for _, f := range features {
		if seen[f.Name] {
			return nil, errors.NewValidationError(fmt.Sprintf("feature %q appears twice in the batch", f.Name)).WithField("name")
		}
		seen[f.Name] = true

		p := Planned{Feature: f, Path: c.PathFor(f.Name), Branch: c.BranchFor(f.Name)}

		if info, ok := worktree.FindByPath(infos, p.Path); ok {
			if info.Branch != p.Branch {
				existing := info.Branch
				if existing == "" {
					existing = "detached HEAD"
				}
				return nil, errors.NewPathConflictError(p.Path, "path is registered to another branch").
					WithBranch(p.Branch).WithExisting(existing)
			}
			p.Action = ActionSkip
			plan = append(plan, p)
			continue
		}

		if info, ok := worktree.FindByBranch(infos, p.Branch); ok {
			return nil, errors.NewPathConflictError(p.Path, "branch is already checked out in another worktree").
				WithBranch(p.Branch).WithExisting(info.Path)
		}

		if _, err := os.Stat(p.Path); err == nil {
			return nil, errors.NewPathConflictError(p.Path, "directory exists but is not a registered worktree").
				WithBranch(p.Branch)
		}

		exists, err := c.vcs.BranchExists(ctx, p.Branch)
		if err != nil {
			return nil, err
		}
		if exists {
			p.Action = ActionAttach
		} else {
			p.Action = ActionCreate
		}
		plan = append(plan, p)
	}
	return plan, nil
}

// execute performs the mutations for todo. On error it returns the records
// created so far and the name of the feature that failed.
func (c *Controller) execute(ctx context.Context, log *logging.Logger, batch *Batch, todo []Planned) ([]*lifecycle.Record, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", errors.Join(errors.ErrCanceled, err)
	}
	if err := c.ensureIntegration(ctx, log, batch); err != nil {
		return nil, "", err
	}

	var records []*lifecycle.Record
	seq := c.tracker.Store().NextSequence()
	for i, p := range todo {
		if err := ctx.Err(); err != nil {
			return records, p.Feature.Name, errors.Join(errors.ErrCanceled, err)
		}

		rec := &lifecycle.Record{
			Name:        p.Feature.Name,
			Branch:      p.Branch,
			BaseBranch:  batch.Integration,
			Path:        p.Path,
			Sequence:    seq + i,
			Description: p.Feature.Description,
			OperationID: batch.OperationID,
			CreatedAt:   c.now().UTC(),
		}
		if err := c.tracker.Create(rec); err != nil {
			return records, p.Feature.Name, err
		}
		if err := c.tracker.Advance(rec, lifecycle.EventBuild, ""); err != nil {
			return records, p.Feature.Name, err
		}
		records = append(records, rec)

		batch.Members = append(batch.Members, Member{
			Name:        p.Feature.Name,
			Path:        p.Path,
			Branch:      p.Branch,
			BranchOwned: p.Action == ActionCreate,
		})
		if err := c.journal.Save(batch); err != nil {
			return records, p.Feature.Name, err
		}

		base := batch.Integration
		if p.Action == ActionAttach {
			base = ""
		}
		if err := c.vcs.AddWorktree(ctx, p.Path, p.Branch, base); err != nil {
			return records, p.Feature.Name, err
		}
		batch.Members[len(batch.Members)-1].Added = true
		if err := c.journal.Save(batch); err != nil {
			return records, p.Feature.Name, err
		}
		log.Info("worktree created", "worktree", p.Feature.Name, "path", p.Path, "branch", p.Branch, "action", string(p.Action))
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return records, rec.Name, errors.Join(errors.ErrCanceled, err)
		}
		content, err := RenderContext(rec)
		if err != nil {
			return records, rec.Name, err
		}
		if err := util.WriteFileAtomic(filepath.Join(rec.Path, c.cfg.Build.ContextFile), content, 0644); err != nil {
			return records, rec.Name, fmt.Errorf("failed to write context file for %s: %w", rec.Name, err)
		}
	}
	return records, "", nil
}

func (c *Controller) ensureIntegration(ctx context.Context, log *logging.Logger, batch *Batch) error {
	exists, err := c.vcs.BranchExists(ctx, batch.Integration)
	if err != nil {
		return err
	}
	if exists {
		log.Info("reusing integration branch", "branch", batch.Integration)
		return nil
	}

	// Journal the intent first so a crash right after creation is undone.
	batch.IntegrationCreated = true
	if err := c.journal.Save(batch); err != nil {
		return err
	}
	created, err := c.vcs.CreateBranch(ctx, batch.Integration, batch.IntegrationBase)
	if err != nil {
		return err
	}
	if !created {
		batch.IntegrationCreated = false
		return c.journal.Save(batch)
	}
	log.Info("integration branch created", "branch", batch.Integration, "base", batch.IntegrationBase)
	return nil
}

// adoptExisting makes sure an already-built feature has an active record.
func (c *Controller) adoptExisting(p Planned, integration string) error {
	if _, err := c.tracker.Store().Get(p.Feature.Name); err == nil {
		return nil
	}
	rec := &lifecycle.Record{
		Name:        p.Feature.Name,
		Branch:      p.Branch,
		BaseBranch:  integration,
		Path:        p.Path,
		Sequence:    c.tracker.Store().NextSequence(),
		Description: p.Feature.Description,
		CreatedAt:   c.now().UTC(),
	}
	if err := c.tracker.Create(rec); err != nil {
		return err
	}
	if err := c.tracker.Advance(rec, lifecycle.EventBuild, ""); err != nil {
		return err
	}
	return c.tracker.Advance(rec, lifecycle.EventActivate, "")
}

// -----------------------------------------------------------------------------
// Rollback
// -----------------------------------------------------------------------------

type repoSnapshot struct {
	branches  []string
	worktrees []string
}

func (c *Controller) snapshot(ctx context.Context) (repoSnapshot, error) {
	branches, err := c.vcs.ListBranches(ctx)
	if err != nil {
		return repoSnapshot{}, err
	}
	infos, err := c.vcs.ListWorktrees(ctx)
	if err != nil {
		return repoSnapshot{}, err
	}
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, filepath.Clean(info.Path))
	}
	slices.Sort(branches)
	slices.Sort(paths)
	return repoSnapshot{branches: branches, worktrees: paths}, nil
}

// verify confirms the repository is back to its pre-batch branch and worktree sets.
func (c *Controller) verify(ctx context.Context, before repoSnapshot) error {
	after, err := c.snapshot(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify rollback: %w", err)
	}
	if !slices.Equal(before.branches, after.branches) {
		return fmt.Errorf("rollback left branches changed: before %v, after %v", before.branches, after.branches)
	}
	if !slices.Equal(before.worktrees, after.worktrees) {
		return fmt.Errorf("rollback left worktrees changed: before %v, after %v", before.worktrees, after.worktrees)
	}
	return nil
}

// rollback undoes batch in reverse order and reports how many worktrees were
// removed. Every step is attempted even if an earlier one fails.
func (c *Controller) rollback(ctx context.Context, log *logging.Logger, batch *Batch, records []*lifecycle.Record, cause error) (int, error) {
	var errs []error

	infos, err := c.vcs.ListWorktrees(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	count := 0
	for i := len(batch.Members) - 1; i >= 0; i-- {
		m := batch.Members[i]
		_, registered := worktree.FindByPath(infos, m.Path)
		if m.Added || registered {
			if err := c.vcs.RemoveWorktree(ctx, m.Path, true); err != nil {
				errs = append(errs, err)
			} else {
				count++
				log.Info("rolled back worktree", "worktree", m.Name, "path", m.Path)
			}
		}
		// The path did not exist before the batch, so anything left is ours.
		if err := os.RemoveAll(m.Path); err != nil {
			errs = append(errs, err)
		}

		if m.BranchOwned {
			if err := c.deleteIfExists(ctx, m.Branch); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if batch.IntegrationCreated {
		if err := c.deleteIfExists(ctx, batch.Integration); err != nil {
			errs = append(errs, err)
		} else {
			log.Info("rolled back integration branch", "branch", batch.Integration)
		}
	}

	if err := c.vcs.Prune(ctx); err != nil {
		errs = append(errs, err)
	}

	reason := "batch rolled back: " + util.FirstLine(cause.Error())
	for _, rec := range records {
		if rec.State != lifecycle.StateBuilding {
			continue
		}
		if err := c.tracker.Advance(rec, lifecycle.EventRollback, reason); err != nil {
			log.Warn("failed to roll back record", "worktree", rec.Name, "error", err.Error())
		}
	}

	return count, errors.Join(errs...)
}

func (c *Controller) deleteIfExists(ctx context.Context, branch string) error {
	exists, err := c.vcs.BranchExists(ctx, branch)
	if err != nil || !exists {
		return err
	}
	return c.vcs.DeleteBranch(ctx, c.vcs.Root(), branch, true)
}

func (c *Controller) finish(log *logging.Logger, batch *Batch, rbErr error) {
	batch.Status = BatchRolledBack
	if rbErr != nil {
		batch.Status = BatchRollbackFailed
		batch.Error = rbErr.Error()
		log.Error("rollback incomplete", "error", rbErr.Error())
	}
	batch.FinishedAt = c.now().UTC()
	if err := c.journal.Save(batch); err != nil {
		log.Warn("failed to update batch journal", "error", err.Error())
	}
}

// Recover rolls back batches left in progress by an invocation that died,
// returning the operation IDs it undid.
func (c *Controller) Recover(ctx context.Context) ([]string, error) {
	pending, err := c.journal.Pending()
	if err != nil {
		return nil, err
	}

	var recovered []string
	var errs []error
	for _, batch := range pending {
		log := c.logger.WithOperation(batch.OperationID)
		log.Warn("rolling back interrupted batch", "members", batch.MemberNames())

		var records []*lifecycle.Record
		for _, name := range batch.MemberNames() {
			if rec, err := c.tracker.Store().Get(name); err == nil && rec.OperationID == batch.OperationID {
				records = append(records, rec)
			}
		}

		count, rbErr := c.rollback(ctx, log, batch, records, errors.New("previous invocation was interrupted"))
		c.finish(log, batch, rbErr)
		if rbErr != nil {
			errs = append(errs, errors.NewBatchError(batch.OperationID, count, rbErr).WithRollbackErr(rbErr))
			continue
		}
		c.publish(event.NewBatchRolledBackEvent(batch.OperationID, batch.MemberNames(), count, "interrupted"))
		recovered = append(recovered, batch.OperationID)
	}
	return recovered, errors.Join(errs...)
}

func (c *Controller) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
