package orchestrator

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/arbor/internal/build"
	"github.com/Iron-Ham/arbor/internal/completion"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// Stage records a feature request for the next build. A name that already
// has a live worktree record is refused.
func (o *Orchestrator) Stage(ctx context.Context, name, description string) (stage.Feature, error) {
	var feature stage.Feature
	err := o.locked(ctx, func() error {
		if rec, err := o.store.Get(name); err == nil && rec.State != lifecycle.StateArchived && rec.State != lifecycle.StateStaged {
			return errors.NewAlreadyExistsError("worktree record", name)
		}
		var err error
		feature, err = o.registry.Stage(name, description)
		return err
	})
	if err == nil {
		o.logger.Info("feature staged", "worktree", feature.Name)
	}
	return feature, err
}

// Unstage drops a staged feature before it is built.
func (o *Orchestrator) Unstage(ctx context.Context, name string) error {
	return o.locked(ctx, func() error {
		if err := o.registry.Remove(name); err != nil {
			return err
		}
		o.logger.Info("feature unstaged", "worktree", name)
		return nil
	})
}

// Build creates worktrees for every staged feature as one batch.
func (o *Orchestrator) Build(ctx context.Context, opts build.Options) (*build.Result, error) {
	var result *build.Result
	err := o.locked(ctx, func() error {
		features, err := o.registry.List()
		if err != nil {
			return err
		}
		result, err = o.builder.Build(ctx, features, opts)
		return err
	})
	return result, err
}

// Guard runs the lock and state guard on its own.
func (o *Orchestrator) Guard(ctx context.Context, dryRun bool) (*guard.Report, error) {
	var report *guard.Report
	err := o.locked(ctx, func() error {
		var err error
		report, err = o.guard.Check(ctx, guard.Options{DryRun: dryRun})
		return err
	})
	return report, err
}

// CompleteOptions carries the optional text of a completion record.
type CompleteOptions struct {
	Summary string
	Notes   string
}

// Complete writes a completion record for an active worktree and marks it
// completed. Records that failed or await manual review may be signalled
// again once the operator has dealt with them.
func (o *Orchestrator) Complete(ctx context.Context, name string, opts CompleteOptions) (string, error) {
	var path string
	err := o.locked(ctx, func() error {
		rec, err := o.store.Get(name)
		if err != nil {
			return err
		}
		switch rec.State {
		case lifecycle.StateActive, lifecycle.StateCompleted, lifecycle.StateFailed, lifecycle.StateConflictManual:
		default:
			return errors.NewValidationError(fmt.Sprintf("worktree %s is %s and cannot be completed", name, rec.State)).
				WithField("state").WithValue(string(rec.State))
		}

		path, err = completion.Write(o.layout.Completions, &completion.Record{
			WorktreeName: rec.Name,
			Branch:       rec.Branch,
			BaseBranch:   rec.BaseBranch,
			Description:  rec.Description,
			Summary:      opts.Summary,
			Notes:        opts.Notes,
		})
		if err != nil {
			return err
		}

		if rec.State == lifecycle.StateActive {
			rec.Summary = opts.Summary
			rec.Notes = opts.Notes
			if err := o.tracker.Advance(rec, lifecycle.EventComplete, ""); err != nil {
				return err
			}
		}
		o.logger.Info("completion recorded", "worktree", name, "file", path)
		return nil
	})
	return path, err
}

// StatusReport is the current view of staged features and worktree records.
type StatusReport struct {
	Staged  []stage.Feature
	Records []*lifecycle.Record
	// Missing names live records whose worktree git no longer lists.
	Missing  map[string]bool
	Warnings []string
}

// Live returns records that are not archived.
func (r *StatusReport) Live() []*lifecycle.Record {
	var out []*lifecycle.Record
	for _, rec := range r.Records {
		if rec.State != lifecycle.StateArchived {
			out = append(out, rec)
		}
	}
	return out
}

// Status reads staged features and records and checks live records against
// git. It takes no lock and changes nothing.
func (o *Orchestrator) Status(ctx context.Context) (*StatusReport, error) {
	report := &StatusReport{Missing: make(map[string]bool)}

	staged, err := o.registry.List()
	if err != nil {
		return nil, err
	}
	report.Staged = staged

	records, loadErrs := o.store.List()
	for _, err := range loadErrs {
		report.Warnings = append(report.Warnings, err.Error())
	}
	lifecycle.SortRecords(records)
	report.Records = records

	infos, err := o.vcs.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		switch rec.State {
		case lifecycle.StateActive, lifecycle.StateCompleted, lifecycle.StateMerging,
			lifecycle.StateConflictManual, lifecycle.StateFailed:
		default:
			continue
		}
		info, ok := worktree.FindByPath(infos, rec.Path)
		if !ok || info.Prunable {
			report.Missing[rec.Name] = true
			report.Warnings = append(report.Warnings, fmt.Sprintf("%s: worktree %s is not registered with git", rec.Name, rec.Path))
		}
	}
	return report, nil
}
