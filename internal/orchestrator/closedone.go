package orchestrator

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/arbor/internal/completion"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/merge"
	"github.com/Iron-Ham/arbor/internal/util"
)

// RunSummary is the structured outcome of one close-done run.
type RunSummary struct {
	DryRun    bool
	Guard     *guard.Report
	Detection *completion.Result
	// Archived names records whose archival was left unfinished by an
	// earlier run and completed now.
	Archived []string
	Results  []lifecycle.MergeResult
}

// Warnings collects guard and detection warnings.
func (s *RunSummary) Warnings() []string {
	var out []string
	if s.Guard != nil {
		out = append(out, s.Guard.Warnings()...)
	}
	if s.Detection != nil {
		out = append(out, s.Detection.Warnings()...)
	}
	return out
}

// Attention returns the results that failed or await manual review.
func (s *RunSummary) Attention() []lifecycle.MergeResult {
	var out []lifecycle.MergeResult
	for _, r := range s.Results {
		if !r.Succeeded() {
			out = append(out, r)
		}
	}
	return out
}

// Err returns ErrNeedsAttention when any record failed, needs manual review
// or had its completion record rejected, and nil otherwise.
func (s *RunSummary) Err() error {
	failed := len(s.Attention())
	rejected := 0
	if s.Detection != nil {
		rejected = len(s.Detection.Rejected)
	}
	if failed == 0 && rejected == 0 {
		return nil
	}
	var parts []string
	if failed > 0 {
		parts = append(parts, util.Plural(failed, "worktree")+" failed or need review")
	}
	if rejected > 0 {
		parts = append(parts, util.Plural(rejected, "completion record")+" rejected")
	}
	return errors.Wrapf(errors.ErrNeedsAttention, "%s", joinParts(parts))
}

func joinParts(parts []string) string {
	if len(parts) == 2 {
		return parts[0] + ", " + parts[1]
	}
	return parts[0]
}

// CloseDone merges every worktree with a valid completion record into its
// base branch, in build order, cleaning up and archiving each one as it
// lands. Per-record failures are reported in the summary; the returned error
// is reserved for conditions that stop the run, such as an index lock held by
// another git process. The summary then holds whatever finished before it.
func (o *Orchestrator) CloseDone(ctx context.Context, opts merge.Options) (*RunSummary, error) {
	summary := &RunSummary{DryRun: opts.DryRun}
	err := o.locked(ctx, func() error {
		report, err := o.guard.Check(ctx, guard.Options{DryRun: opts.DryRun})
		summary.Guard = report
		if err != nil {
			return err
		}

		if !opts.DryRun {
			summary.Results = append(summary.Results, o.finishArchival(opts)...)
			for _, r := range summary.Results {
				if r.Succeeded() {
					summary.Archived = append(summary.Archived, r.WorktreeName)
				}
			}
		}

		detection, err := o.detector.Detect(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan completion records: %w", err)
		}
		summary.Detection = detection

		records := make([]*lifecycle.Record, 0, len(detection.Ready))
		for _, c := range detection.Ready {
			records = append(records, c.Record)
		}
		results, err := o.engine.MergeAll(ctx, records, opts)
		summary.Results = append(summary.Results, results...)
		return err
	})
	if err != nil {
		return summary, err
	}

	attention := summary.Attention()
	o.logger.Info("close-done finished",
		"processed", len(summary.Results),
		"needs_attention", len(attention),
		"dry_run", opts.DryRun)
	return summary, nil
}

// finishArchival completes records a previous run merged but did not
// archive. Their branches are already gone, so only the paperwork remains.
func (o *Orchestrator) finishArchival(opts merge.Options) []lifecycle.MergeResult {
	records, _ := o.store.List()
	lifecycle.SortRecords(records)

	var results []lifecycle.MergeResult
	for _, rec := range records {
		if rec.State != lifecycle.StateMerged || !opts.Selected(rec.Name) {
			continue
		}
		res := lifecycle.MergeResult{WorktreeName: rec.Name}
		if err := o.archiver.Archive(rec, nil); err != nil {
			res.Err = err
			res.Reason = "archival failed: " + util.FirstLine(err.Error())
		} else {
			res.Reason = "archival finished from an earlier run"
		}
		res.State = rec.State
		results = append(results, res)
	}
	return results
}

// Watch runs close-done once, then again whenever completion records
// appear or change, until ctx is canceled. Each run's outcome is passed to
// report; a failed run does not stop the loop.
func (o *Orchestrator) Watch(ctx context.Context, report func(*RunSummary, error)) error {
	w, err := completion.NewWatcher(o.layout.Completions, completion.DefaultDebounce, o.logger)
	if err != nil {
		return err
	}

	run := func() {
		summary, err := o.CloseDone(ctx, merge.Options{})
		if err != nil {
			o.logger.Warn("close-done run failed", "error", err.Error())
		}
		report(summary, err)
	}

	run()
	return w.Run(ctx, func(files []string) error {
		o.logger.Info("completion records changed", "files", len(files))
		run()
		return nil
	})
}
