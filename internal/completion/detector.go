package completion

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// VCS is the subset of version control the detector needs.
type VCS interface {
	ListWorktrees(ctx context.Context) ([]worktree.Info, error)
	BranchExists(ctx context.Context, name string) (bool, error)
}

// Rejected is a completion record that failed validation.
type Rejected struct {
	File string
	Err  error
}

// Stale is a valid completion record whose worktree or branch is gone.
type Stale struct {
	Name   string
	File   string
	Reason string
}

// Duplicate reports several records for one worktree; only Kept is used.
type Duplicate struct {
	Name      string
	Kept      string
	Discarded []string
}

// Candidate pairs a lifecycle record with the completion record that
// signalled it is ready to merge.
type Candidate struct {
	Record     *lifecycle.Record
	Completion *Record
}

// Result is the outcome of one scan.
type Result struct {
	Ready      []Candidate
	Rejected   []Rejected
	Stale      []Stale
	Duplicates []Duplicate
}

// Warnings returns one line per problem found during the scan.
func (r *Result) Warnings() []string {
	var out []string
	for _, rej := range r.Rejected {
		out = append(out, fmt.Sprintf("rejected %s: %v", filepath.Base(rej.File), rej.Err))
	}
	for _, s := range r.Stale {
		out = append(out, fmt.Sprintf("stale completion for %s (%s): %s", s.Name, filepath.Base(s.File), s.Reason))
	}
	for _, d := range r.Duplicates {
		discarded := make([]string, 0, len(d.Discarded))
		for _, f := range d.Discarded {
			discarded = append(discarded, filepath.Base(f))
		}
		out = append(out, fmt.Sprintf("duplicate completions for %s: using %s, discarded %s",
			d.Name, filepath.Base(d.Kept), strings.Join(discarded, ", ")))
	}
	return out
}

// Detector scans the completion directory.
type Detector struct {
	vcs    VCS
	dir    string
	store  *lifecycle.Store
	logger *logging.Logger
}

// NewDetector creates a Detector reading records from dir.
func NewDetector(vcs VCS, dir string, store *lifecycle.Store, logger *logging.Logger) *Detector {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Detector{vcs: vcs, dir: dir, store: store, logger: logger.WithPhase("detect")}
}

// Dir returns the directory being scanned.
func (d *Detector) Dir() string {
	return d.dir
}

// Detect reads every completion record and returns the features ready to
// merge, ordered by build sequence then name. It changes nothing: records
// in Ready are copies carrying the completion's data.
func (d *Detector) Detect(ctx context.Context) (*Result, error) {
	result := &Result{}

	files, err := filepath.Glob(filepath.Join(d.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	slices.Sort(files)
	if len(files) == 0 {
		return result, nil
	}

	byName := make(map[string][]*Record)
	var names []string
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			result.Rejected = append(result.Rejected, Rejected{File: file, Err: err})
			continue
		}
		rec, err := Parse(file, data)
		if err != nil {
			d.logger.Warn("rejected completion record", "file", file, "error", err.Error())
			result.Rejected = append(result.Rejected, Rejected{File: file, Err: err})
			continue
		}
		if _, ok := byName[rec.WorktreeName]; !ok {
			names = append(names, rec.WorktreeName)
		}
		byName[rec.WorktreeName] = append(byName[rec.WorktreeName], rec)
	}

	latest := make(map[string]*Record, len(names))
	for _, name := range names {
		recs := byName[name]
		kept := recs[0]
		for _, r := range recs[1:] {
			if r.CompletedAt.After(kept.CompletedAt) || (r.CompletedAt.Equal(kept.CompletedAt) && r.File > kept.File) {
				kept = r
			}
		}
		latest[name] = kept
		if len(recs) > 1 {
			dup := Duplicate{Name: name, Kept: kept.File}
			for _, r := range recs {
				if r != kept {
					dup.Discarded = append(dup.Discarded, r.File)
				}
			}
			d.logger.Warn("duplicate completion records", "worktree", name, "kept", kept.File, "discarded", dup.Discarded)
			result.Duplicates = append(result.Duplicates, dup)
		}
	}

	// Two names claiming one branch would merge the same work twice.
	claims := make(map[string][]string)
	for _, name := range names {
		claims[latest[name].Branch] = append(claims[latest[name].Branch], name)
	}

	infos, err := d.vcs.ListWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		comp := latest[name]
		if owners := claims[comp.Branch]; len(owners) > 1 {
			result.Rejected = append(result.Rejected, Rejected{
				File: comp.File,
				Err: errors.NewCompletionRecordError(filepath.Base(comp.File),
					fmt.Sprintf("branch %s is claimed by %s", comp.Branch, strings.Join(owners, ", "))).WithField("branch"),
			})
			continue
		}

		rec, err := d.store.Get(name)
		if err != nil && !errors.Is(err, &errors.NotFoundError{}) {
			return nil, err
		}
		if rec != nil && rec.Branch != "" && rec.Branch != comp.Branch {
			result.Rejected = append(result.Rejected, Rejected{
				File: comp.File,
				Err: errors.NewCompletionRecordError(filepath.Base(comp.File),
					fmt.Sprintf("branch %s does not match %s recorded at build time", comp.Branch, rec.Branch)).WithField("branch"),
			})
			continue
		}

		if reason, err := d.staleness(ctx, infos, comp, rec); err != nil {
			return nil, err
		} else if reason != "" {
			d.logger.Warn("stale completion record", "worktree", name, "file", comp.File, "reason", reason)
			result.Stale = append(result.Stale, Stale{Name: name, File: comp.File, Reason: reason})
			continue
		}

		result.Ready = append(result.Ready, Candidate{
			Record:     candidateRecord(rec, comp, infos, byName[name]),
			Completion: comp,
		})
	}

	slices.SortFunc(result.Ready, func(a, b Candidate) int {
		return lifecycle.CompareOrder(a.Record.Sequence, a.Record.Name, b.Record.Sequence, b.Record.Name)
	})
	return result, nil
}

// staleness returns why comp can no longer be merged, or "" when it can.
func (d *Detector) staleness(ctx context.Context, infos []worktree.Info, comp *Record, rec *lifecycle.Record) (string, error) {
	if rec != nil {
		switch rec.State {
		case lifecycle.StateStaged, lifecycle.StateBuilding:
			return fmt.Sprintf("worktree was never built (record is %s)", rec.State), nil
		case lifecycle.StateArchived:
			return "worktree was already merged and archived", nil
		}
	}

	info, ok := worktree.FindByBranch(infos, comp.Branch)
	if !ok {
		return fmt.Sprintf("no worktree has %s checked out", comp.Branch), nil
	}
	if info.Prunable {
		return fmt.Sprintf("worktree %s is missing on disk", info.Path), nil
	}

	for _, branch := range []string{comp.Branch, comp.BaseBranch} {
		exists, err := d.vcs.BranchExists(ctx, branch)
		if err != nil {
			return "", err
		}
		if !exists {
			return fmt.Sprintf("branch %s does not exist", branch), nil
		}
	}
	return "", nil
}

// candidateRecord merges the completion's data into a copy of the stored
// record, or synthesizes one for a worktree arbor did not build itself.
func candidateRecord(stored *lifecycle.Record, comp *Record, infos []worktree.Info, all []*Record) *lifecycle.Record {
	var rec lifecycle.Record
	if stored != nil {
		rec = *stored
	} else {
		rec = lifecycle.Record{
			Name:      comp.WorktreeName,
			State:     lifecycle.StateActive,
			CreatedAt: comp.CompletedAt,
		}
		if info, ok := worktree.FindByBranch(infos, comp.Branch); ok {
			rec.Path = info.Path
		}
	}

	rec.Branch = comp.Branch
	rec.BaseBranch = comp.BaseBranch
	rec.CompletedAt = comp.CompletedAt
	if comp.Description != "" {
		rec.Description = comp.Description
	}
	rec.Summary = comp.Summary
	rec.Notes = comp.Notes

	rec.CompletionFiles = nil
	for _, r := range all {
		rec.CompletionFiles = append(rec.CompletionFiles, r.File)
	}
	return &rec
}
