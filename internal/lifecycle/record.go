// Package lifecycle models the worktree records arbor tracks between
// invocations: their states, the legal transitions between them, and the
// JSON store that caches them under .arbor/records.
//
// git is authoritative for whether a worktree or branch exists and the
// completion record is authoritative for intent. The store is a cache used
// for ordering, reporting and retry bookkeeping; it never overrides git.
package lifecycle

import (
	"time"

	"github.com/Iron-Ham/arbor/internal/worktree"
)

// State is a worktree record's lifecycle state.
type State string

const (
	StateStaged         State = "staged"
	StateBuilding       State = "building"
	StateActive         State = "active"
	StateCompleted      State = "completed"
	StateMerging        State = "merging"
	StateMerged         State = "merged"
	StateConflictManual State = "conflict_manual"
	StateFailed         State = "failed"
	StateArchived       State = "archived"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StateStaged, StateBuilding, StateActive, StateCompleted, StateMerging,
	StateMerged, StateConflictManual, StateFailed, StateArchived,
}

// NeedsAttention reports whether the state requires operator action or a retry.
func (s State) NeedsAttention() bool {
	return s == StateConflictManual || s == StateFailed
}

// Record is the orchestrator's view of one feature worktree.
type Record struct {
	Name        string `json:"name"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
	Path        string `json:"path"`
	State       State  `json:"state"`
	Sequence    int    `json:"sequence"`
	Description string `json:"description,omitempty"`

	// Set from the completion record.
	Summary         string   `json:"summary,omitempty"`
	Notes           string   `json:"notes,omitempty"`
	CompletionFiles []string `json:"completion_files,omitempty"`

	OperationID       string    `json:"operation_id,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	ConflictWorkspace string    `json:"conflict_workspace,omitempty"`
	Backups           []string  `json:"backups,omitempty"`
	ArchivePath       string    `json:"archive_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	CompletedAt       time.Time `json:"completed_at,omitzero"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Intent is the text describing what the feature set out to do, assembled
// from the staged description and the completion summary.
func (r *Record) Intent() string {
	switch {
	case r.Description != "" && r.Summary != "":
		return r.Description + "\n\n" + r.Summary
	case r.Summary != "":
		return r.Summary
	default:
		return r.Description
	}
}

// MergeResult is the immutable outcome of processing one record in a
// close-done run.
type MergeResult struct {
	WorktreeName    string             `json:"worktree_name"`
	MergeType       worktree.MergeType `json:"merge_type"`
	ConflictedFiles []string           `json:"conflicted_files,omitempty"`
	CommitHash      string             `json:"commit_hash,omitempty"`
	// Commits lists "<short-sha> <subject>" for the commits the merge brought in.
	Commits []string `json:"commits,omitempty"`

	// Trivial is set when the branch had no unique commits and no merge ran.
	Trivial bool `json:"trivial,omitempty"`
	// Resolved is set when conflicts were resolved by the agent and verified.
	Resolved bool `json:"resolved,omitempty"`
	// DryRun results describe what would happen; nothing was changed.
	DryRun bool `json:"dry_run,omitempty"`

	// State is the record's state when processing stopped.
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
	Output string `json:"output,omitempty"`
	Err    error  `json:"-"`
}

// Succeeded reports whether the record was merged and cleaned up.
func (r MergeResult) Succeeded() bool {
	return r.Err == nil && (r.State == StateMerged || r.State == StateArchived || r.DryRun)
}
