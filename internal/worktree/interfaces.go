package worktree

import "context"

// WorktreeOps manages the set of worktrees attached to the repository.
type WorktreeOps interface {
	// AddWorktree creates a worktree at path. With a non-empty base a new
	// branch is created from base; otherwise the existing branch is checked out.
	AddWorktree(ctx context.Context, path, branch, base string) error

	// RemoveWorktree unregisters and deletes the worktree at path.
	RemoveWorktree(ctx context.Context, path string, force bool) error

	// ListWorktrees returns every registered worktree, the main one first.
	ListWorktrees(ctx context.Context) ([]Info, error)

	// Prune drops registrations whose directories no longer exist.
	Prune(ctx context.Context) error
}

// BranchOps manages branches and answers ancestry questions.
type BranchOps interface {
	// CreateBranch creates name at base. It reports false without error if
	// the branch already exists.
	CreateBranch(ctx context.Context, name, base string) (bool, error)
	BranchExists(ctx context.Context, name string) (bool, error)
	ListBranches(ctx context.Context) ([]string, error)

	// DeleteBranch runs "branch -d" (or -D when force) from dir, so the safe
	// delete is judged against dir's HEAD.
	DeleteBranch(ctx context.Context, dir, name string, force bool) error

	RevParse(ctx context.Context, dir, ref string) (string, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)

	// UniqueCommits counts commits reachable from branch but not from base.
	UniqueCommits(ctx context.Context, base, branch string) (int, error)

	// CommitSubjects lists "<short-sha> <subject>" for base..branch, oldest first.
	CommitSubjects(ctx context.Context, base, branch string) ([]string, error)

	// MainBranch returns main, master, or the branch checked out in the main worktree.
	MainBranch(ctx context.Context) string
}

// MergeOps drives merges inside a specific worktree directory.
type MergeOps interface {
	Merge(ctx context.Context, dir, branch string) (MergeOutcome, error)
	ConflictedFiles(ctx context.Context, dir string) ([]string, error)

	// ShowStage returns the index stage content of file: 1 base, 2 ours, 3 theirs.
	ShowStage(ctx context.Context, dir string, stage int, file string) ([]byte, error)

	Add(ctx context.Context, dir string, files ...string) error
	CommitMerge(ctx context.Context, dir string) (string, error)
	AbortMerge(ctx context.Context, dir string) error
	MergeInProgress(ctx context.Context, dir string) (bool, error)
}

// StatusOps inspects working tree state.
type StatusOps interface {
	Status(ctx context.Context, dir string) (Status, error)

	// CommonDir is the absolute git directory shared by all worktrees.
	CommonDir(ctx context.Context) (string, error)

	// Root is the main worktree of the repository.
	Root() string
}

// VCS is everything the orchestrator needs from version control. Repository
// state is only ever read or changed through this interface.
type VCS interface {
	WorktreeOps
	BranchOps
	MergeOps
	StatusOps
}

var (
	_ WorktreeOps = (*CLIGit)(nil)
	_ BranchOps   = (*CLIGit)(nil)
	_ MergeOps    = (*CLIGit)(nil)
	_ StatusOps   = (*CLIGit)(nil)
	_ VCS         = (*CLIGit)(nil)
)
