// Package worktree is arbor's only window onto git. Every repository query
// and mutation goes through the git CLI via a CommandExecutor, and every
// failure carries the raw git output in an errors.GitError.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// -----------------------------------------------------------------------------
// Command Executor
// -----------------------------------------------------------------------------

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Run executes a command and returns combined stdout and stderr.
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)

	// Output executes a command and returns stdout only. Stderr is folded
	// into the returned error.
	Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct {
	// Env is appended to the inherited environment.
	Env []string
}

// NewCLICommandExecutor creates a new CLI command executor.
func NewCLICommandExecutor() *CLICommandExecutor {
	return &CLICommandExecutor{
		// Never open an editor for merge messages.
		Env: []string{"GIT_MERGE_AUTOEDIT=no", "GIT_TERMINAL_PROMPT=0"},
	}
}

func (e *CLICommandExecutor) command(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	return cmd
}

// Run executes a command and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	return e.command(ctx, dir, name, args...).CombinedOutput()
}

// Output executes a command and returns stdout.
func (e *CLICommandExecutor) Output(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := e.command(ctx, dir, name, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil && stderr.Len() > 0 {
		err = fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, err
}

// exitCode extracts a process exit code, or -1 if err did not come from an
// exited process.
func exitCode(err error) int {
	var coder interface{ ExitCode() int }
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return -1
}

// -----------------------------------------------------------------------------
// CLIGit
// -----------------------------------------------------------------------------

// CLIGit implements VCS with the git command line.
type CLIGit struct {
	root     string
	executor CommandExecutor
}

// NewCLIGit creates a CLIGit for the repository whose main worktree is root.
func NewCLIGit(root string) *CLIGit {
	return &CLIGit{root: root, executor: NewCLICommandExecutor()}
}

// NewCLIGitWithExecutor creates a CLIGit with a custom executor.
// This is primarily useful for testing.
func NewCLIGitWithExecutor(root string, executor CommandExecutor) *CLIGit {
	return &CLIGit{root: root, executor: executor}
}

// Root returns the main worktree path.
func (g *CLIGit) Root() string {
	return g.root
}

func (g *CLIGit) git(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if dir == "" {
		dir = g.root
	}
	return g.executor.Run(ctx, dir, "git", args...)
}

func (g *CLIGit) gitOut(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = g.root
	}
	out, err := g.executor.Output(ctx, dir, "git", args...)
	return strings.TrimSpace(string(out)), err
}

// -----------------------------------------------------------------------------
// Worktrees
// -----------------------------------------------------------------------------

// AddWorktree creates a worktree at path.
func (g *CLIGit) AddWorktree(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add"}
	if base != "" {
		args = append(args, "-b", branch, path, base)
	} else {
		args = append(args, path, branch)
	}

	output, err := g.git(ctx, "", args...)
	if err != nil {
		return errors.NewGitError("failed to add worktree", err).
			WithBranch(branch).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// RemoveWorktree removes the worktree at path.
func (g *CLIGit) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)

	output, err := g.git(ctx, "", args...)
	if err != nil {
		return errors.NewGitError("failed to remove worktree", err).
			WithWorktree(path).
			WithGitOutput(string(output))
	}
	return nil
}

// ListWorktrees parses "git worktree list --porcelain".
func (g *CLIGit) ListWorktrees(ctx context.Context) ([]Info, error) {
	output, err := g.git(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, errors.NewGitError("failed to list worktrees", err).
			WithRepository(g.root).
			WithGitOutput(string(output))
	}
	return ParseWorktreeList(string(output)), nil
}

// Prune runs "git worktree prune".
func (g *CLIGit) Prune(ctx context.Context) error {
	output, err := g.git(ctx, "", "worktree", "prune")
	if err != nil {
		return errors.NewGitError("failed to prune worktrees", err).
			WithRepository(g.root).
			WithGitOutput(string(output))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Branches
// -----------------------------------------------------------------------------

// CreateBranch creates name at base unless it already exists.
func (g *CLIGit) CreateBranch(ctx context.Context, name, base string) (bool, error) {
	exists, err := g.BranchExists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	output, err := g.git(ctx, "", "branch", name, base)
	if err != nil {
		return false, errors.NewGitError("failed to create branch", err).
			WithBranch(name).
			WithGitOutput(string(output))
	}
	return true, nil
}

// BranchExists reports whether refs/heads/name exists.
func (g *CLIGit) BranchExists(ctx context.Context, name string) (bool, error) {
	output, err := g.git(ctx, "", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, errors.NewGitError("failed to check branch", err).
		WithBranch(name).
		WithGitOutput(string(output))
}

// ListBranches returns all local branch names.
func (g *CLIGit) ListBranches(ctx context.Context) ([]string, error) {
	out, err := g.gitOut(ctx, "", "for-each-ref", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return nil, errors.NewGitError("failed to list branches", err).WithRepository(g.root)
	}
	return splitLines(out), nil
}

// DeleteBranch deletes name from dir.
func (g *CLIGit) DeleteBranch(ctx context.Context, dir, name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	output, err := g.git(ctx, dir, "branch", flag, name)
	if err != nil {
		return errors.NewGitError("failed to delete branch", err).
			WithBranch(name).
			WithWorktree(dir).
			WithGitOutput(string(output))
	}
	return nil
}

// RevParse resolves ref to a full commit hash.
func (g *CLIGit) RevParse(ctx context.Context, dir, ref string) (string, error) {
	out, err := g.gitOut(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", errors.NewGitError("failed to resolve ref", err).
			WithBranch(ref).
			WithWorktree(dir)
	}
	return out, nil
}

// IsAncestor reports whether ancestor is reachable from descendant.
func (g *CLIGit) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	output, err := g.git(ctx, "", "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, errors.NewGitError("failed to check ancestry", err).
		WithBranch(ancestor + ".." + descendant).
		WithGitOutput(string(output))
}

// UniqueCommits counts base..branch.
func (g *CLIGit) UniqueCommits(ctx context.Context, base, branch string) (int, error) {
	out, err := g.gitOut(ctx, "", "rev-list", "--count", base+".."+branch)
	if err != nil {
		return 0, errors.NewGitError("failed to count commits", err).
			WithBranch(base + ".." + branch)
	}
	n, err := strconv.Atoi(out)
	if err != nil {
		return 0, errors.NewGitError("failed to parse commit count", err).
			WithBranch(base + ".." + branch).
			WithGitOutput(out)
	}
	return n, nil
}

// CommitSubjects lists base..branch as "<short-sha> <subject>".
func (g *CLIGit) CommitSubjects(ctx context.Context, base, branch string) ([]string, error) {
	out, err := g.gitOut(ctx, "", "log", "--reverse", "--format=%h %s", base+".."+branch)
	if err != nil {
		return nil, errors.NewGitError("failed to read commit log", err).
			WithBranch(base + ".." + branch)
	}
	return splitLines(out), nil
}

// MainBranch returns the repository's primary branch.
func (g *CLIGit) MainBranch(ctx context.Context) string {
	for _, candidate := range []string{"main", "master"} {
		if ok, err := g.BranchExists(ctx, candidate); err == nil && ok {
			return candidate
		}
	}
	if out, err := g.gitOut(ctx, "", "symbolic-ref", "--short", "HEAD"); err == nil && out != "" {
		return out
	}
	return "main"
}

// -----------------------------------------------------------------------------
// Merging
// -----------------------------------------------------------------------------

// Merge merges branch into the branch checked out in dir.
// Conflicts are reported through the outcome, not the error: the error is
// reserved for merges that failed without leaving conflicts behind.
func (g *CLIGit) Merge(ctx context.Context, dir, branch string) (MergeOutcome, error) {
	tip, err := g.RevParse(ctx, "", branch)
	if err != nil {
		return MergeOutcome{Type: MergeError}, err
	}
	before, err := g.RevParse(ctx, dir, "HEAD")
	if err != nil {
		return MergeOutcome{Type: MergeError}, err
	}

	output, mergeErr := g.git(ctx, dir, "merge", "--no-edit", branch)
	outcome := MergeOutcome{Output: strings.TrimSpace(string(output))}

	if mergeErr != nil {
		files, err := g.ConflictedFiles(ctx, dir)
		if err == nil && len(files) > 0 {
			outcome.Type = MergeConflicts
			outcome.Conflicts = files
			return outcome, nil
		}
		outcome.Type = MergeError
		return outcome, errors.NewGitError("merge failed", mergeErr).
			WithBranch(branch).
			WithWorktree(dir).
			WithGitOutput(string(output))
	}

	head, err := g.RevParse(ctx, dir, "HEAD")
	if err != nil {
		outcome.Type = MergeError
		return outcome, err
	}
	outcome.Commit = head
	if head == tip || head == before {
		// head == before means the branch was already contained.
		outcome.Type = MergeFastForward
	} else {
		outcome.Type = MergeCommit
	}
	return outcome, nil
}

// ConflictedFiles lists unmerged paths in dir.
func (g *CLIGit) ConflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := g.gitOut(ctx, dir, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, errors.NewGitError("failed to list conflicted files", err).WithWorktree(dir)
	}
	return splitLines(out), nil
}

// ShowStage returns the content of file at the given index stage.
func (g *CLIGit) ShowStage(ctx context.Context, dir string, stage int, file string) ([]byte, error) {
	out, err := g.executor.Output(ctx, dir, "git", "show", fmt.Sprintf(":%d:%s", stage, file))
	if err != nil {
		return nil, errors.NewGitError(fmt.Sprintf("failed to read stage %d of %s", stage, file), err).
			WithWorktree(dir)
	}
	return out, nil
}

// Add stages files in dir.
func (g *CLIGit) Add(ctx context.Context, dir string, files ...string) error {
	args := append([]string{"add", "--"}, files...)
	output, err := g.git(ctx, dir, args...)
	if err != nil {
		return errors.NewGitError("failed to stage files", err).
			WithWorktree(dir).
			WithGitOutput(string(output))
	}
	return nil
}

// CommitMerge concludes an in-progress merge with the prepared message and
// returns the new HEAD.
func (g *CLIGit) CommitMerge(ctx context.Context, dir string) (string, error) {
	output, err := g.git(ctx, dir, "commit", "--no-edit")
	if err != nil {
		return "", errors.NewGitError("failed to commit merge", err).
			WithWorktree(dir).
			WithGitOutput(string(output))
	}
	return g.RevParse(ctx, dir, "HEAD")
}

// AbortMerge restores dir to its pre-merge state.
func (g *CLIGit) AbortMerge(ctx context.Context, dir string) error {
	output, err := g.git(ctx, dir, "merge", "--abort")
	if err != nil {
		return errors.NewGitError("failed to abort merge", err).
			WithWorktree(dir).
			WithGitOutput(string(output))
	}
	return nil
}

// MergeInProgress reports whether dir has MERGE_HEAD set.
func (g *CLIGit) MergeInProgress(ctx context.Context, dir string) (bool, error) {
	output, err := g.git(ctx, dir, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	if err == nil {
		return true, nil
	}
	if exitCode(err) == 1 {
		return false, nil
	}
	return false, errors.NewGitError("failed to inspect merge state", err).
		WithWorktree(dir).
		WithGitOutput(string(output))
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// Status runs "git status --porcelain" in dir.
func (g *CLIGit) Status(ctx context.Context, dir string) (Status, error) {
	out, err := g.gitOut(ctx, dir, "status", "--porcelain")
	if err != nil {
		return Status{}, errors.NewGitError("failed to check git status", err).WithWorktree(dir)
	}
	return Status{Entries: splitLines(out)}, nil
}

// CommonDir returns the absolute shared git directory.
func (g *CLIGit) CommonDir(ctx context.Context) (string, error) {
	out, err := g.gitOut(ctx, "", "rev-parse", "--git-common-dir")
	if err != nil {
		return "", errors.NewGitError("failed to locate git directory", err).WithRepository(g.root)
	}
	if !filepath.IsAbs(out) {
		out = filepath.Join(g.root, out)
	}
	return filepath.Clean(out), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimRight(line, "\r"); strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
