// Package testutil provides real-git fixtures for arbor tests.
package testutil

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// SetupTestRepo creates a temporary git repository on branch main with one
// commit. The returned path has symlinks resolved so it compares equal to
// paths reported by git.
func SetupTestRepo(t *testing.T) string {
	t.Helper()

	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("failed to resolve temp dir: %v", err)
	}

	RunGit(t, dir, "init")
	RunGit(t, dir, "config", "user.email", "test@arbor.dev")
	RunGit(t, dir, "config", "user.name", "Arbor Test")
	RunGit(t, dir, "config", "commit.gpgsign", "false")

	WriteFile(t, dir, "README.md", "# Test Repository\n")
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Initial commit")
	RunGit(t, dir, "branch", "-M", "main")

	return dir
}

// SetupTestRepoWithContent creates a test repository and commits files
// (relative path to content) on top of the initial commit.
func SetupTestRepoWithContent(t *testing.T, files map[string]string) string {
	t.Helper()

	dir := SetupTestRepo(t)
	for path, content := range files {
		WriteFile(t, dir, path, content)
	}
	RunGit(t, dir, "add", ".")
	RunGit(t, dir, "commit", "-m", "Add test files")
	return dir
}

// WriteFile writes content to dir/path, creating parent directories.
func WriteFile(t *testing.T, dir, path, content string) {
	t.Helper()

	full := filepath.Join(dir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		t.Fatalf("failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write file %s: %v", path, err)
	}
}

// CommitFile creates or updates a file in dir and commits it.
func CommitFile(t *testing.T, dir, path, content, message string) {
	t.Helper()

	WriteFile(t, dir, path, content)
	RunGit(t, dir, "add", path)
	RunGit(t, dir, "commit", "-m", message)
}

// CreateBranch creates a new branch at HEAD.
func CreateBranch(t *testing.T, dir, branch string) {
	t.Helper()
	RunGit(t, dir, "branch", branch)
}

// CheckoutBranch switches to a branch.
func CheckoutBranch(t *testing.T, dir, branch string) {
	t.Helper()
	RunGit(t, dir, "checkout", branch)
}

// GetCurrentBranch returns the branch checked out in dir.
func GetCurrentBranch(t *testing.T, dir string) string {
	t.Helper()
	return RunGit(t, dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// RevParse resolves ref in dir.
func RevParse(t *testing.T, dir, ref string) string {
	t.Helper()
	return RunGit(t, dir, "rev-parse", ref)
}

// BranchExists reports whether a local branch exists.
func BranchExists(t *testing.T, dir, branch string) bool {
	t.Helper()

	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = dir
	return cmd.Run() == nil
}

// ListBranches returns all local branch names.
func ListBranches(t *testing.T, dir string) []string {
	t.Helper()
	return splitLines(RunGit(t, dir, "for-each-ref", "--format=%(refname:short)", "refs/heads/"))
}

// ListWorktrees returns the paths of all registered worktrees.
func ListWorktrees(t *testing.T, dir string) []string {
	t.Helper()

	var worktrees []string
	for _, line := range splitLines(RunGit(t, dir, "worktree", "list", "--porcelain")) {
		if path, ok := strings.CutPrefix(line, "worktree "); ok {
			worktrees = append(worktrees, path)
		}
	}
	return worktrees
}

// HasUncommittedChanges reports whether dir has any porcelain status entries.
func HasUncommittedChanges(t *testing.T, dir string) bool {
	t.Helper()
	return RunGit(t, dir, "status", "--porcelain") != ""
}

// SkipIfNoGit skips the test if git is not installed.
func SkipIfNoGit(t *testing.T) {
	t.Helper()

	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not found in PATH, skipping test")
	}
}

// RunGit runs git in dir, failing the test on error, and returns trimmed stdout.
func RunGit(t *testing.T, dir string, args ...string) string {
	t.Helper()

	out, err := gitCommand(dir, args...)
	if err != nil {
		t.Fatalf("%v", err)
	}
	return out
}

// TryGit runs git in dir and returns its combined output and error.
func TryGit(dir string, args ...string) (string, error) {
	return gitCommand(dir, args...)
}

func gitCommand(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Arbor Test",
		"GIT_AUTHOR_EMAIL=test@arbor.dev",
		"GIT_COMMITTER_NAME=Arbor Test",
		"GIT_COMMITTER_EMAIL=test@arbor.dev",
		"GIT_MERGE_AUTOEDIT=no",
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return strings.TrimSpace(string(output)), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, output)
	}
	return strings.TrimSpace(string(output)), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
