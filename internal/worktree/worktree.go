package worktree

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// Info describes one entry of "git worktree list --porcelain".
type Info struct {
	Path     string
	Head     string
	Branch   string // short name; empty when detached or bare
	Detached bool
	Bare     bool
	Locked   bool
	Prunable bool
}

// Status is the porcelain status of a working tree.
type Status struct {
	Entries []string
}

// Clean reports whether the working tree has no changes, staged or untracked.
func (s Status) Clean() bool {
	return len(s.Entries) == 0
}

// MergeType classifies how a merge concluded.
type MergeType string

const (
	MergeFastForward MergeType = "fast_forward"
	MergeCommit      MergeType = "merge_commit"
	MergeConflicts   MergeType = "conflicts"
	MergeError       MergeType = "error"
)

// MergeOutcome is what a single "git merge" produced.
type MergeOutcome struct {
	Type      MergeType
	Commit    string
	Conflicts []string
	Output    string
}

// ParseWorktreeList parses porcelain worktree output. Records are separated
// by blank lines; unknown attributes are ignored.
func ParseWorktreeList(output string) []Info {
	var (
		infos   []Info
		current *Info
	)
	flush := func() {
		if current != nil {
			infos = append(infos, *current)
			current = nil
		}
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, _ := strings.Cut(line, " ")

		switch key {
		case "":
			flush()
		case "worktree":
			flush()
			current = &Info{Path: filepath.Clean(value)}
		case "HEAD":
			if current != nil {
				current.Head = value
			}
		case "branch":
			if current != nil {
				current.Branch = strings.TrimPrefix(value, "refs/heads/")
			}
		case "detached":
			if current != nil {
				current.Detached = true
			}
		case "bare":
			if current != nil {
				current.Bare = true
			}
		case "locked":
			if current != nil {
				current.Locked = true
			}
		case "prunable":
			if current != nil {
				current.Prunable = true
			}
		}
	}
	flush()
	return infos
}

// FindByPath returns the worktree registered at path.
func FindByPath(infos []Info, path string) (Info, bool) {
	clean := canonical(path)
	for _, info := range infos {
		if canonical(info.Path) == clean {
			return info, true
		}
	}
	return Info{}, false
}

// FindByBranch returns the worktree that has branch checked out.
func FindByBranch(infos []Info, branch string) (Info, bool) {
	for _, info := range infos {
		if info.Branch == branch {
			return info, true
		}
	}
	return Info{}, false
}

// canonical resolves symlinks so /tmp and /private/tmp style aliases compare equal.
func canonical(path string) string {
	path = filepath.Clean(path)
	if resolved, err := filepath.EvalSymlinks(path); err == nil {
		return resolved
	}
	dir, base := filepath.Split(path)
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		return filepath.Join(resolved, base)
	}
	return path
}

// SamePath reports whether two paths refer to the same location.
func SamePath(a, b string) bool {
	return canonical(a) == canonical(b)
}

// FindGitRoot finds the root of the git repository by traversing up from startDir.
// It returns the directory containing .git (a directory, or a file for worktrees).
func FindGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			if info.IsDir() || info.Mode().IsRegular() {
				return dir, nil
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", errors.ErrNotGitRepository
		}
		dir = parent
	}
}

// Open locates the repository containing dir and returns a CLIGit rooted at
// its main worktree, even when dir is inside a linked worktree.
func Open(ctx context.Context, dir string) (*CLIGit, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	top, err := FindGitRoot(abs)
	if err != nil {
		return nil, errors.Wrapf(err, "%s", abs)
	}

	g := NewCLIGit(top)
	common, err := g.CommonDir(ctx)
	if err != nil {
		return nil, errors.Join(errors.ErrNotGitRepository, err)
	}
	if filepath.Base(common) == ".git" {
		g.root = filepath.Dir(common)
	}
	return g, nil
}

// EnsureExcluded appends patterns missing from <commonDir>/info/exclude so
// orchestrator files never show up as untracked changes in any worktree.
func EnsureExcluded(commonDir string, patterns ...string) error {
	path := filepath.Join(commonDir, "info", "exclude")

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	have := make(map[string]bool)
	for _, line := range strings.Split(string(existing), "\n") {
		have[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, p := range patterns {
		if !have[p] {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var b strings.Builder
	if len(existing) > 0 && !strings.HasSuffix(string(existing), "\n") {
		b.WriteString("\n")
	}
	b.WriteString("# arbor\n")
	for _, p := range missing {
		b.WriteString(p + "\n")
	}
	_, err = f.WriteString(b.String())
	return err
}
