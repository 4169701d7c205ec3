// Package vcsfake is an in-memory worktree.VCS for unit tests. It models
// commits, branches, worktrees and three-way merges closely enough to
// exercise orchestration logic without a git binary. Worktree directories
// are created on disk, and conflicted files are written there with markers
// so resolution code can read and rewrite them.
package vcsfake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

type commit struct {
	id      string
	seq     int
	parents []string
	subject string
	files   map[string]string
}

type tree struct {
	path   string
	branch string
	head   string // set when detached
}

type mergeState struct {
	theirs    string
	unmerged  []string
	stages    map[string][3]string
	merged    map[string]string
	conflicts []string
}

// Fake implements worktree.VCS.
type Fake struct {
	mu sync.Mutex

	root    string
	commits map[string]*commit
	order   int

	branches  map[string]string
	worktrees []*tree
	merging   map[string]*mergeState
	dirty     map[string][]string
	failures  map[string]error

	// Calls records every operation as "Op arg".
	Calls []string
}

var _ worktree.VCS = (*Fake)(nil)

// New creates a repository at root with one commit on main, checked out in
// the main worktree.
func New(root string) *Fake {
	f := &Fake{
		root:     root,
		commits:  make(map[string]*commit),
		branches: make(map[string]string),
		merging:  make(map[string]*mergeState),
		dirty:    make(map[string][]string),
		failures: make(map[string]error),
	}
	id := f.newCommit(nil, "Initial commit", map[string]string{"README.md": "# Test\n"})
	f.branches["main"] = id
	f.worktrees = append(f.worktrees, &tree{path: filepath.Clean(root), branch: "main"})
	return f
}

func (f *Fake) newCommit(parents []string, subject string, files map[string]string) string {
	f.order++
	id := fmt.Sprintf("%040x", f.order)
	f.commits[id] = &commit{id: id, seq: f.order, parents: parents, subject: subject, files: files}
	return id
}

// -----------------------------------------------------------------------------
// Test helpers
// -----------------------------------------------------------------------------

// Commit adds a commit on branch that overlays files, returning its id.
func (f *Fake) Commit(branch, subject string, files map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	parent := f.branches[branch]
	merged := make(map[string]string)
	if c, ok := f.commits[parent]; ok {
		for k, v := range c.files {
			merged[k] = v
		}
	}
	for k, v := range files {
		merged[k] = v
	}
	var parents []string
	if parent != "" {
		parents = []string{parent}
	}
	id := f.newCommit(parents, subject, merged)
	f.branches[branch] = id
	return id
}

// SetBranch points branch at the tip of from, creating it if needed.
func (f *Fake) SetBranch(branch, from string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.branches[branch] = f.branches[from]
}

// SetDirty makes Status(path) report the given porcelain entries.
func (f *Fake) SetDirty(path string, entries ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirty[filepath.Clean(path)] = entries
}

// FailOn makes op fail with err. With a non-empty arg only calls for that
// argument fail (path for worktree ops, branch name for branch ops).
func (f *Fake) FailOn(op, arg string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+arg] = err
}

// ClearFailures removes all injected failures.
func (f *Fake) ClearFailures() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = make(map[string]error)
}

// Branches returns a sorted snapshot of branch names.
func (f *Fake) Branches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branchNames()
}

// WorktreePaths returns a snapshot of registered worktree paths.
func (f *Fake) WorktreePaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, t := range f.worktrees {
		paths = append(paths, t.path)
	}
	return paths
}

// Tip returns the commit a branch points at.
func (f *Fake) Tip(branch string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.branches[branch]
}

// FileAt returns a file's content at the tip of branch.
func (f *Fake) FileAt(branch, file string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.commits[f.branches[branch]]
	if !ok {
		return "", false
	}
	v, ok := c.files[file]
	return v, ok
}

// CallCount returns how many recorded calls start with prefix.
func (f *Fake) CallCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

func (f *Fake) record(op, arg string) error {
	f.Calls = append(f.Calls, op+" "+arg)
	if err, ok := f.failures[op+":"+arg]; ok {
		return err
	}
	if err, ok := f.failures[op+":"]; ok {
		return err
	}
	return nil
}

func (f *Fake) gitErr(msg, output string) error {
	return errors.NewGitError(msg, errors.New("exit status 128")).WithGitOutput(output)
}

func (f *Fake) branchNames() []string {
	names := make([]string, 0, len(f.branches))
	for name := range f.branches {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (f *Fake) treeAt(dir string) *tree {
	clean := filepath.Clean(dir)
	for _, t := range f.worktrees {
		if t.path == clean {
			return t
		}
	}
	return nil
}

func (f *Fake) headOf(t *tree) string {
	if t.branch != "" {
		return f.branches[t.branch]
	}
	return t.head
}

func (f *Fake) resolve(dir, ref string) (string, bool) {
	if ref == "HEAD" {
		t := f.treeAt(dir)
		if t == nil {
			return "", false
		}
		return f.headOf(t), true
	}
	if id, ok := f.branches[ref]; ok {
		return id, true
	}
	if _, ok := f.commits[ref]; ok {
		return ref, true
	}
	return "", false
}

func (f *Fake) ancestors(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == "" || seen[cur] {
			continue
		}
		seen[cur] = true
		stack = append(stack, f.commits[cur].parents...)
	}
	return seen
}

func (f *Fake) mergeBase(a, b string) string {
	left := f.ancestors(a)
	best := ""
	for id := range f.ancestors(b) {
		if left[id] && (best == "" || f.commits[id].seq > f.commits[best].seq) {
			best = id
		}
	}
	return best
}

// -----------------------------------------------------------------------------
// WorktreeOps
// -----------------------------------------------------------------------------

func (f *Fake) AddWorktree(_ context.Context, path, branch, base string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("AddWorktree", path); err != nil {
		return err
	}
	path = filepath.Clean(path)
	if f.treeAt(path) != nil {
		return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: '%s' already exists", path))
	}
	if entries, err := os.ReadDir(path); err == nil && len(entries) > 0 {
		return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: '%s' already exists", path))
	}

	if base != "" {
		if _, ok := f.branches[branch]; ok {
			return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: a branch named '%s' already exists", branch))
		}
		tip, ok := f.resolve("", base)
		if !ok {
			return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: invalid reference: %s", base))
		}
		f.branches[branch] = tip
	} else {
		if _, ok := f.branches[branch]; !ok {
			return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: invalid reference: %s", branch))
		}
		for _, t := range f.worktrees {
			if t.branch == branch {
				return f.gitErr("failed to add worktree", fmt.Sprintf("fatal: '%s' is already checked out at '%s'", branch, t.path))
			}
		}
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(path, ".git"), []byte("gitdir: fake\n"), 0644); err != nil {
		return err
	}
	f.worktrees = append(f.worktrees, &tree{path: path, branch: branch})
	return nil
}

func (f *Fake) RemoveWorktree(_ context.Context, path string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("RemoveWorktree", path); err != nil {
		return err
	}
	path = filepath.Clean(path)
	idx := slices.IndexFunc(f.worktrees, func(t *tree) bool { return t.path == path })
	if idx <= 0 {
		return f.gitErr("failed to remove worktree", fmt.Sprintf("fatal: '%s' is not a working tree", path))
	}
	if !force && len(f.dirty[path]) > 0 {
		return f.gitErr("failed to remove worktree", fmt.Sprintf("fatal: '%s' contains modified or untracked files, use --force to delete it", path))
	}

	f.worktrees = slices.Delete(f.worktrees, idx, idx+1)
	delete(f.dirty, path)
	delete(f.merging, path)
	return os.RemoveAll(path)
}

func (f *Fake) ListWorktrees(_ context.Context) ([]worktree.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("ListWorktrees", ""); err != nil {
		return nil, err
	}
	infos := make([]worktree.Info, 0, len(f.worktrees))
	for i, t := range f.worktrees {
		_, statErr := os.Stat(t.path)
		infos = append(infos, worktree.Info{
			Path:     t.path,
			Head:     f.headOf(t),
			Branch:   t.branch,
			Detached: t.branch == "",
			Prunable: i > 0 && statErr != nil,
		})
	}
	return infos, nil
}

func (f *Fake) Prune(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Prune", ""); err != nil {
		return err
	}
	kept := f.worktrees[:1]
	for _, t := range f.worktrees[1:] {
		if _, err := os.Stat(t.path); err == nil {
			kept = append(kept, t)
		}
	}
	f.worktrees = kept
	return nil
}

// -----------------------------------------------------------------------------
// BranchOps
// -----------------------------------------------------------------------------

func (f *Fake) CreateBranch(_ context.Context, name, base string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("CreateBranch", name); err != nil {
		return false, err
	}
	if _, ok := f.branches[name]; ok {
		return false, nil
	}
	tip, ok := f.resolve("", base)
	if !ok {
		return false, f.gitErr("failed to create branch", fmt.Sprintf("fatal: not a valid object name: '%s'", base))
	}
	f.branches[name] = tip
	return true, nil
}

func (f *Fake) BranchExists(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("BranchExists", name); err != nil {
		return false, err
	}
	_, ok := f.branches[name]
	return ok, nil
}

func (f *Fake) ListBranches(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("ListBranches", ""); err != nil {
		return nil, err
	}
	return f.branchNames(), nil
}

func (f *Fake) DeleteBranch(_ context.Context, dir, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	op := "DeleteBranch"
	if force {
		op = "ForceDeleteBranch"
	}
	if err := f.record(op, name); err != nil {
		return err
	}
	tip, ok := f.branches[name]
	if !ok {
		return f.gitErr("failed to delete branch", fmt.Sprintf("error: branch '%s' not found", name))
	}
	for _, t := range f.worktrees {
		if t.branch == name {
			return f.gitErr("failed to delete branch", fmt.Sprintf("error: cannot delete branch '%s' used by worktree at '%s'", name, t.path))
		}
	}
	if !force {
		head, ok := f.resolve(dir, "HEAD")
		if !ok || !f.ancestors(head)[tip] {
			return f.gitErr("failed to delete branch", fmt.Sprintf("error: the branch '%s' is not fully merged", name))
		}
	}
	delete(f.branches, name)
	return nil
}

func (f *Fake) RevParse(_ context.Context, dir, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("RevParse", ref); err != nil {
		return "", err
	}
	id, ok := f.resolve(dir, ref)
	if !ok {
		return "", f.gitErr("failed to resolve ref", "fatal: Needed a single revision")
	}
	return id, nil
}

func (f *Fake) IsAncestor(_ context.Context, ancestor, descendant string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("IsAncestor", ancestor); err != nil {
		return false, err
	}
	a, ok1 := f.resolve("", ancestor)
	d, ok2 := f.resolve("", descendant)
	if !ok1 || !ok2 {
		return false, f.gitErr("failed to check ancestry", "fatal: Not a valid object name")
	}
	return f.ancestors(d)[a], nil
}

func (f *Fake) UniqueCommits(_ context.Context, base, branch string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("UniqueCommits", branch); err != nil {
		return 0, err
	}
	return len(f.uniqueLocked(base, branch)), nil
}

func (f *Fake) uniqueLocked(base, branch string) []*commit {
	b, _ := f.resolve("", base)
	h, _ := f.resolve("", branch)
	exclude := f.ancestors(b)
	var out []*commit
	for id := range f.ancestors(h) {
		if !exclude[id] {
			out = append(out, f.commits[id])
		}
	}
	slices.SortFunc(out, func(x, y *commit) int { return x.seq - y.seq })
	return out
}

func (f *Fake) CommitSubjects(_ context.Context, base, branch string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("CommitSubjects", branch); err != nil {
		return nil, err
	}
	var subjects []string
	for _, c := range f.uniqueLocked(base, branch) {
		subjects = append(subjects, c.id[len(c.id)-7:]+" "+c.subject)
	}
	return subjects, nil
}

func (f *Fake) MainBranch(_ context.Context) string {
	return "main"
}

// -----------------------------------------------------------------------------
// MergeOps
// -----------------------------------------------------------------------------

func (f *Fake) Merge(_ context.Context, dir, branch string) (worktree.MergeOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Merge", branch); err != nil {
		return worktree.MergeOutcome{Type: worktree.MergeError}, err
	}
	t := f.treeAt(dir)
	if t == nil || t.branch == "" {
		return worktree.MergeOutcome{Type: worktree.MergeError}, f.gitErr("merge failed", "fatal: not a branch worktree")
	}
	if _, busy := f.merging[t.path]; busy {
		return worktree.MergeOutcome{Type: worktree.MergeError}, f.gitErr("merge failed", "fatal: You have not concluded your merge (MERGE_HEAD exists).")
	}
	theirs, ok := f.branches[branch]
	if !ok {
		return worktree.MergeOutcome{Type: worktree.MergeError}, f.gitErr("merge failed", fmt.Sprintf("merge: %s - not something we can merge", branch))
	}
	ours := f.branches[t.branch]

	switch {
	case f.ancestors(ours)[theirs]:
		return worktree.MergeOutcome{Type: worktree.MergeFastForward, Commit: ours, Output: "Already up to date."}, nil
	case f.ancestors(theirs)[ours]:
		f.branches[t.branch] = theirs
		return worktree.MergeOutcome{Type: worktree.MergeFastForward, Commit: theirs, Output: "Fast-forward"}, nil
	}

	base := f.commits[f.mergeBase(ours, theirs)]
	o, th := f.commits[ours], f.commits[theirs]
	state := &mergeState{theirs: theirs, stages: make(map[string][3]string), merged: make(map[string]string)}

	keys := make(map[string]bool)
	for _, c := range []*commit{base, o, th} {
		for k := range c.files {
			keys[k] = true
		}
	}
	for file := range keys {
		b, ov, tv := base.files[file], o.files[file], th.files[file]
		switch {
		case ov == tv:
			state.merged[file] = ov
		case ov == b:
			state.merged[file] = tv
		case tv == b:
			state.merged[file] = ov
		default:
			state.conflicts = append(state.conflicts, file)
			state.stages[file] = [3]string{b, ov, tv}
		}
	}
	slices.Sort(state.conflicts)

	if len(state.conflicts) == 0 {
		id := f.newCommit([]string{ours, theirs}, "Merge branch '"+branch+"'", state.merged)
		f.branches[t.branch] = id
		return worktree.MergeOutcome{Type: worktree.MergeCommit, Commit: id, Output: "Merge made by the 'ort' strategy."}, nil
	}

	var out strings.Builder
	for _, file := range state.conflicts {
		st := state.stages[file]
		content := fmt.Sprintf("<<<<<<< HEAD\n%s=======\n%s>>>>>>> %s\n", st[1], st[2], branch)
		full := filepath.Join(t.path, file)
		if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
			return worktree.MergeOutcome{Type: worktree.MergeError}, err
		}
		if err := os.WriteFile(full, []byte(content), 0644); err != nil {
			return worktree.MergeOutcome{Type: worktree.MergeError}, err
		}
		fmt.Fprintf(&out, "CONFLICT (content): Merge conflict in %s\n", file)
	}
	state.unmerged = slices.Clone(state.conflicts)
	f.merging[t.path] = state

	return worktree.MergeOutcome{
		Type:      worktree.MergeConflicts,
		Conflicts: slices.Clone(state.conflicts),
		Output:    strings.TrimSpace(out.String()),
	}, nil
}

func (f *Fake) ConflictedFiles(_ context.Context, dir string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("ConflictedFiles", dir); err != nil {
		return nil, err
	}
	if st, ok := f.merging[filepath.Clean(dir)]; ok {
		return slices.Clone(st.unmerged), nil
	}
	return nil, nil
}

func (f *Fake) ShowStage(_ context.Context, dir string, stage int, file string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("ShowStage", file); err != nil {
		return nil, err
	}
	st, ok := f.merging[filepath.Clean(dir)]
	if !ok || stage < 1 || stage > 3 {
		return nil, f.gitErr("failed to read stage", "fatal: path is not in the index")
	}
	stages, ok := st.stages[file]
	if !ok {
		return nil, f.gitErr("failed to read stage", fmt.Sprintf("fatal: path '%s' is in the index, but not at stage %d", file, stage))
	}
	return []byte(stages[stage-1]), nil
}

func (f *Fake) Add(_ context.Context, dir string, files ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("Add", strings.Join(files, ",")); err != nil {
		return err
	}
	if st, ok := f.merging[filepath.Clean(dir)]; ok {
		st.unmerged = slices.DeleteFunc(st.unmerged, func(s string) bool { return slices.Contains(files, s) })
	}
	return nil
}

func (f *Fake) CommitMerge(_ context.Context, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("CommitMerge", dir); err != nil {
		return "", err
	}
	dir = filepath.Clean(dir)
	st, ok := f.merging[dir]
	if !ok {
		return "", f.gitErr("failed to commit merge", "fatal: There is no merge in progress")
	}
	if len(st.unmerged) > 0 {
		return "", f.gitErr("failed to commit merge", "error: Committing is not possible because you have unmerged files.")
	}
	files := make(map[string]string, len(st.merged)+len(st.conflicts))
	for k, v := range st.merged {
		files[k] = v
	}
	for _, file := range st.conflicts {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return "", err
		}
		files[file] = string(data)
	}

	t := f.treeAt(dir)
	id := f.newCommit([]string{f.branches[t.branch], st.theirs}, "Merge", files)
	f.branches[t.branch] = id
	delete(f.merging, dir)
	return id, nil
}

func (f *Fake) AbortMerge(_ context.Context, dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("AbortMerge", dir); err != nil {
		return err
	}
	dir = filepath.Clean(dir)
	st, ok := f.merging[dir]
	if !ok {
		return f.gitErr("failed to abort merge", "fatal: There is no merge to abort (MERGE_HEAD missing).")
	}
	for _, file := range st.conflicts {
		_ = os.WriteFile(filepath.Join(dir, file), []byte(st.stages[file][1]), 0644)
	}
	delete(f.merging, dir)
	return nil
}

func (f *Fake) MergeInProgress(_ context.Context, dir string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.record("MergeInProgress", dir); err != nil {
		return false, err
	}
	_, ok := f.merging[filepath.Clean(dir)]
	return ok, nil
}

// -----------------------------------------------------------------------------
// StatusOps
// -----------------------------------------------------------------------------

func (f *Fake) Status(_ context.Context, dir string) (worktree.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	dir = filepath.Clean(dir)
	if err := f.record("Status", dir); err != nil {
		return worktree.Status{}, err
	}
	entries := slices.Clone(f.dirty[dir])
	if st, ok := f.merging[dir]; ok {
		for _, file := range st.unmerged {
			entries = append(entries, "UU "+file)
		}
	}
	return worktree.Status{Entries: entries}, nil
}

func (f *Fake) CommonDir(_ context.Context) (string, error) {
	dir := filepath.Join(f.root, ".git")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	return dir, nil
}

func (f *Fake) Root() string {
	return f.root
}
