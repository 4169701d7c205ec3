package worktree

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseWorktreeList(t *testing.T) {
	output := strings.Join([]string{
		"worktree /repo",
		"HEAD 1111111111111111111111111111111111111111",
		"branch refs/heads/main",
		"",
		"worktree /repo/.arbor/worktrees/a",
		"HEAD 2222222222222222222222222222222222222222",
		"branch refs/heads/feature/a",
		"locked",
		"",
		"worktree /repo/.arbor/conflict",
		"HEAD 3333333333333333333333333333333333333333",
		"detached",
		"prunable gitdir file points to non-existent location",
		"",
	}, "\n")

	infos := ParseWorktreeList(output)
	if len(infos) != 3 {
		t.Fatalf("got %d worktrees, want 3", len(infos))
	}
	if infos[0].Branch != "main" || infos[0].Path != "/repo" {
		t.Errorf("infos[0] = %+v", infos[0])
	}
	if infos[1].Branch != "feature/a" || !infos[1].Locked {
		t.Errorf("infos[1] = %+v", infos[1])
	}
	if !infos[2].Detached || !infos[2].Prunable || infos[2].Branch != "" {
		t.Errorf("infos[2] = %+v", infos[2])
	}

	if info, ok := FindByBranch(infos, "feature/a"); !ok || info.Path != "/repo/.arbor/worktrees/a" {
		t.Errorf("FindByBranch() = %+v, %v", info, ok)
	}
	if _, ok := FindByPath(infos, "/repo/.arbor/worktrees/b"); ok {
		t.Error("FindByPath() matched an unknown path")
	}
}

func TestParseWorktreeList_NoTrailingBlank(t *testing.T) {
	infos := ParseWorktreeList("worktree /repo\nHEAD abc\nbranch refs/heads/main")
	if len(infos) != 1 || infos[0].Branch != "main" {
		t.Errorf("ParseWorktreeList() = %+v", infos)
	}
}

func TestFindGitRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	got, err := FindGitRoot(nested)
	if err != nil || got != root {
		t.Errorf("FindGitRoot() = %q, %v; want %q", got, err, root)
	}

	if _, err := FindGitRoot(t.TempDir()); err == nil {
		t.Error("FindGitRoot() outside a repository should fail")
	}
}

func TestEnsureExcluded(t *testing.T) {
	common := t.TempDir()
	path := filepath.Join(common, "info", "exclude")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("*.log"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := EnsureExcluded(common, ".arbor/", ".arbor-context.md"); err != nil {
		t.Fatal(err)
	}
	if err := EnsureExcluded(common, ".arbor/", ".arbor-context.md"); err != nil {
		t.Fatal(err)
	}

	content, _ := os.ReadFile(path)
	if strings.Count(string(content), ".arbor/\n") != 1 {
		t.Errorf("pattern written more than once:\n%s", content)
	}
	if !strings.HasPrefix(string(content), "*.log\n") {
		t.Errorf("existing content damaged:\n%s", content)
	}
}
