package archive

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/testutil/vcsfake"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

type fixture struct {
	root    string
	fake    *vcsfake.Fake
	store   *lifecycle.Store
	manager *Manager
	opts    Options
}

func newFixture(t *testing.T, keepBackups bool) *fixture {
	t.Helper()
	root := t.TempDir()
	fake := vcsfake.New(root)
	store := lifecycle.NewStore(filepath.Join(root, ".arbor", "records"))
	opts := Options{
		ArchiveDir:  filepath.Join(root, ".arbor", "archive"),
		Changelog:   filepath.Join(root, ".arbor", "CHANGELOG.md"),
		KeepBackups: keepBackups,
	}
	m := NewManager(fake, lifecycle.NewTracker(store, nil, nil), opts, nil)
	m.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }
	return &fixture{root: root, fake: fake, store: store, manager: m, opts: opts}
}

// merging builds login on main, commits to it and merges it into main,
// returning the record in the merging state.
func (f *fixture) merging(t *testing.T, mergeIt bool) *lifecycle.Record {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(f.root, ".arbor", "worktrees", "login")
	if err := f.fake.AddWorktree(ctx, path, "feature/login", "main"); err != nil {
		t.Fatal(err)
	}
	f.fake.Commit("feature/login", "add login", map[string]string{"login.go": "package login\n"})
	if mergeIt {
		if _, err := f.fake.Merge(ctx, f.root, "feature/login"); err != nil {
			t.Fatal(err)
		}
	}

	completion := filepath.Join(f.root, ".arbor", "completions", "login-1.json")
	if err := os.MkdirAll(filepath.Dir(completion), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(completion, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	backup := filepath.Join(f.root, ".arbor", "backups", "20260314T110000Z", "login")
	if err := os.MkdirAll(backup, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(backup, "login.go.ours"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &lifecycle.Record{
		Name:            "login",
		Branch:          "feature/login",
		BaseBranch:      "main",
		Path:            path,
		State:           lifecycle.StateMerging,
		Description:     "add a login page",
		Summary:         "Login page with session cookie",
		CompletionFiles: []string{completion},
		Backups:         []string{backup},
	}
	if err := f.store.Save(rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestFinalize(t *testing.T) {
	f := newFixture(t, true)
	rec := f.merging(t, true)
	res := &lifecycle.MergeResult{
		WorktreeName: "login",
		MergeType:    worktree.MergeFastForward,
		CommitHash:   f.fake.Tip("main"),
		Commits:      []string{"abc1234 add login"},
	}

	if err := f.manager.Finalize(context.Background(), rec, res, f.root); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}

	if rec.State != lifecycle.StateArchived {
		t.Errorf("State = %s, want archived", rec.State)
	}
	if exists, _ := f.fake.BranchExists(context.Background(), "feature/login"); exists {
		t.Error("branch still exists")
	}
	if len(f.fake.WorktreePaths()) != 1 {
		t.Errorf("worktrees = %v, want only the main one", f.fake.WorktreePaths())
	}
	if f.fake.CallCount("ForceDeleteBranch") != 0 {
		t.Error("merged branch was force-deleted")
	}

	archived := filepath.Join(f.opts.ArchiveDir, "login", "20260314T120000Z")
	for _, want := range []string{
		"login-1.json",
		SummaryFileName,
		filepath.Join("backups", "1-20260314T110000Z", "login.go.ours"),
	} {
		if _, err := os.Stat(filepath.Join(archived, want)); err != nil {
			t.Errorf("archive is missing %s: %v", want, err)
		}
	}
	if rec.ArchivePath != archived {
		t.Errorf("ArchivePath = %s", rec.ArchivePath)
	}

	summary, _ := os.ReadFile(filepath.Join(archived, SummaryFileName))
	for _, want := range []string{"# login", "abc1234 add login", "Login page with session cookie"} {
		if !strings.Contains(string(summary), want) {
			t.Errorf("summary lacks %q:\n%s", want, summary)
		}
	}
	changelog, _ := os.ReadFile(f.opts.Changelog)
	if !strings.Contains(string(changelog), "**login**") || !strings.HasPrefix(string(changelog), "# Changelog") {
		t.Errorf("changelog = %q", changelog)
	}

	stored, _ := f.store.Get("login")
	if stored.State != lifecycle.StateArchived {
		t.Errorf("stored state = %s", stored.State)
	}
}

func TestFinalize_RefusesUnmergedBranch(t *testing.T) {
	f := newFixture(t, true)
	rec := f.merging(t, false)

	err := f.manager.Finalize(context.Background(), rec, &lifecycle.MergeResult{}, f.root)
	if err == nil || !strings.Contains(err.Error(), "not merged") {
		t.Fatalf("Finalize() error = %v, want not merged", err)
	}
	if rec.State != lifecycle.StateMerging {
		t.Errorf("State = %s, want merging", rec.State)
	}
	if f.fake.CallCount("RemoveWorktree") != 0 {
		t.Error("worktree removed for an unmerged branch")
	}
}

func TestFinalize_ForcesCleanupWithWarning(t *testing.T) {
	f := newFixture(t, false)
	rec := f.merging(t, true)
	f.fake.FailOn("DeleteBranch", "feature/login", errors.New("error: the branch 'feature/login' is not fully merged"))

	if err := f.manager.Finalize(context.Background(), rec, &lifecycle.MergeResult{}, f.root); err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if f.fake.CallCount("ForceDeleteBranch") != 1 {
		t.Error("expected a forced branch delete after the safe delete failed")
	}
	if _, err := os.Stat(filepath.Join(f.root, ".arbor", "backups", "20260314T110000Z")); !os.IsNotExist(err) {
		t.Error("backups kept despite keep_backups=false")
	}
}

func TestFinalize_DirtyWorktreeIsNotForced(t *testing.T) {
	f := newFixture(t, true)
	rec := f.merging(t, true)
	f.fake.SetDirty(rec.Path, " M login.go")

	err := f.manager.Finalize(context.Background(), rec, &lifecycle.MergeResult{}, f.root)
	if !errors.Is(err, errors.ErrDirtyWorktree) {
		t.Fatalf("Finalize() error = %v, want dirty worktree", err)
	}
	if rec.State != lifecycle.StateMerging {
		t.Errorf("State = %s, want merging", rec.State)
	}
}

func TestChangelogEntry(t *testing.T) {
	rec := &lifecycle.Record{Name: "login", Branch: "feature/login", BaseBranch: "integration/x", Description: "first line\nsecond"}
	got := ChangelogEntry(rec, &lifecycle.MergeResult{CommitHash: "0123456789abcdef"}, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC))
	want := "- 2026-03-14 **login** (`feature/login` into `integration/x`, 0123456): first line\n"
	if got != want {
		t.Errorf("ChangelogEntry() = %q, want %q", got, want)
	}
}
