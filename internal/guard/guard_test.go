package guard

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/testutil/vcsfake"
)

type fixture struct {
	fake        *vcsfake.Fake
	guard       *Guard
	commonDir   string
	worktreeDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fake := vcsfake.New(root)
	common, err := fake.CommonDir(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	wtDir := filepath.Join(root, ".arbor", "worktrees")
	cfg := config.GuardConfig{StaleLockSeconds: 60, LockWaitMs: 1, LockRetries: 2}
	return &fixture{
		fake:        fake,
		guard:       New(fake, wtDir, cfg, nil, nil),
		commonDir:   common,
		worktreeDir: wtDir,
	}
}

func writeLock(t *testing.T, path, content string, age time.Duration) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	mtime := time.Now().Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestCheck_LockStaleness(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		age         time.Duration
		wantErr     bool
		wantRemoved bool
	}{
		{"stale and empty is removed", "", 2 * time.Minute, false, true},
		{"old but non-empty aborts", "partial index data", 24 * time.Hour, true, false},
		{"fresh and non-empty aborts", "x", time.Second, true, false},
		{"fresh and empty aborts after waiting", "", time.Second, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			lock := filepath.Join(f.commonDir, "index.lock")
			writeLock(t, lock, tt.content, tt.age)

			report, err := f.guard.Check(context.Background(), Options{})
			if tt.wantErr {
				if !errors.Is(err, errors.ErrLockActive) {
					t.Fatalf("Check() error = %v, want ErrLockActive", err)
				}
				if !errors.IsPrecondition(err) {
					t.Error("lock errors should classify as precondition failures")
				}
				if f.fake.CallCount("Prune") != 0 {
					t.Error("nothing should be pruned after a lock failure")
				}
			} else if err != nil {
				t.Fatalf("Check() error = %v", err)
			}

			if exists(lock) == tt.wantRemoved {
				t.Errorf("lock exists = %v, want removed = %v", exists(lock), tt.wantRemoved)
			}
			if tt.wantRemoved && len(report.RemovedLocks) != 1 {
				t.Errorf("RemovedLocks = %v", report.RemovedLocks)
			}
		})
	}
}

func TestCheck_LinkedWorktreeLock(t *testing.T) {
	f := newFixture(t)
	lock := filepath.Join(f.commonDir, "worktrees", "login", "index.lock")
	writeLock(t, lock, "", 5*time.Minute)

	report, err := f.guard.Check(context.Background(), Options{LocksOnly: true})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if exists(lock) {
		t.Error("stale linked-worktree lock was not removed")
	}
	if len(report.RemovedLocks) != 1 || report.RemovedLocks[0] != lock {
		t.Errorf("RemovedLocks = %v", report.RemovedLocks)
	}
}

func TestCheck_DryRunDoesNotMutate(t *testing.T) {
	f := newFixture(t)
	lock := filepath.Join(f.commonDir, "index.lock")
	writeLock(t, lock, "", 10*time.Minute)
	orphan := filepath.Join(f.worktreeDir, "empty")
	if err := os.MkdirAll(orphan, 0755); err != nil {
		t.Fatal(err)
	}

	report, err := f.guard.Check(context.Background(), Options{DryRun: true})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if !exists(lock) || !exists(orphan) {
		t.Error("dry run removed files")
	}
	if len(report.RemovedLocks) != 1 || len(report.RemovedOrphans) != 1 {
		t.Errorf("report = %+v", report)
	}
	if report.Pruned || f.fake.CallCount("Prune") != 0 {
		t.Error("dry run should not prune")
	}
}

func TestCheck_Orphans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	registered := filepath.Join(f.worktreeDir, "registered")
	if err := f.fake.AddWorktree(ctx, registered, "feature/registered", "main"); err != nil {
		t.Fatal(err)
	}

	mkdir := func(name string, files ...string) string {
		dir := filepath.Join(f.worktreeDir, name)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for _, file := range files {
			if err := os.WriteFile(filepath.Join(dir, file), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		return dir
	}
	empty := mkdir("empty")
	plain := mkdir("plain", "notes.txt")
	dirty := mkdir("dirty", ".git", "main.go")
	f.fake.SetDirty(dirty, "?? main.go")
	clean := mkdir("clean", ".git", "README.md")
	broken := mkdir("broken", ".git")
	f.fake.FailOn("Status", broken, errors.NewGitError("status failed", nil).WithGitOutput("fatal: not a git repository"))

	report, err := f.guard.Check(ctx, Options{})
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	for _, removed := range []string{empty, clean} {
		if exists(removed) {
			t.Errorf("%s should have been removed", removed)
		}
	}
	for _, kept := range []string{registered, plain, dirty, broken} {
		if !exists(kept) {
			t.Errorf("%s must never be deleted", kept)
		}
	}

	if len(report.RemovedOrphans) != 2 {
		t.Errorf("RemovedOrphans = %v", report.RemovedOrphans)
	}
	if len(report.SkippedOrphans) != 3 {
		t.Fatalf("SkippedOrphans = %+v", report.SkippedOrphans)
	}
	if len(report.Warnings()) != 3 {
		t.Errorf("Warnings() = %v", report.Warnings())
	}
	if !report.Pruned {
		t.Error("Check should prune after reconciling")
	}
}

func TestCheck_MissingWorktreeDir(t *testing.T) {
	f := newFixture(t)
	if _, err := f.guard.Check(context.Background(), Options{}); err != nil {
		t.Errorf("Check() with no worktree dir error = %v", err)
	}
}

func TestCheckLocks_PropagatesVCSError(t *testing.T) {
	f := newFixture(t)
	f.fake.FailOn("ListWorktrees", "", errors.NewGitError("list failed", nil))
	if err := os.MkdirAll(filepath.Join(f.worktreeDir, "x"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := f.guard.CheckLocks(context.Background()); err != nil {
		t.Errorf("CheckLocks() should not reconcile, got %v", err)
	}
	if _, err := f.guard.Check(context.Background(), Options{}); !errors.Is(err, errors.ErrVCSFailure) {
		t.Errorf("Check() error = %v, want ErrVCSFailure", err)
	}
}
