package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Iron-Ham/arbor/internal/build"
	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/merge"
	"github.com/Iron-Ham/arbor/internal/testutil/vcsfake"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *vcsfake.Fake) {
	t.Helper()
	root := t.TempDir()
	fake := vcsfake.New(root)

	cfg := config.Default()
	cfg.Guard.LockWaitMs = 1
	cfg.Build.IntegrationBranch = "integration/test"

	o, err := New(context.Background(), cfg, root, Options{VCS: fake, Logger: logging.NopLogger()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { _ = o.Close() })
	return o, fake
}

func TestNew_ExcludesStateFromGit(t *testing.T) {
	o, _ := newTestOrchestrator(t)

	data, err := os.ReadFile(filepath.Join(o.Layout().Root, ".git", "info", "exclude"))
	if err != nil {
		t.Fatalf("exclude file not written: %v", err)
	}
	for _, want := range []string{"/.arbor/", "/.arbor-context.md"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("exclude file missing %q:\n%s", want, data)
		}
	}
}

func TestLifecycle_StageBuildCompleteCloseDone(t *testing.T) {
	ctx := context.Background()
	o, fake := newTestOrchestrator(t)

	for _, name := range []string{"login", "search"} {
		if _, err := o.Stage(ctx, name, "add "+name); err != nil {
			t.Fatalf("Stage(%s) error = %v", name, err)
		}
	}

	res, err := o.Build(ctx, build.Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Built) != 2 || res.Integration != "integration/test" {
		t.Fatalf("Build() built %d into %q", len(res.Built), res.Integration)
	}

	status, err := o.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Staged) != 0 {
		t.Errorf("staged = %v, want none after build", status.Staged)
	}
	if len(status.Live()) != 2 || len(status.Missing) != 0 {
		t.Errorf("live = %d, missing = %v", len(status.Live()), status.Missing)
	}

	// Staging a name with a live worktree is refused.
	if _, err := o.Stage(ctx, "login", "again"); err == nil {
		t.Error("Stage() of a live worktree succeeded")
	}

	fake.Commit("feature/login", "Add login form", map[string]string{"login.go": "package login\n"})
	path, err := o.Complete(ctx, "login", CompleteOptions{Summary: "login form"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("completion record not written: %v", err)
	}

	summary, err := o.CloseDone(ctx, merge.Options{})
	if err != nil {
		t.Fatalf("CloseDone() error = %v", err)
	}
	if len(summary.Results) != 1 {
		t.Fatalf("results = %d, want 1 (only login completed)", len(summary.Results))
	}
	got := summary.Results[0]
	if got.WorktreeName != "login" || got.State != lifecycle.StateArchived {
		t.Errorf("result = %s in %s (%s)", got.WorktreeName, got.State, got.Reason)
	}
	if err := summary.Err(); err != nil {
		t.Errorf("summary.Err() = %v", err)
	}
	if _, ok := fake.FileAt("integration/test", "login.go"); !ok {
		t.Error("login.go did not reach the integration branch")
	}

	status, err = o.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	live := status.Live()
	if len(live) != 1 || live[0].Name != "search" || live[0].State != lifecycle.StateActive {
		t.Errorf("live records after close-done = %v", live)
	}
}

func TestComplete_Rejections(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	if _, err := o.Complete(ctx, "ghost", CompleteOptions{}); !errors.Is(err, &errors.NotFoundError{}) {
		t.Errorf("Complete(unknown) error = %v, want NotFoundError", err)
	}

	if err := o.store.Save(&lifecycle.Record{Name: "early", State: lifecycle.StateStaged}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Complete(ctx, "early", CompleteOptions{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("Complete(staged) error = %v, want validation error", err)
	}
}

func TestCloseDone_RejectedRecordNeedsAttention(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	dir := o.Layout().Completions
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	bad := `{"worktree_name":"x","branch":"","base_branch":"main","completed_at":"2026-03-14T09:00:00Z"}`
	if err := os.WriteFile(filepath.Join(dir, "x.json"), []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	summary, err := o.CloseDone(context.Background(), merge.Options{})
	if err != nil {
		t.Fatalf("CloseDone() error = %v", err)
	}
	if len(summary.Detection.Rejected) != 1 {
		t.Fatalf("rejected = %d, want 1", len(summary.Detection.Rejected))
	}
	if err := summary.Err(); !errors.Is(err, errors.ErrNeedsAttention) {
		t.Errorf("summary.Err() = %v, want ErrNeedsAttention", err)
	}
}

func TestCloseDone_FinishesInterruptedArchival(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	dir := o.Layout().Completions
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "done.json")
	if err := os.WriteFile(file, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	rec := &lifecycle.Record{
		Name:            "done",
		Branch:          "feature/done",
		BaseBranch:      "main",
		State:           lifecycle.StateMerged,
		CompletionFiles: []string{file},
	}
	if err := o.store.Save(rec); err != nil {
		t.Fatal(err)
	}

	summary, err := o.CloseDone(context.Background(), merge.Options{})
	if err != nil {
		t.Fatalf("CloseDone() error = %v", err)
	}
	if len(summary.Archived) != 1 || summary.Archived[0] != "done" {
		t.Fatalf("archived = %v, want [done]", summary.Archived)
	}
	stored, err := o.store.Get("done")
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != lifecycle.StateArchived {
		t.Errorf("state = %s, want archived", stored.State)
	}
	if _, err := os.Stat(file); !os.IsNotExist(err) {
		t.Error("completion record was not moved into the archive")
	}
}

func TestCloseDone_DryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	o, fake := newTestOrchestrator(t)
	if _, err := o.Stage(ctx, "login", "add login"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Build(ctx, build.Options{}); err != nil {
		t.Fatal(err)
	}
	fake.Commit("feature/login", "Add login", map[string]string{"login.go": "x\n"})
	if _, err := o.Complete(ctx, "login", CompleteOptions{}); err != nil {
		t.Fatal(err)
	}
	before := fake.Tip("integration/test")

	summary, err := o.CloseDone(ctx, merge.Options{DryRun: true})
	if err != nil {
		t.Fatalf("CloseDone() error = %v", err)
	}
	if len(summary.Results) != 1 || !summary.Results[0].DryRun {
		t.Fatalf("results = %+v", summary.Results)
	}
	if fake.Tip("integration/test") != before {
		t.Error("dry run moved the integration branch")
	}
	rec, err := o.store.Get("login")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != lifecycle.StateCompleted {
		t.Errorf("state = %s, want completed", rec.State)
	}
}

func TestRunLockHeld_IsPrecondition(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)

	held, err := guard.AcquireRunLock(ctx, o.Layout().RunLock, 0)
	if err != nil {
		t.Fatalf("AcquireRunLock() error = %v", err)
	}
	defer func() { _ = held.Release() }()

	_, err = o.Stage(ctx, "login", "add login")
	if !errors.Is(err, errors.ErrLockActive) || !errors.IsPrecondition(err) {
		t.Errorf("Stage() under a held lock error = %v, want lock precondition", err)
	}
}

func TestUnstage(t *testing.T) {
	ctx := context.Background()
	o, _ := newTestOrchestrator(t)
	if _, err := o.Stage(ctx, "login", "add login"); err != nil {
		t.Fatal(err)
	}
	if err := o.Unstage(ctx, "login"); err != nil {
		t.Fatalf("Unstage() error = %v", err)
	}
	if err := o.Unstage(ctx, "login"); err == nil {
		t.Error("Unstage() of an unknown feature succeeded")
	}

	res, err := o.Build(ctx, build.Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Built) != 0 {
		t.Errorf("built %d worktrees from an empty registry", len(res.Built))
	}
}

func TestStage_ArchivedNameBuildsAgain(t *testing.T) {
	ctx := context.Background()
	o, fake := newTestOrchestrator(t)

	if _, err := o.Stage(ctx, "login", "add login"); err != nil {
		t.Fatal(err)
	}
	if _, err := o.Build(ctx, build.Options{}); err != nil {
		t.Fatal(err)
	}
	fake.Commit("feature/login", "Add login", map[string]string{"login.go": "x\n"})
	if _, err := o.Complete(ctx, "login", CompleteOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.CloseDone(ctx, merge.Options{}); err != nil {
		t.Fatalf("CloseDone() error = %v", err)
	}
	rec, err := o.store.Get("login")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != lifecycle.StateArchived {
		t.Fatalf("state after close-done = %s, want archived", rec.State)
	}

	if _, err := o.Stage(ctx, "login", "login follow-up"); err != nil {
		t.Fatalf("Stage() of an archived name error = %v", err)
	}
	res, err := o.Build(ctx, build.Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Built) != 1 {
		t.Fatalf("built %d worktrees, want 1", len(res.Built))
	}
	rec, err = o.store.Get("login")
	if err != nil {
		t.Fatal(err)
	}
	if rec.State != lifecycle.StateActive || rec.Description != "login follow-up" {
		t.Errorf("rebuilt record = %+v", rec)
	}
}
