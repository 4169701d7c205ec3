package build

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/testutil/vcsfake"
)

type fixture struct {
	fake     *vcsfake.Fake
	ctrl     *Controller
	layout   config.Layout
	registry *stage.Registry
	store    *lifecycle.Store
	journal  *Journal
	events   *[]event.Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	fake := vcsfake.New(root)
	cfg := config.Default()
	cfg.Guard.LockWaitMs = 1
	layout := cfg.Layout(root)

	bus := event.NewBus(nil)
	var events []event.Event
	bus.SubscribeAll(func(e event.Event) { events = append(events, e) })

	store := lifecycle.NewStore(layout.RecordsDir)
	registry := stage.NewRegistry(layout.Registry)
	journal := NewJournal(layout.BatchesDir)
	ctrl := NewController(Deps{
		VCS:      fake,
		Guard:    guard.New(fake, layout.WorktreeDir, cfg.Guard, nil, bus),
		Registry: registry,
		Tracker:  lifecycle.NewTracker(store, bus, nil),
		Journal:  journal,
		Config:   cfg,
		Layout:   layout,
		Bus:      bus,
	})
	ctrl.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	ids := 0
	ctrl.newID = func() string {
		ids++
		return "op-" + string(rune('0'+ids))
	}

	return &fixture{
		fake:     fake,
		ctrl:     ctrl,
		layout:   layout,
		registry: registry,
		store:    store,
		journal:  journal,
		events:   &events,
	}
}

func (f *fixture) stage(t *testing.T, names ...string) []stage.Feature {
	t.Helper()
	var out []stage.Feature
	for _, name := range names {
		feat, err := f.registry.Stage(name, "build "+name)
		if err != nil {
			t.Fatalf("Stage(%s) error = %v", name, err)
		}
		out = append(out, feat)
	}
	return out
}

func (f *fixture) state() ([]string, []string) {
	branches := f.fake.Branches()
	paths := f.fake.WorktreePaths()
	slices.Sort(branches)
	slices.Sort(paths)
	return branches, paths
}

func TestBuild_CreatesBatch(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "login", "search")

	res, err := f.ctrl.Build(context.Background(), features, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if res.Integration != "integration/2026-03-14" {
		t.Errorf("Integration = %q", res.Integration)
	}
	if !res.IntegrationCreated {
		t.Error("IntegrationCreated = false, want true")
	}
	if len(res.Built) != 2 {
		t.Fatalf("Built = %d records, want 2", len(res.Built))
	}

	for _, name := range []string{"login", "search"} {
		path := filepath.Join(f.layout.WorktreeDir, name)
		if !slices.Contains(f.fake.WorktreePaths(), path) {
			t.Errorf("worktree %s not registered", path)
		}
		data, err := os.ReadFile(filepath.Join(path, ".arbor-context.md"))
		if err != nil {
			t.Errorf("context file missing for %s: %v", name, err)
		} else if !strings.Contains(string(data), "build "+name) {
			t.Errorf("context file for %s lacks the description:\n%s", name, data)
		}

		rec, err := f.store.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) error = %v", name, err)
		}
		if rec.State != lifecycle.StateActive {
			t.Errorf("%s state = %s, want active", name, rec.State)
		}
		if rec.BaseBranch != "integration/2026-03-14" || rec.Branch != "feature/"+name {
			t.Errorf("%s branches = %s <- %s", name, rec.BaseBranch, rec.Branch)
		}
	}

	login, _ := f.store.Get("login")
	search, _ := f.store.Get("search")
	if login.Sequence >= search.Sequence {
		t.Errorf("sequences not in build order: %d, %d", login.Sequence, search.Sequence)
	}

	staged, err := f.registry.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(staged) != 0 {
		t.Errorf("registry still has %d features after a committed build", len(staged))
	}

	batch, err := f.journal.Load(res.OperationID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if batch.Status != BatchCommitted {
		t.Errorf("batch status = %s, want committed", batch.Status)
	}
}

func TestBuild_NoFeatures(t *testing.T) {
	f := newFixture(t)
	res, err := f.ctrl.Build(context.Background(), nil, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.OperationID != "" || len(res.Built) != 0 {
		t.Errorf("empty build did work: %+v", res)
	}
	if n := len(f.fake.Calls); n != 0 {
		t.Errorf("empty build made %d VCS calls", n)
	}
}

func TestBuild_RollsBackPartialBatch(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "a", "b", "c")
	beforeBranches, beforePaths := f.state()

	failing := filepath.Join(f.layout.WorktreeDir, "c")
	f.fake.FailOn("AddWorktree", failing, errors.NewGitError("failed to add worktree", nil).WithGitOutput("fatal: disk full"))

	_, err := f.ctrl.Build(context.Background(), features, Options{})
	if err == nil {
		t.Fatal("Build() error = nil, want BatchError")
	}

	var batchErr *errors.BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("error type = %T, want *BatchError", err)
	}
	if batchErr.Count != 2 {
		t.Errorf("Count = %d, want 2", batchErr.Count)
	}
	if batchErr.Failed != "c" {
		t.Errorf("Failed = %q, want c", batchErr.Failed)
	}
	if batchErr.RollbackErr != nil {
		t.Errorf("RollbackErr = %v, want nil", batchErr.RollbackErr)
	}
	if !strings.Contains(err.Error(), "fatal: disk full") {
		t.Errorf("error lost the git output: %v", err)
	}

	afterBranches, afterPaths := f.state()
	if !slices.Equal(beforeBranches, afterBranches) {
		t.Errorf("branches changed: before %v, after %v", beforeBranches, afterBranches)
	}
	if !slices.Equal(beforePaths, afterPaths) {
		t.Errorf("worktrees changed: before %v, after %v", beforePaths, afterPaths)
	}
	for _, name := range []string{"a", "b", "c"} {
		if _, err := os.Stat(filepath.Join(f.layout.WorktreeDir, name)); !os.IsNotExist(err) {
			t.Errorf("directory for %s survived rollback", name)
		}
		rec, err := f.store.Get(name)
		if err == nil && rec.State != lifecycle.StateStaged {
			t.Errorf("%s state = %s after rollback, want staged", name, rec.State)
		}
	}

	staged, _ := f.registry.List()
	if len(staged) != 3 {
		t.Errorf("registry has %d features after rollback, want 3", len(staged))
	}

	pending, err := f.journal.Pending()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("rolled back batch still pending: %v", pending)
	}

	var rolledBack bool
	for _, e := range *f.events {
		if e.EventType() == event.TypeBatchRolledBack {
			rolledBack = true
		}
	}
	if !rolledBack {
		t.Error("no batch rolled back event published")
	}
}

func TestBuild_RerunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "login")
	if _, err := f.ctrl.Build(context.Background(), features, Options{}); err != nil {
		t.Fatalf("first Build() error = %v", err)
	}
	branches, paths := f.state()
	adds := f.fake.CallCount("AddWorktree")

	res, err := f.ctrl.Build(context.Background(), features, Options{})
	if err != nil {
		t.Fatalf("second Build() error = %v", err)
	}
	if !slices.Equal(res.Skipped, []string{"login"}) {
		t.Errorf("Skipped = %v, want [login]", res.Skipped)
	}
	if got := f.fake.CallCount("AddWorktree"); got != adds {
		t.Errorf("rerun added worktrees: %d calls, want %d", got, adds)
	}
	b2, p2 := f.state()
	if !slices.Equal(branches, b2) || !slices.Equal(paths, p2) {
		t.Error("rerun changed repository state")
	}
}

func TestBuild_PathConflicts(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name: "path registered to another branch",
			setup: func(t *testing.T, f *fixture) {
				f.fake.SetBranch("other", "main")
				if err := f.fake.AddWorktree(context.Background(), filepath.Join(f.layout.WorktreeDir, "login"), "other", ""); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "branch checked out elsewhere",
			setup: func(t *testing.T, f *fixture) {
				if err := f.fake.AddWorktree(context.Background(), filepath.Join(t.TempDir(), "elsewhere"), "feature/login", "main"); err != nil {
					t.Fatal(err)
				}
			},
		},
		{
			name: "unregistered directory in the way",
			setup: func(t *testing.T, f *fixture) {
				dir := filepath.Join(f.layout.WorktreeDir, "login")
				if err := os.MkdirAll(dir, 0755); err != nil {
					t.Fatal(err)
				}
				if err := os.WriteFile(filepath.Join(dir, ".git"), []byte("gitdir: x\n"), 0644); err != nil {
					t.Fatal(err)
				}
				f.fake.SetDirty(dir, "?? notes.txt")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			features := f.stage(t, "alpha", "login")
			tt.setup(t, f)
			branches, paths := f.state()

			_, err := f.ctrl.Build(context.Background(), features, Options{})
			if !errors.Is(err, errors.ErrPathConflict) {
				t.Fatalf("Build() error = %v, want path conflict", err)
			}

			b2, p2 := f.state()
			if !slices.Equal(branches, b2) || !slices.Equal(paths, p2) {
				t.Errorf("conflict mutated the repository: branches %v -> %v, worktrees %v -> %v", branches, b2, paths, p2)
			}
			if _, err := f.store.Get("alpha"); err == nil {
				t.Error("record created for alpha despite the conflict")
			}
		})
	}
}

func TestBuild_AttachesExistingBranch(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBranch("feature/login", "main")
	tip := f.fake.Commit("feature/login", "wip", map[string]string{"login.go": "package login\n"})
	features := f.stage(t, "login")

	res, err := f.ctrl.Build(context.Background(), features, Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if res.Plan[0].Action != ActionAttach {
		t.Errorf("Action = %s, want attach", res.Plan[0].Action)
	}
	if got := f.fake.Tip("feature/login"); got != tip {
		t.Errorf("attached branch moved: %s, want %s", got, tip)
	}
}

func TestBuild_AttachedBranchSurvivesRollback(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBranch("feature/login", "main")
	features := f.stage(t, "login", "search")
	f.fake.FailOn("AddWorktree", filepath.Join(f.layout.WorktreeDir, "search"), errors.New("boom"))

	if _, err := f.ctrl.Build(context.Background(), features, Options{}); err == nil {
		t.Fatal("Build() error = nil")
	}
	if exists, _ := f.fake.BranchExists(context.Background(), "feature/login"); !exists {
		t.Error("rollback deleted a branch it did not create")
	}
}

func TestBuild_DryRun(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "login", "search")

	res, err := f.ctrl.Build(context.Background(), features, Options{DryRun: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(res.Plan) != 2 || res.Plan[0].Action != ActionCreate {
		t.Errorf("Plan = %+v", res.Plan)
	}
	if f.fake.CallCount("AddWorktree") != 0 || f.fake.CallCount("CreateBranch") != 0 {
		t.Error("dry run mutated the repository")
	}
	if staged, _ := f.registry.List(); len(staged) != 2 {
		t.Errorf("dry run consumed staged features: %d left", len(staged))
	}
}

func TestBuild_Canceled(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "login")
	branches, paths := f.state()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.ctrl.Build(ctx, features, Options{})
	if !errors.Is(err, errors.ErrCanceled) {
		t.Fatalf("Build() error = %v, want canceled", err)
	}
	b2, p2 := f.state()
	if !slices.Equal(branches, b2) || !slices.Equal(paths, p2) {
		t.Error("canceled build left changes behind")
	}
}

func TestBuild_LockActiveIsPrecondition(t *testing.T) {
	f := newFixture(t)
	features := f.stage(t, "login")
	common, _ := f.fake.CommonDir(context.Background())
	if err := os.WriteFile(filepath.Join(common, "index.lock"), []byte("pid 1"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := f.ctrl.Build(context.Background(), features, Options{})
	if !errors.IsPrecondition(err) {
		t.Fatalf("Build() error = %v, want precondition failure", err)
	}
	if f.fake.CallCount("AddWorktree") != 0 {
		t.Error("build proceeded under an active lock")
	}
}

func TestRecover_RollsBackInterruptedBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	branches, paths := f.state()

	// Simulate a process that died after creating one worktree.
	path := filepath.Join(f.layout.WorktreeDir, "login")
	if _, err := f.fake.CreateBranch(ctx, "integration/x", "main"); err != nil {
		t.Fatal(err)
	}
	if err := f.fake.AddWorktree(ctx, path, "feature/login", "integration/x"); err != nil {
		t.Fatal(err)
	}
	batch := &Batch{
		OperationID:        "crashed",
		StartedAt:          time.Now(),
		Integration:        "integration/x",
		IntegrationBase:    "main",
		IntegrationCreated: true,
		Members:            []Member{{Name: "login", Path: path, Branch: "feature/login", BranchOwned: true}},
		Status:             BatchInProgress,
	}
	if err := f.journal.Save(batch); err != nil {
		t.Fatal(err)
	}

	recovered, err := f.ctrl.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if !slices.Equal(recovered, []string{"crashed"}) {
		t.Errorf("recovered = %v", recovered)
	}

	b2, p2 := f.state()
	if !slices.Equal(branches, b2) || !slices.Equal(paths, p2) {
		t.Errorf("recovery incomplete: branches %v, worktrees %v", b2, p2)
	}
	loaded, err := f.journal.Load("crashed")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != BatchRolledBack {
		t.Errorf("status = %s, want rolled_back", loaded.Status)
	}
}
