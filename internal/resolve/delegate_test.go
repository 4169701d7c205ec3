package resolve

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/testutil/vcsfake"
)

type agentFunc func(ctx context.Context, req *Request) (*Response, error)

func (f agentFunc) Resolve(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// conflicted leaves root mid-merge with app.txt and lib.txt conflicted.
func conflicted(t *testing.T) (*vcsfake.Fake, string, Conflict) {
	t.Helper()
	root := t.TempDir()
	fake := vcsfake.New(root)
	fake.SetBranch("feature/login", "main")
	fake.Commit("main", "base change", map[string]string{"app.txt": "main\n", "lib.txt": "main lib\n"})
	fake.Commit("feature/login", "feature change", map[string]string{"app.txt": "feature\n", "lib.txt": "feature lib\n"})

	out, err := fake.Merge(context.Background(), root, "feature/login")
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Conflicts) != 2 {
		t.Fatalf("setup produced %d conflicts", len(out.Conflicts))
	}
	return fake, root, Conflict{
		Name:        "login",
		Branch:      "feature/login",
		BaseBranch:  "main",
		Workspace:   root,
		Files:       out.Conflicts,
		ContextText: "feature: add login",
	}
}

func newDelegate(t *testing.T, fake *vcsfake.Fake, agent Agent, cfg config.ResolutionConfig) *Delegate {
	t.Helper()
	d := NewDelegate(fake, agent, filepath.Join(t.TempDir(), "backups"), cfg, nil)
	d.now = func() time.Time { return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC) }
	return d
}

func writeAll(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestResolve_Success(t *testing.T) {
	fake, root, c := conflicted(t)
	var got *Request
	agent := agentFunc(func(_ context.Context, req *Request) (*Response, error) {
		got = req
		writeAll(t, root, map[string]string{"app.txt": "main\nfeature\n", "lib.txt": "both libs\n"})
		return &Response{
			ResolvedFiles:   []string{"app.txt", "lib.txt"},
			StrategyPerFile: map[string]string{"app.txt": "union"},
			Status:          StatusSuccess,
		}, nil
	})

	d := newDelegate(t, fake, agent, config.ResolutionConfig{})
	res, err := d.Resolve(context.Background(), c)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !res.Resolved {
		t.Fatalf("Resolved = false, reason %q", res.Reason)
	}

	if len(got.BackupLocations) != 2 || got.ContextText != "feature: add login" {
		t.Errorf("request = %+v", got)
	}
	ours, err := os.ReadFile(got.BackupLocations[0].BaseVersionPath)
	if err != nil || string(ours) != "main\n" {
		t.Errorf("ours backup = %q, %v", ours, err)
	}
	theirs, err := os.ReadFile(got.BackupLocations[0].IncomingVersionPath)
	if err != nil || string(theirs) != "feature\n" {
		t.Errorf("theirs backup = %q, %v", theirs, err)
	}

	if files, _ := fake.ConflictedFiles(context.Background(), root); len(files) != 0 {
		t.Errorf("files still unmerged after resolution: %v", files)
	}
	if _, err := os.Stat(res.LogPath); err != nil {
		t.Errorf("resolution log missing: %v", err)
	}
}

func TestResolve_VerificationFailures(t *testing.T) {
	tests := []struct {
		name   string
		agent  func(root string) Agent
		reason string
	}{
		{
			name: "markers remain",
			agent: func(root string) Agent {
				return agentFunc(func(context.Context, *Request) (*Response, error) {
					_ = os.WriteFile(filepath.Join(root, "lib.txt"), []byte("ok\n"), 0644)
					return &Response{ResolvedFiles: []string{"app.txt", "lib.txt"}, Status: StatusSuccess}, nil
				})
			},
			reason: "conflict markers remain in: app.txt",
		},
		{
			name: "file not claimed",
			agent: func(root string) Agent {
				return agentFunc(func(context.Context, *Request) (*Response, error) {
					_ = os.WriteFile(filepath.Join(root, "app.txt"), []byte("ok\n"), 0644)
					_ = os.WriteFile(filepath.Join(root, "lib.txt"), []byte("ok\n"), 0644)
					return &Response{ResolvedFiles: []string{"app.txt"}, Status: StatusSuccess}, nil
				})
			},
			reason: "agent did not resolve: lib.txt",
		},
		{
			name: "partial status",
			agent: func(string) Agent {
				return agentFunc(func(context.Context, *Request) (*Response, error) {
					return &Response{ResolvedFiles: []string{"app.txt"}, Status: StatusPartial}, nil
				})
			},
			reason: "agent reported partial",
		},
		{
			name: "agent crashed",
			agent: func(string) Agent {
				return agentFunc(func(context.Context, *Request) (*Response, error) {
					return nil, errors.New("exit status 2")
				})
			},
			reason: "agent failed: exit status 2",
		},
		{
			name: "agent timed out",
			agent: func(string) Agent {
				return agentFunc(func(context.Context, *Request) (*Response, error) {
					return nil, errors.NewTimeoutError("conflict resolution agent", time.Minute)
				})
			},
			reason: "agent timed out",
		},
		{
			name:   "no agent",
			agent:  func(string) Agent { return nil },
			reason: "no resolution agent configured",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake, root, c := conflicted(t)
			d := newDelegate(t, fake, tt.agent(root), config.ResolutionConfig{})

			res, err := d.Resolve(context.Background(), c)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if res.Resolved {
				t.Fatal("Resolved = true, want false")
			}
			if !strings.Contains(res.Reason, tt.reason) {
				t.Errorf("Reason = %q, want %q", res.Reason, tt.reason)
			}
			if fake.CallCount("Add") != 0 {
				t.Error("unverified files were staged")
			}
			if len(res.Backups) != 2 {
				t.Errorf("Backups = %d, want 2", len(res.Backups))
			}
			if _, err := os.Stat(filepath.Join(res.BackupDir, "app.txt.attempted")); err != nil {
				t.Errorf("attempted file not kept: %v", err)
			}
		})
	}
}

func TestResolve_CheckCommandFlagsReview(t *testing.T) {
	fake, root, c := conflicted(t)
	agent := agentFunc(func(context.Context, *Request) (*Response, error) {
		writeAll(t, root, map[string]string{"app.txt": "a\n", "lib.txt": "b\n"})
		return &Response{ResolvedFiles: []string{"app.txt", "lib.txt"}, Status: StatusSuccess}, nil
	})
	d := newDelegate(t, fake, agent, config.ResolutionConfig{CheckCommand: "echo tests failed >&2; exit 1", CheckTimeoutMinutes: 1})

	res, err := d.Resolve(context.Background(), c)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Resolved || !res.NeedsReview {
		t.Errorf("Resolved = %v, NeedsReview = %v", res.Resolved, res.NeedsReview)
	}
	if !strings.Contains(res.Reason, "tests failed") {
		t.Errorf("Reason = %q", res.Reason)
	}
	if fake.CallCount("Add") != 0 {
		t.Error("files staged despite failing check")
	}
}

func TestHasConflictMarkers(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"clean\n", false},
		{"<<<<<<< HEAD\na\n=======\nb\n>>>>>>> x\n", true},
		{"a\n=======\n", true},
		{"a\r\n=======\r\n", true},
		{"title\n========\n", false},
		{"x <<<<<<< y\n", false},
		{"a\n>>>>>>> feature", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasConflictMarkers([]byte(tt.in)); got != tt.want {
			t.Errorf("HasConflictMarkers(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHasConflictMarkers_AfterVeryLongLine(t *testing.T) {
	// A minified bundle or lockfile can hold a single line of many megabytes.
	long := strings.Repeat("x", 5<<20)

	hunk := long + "\n<<<<<<< HEAD\na\n=======\nb\n>>>>>>> feature\n"
	if !HasConflictMarkers([]byte(hunk)) {
		t.Error("markers after a 5 MiB line were not detected")
	}
	if HasConflictMarkers([]byte(long + "\nclean\n")) {
		t.Error("clean file with a 5 MiB line reported markers")
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := ParseResponse([]byte(`{"resolved_files":["a"],"status":"success"}`)); err != nil {
		t.Errorf("valid response rejected: %v", err)
	}
	for _, bad := range []string{
		`{"resolved_files":["a"],"status":"done"}`,
		`{"status":"success"}`,
		`not json`,
	} {
		if _, err := ParseResponse([]byte(bad)); !errors.Is(err, errors.ErrInvalidInput) {
			t.Errorf("ParseResponse(%s) error = %v, want ErrInvalidInput", bad, err)
		}
	}
}

func TestCommandAgent(t *testing.T) {
	dir := t.TempDir()
	agent := &CommandAgent{
		Command: `cat > request.json; echo '{"resolved_files":["a.txt"],"status":"success"}'`,
		Timeout: 30 * time.Second,
	}
	resp, err := agent.Resolve(context.Background(), &Request{Worktree: "login", Workspace: dir, ConflictedFiles: []string{"a.txt"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if resp.Status != StatusSuccess {
		t.Errorf("Status = %s", resp.Status)
	}
	data, err := os.ReadFile(filepath.Join(dir, "request.json"))
	if err != nil || !strings.Contains(string(data), `"worktree":"login"`) {
		t.Errorf("agent did not receive the request on stdin: %s %v", data, err)
	}
}

func TestCommandAgent_Timeout(t *testing.T) {
	agent := &CommandAgent{Command: "sleep 5", Timeout: 100 * time.Millisecond}
	_, err := agent.Resolve(context.Background(), &Request{Workspace: t.TempDir()})
	if !errors.Is(err, errors.ErrTimeout) {
		t.Errorf("Resolve() error = %v, want timeout", err)
	}
}
