package resolve

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/util"
)

// LogFileName is the per-attempt resolution log kept next to the backups.
const LogFileName = "resolution.log"

// VCS is the subset of version control the delegate needs.
type VCS interface {
	ShowStage(ctx context.Context, dir string, stage int, file string) ([]byte, error)
	Add(ctx context.Context, dir string, files ...string) error
}

// Conflict is one conflicted merge waiting for resolution.
type Conflict struct {
	Name       string
	Branch     string
	BaseBranch string
	// Workspace is the worktree where the merge is in progress.
	Workspace string
	Files     []string
	// ContextText describes what each side of the merge intended.
	ContextText string
}

// Result describes one resolution attempt. Resolved means every file was
// verified and staged; the caller commits the merge.
type Result struct {
	Resolved    bool
	NeedsReview bool
	Reason      string
	BackupDir   string
	Backups     []Backup
	LogPath     string
	Strategies  map[string]string
}

// Delegate backs up conflicts, invokes the agent and verifies its output.
type Delegate struct {
	vcs          VCS
	agent        Agent
	backupsDir   string
	checkCommand string
	checkTimeout time.Duration
	logger       *logging.Logger
	now          func() time.Time
}

// NewDelegate creates a Delegate. agent may be nil, in which case every
// conflict is left for manual resolution after its backups are written.
func NewDelegate(vcs VCS, agent Agent, backupsDir string, cfg config.ResolutionConfig, logger *logging.Logger) *Delegate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Delegate{
		vcs:          vcs,
		agent:        agent,
		backupsDir:   backupsDir,
		checkCommand: cfg.CheckCommand,
		checkTimeout: cfg.CheckTimeout(),
		logger:       logger.WithPhase("resolve"),
		now:          time.Now,
	}
}

// Resolve handles one conflicted merge. It never commits and never aborts
// the merge; on any failure Result.Reason says why and the merge is left as
// the agent left it.
func (d *Delegate) Resolve(ctx context.Context, c Conflict) (*Result, error) {
	log := d.logger.WithWorktree(c.Name)
	res := &Result{
		BackupDir: filepath.Join(d.backupsDir, d.now().UTC().Format("20060102T150405Z"), c.Name),
	}
	res.LogPath = filepath.Join(res.BackupDir, LogFileName)
	if err := os.MkdirAll(res.BackupDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	rlog, err := os.OpenFile(res.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open resolution log: %w", err)
	}
	defer func() { _ = rlog.Close() }()
	note := func(format string, args ...any) {
		_, _ = fmt.Fprintf(rlog, "%s "+format+"\n", append([]any{d.now().UTC().Format(time.RFC3339)}, args...)...)
	}
	note("merge of %s into %s in %s", c.Branch, c.BaseBranch, c.Workspace)
	note("conflicted files: %s", strings.Join(c.Files, ", "))

	// Nothing is handed to the agent before every backup exists.
	backups, err := d.backup(ctx, c, res.BackupDir)
	if err != nil {
		note("backup failed: %v", err)
		return nil, err
	}
	res.Backups = backups
	log.Info("conflict backups written", "dir", res.BackupDir, "files", len(backups))

	fail := func(reason string) (*Result, error) {
		res.Reason = reason
		note("FAILED: %s", reason)
		d.keepAttempts(c, res.BackupDir)
		log.Warn("conflict resolution failed", "reason", reason)
		return res, nil
	}

	if d.agent == nil {
		return fail("no resolution agent configured")
	}

	req := &Request{
		Worktree:        c.Name,
		Workspace:       c.Workspace,
		Branch:          c.Branch,
		BaseBranch:      c.BaseBranch,
		ConflictedFiles: c.Files,
		BackupLocations: backups,
		ContextText:     c.ContextText,
	}
	if ca, ok := d.agent.(*CommandAgent); ok && ca.Transcript == nil {
		ca.Transcript = func(stdout, stderr []byte) {
			if len(stdout) > 0 {
				note("agent stdout:\n%s", stdout)
			}
			if len(stderr) > 0 {
				note("agent stderr:\n%s", stderr)
			}
		}
		defer func() { ca.Transcript = nil }()
	}

	note("invoking agent")
	resp, err := d.agent.Resolve(ctx, req)
	if err != nil {
		if errors.Is(err, errors.ErrCanceled) {
			note("canceled")
			return nil, err
		}
		if errors.Is(err, errors.ErrTimeout) {
			return fail("agent timed out: " + err.Error())
		}
		return fail("agent failed: " + util.FirstLine(err.Error()))
	}
	res.Strategies = resp.StrategyPerFile
	note("agent reported %s for %d files", resp.Status, len(resp.ResolvedFiles))

	if resp.Status != StatusSuccess {
		return fail(fmt.Sprintf("agent reported %s", resp.Status))
	}
	if reason := d.verify(c, resp); reason != "" {
		return fail(reason)
	}
	note("verified: every file claimed and free of conflict markers")

	if d.checkCommand != "" {
		note("running check: %s", d.checkCommand)
		run, err := runShell(ctx, "check command", c.Workspace, d.checkCommand, nil, nil, d.checkTimeout)
		if len(run.Stdout)+len(run.Stderr) > 0 {
			note("check output:\n%s%s", run.Stdout, run.Stderr)
		}
		if err != nil {
			if errors.Is(err, errors.ErrCanceled) {
				return nil, err
			}
			res.NeedsReview = true
			return fail("check command failed: " + util.FirstLine(err.Error()))
		}
	}

	if err := d.vcs.Add(ctx, c.Workspace, c.Files...); err != nil {
		return fail("failed to stage resolved files: " + util.FirstLine(err.Error()))
	}
	res.Resolved = true
	note("resolved files staged")
	log.Info("conflicts resolved", "files", len(c.Files))
	return res, nil
}

// backup saves the "ours" and "theirs" index stages of every conflicted
// file. A side that does not have the file is recorded with an empty path.
func (d *Delegate) backup(ctx context.Context, c Conflict, dir string) ([]Backup, error) {
	backups := make([]Backup, 0, len(c.Files))
	for _, file := range c.Files {
		b := Backup{FilePath: file}
		for _, side := range []struct {
			stage  int
			suffix string
			dst    *string
		}{
			{2, ".ours", &b.BaseVersionPath},
			{3, ".theirs", &b.IncomingVersionPath},
		} {
			content, err := d.vcs.ShowStage(ctx, c.Workspace, side.stage, file)
			if err != nil {
				// Deleted on this side of the merge.
				continue
			}
			path := filepath.Join(dir, filepath.FromSlash(file)+side.suffix)
			if err := util.WriteFileAtomic(path, content, 0644); err != nil {
				return nil, fmt.Errorf("failed to back up %s: %w", file, err)
			}
			*side.dst = path
		}
		if b.BaseVersionPath == "" && b.IncomingVersionPath == "" {
			return nil, fmt.Errorf("no index stages found for %s", file)
		}
		backups = append(backups, b)
	}
	return backups, nil
}

// verify returns why the agent's output cannot be accepted, or "".
// Any file left unresolved fails the whole merge.
func (d *Delegate) verify(c Conflict, resp *Response) string {
	var unclaimed, missing, marked []string
	for _, file := range c.Files {
		if !slices.Contains(resp.ResolvedFiles, file) {
			unclaimed = append(unclaimed, file)
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.Workspace, filepath.FromSlash(file)))
		if err != nil {
			missing = append(missing, file)
			continue
		}
		if HasConflictMarkers(data) {
			marked = append(marked, file)
		}
	}

	switch {
	case len(unclaimed) > 0:
		return "agent did not resolve: " + strings.Join(unclaimed, ", ")
	case len(missing) > 0:
		return "resolved files missing from workspace: " + strings.Join(missing, ", ")
	case len(marked) > 0:
		return "conflict markers remain in: " + strings.Join(marked, ", ")
	}
	return ""
}

// keepAttempts copies what the agent left behind so manual work can start
// from it after the merge is aborted.
func (d *Delegate) keepAttempts(c Conflict, dir string) {
	for _, file := range c.Files {
		src := filepath.Join(c.Workspace, filepath.FromSlash(file))
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, filepath.FromSlash(file)+".attempted")
		if err := util.CopyFile(src, dst); err != nil {
			d.logger.Warn("failed to keep attempted resolution", "file", file, "error", err.Error())
		}
	}
}

// HasConflictMarkers reports whether data contains a line that opens,
// separates or closes a conflict hunk. Lines of any length are examined.
func HasConflictMarkers(data []byte) bool {
	for len(data) > 0 {
		line := data
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			line, data = data[:i], data[i+1:]
		} else {
			data = nil
		}
		if isConflictMarker(bytes.TrimSuffix(line, []byte("\r"))) {
			return true
		}
	}
	return false
}

func isConflictMarker(line []byte) bool {
	switch string(line) {
	case "=======", "<<<<<<<", ">>>>>>>":
		return true
	}
	return bytes.HasPrefix(line, []byte("<<<<<<< ")) || bytes.HasPrefix(line, []byte(">>>>>>> "))
}
