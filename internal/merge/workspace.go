package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// workspace is a worktree with the base branch checked out.
type workspace struct {
	Path string
	// Temporary workspaces are created for one record and removed after it.
	Temporary bool
}

// acquireWorkspace finds the worktree that has base checked out, or creates
// a temporary one under mergeDir when none does.
func acquireWorkspace(ctx context.Context, vcs worktree.VCS, mergeDir, base string, log *logging.Logger) (workspace, error) {
	infos, err := vcs.ListWorktrees(ctx)
	if err != nil {
		return workspace{}, err
	}

	if info, ok := worktree.FindByBranch(infos, base); ok {
		if info.Prunable {
			return workspace{}, fmt.Errorf("worktree for %s at %s is missing on disk", base, info.Path)
		}
		busy, err := vcs.MergeInProgress(ctx, info.Path)
		if err != nil {
			return workspace{}, err
		}
		if busy {
			return workspace{}, fmt.Errorf("a merge is already in progress in %s", info.Path)
		}
		status, err := vcs.Status(ctx, info.Path)
		if err != nil {
			return workspace{}, err
		}
		if !status.Clean() {
			return workspace{}, fmt.Errorf("worktree %s with %s checked out has uncommitted changes", info.Path, base)
		}
		return workspace{Path: info.Path}, nil
	}

	exists, err := vcs.BranchExists(ctx, base)
	if err != nil {
		return workspace{}, err
	}
	if !exists {
		return workspace{}, fmt.Errorf("base branch %s does not exist", base)
	}

	path := filepath.Join(mergeDir, strings.ReplaceAll(base, "/", "-"))
	if _, ok := worktree.FindByPath(infos, path); ok {
		// Left behind by an interrupted run.
		log.Warn("removing leftover merge workspace", "path", path)
		if err := vcs.RemoveWorktree(ctx, path, true); err != nil {
			return workspace{}, err
		}
	}
	if err := os.RemoveAll(path); err != nil {
		return workspace{}, err
	}
	if err := vcs.AddWorktree(ctx, path, base, ""); err != nil {
		return workspace{}, err
	}
	log.Debug("created merge workspace", "path", path, "base", base)
	return workspace{Path: path, Temporary: true}, nil
}

func (w workspace) release(ctx context.Context, vcs worktree.VCS, log *logging.Logger) {
	if !w.Temporary {
		return
	}
	if err := vcs.RemoveWorktree(ctx, w.Path, true); err != nil {
		log.Warn("failed to remove merge workspace", "path", w.Path, "error", err.Error())
	}
}
