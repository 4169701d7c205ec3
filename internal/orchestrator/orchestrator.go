// Package orchestrator wires arbor's components together for one repository
// and exposes the operations the CLI runs: staging, building, completion,
// close-done, guard and watch.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/arbor/internal/archive"
	"github.com/Iron-Ham/arbor/internal/build"
	"github.com/Iron-Ham/arbor/internal/completion"
	"github.com/Iron-Ham/arbor/internal/config"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/guard"
	"github.com/Iron-Ham/arbor/internal/lifecycle"
	"github.com/Iron-Ham/arbor/internal/logging"
	"github.com/Iron-Ham/arbor/internal/merge"
	"github.com/Iron-Ham/arbor/internal/resolve"
	"github.com/Iron-Ham/arbor/internal/stage"
	"github.com/Iron-Ham/arbor/internal/worktree"
)

// Options customizes how an Orchestrator is assembled.
type Options struct {
	// VCS replaces the git CLI collaborator.
	VCS worktree.VCS
	// Agent replaces the agent built from resolution.agent_command.
	Agent resolve.Agent
	// Logger replaces the configured log file.
	Logger *logging.Logger
}

// Orchestrator manages arbor's worktrees for one repository.
type Orchestrator struct {
	cfg    *config.Config
	layout config.Layout
	vcs    worktree.VCS
	logger *logging.Logger
	bus    *event.Bus

	ownsLogger bool

	registry *stage.Registry
	store    *lifecycle.Store
	tracker  *lifecycle.Tracker
	guard    *guard.Guard
	builder  *build.Controller
	detector *completion.Detector
	archiver *archive.Manager
	engine   *merge.Engine
}

// New assembles an Orchestrator for the repository containing dir.
func New(ctx context.Context, cfg *config.Config, dir string, opts Options) (*Orchestrator, error) {
	vcs := opts.VCS
	if vcs == nil {
		git, err := worktree.Open(ctx, dir)
		if err != nil {
			return nil, err
		}
		vcs = git
	}
	layout := cfg.Layout(vcs.Root())

	logger, ownsLogger := opts.Logger, false
	if logger == nil {
		var err error
		logger, err = newLogger(cfg, layout)
		if err != nil {
			return nil, err
		}
		ownsLogger = true
	}

	o := &Orchestrator{
		cfg:        cfg,
		layout:     layout,
		vcs:        vcs,
		logger:     logger,
		ownsLogger: ownsLogger,
		bus:        event.NewBus(logger),
	}
	o.bus.SubscribeAll(o.logEvent)

	o.registry = stage.NewRegistry(layout.Registry)
	o.store = lifecycle.NewStore(layout.RecordsDir)
	o.tracker = lifecycle.NewTracker(o.store, o.bus, logger)
	o.guard = guard.New(vcs, layout.WorktreeDir, cfg.Guard, logger, o.bus)

	o.builder = build.NewController(build.Deps{
		VCS:      vcs,
		Guard:    o.guard,
		Registry: o.registry,
		Tracker:  o.tracker,
		Journal:  build.NewJournal(layout.BatchesDir),
		Config:   cfg,
		Layout:   layout,
		Logger:   logger,
		Bus:      o.bus,
	})

	o.detector = completion.NewDetector(vcs, layout.Completions, o.store, logger)

	agent := opts.Agent
	if agent == nil && cfg.Resolution.AgentCommand != "" {
		agent = &resolve.CommandAgent{
			Command: cfg.Resolution.AgentCommand,
			Timeout: cfg.Resolution.Timeout(),
		}
	}
	delegate := resolve.NewDelegate(vcs, agent, layout.BackupsDir, cfg.Resolution, logger)

	o.archiver = archive.NewManager(vcs, o.tracker, archive.Options{
		ArchiveDir:  layout.ArchiveDir,
		Changelog:   layout.Changelog,
		KeepBackups: cfg.Archive.KeepBackups,
	}, logger)

	o.engine = merge.NewEngine(merge.Deps{
		VCS:         vcs,
		Tracker:     o.tracker,
		Guard:       o.guard,
		Delegate:    delegate,
		Archive:     o.archiver,
		MergeDir:    layout.MergeDir,
		ContextFile: cfg.Build.ContextFile,
		Logger:      logger,
		Bus:         o.bus,
	})

	if err := o.excludeState(ctx); err != nil {
		logger.Warn("failed to update info/exclude", "error", err.Error())
	}
	return o, nil
}

func newLogger(cfg *config.Config, layout config.Layout) (*logging.Logger, error) {
	rotation := logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	}
	dir := ""
	if cfg.Logging.Enabled {
		dir = layout.LogDir
	}
	logger, err := logging.NewLogger(dir, logging.ParseLevel(cfg.Logging.Level), rotation)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	return logger, nil
}

// excludeState keeps the state directory and context files out of git status.
func (o *Orchestrator) excludeState(ctx context.Context) error {
	common, err := o.vcs.CommonDir(ctx)
	if err != nil {
		return err
	}
	var patterns []string
	if rel, err := filepath.Rel(o.layout.Root, o.layout.StateDir); err == nil && !strings.HasPrefix(rel, "..") {
		patterns = append(patterns, "/"+filepath.ToSlash(rel)+"/")
	}
	if o.cfg.Build.ContextFile != "" {
		patterns = append(patterns, "/"+o.cfg.Build.ContextFile)
	}
	return worktree.EnsureExcluded(common, patterns...)
}

func (o *Orchestrator) logEvent(e event.Event) {
	switch ev := e.(type) {
	case event.TransitionEvent:
		o.logger.Debug("lifecycle transition", "worktree", ev.Name, "from", ev.From, "to", ev.To, "reason", ev.Reason)
	default:
		o.logger.Debug("event", "type", e.EventType())
	}
}

// Close releases the log file.
func (o *Orchestrator) Close() error {
	if o.ownsLogger {
		return o.logger.Close()
	}
	return nil
}

// Layout returns the resolved paths in use.
func (o *Orchestrator) Layout() config.Layout {
	return o.layout
}

// Config returns the configuration in use.
func (o *Orchestrator) Config() *config.Config {
	return o.cfg
}

// Bus returns the lifecycle event bus.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// locked runs fn under the invocation lock, first rolling back any batch a
// killed invocation left behind.
func (o *Orchestrator) locked(ctx context.Context, fn func() error) error {
	lock, err := guard.AcquireRunLock(ctx, o.layout.RunLock, o.cfg.Guard.LockWait())
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.logger.Warn("failed to release run lock", "error", err.Error())
		}
	}()

	recovered, err := o.builder.Recover(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover interrupted batch: %w", err)
	}
	if len(recovered) > 0 {
		o.logger.Warn("rolled back interrupted batches", "operations", recovered)
	}
	return fn()
}
