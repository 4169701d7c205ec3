// Package config loads arbor's configuration through viper. Values come from
// (lowest to highest precedence) built-in defaults, the user config file,
// the repository's .arbor/config.yaml, ARBOR_* environment variables and flags.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all arbor configuration
type Config struct {
	Paths      PathsConfig      `mapstructure:"paths"`
	Branch     BranchConfig     `mapstructure:"branch"`
	Build      BuildConfig      `mapstructure:"build"`
	Guard      GuardConfig      `mapstructure:"guard"`
	Completion CompletionConfig `mapstructure:"completion"`
	Resolution ResolutionConfig `mapstructure:"resolution"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	UI         UIConfig         `mapstructure:"ui"`
}

// PathsConfig controls where arbor keeps its state and worktrees.
// Relative paths resolve against the repository root; ~ expands to the home directory.
type PathsConfig struct {
	// StateDir holds registry, records, journals, backups and logs (default: ".arbor").
	StateDir string `mapstructure:"state_dir"`
	// WorktreeDir is the root under which feature worktrees are created
	// (default: "<state_dir>/worktrees").
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// BranchConfig controls feature branch naming
type BranchConfig struct {
	// Prefix is prepended to feature names: "<prefix>/<name>" (default: "feature")
	Prefix string `mapstructure:"prefix"`
}

// BuildConfig controls worktree batch creation
type BuildConfig struct {
	// IntegrationBranch is a text/template for the shared integration branch.
	// Available fields: .Date (YYYY-MM-DD), .Version.
	IntegrationBranch string `mapstructure:"integration_branch"`
	// IntegrationBase is the ref the integration branch is created from.
	// Empty means the repository's main branch.
	IntegrationBase string `mapstructure:"integration_base"`
	// Version fills the .Version template field.
	Version string `mapstructure:"version"`
	// ContextFile is the intent artifact written into every new worktree.
	ContextFile string `mapstructure:"context_file"`
}

// GuardConfig controls lock staleness and waiting
type GuardConfig struct {
	// StaleLockSeconds is the age after which an empty index.lock is considered abandoned (default: 60)
	StaleLockSeconds int `mapstructure:"stale_lock_seconds"`
	// LockWaitMs is the initial wait before re-checking a fresh lock (default: 500)
	LockWaitMs int `mapstructure:"lock_wait_ms"`
	// LockRetries is how many times a fresh lock is re-checked before giving up (default: 3)
	LockRetries int `mapstructure:"lock_retries"`
}

// CompletionConfig controls completion record discovery
type CompletionConfig struct {
	// Dir is where completion records are written (default: "<state_dir>/completions")
	Dir string `mapstructure:"dir"`
}

// ResolutionConfig controls the external conflict resolution agent
type ResolutionConfig struct {
	// AgentCommand is run through "sh -c" with the request JSON on stdin.
	// Empty disables automatic resolution; conflicts go straight to manual review.
	AgentCommand string `mapstructure:"agent_command"`
	// TimeoutMinutes is the hard limit for one agent invocation (default: 10)
	TimeoutMinutes int `mapstructure:"timeout_minutes"`
	// CheckCommand optionally validates a resolved merge (for example a build or test run).
	CheckCommand string `mapstructure:"check_command"`
	// CheckTimeoutMinutes bounds CheckCommand (default: 5)
	CheckTimeoutMinutes int `mapstructure:"check_timeout_minutes"`
}

// ArchiveConfig controls what happens to artifacts of merged worktrees
type ArchiveConfig struct {
	// Dir receives completion records and backups of merged worktrees (default: "<state_dir>/archive")
	Dir string `mapstructure:"dir"`
	// Changelog is appended with one entry per archived worktree (default: "<state_dir>/CHANGELOG.md")
	Changelog string `mapstructure:"changelog"`
	// KeepBackups moves conflict backups into the archive instead of deleting them (default: true)
	KeepBackups bool `mapstructure:"keep_backups"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes JSON logs to <state_dir>/logs/debug.log (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// UIConfig controls terminal output
type UIConfig struct {
	// Color is "auto", "always" or "never" (default: "auto")
	Color string `mapstructure:"color"`
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: ".arbor",
		},
		Branch: BranchConfig{
			Prefix: "feature",
		},
		Build: BuildConfig{
			IntegrationBranch: "integration/{{.Date}}",
			ContextFile:       ".arbor-context.md",
		},
		Guard: GuardConfig{
			StaleLockSeconds: 60,
			LockWaitMs:       500,
			LockRetries:      3,
		},
		Resolution: ResolutionConfig{
			TimeoutMinutes:      10,
			CheckTimeoutMinutes: 5,
		},
		Archive: ArchiveConfig{
			KeepBackups: true,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		UI: UIConfig{
			Color: "auto",
		},
	}
}

// StaleLockThreshold returns the index.lock staleness threshold.
func (g *GuardConfig) StaleLockThreshold() time.Duration {
	return time.Duration(g.StaleLockSeconds) * time.Second
}

// LockWait returns the initial wait before a fresh lock is re-checked.
func (g *GuardConfig) LockWait() time.Duration {
	return time.Duration(g.LockWaitMs) * time.Millisecond
}

// Timeout returns the hard limit for one agent invocation.
func (r *ResolutionConfig) Timeout() time.Duration {
	return time.Duration(r.TimeoutMinutes) * time.Minute
}

// CheckTimeout returns the limit for the post-resolution check command.
func (r *ResolutionConfig) CheckTimeout() time.Duration {
	return time.Duration(r.CheckTimeoutMinutes) * time.Minute
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("paths.state_dir", defaults.Paths.StateDir)
	viper.SetDefault("paths.worktree_dir", defaults.Paths.WorktreeDir)

	viper.SetDefault("branch.prefix", defaults.Branch.Prefix)

	viper.SetDefault("build.integration_branch", defaults.Build.IntegrationBranch)
	viper.SetDefault("build.integration_base", defaults.Build.IntegrationBase)
	viper.SetDefault("build.version", defaults.Build.Version)
	viper.SetDefault("build.context_file", defaults.Build.ContextFile)

	viper.SetDefault("guard.stale_lock_seconds", defaults.Guard.StaleLockSeconds)
	viper.SetDefault("guard.lock_wait_ms", defaults.Guard.LockWaitMs)
	viper.SetDefault("guard.lock_retries", defaults.Guard.LockRetries)

	viper.SetDefault("completion.dir", defaults.Completion.Dir)

	viper.SetDefault("resolution.agent_command", defaults.Resolution.AgentCommand)
	viper.SetDefault("resolution.timeout_minutes", defaults.Resolution.TimeoutMinutes)
	viper.SetDefault("resolution.check_command", defaults.Resolution.CheckCommand)
	viper.SetDefault("resolution.check_timeout_minutes", defaults.Resolution.CheckTimeoutMinutes)

	viper.SetDefault("archive.dir", defaults.Archive.Dir)
	viper.SetDefault("archive.changelog", defaults.Archive.Changelog)
	viper.SetDefault("archive.keep_backups", defaults.Archive.KeepBackups)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	viper.SetDefault("ui.color", defaults.UI.Color)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "arbor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arbor"
	}
	return filepath.Join(home, ".config", "arbor")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// -----------------------------------------------------------------------------
// Path resolution
// -----------------------------------------------------------------------------

// Layout is the set of absolute paths arbor uses inside one repository.
type Layout struct {
	Root        string
	StateDir    string
	WorktreeDir string
	Registry    string
	RecordsDir  string
	BatchesDir  string
	Completions string
	BackupsDir  string
	MergeDir    string
	ArchiveDir  string
	Changelog   string
	LogDir      string
	RunLock     string
}

// Layout resolves every configured path against the repository root.
func (c *Config) Layout(root string) Layout {
	state := resolvePath(root, c.Paths.StateDir, ".arbor")
	l := Layout{
		Root:        root,
		StateDir:    state,
		WorktreeDir: resolvePath(root, c.Paths.WorktreeDir, filepath.Join(state, "worktrees")),
		Registry:    filepath.Join(state, "staged.yaml"),
		RecordsDir:  filepath.Join(state, "records"),
		BatchesDir:  filepath.Join(state, "batches"),
		Completions: resolvePath(root, c.Completion.Dir, filepath.Join(state, "completions")),
		BackupsDir:  filepath.Join(state, "backups"),
		MergeDir:    filepath.Join(state, "merge"),
		ArchiveDir:  resolvePath(root, c.Archive.Dir, filepath.Join(state, "archive")),
		Changelog:   resolvePath(root, c.Archive.Changelog, filepath.Join(state, "CHANGELOG.md")),
		LogDir:      filepath.Join(state, "logs"),
		RunLock:     filepath.Join(state, "arbor.lock"),
	}
	return l
}

// resolvePath expands ~ and makes relative paths absolute under root.
// An empty path yields fallback, which is used as-is when already absolute.
func resolvePath(root, path, fallback string) string {
	if path == "" {
		path = fallback
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	return filepath.Clean(path)
}
