package config

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "guard.stale_lock_seconds")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// branchPrefixRegex allows slash-separated segments of alphanumerics, hyphens and underscores.
var branchPrefixRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*(/[a-zA-Z0-9_-]+)*$`)

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidColorModes returns the accepted ui.color values
func ValidColorModes() []string {
	return []string{"auto", "always", "never"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validatePaths()...)
	errs = append(errs, c.validateBranch()...)
	errs = append(errs, c.validateBuild()...)
	errs = append(errs, c.validateGuard()...)
	errs = append(errs, c.validateResolution()...)
	errs = append(errs, c.validateLogging()...)

	if !slices.Contains(ValidColorModes(), c.UI.Color) {
		errs = append(errs, ValidationError{
			Field:   "ui.color",
			Value:   c.UI.Color,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidColorModes(), ", ")),
		})
	}

	return errs
}

func (c *Config) validatePaths() []ValidationError {
	var errs []ValidationError

	if c.Paths.StateDir == "" {
		errs = append(errs, ValidationError{
			Field:   "paths.state_dir",
			Value:   c.Paths.StateDir,
			Message: "cannot be empty",
		})
	}

	for field, path := range map[string]string{
		"paths.state_dir":    c.Paths.StateDir,
		"paths.worktree_dir": c.Paths.WorktreeDir,
		"completion.dir":     c.Completion.Dir,
		"archive.dir":        c.Archive.Dir,
		"archive.changelog":  c.Archive.Changelog,
	} {
		if strings.ContainsRune(path, '\x00') {
			errs = append(errs, ValidationError{
				Field:   field,
				Value:   path,
				Message: "path contains invalid null character",
			})
		}
	}

	// Map iteration order is random; keep output stable.
	slices.SortFunc(errs, func(a, b ValidationError) int { return strings.Compare(a.Field, b.Field) })
	return errs
}

func (c *Config) validateBranch() []ValidationError {
	var errs []ValidationError

	if c.Branch.Prefix == "" {
		errs = append(errs, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "cannot be empty",
		})
	} else if !branchPrefixRegex.MatchString(c.Branch.Prefix) {
		errs = append(errs, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: "must start with a letter and contain only alphanumeric characters, hyphens, underscores or slashes",
		})
	}

	const maxBranchPrefixLength = 50
	if len(c.Branch.Prefix) > maxBranchPrefixLength {
		errs = append(errs, ValidationError{
			Field:   "branch.prefix",
			Value:   c.Branch.Prefix,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", maxBranchPrefixLength),
		})
	}

	return errs
}

func (c *Config) validateBuild() []ValidationError {
	var errs []ValidationError

	if strings.TrimSpace(c.Build.IntegrationBranch) == "" {
		errs = append(errs, ValidationError{
			Field:   "build.integration_branch",
			Value:   c.Build.IntegrationBranch,
			Message: "cannot be empty",
		})
	} else if _, err := template.New("integration").Option("missingkey=error").Parse(c.Build.IntegrationBranch); err != nil {
		errs = append(errs, ValidationError{
			Field:   "build.integration_branch",
			Value:   c.Build.IntegrationBranch,
			Message: fmt.Sprintf("invalid template: %v", err),
		})
	}

	if c.Build.ContextFile == "" || strings.ContainsAny(c.Build.ContextFile, `/\`) {
		errs = append(errs, ValidationError{
			Field:   "build.context_file",
			Value:   c.Build.ContextFile,
			Message: "must be a plain file name",
		})
	}

	return errs
}

func (c *Config) validateGuard() []ValidationError {
	var errs []ValidationError

	if c.Guard.StaleLockSeconds <= 0 {
		errs = append(errs, ValidationError{
			Field:   "guard.stale_lock_seconds",
			Value:   c.Guard.StaleLockSeconds,
			Message: "must be positive",
		})
	}
	if c.Guard.LockWaitMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "guard.lock_wait_ms",
			Value:   c.Guard.LockWaitMs,
			Message: "must be non-negative",
		})
	}
	if c.Guard.LockRetries < 1 {
		errs = append(errs, ValidationError{
			Field:   "guard.lock_retries",
			Value:   c.Guard.LockRetries,
			Message: "must be at least 1",
		})
	}

	return errs
}

func (c *Config) validateResolution() []ValidationError {
	var errs []ValidationError

	if c.Resolution.TimeoutMinutes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "resolution.timeout_minutes",
			Value:   c.Resolution.TimeoutMinutes,
			Message: "must be positive",
		})
	}
	if c.Resolution.CheckCommand != "" && c.Resolution.CheckTimeoutMinutes <= 0 {
		errs = append(errs, ValidationError{
			Field:   "resolution.check_timeout_minutes",
			Value:   c.Resolution.CheckTimeoutMinutes,
			Message: "must be positive when check_command is set",
		})
	}

	return errs
}

func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB <= 0 || c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("must be between 1 and %d", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}
