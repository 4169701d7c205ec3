// Package errors provides centralized error definitions and error handling utilities
// for arbor. It defines the orchestrator's sentinel errors, domain error types that
// carry the context an operator needs (branch, worktree path, raw git output), and
// classification helpers used by the CLI to pick an exit code.
//
// # Error Types
//
// Domain-specific errors represent failures of a specific subsystem:
//   - GitError: a git subprocess failed; always carries the raw git output
//   - LockError: an index lock or invocation lock blocks the operation
//   - PathConflictError: a worktree path or branch is already taken
//   - BatchError: a build batch failed and was rolled back
//   - CompletionRecordError: a completion record failed validation
//
// Semantic errors represent common error conditions:
//   - NotFoundError, AlreadyExistsError, ValidationError, TimeoutError
//
// # Usage
//
//	err := errors.NewGitError("failed to add worktree", cause).
//		WithBranch("feature/login").
//		WithWorktree("/repo/.worktrees/login").
//		WithGitOutput(string(output))
//
//	if errors.Is(err, errors.ErrVCSFailure) { ... }
//
//	var batchErr *errors.BatchError
//	if errors.As(err, &batchErr) {
//		fmt.Println(batchErr.Count)
//	}
//
// # Error Classification
//
// Precondition errors (IsPrecondition) abort an invocation before anything is
// mutated and map to a distinct exit code. Everything else is operational.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Orchestrator sentinel errors
var (
	// ErrLockActive indicates a git index lock or another arbor invocation holds the repository.
	ErrLockActive = New("repository lock is active")
	// ErrPathConflict indicates a worktree path or branch is owned by something else.
	ErrPathConflict = New("worktree path conflict")
	// ErrVCSFailure indicates a git subprocess failed.
	ErrVCSFailure = New("version control operation failed")
	// ErrPartialBatchRolledBack indicates a build batch failed and every creation was undone.
	ErrPartialBatchRolledBack = New("partial batch rolled back")
	// ErrInvalidCompletionRecord indicates a completion record is malformed or incomplete.
	ErrInvalidCompletionRecord = New("invalid completion record")
	// ErrIllegalTransition indicates a lifecycle event is not allowed in the current state.
	ErrIllegalTransition = New("illegal lifecycle transition")
	// ErrNeedsAttention indicates a run finished but left records failed or awaiting manual review.
	ErrNeedsAttention = New("worktrees need attention")
)

// Git-related sentinel errors
var (
	// ErrNotGitRepository indicates that the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrDirtyWorktree indicates that the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrInvalidConfig indicates the loaded configuration is unusable.
	ErrInvalidConfig = New("invalid configuration")
)

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError carries the message and cause shared by every arbor error type.
type baseError struct {
	message string
	cause   error
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// formatPrefixed renders "<kind> [k=v, ...]: message: cause".
func formatPrefixed(kind string, parts []string, message string, cause error) string {
	prefix := kind
	if len(parts) > 0 {
		prefix = fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// GitError represents a failed git subprocess. It always matches ErrVCSFailure.
//
// Example:
//
//	err := errors.NewGitError("failed to create worktree", cause)
//	err = err.WithBranch("feature/x").WithWorktree("/path/to/worktree")
type GitError struct {
	baseError
	Branch     string
	Worktree   string
	Repository string
	GitOutput  string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message: message,
			cause:   cause,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithRepository adds a repository path to the error context.
func (e *GitError) WithRepository(path string) *GitError {
	e.Repository = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = strings.TrimSpace(output)
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}
	if e.Repository != "" {
		parts = append(parts, fmt.Sprintf("repo=%s", e.Repository))
	}

	msg := formatPrefixed("git error", parts, e.message, e.cause)
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	if target == ErrVCSFailure {
		return true
	}
	return e.baseError.Is(target)
}

// LockError reports a lock that blocks the invocation. It always matches ErrLockActive.
type LockError struct {
	baseError
	Path string
	Age  time.Duration
	Size int64
}

// NewLockError creates a new LockError for the lock file at path.
func NewLockError(path, reason string) *LockError {
	return &LockError{
		baseError: baseError{
			message: reason,
		},
		Path: path,
	}
}

// WithAge records how old the lock file was when inspected.
func (e *LockError) WithAge(age time.Duration) *LockError {
	e.Age = age
	return e
}

// WithSize records the lock file size in bytes.
func (e *LockError) WithSize(size int64) *LockError {
	e.Size = size
	return e
}

// WithCause adds a cause to the error.
func (e *LockError) WithCause(cause error) *LockError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	parts := []string{fmt.Sprintf("path=%s", e.Path)}
	if e.Age > 0 {
		parts = append(parts, fmt.Sprintf("age=%s", e.Age.Round(time.Second)))
	}
	if e.Size > 0 {
		parts = append(parts, fmt.Sprintf("size=%d", e.Size))
	}
	return formatPrefixed("lock active", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	if target == ErrLockActive {
		return true
	}
	return e.baseError.Is(target)
}

// PathConflictError reports a worktree path or branch that is already owned by
// something other than the feature being built. It always matches ErrPathConflict.
type PathConflictError struct {
	baseError
	Path     string
	Branch   string
	Existing string
}

// NewPathConflictError creates a new PathConflictError.
func NewPathConflictError(path, message string) *PathConflictError {
	return &PathConflictError{
		baseError: baseError{
			message: message,
		},
		Path: path,
	}
}

// WithBranch adds the requested branch to the error context.
func (e *PathConflictError) WithBranch(branch string) *PathConflictError {
	e.Branch = branch
	return e
}

// WithExisting records what currently occupies the path.
func (e *PathConflictError) WithExisting(existing string) *PathConflictError {
	e.Existing = existing
	return e
}

// Error returns the formatted error message.
func (e *PathConflictError) Error() string {
	parts := []string{fmt.Sprintf("path=%s", e.Path)}
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Existing != "" {
		parts = append(parts, fmt.Sprintf("existing=%s", e.Existing))
	}
	return formatPrefixed("path conflict", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *PathConflictError) Is(target error) bool {
	if _, ok := target.(*PathConflictError); ok {
		return true
	}
	if target == ErrPathConflict {
		return true
	}
	return e.baseError.Is(target)
}

// BatchError reports a build batch that failed and was rolled back.
// Count is the number of worktrees and branches that were undone.
// It matches ErrPartialBatchRolledBack as well as its cause.
//
// Example:
//
//	err := errors.NewBatchError(opID, 2, cause)
//	fmt.Println(err) // "batch error [op=..., rolled_back=2]: partial batch rolled back: ..."
type BatchError struct {
	baseError
	OperationID string
	Count       int
	Failed      string
	// RollbackErr is set when undoing a creation itself failed.
	RollbackErr error
}

// NewBatchError creates a new BatchError.
func NewBatchError(operationID string, count int, cause error) *BatchError {
	return &BatchError{
		baseError: baseError{
			message: ErrPartialBatchRolledBack.Error(),
			cause:   cause,
		},
		OperationID: operationID,
		Count:       count,
	}
}

// WithFailed records the feature whose creation failed.
func (e *BatchError) WithFailed(name string) *BatchError {
	e.Failed = name
	return e
}

// WithRollbackErr records a failure encountered while rolling back.
func (e *BatchError) WithRollbackErr(err error) *BatchError {
	e.RollbackErr = err
	return e
}

// Error returns the formatted error message.
func (e *BatchError) Error() string {
	var parts []string
	if e.OperationID != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.OperationID))
	}
	parts = append(parts, fmt.Sprintf("rolled_back=%d", e.Count))
	if e.Failed != "" {
		parts = append(parts, fmt.Sprintf("failed=%s", e.Failed))
	}
	msg := formatPrefixed("batch error", parts, e.message, e.cause)
	if e.RollbackErr != nil {
		msg = fmt.Sprintf("%s\nrollback error: %v", msg, e.RollbackErr)
	}
	return msg
}

// Is checks if this error matches the target.
func (e *BatchError) Is(target error) bool {
	if _, ok := target.(*BatchError); ok {
		return true
	}
	if target == ErrPartialBatchRolledBack {
		return true
	}
	return e.baseError.Is(target)
}

// CompletionRecordError reports a completion record that was rejected.
// It always matches ErrInvalidCompletionRecord.
type CompletionRecordError struct {
	baseError
	File  string
	Field string
}

// NewCompletionRecordError creates a new CompletionRecordError.
func NewCompletionRecordError(file, message string) *CompletionRecordError {
	return &CompletionRecordError{
		baseError: baseError{
			message: message,
		},
		File: file,
	}
}

// WithField names the offending field.
func (e *CompletionRecordError) WithField(field string) *CompletionRecordError {
	e.Field = field
	return e
}

// WithCause adds a cause to the error.
func (e *CompletionRecordError) WithCause(cause error) *CompletionRecordError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *CompletionRecordError) Error() string {
	parts := []string{fmt.Sprintf("file=%s", e.File)}
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	return formatPrefixed("invalid completion record", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *CompletionRecordError) Is(target error) bool {
	if _, ok := target.(*CompletionRecordError); ok {
		return true
	}
	if target == ErrInvalidCompletionRecord {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("staged feature", "login")
//	fmt.Println(err) // "staged feature 'login' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message: fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AlreadyExistsError represents a resource that already exists.
type AlreadyExistsError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewAlreadyExistsError creates a new AlreadyExistsError.
func NewAlreadyExistsError(resourceType, resourceID string) *AlreadyExistsError {
	return &AlreadyExistsError{
		baseError: baseError{
			message: fmt.Sprintf("%s '%s' already exists", resourceType, resourceID),
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// Is checks if this error matches the target.
func (e *AlreadyExistsError) Is(target error) bool {
	if _, ok := target.(*AlreadyExistsError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("feature name cannot be empty")
//	err = err.WithField("name").WithValue("")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message: message,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	return formatPrefixed("validation error", parts, e.message, e.cause)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if target == ErrInvalidInput {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("conflict resolution agent", 10*time.Minute)
//	fmt.Println(err) // "timeout error: conflict resolution agent (timeout: 10m0s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message: operation,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if target == ErrTimeout {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsPrecondition reports whether err is a fatal precondition failure: the
// invocation stopped because the repository or configuration could not be
// used safely. Work finished before the check stays in place.
func IsPrecondition(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrLockActive) ||
		Is(err, ErrNotGitRepository) ||
		Is(err, ErrInvalidConfig)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
