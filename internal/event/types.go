package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers.
const (
	TypeTransition      = "record.transition"
	TypeBatchStarted    = "batch.started"
	TypeBatchCommitted  = "batch.committed"
	TypeBatchRolledBack = "batch.rolled_back"
	TypeMergeFinished   = "merge.finished"
	TypeLockRemoved     = "guard.lock_removed"
	TypeOrphanRemoved   = "guard.orphan_removed"
	TypeOrphanSkipped   = "guard.orphan_skipped"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Record Events
// -----------------------------------------------------------------------------

// TransitionEvent is emitted after a worktree record changes lifecycle state
// and the change has been persisted.
type TransitionEvent struct {
	baseEvent
	Name   string // Worktree name
	From   string // Previous state ("" when the record is new)
	To     string // New state
	Reason string // Failure or manual-review reason, if any
}

// NewTransitionEvent creates a TransitionEvent.
func NewTransitionEvent(name, from, to, reason string) TransitionEvent {
	return TransitionEvent{
		baseEvent: newBaseEvent(TypeTransition),
		Name:      name,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Batch Events
// -----------------------------------------------------------------------------

// BatchEvent describes a build batch reaching a milestone.
type BatchEvent struct {
	baseEvent
	OperationID string
	Members     []string
	Count       int    // Number of worktrees rolled back (rolled_back only)
	Cause       string // Failure that triggered rollback (rolled_back only)
}

// NewBatchStartedEvent creates a batch.started event.
func NewBatchStartedEvent(operationID string, members []string) BatchEvent {
	return BatchEvent{
		baseEvent:   newBaseEvent(TypeBatchStarted),
		OperationID: operationID,
		Members:     members,
	}
}

// NewBatchCommittedEvent creates a batch.committed event.
func NewBatchCommittedEvent(operationID string, members []string) BatchEvent {
	return BatchEvent{
		baseEvent:   newBaseEvent(TypeBatchCommitted),
		OperationID: operationID,
		Members:     members,
	}
}

// NewBatchRolledBackEvent creates a batch.rolled_back event.
func NewBatchRolledBackEvent(operationID string, members []string, count int, cause string) BatchEvent {
	return BatchEvent{
		baseEvent:   newBaseEvent(TypeBatchRolledBack),
		OperationID: operationID,
		Members:     members,
		Count:       count,
		Cause:       cause,
	}
}

// -----------------------------------------------------------------------------
// Merge Events
// -----------------------------------------------------------------------------

// MergeFinishedEvent is emitted once per record processed by the merge engine.
type MergeFinishedEvent struct {
	baseEvent
	Name      string
	MergeType string
	Commit    string
	State     string // Terminal state reached in this run
	Reason    string
}

// NewMergeFinishedEvent creates a MergeFinishedEvent.
func NewMergeFinishedEvent(name, mergeType, commit, state, reason string) MergeFinishedEvent {
	return MergeFinishedEvent{
		baseEvent: newBaseEvent(TypeMergeFinished),
		Name:      name,
		MergeType: mergeType,
		Commit:    commit,
		State:     state,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Guard Events
// -----------------------------------------------------------------------------

// GuardEvent records a repair (or a refusal to repair) made by the guard.
type GuardEvent struct {
	baseEvent
	Path   string
	Reason string
}

// NewGuardEvent creates a GuardEvent of the given type.
func NewGuardEvent(eventType, path, reason string) GuardEvent {
	return GuardEvent{
		baseEvent: newBaseEvent(eventType),
		Path:      path,
		Reason:    reason,
	}
}
