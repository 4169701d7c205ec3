package lifecycle

import (
	"fmt"

	"github.com/felixgeelhaar/statekit"

	"github.com/Iron-Ham/arbor/internal/errors"
)

// Event names a lifecycle transition.
type Event string

const (
	EventBuild    Event = "build"    // staged -> building
	EventActivate Event = "activate" // building -> active
	EventRollback Event = "rollback" // building -> staged
	EventComplete Event = "complete" // active -> completed
	EventMerge    Event = "merge"    // completed -> merging
	EventMerged   Event = "merged"   // merging -> merged
	EventConflict Event = "conflict" // merging -> conflict_manual
	EventFail     Event = "fail"     // merging -> failed
	EventRetry    Event = "retry"    // failed, conflict_manual, merging -> completed
	EventArchive  Event = "archive"  // merged -> archived
	EventRebuild  Event = "rebuild"  // archived -> staged
)

var allEvents = []Event{
	EventBuild, EventActivate, EventRollback, EventComplete, EventMerge, EventMerged,
	EventConflict, EventFail, EventRetry, EventArchive, EventRebuild,
}

type machineContext struct {
	Name string
}

func newMachine(name string, initial State) (*statekit.Interpreter[machineContext], error) {
	builder := statekit.NewMachine[machineContext]("worktree-lifecycle").
		WithInitial(statekit.StateID(initial)).
		WithContext(machineContext{Name: name})

	builder.State(statekit.StateID(StateStaged)).
		On(statekit.EventType(EventBuild)).Target(statekit.StateID(StateBuilding)).
		Done()

	builder.State(statekit.StateID(StateBuilding)).
		On(statekit.EventType(EventActivate)).Target(statekit.StateID(StateActive)).
		On(statekit.EventType(EventRollback)).Target(statekit.StateID(StateStaged)).
		Done()

	builder.State(statekit.StateID(StateActive)).
		On(statekit.EventType(EventComplete)).Target(statekit.StateID(StateCompleted)).
		Done()

	builder.State(statekit.StateID(StateCompleted)).
		On(statekit.EventType(EventMerge)).Target(statekit.StateID(StateMerging)).
		Done()

	// An interrupted run leaves records in merging; retry puts them back in line.
	builder.State(statekit.StateID(StateMerging)).
		On(statekit.EventType(EventMerged)).Target(statekit.StateID(StateMerged)).
		On(statekit.EventType(EventConflict)).Target(statekit.StateID(StateConflictManual)).
		On(statekit.EventType(EventFail)).Target(statekit.StateID(StateFailed)).
		On(statekit.EventType(EventRetry)).Target(statekit.StateID(StateCompleted)).
		Done()

	builder.State(statekit.StateID(StateConflictManual)).
		On(statekit.EventType(EventRetry)).Target(statekit.StateID(StateCompleted)).
		Done()

	builder.State(statekit.StateID(StateFailed)).
		On(statekit.EventType(EventRetry)).Target(statekit.StateID(StateCompleted)).
		Done()

	builder.State(statekit.StateID(StateMerged)).
		On(statekit.EventType(EventArchive)).Target(statekit.StateID(StateArchived)).
		Done()

	builder.State(statekit.StateID(StateArchived)).
		On(statekit.EventType(EventRebuild)).Target(statekit.StateID(StateStaged)).
		Done()

	machine, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build lifecycle machine: %w", err)
	}

	interp := statekit.NewInterpreter(machine)
	interp.Start()
	return interp, nil
}

// Next returns the state reached by applying ev to a record in from.
// An event with no transition out of from returns ErrIllegalTransition.
func Next(name string, from State, ev Event) (State, error) {
	interp, err := newMachine(name, from)
	if err != nil {
		return from, err
	}

	interp.Send(statekit.Event{Type: statekit.EventType(ev)})
	to := State(interp.State().Value)
	if to == from {
		return from, fmt.Errorf("%w: %q is not allowed for %s in state %s",
			errors.ErrIllegalTransition, ev, name, from)
	}
	return to, nil
}

// CanTransition reports whether ev is legal from state.
func CanTransition(from State, ev Event) bool {
	_, err := Next("", from, ev)
	return err == nil
}

// ValidEvents lists the events accepted in state, in declaration order.
func ValidEvents(from State) []Event {
	var events []Event
	for _, ev := range allEvents {
		if CanTransition(from, ev) {
			events = append(events, ev)
		}
	}
	return events
}
