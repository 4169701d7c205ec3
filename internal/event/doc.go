// Package event provides a synchronous pub-sub bus for lifecycle
// notifications inside one arbor invocation.
//
// Components publish what happened (a record changed state, a batch was
// rolled back, a merge finished) without knowing who listens. The
// orchestrator subscribes a logger to every event and collects merge results
// for the run summary.
//
// # Main Types
//
//   - [Event]: interface implemented by all events (EventType, Timestamp)
//   - [Bus]: dispatcher, safe for concurrent use
//   - [Handler]: func(Event)
//
// # Event Types
//
// Event types follow "category.action":
//   - record.transition: [TransitionEvent]
//   - batch.started, batch.committed, batch.rolled_back: [BatchEvent]
//   - merge.finished: [MergeFinishedEvent]
//   - guard.lock_removed, guard.orphan_removed, guard.orphan_skipped: [GuardEvent]
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeTransition, func(e event.Event) {
//	    t := e.(event.TransitionEvent)
//	    fmt.Printf("%s: %s -> %s\n", t.Name, t.From, t.To)
//	})
//	bus.Publish(event.NewTransitionEvent("login", "active", "completed", ""))
//
// A panicking handler is recovered and logged; remaining handlers still run.
package event
