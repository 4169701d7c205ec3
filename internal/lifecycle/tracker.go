package lifecycle

import (
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
	"github.com/Iron-Ham/arbor/internal/logging"
)

// Tracker applies lifecycle events to records, persists the result and
// publishes a TransitionEvent for every change.
type Tracker struct {
	store  *Store
	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// NewTracker creates a Tracker. bus and logger may be nil.
func NewTracker(store *Store, bus *event.Bus, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Tracker{store: store, bus: bus, logger: logger, now: time.Now}
}

// Store returns the underlying record store.
func (t *Tracker) Store() *Store {
	return t.store
}

// Create persists a new record in the staged state. A staged record with the
// same name is replaced; an archived one is brought back through the rebuild
// transition. Any other existing record is left alone.
func (t *Tracker) Create(rec *Record) error {
	var from State
	if existing, err := t.store.Get(rec.Name); err == nil {
		switch existing.State {
		case StateStaged:
		case StateArchived:
			to, err := Next(rec.Name, existing.State, EventRebuild)
			if err != nil {
				return err
			}
			from, rec.State = existing.State, to
		default:
			return errors.NewAlreadyExistsError("worktree record", rec.Name)
		}
	}

	now := t.now()
	if from == "" {
		rec.State = StateStaged
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := t.store.Save(rec); err != nil {
		return err
	}
	if from != "" {
		t.logger.Debug("record transition",
			"worktree", rec.Name,
			"from", string(from),
			"to", string(rec.State),
			"event", string(EventRebuild))
	}
	t.publish(rec.Name, from, rec.State, rec.Reason)
	return nil
}

// Advance applies ev to rec, records reason (cleared when empty) and saves.
// rec is left unchanged if the transition is illegal or cannot be saved.
func (t *Tracker) Advance(rec *Record, ev Event, reason string) error {
	from := rec.State
	to, err := Next(rec.Name, from, ev)
	if err != nil {
		return err
	}

	updated := *rec
	updated.State = to
	updated.Reason = reason
	updated.UpdatedAt = t.now()
	if err := t.store.Save(&updated); err != nil {
		return err
	}
	*rec = updated

	t.logger.Debug("record transition",
		"worktree", rec.Name,
		"from", string(from),
		"to", string(to),
		"event", string(ev),
		"reason", reason)
	t.publish(rec.Name, from, to, reason)
	return nil
}

// Reopen brings rec into the completed state from wherever a completion
// signal or a retry can legally start: active, failed, conflict_manual or an
// interrupted merging. Completed records are left as they are.
func (t *Tracker) Reopen(rec *Record) error {
	switch rec.State {
	case StateCompleted:
		return nil
	case StateActive:
		return t.Advance(rec, EventComplete, "")
	default:
		return t.Advance(rec, EventRetry, "")
	}
}

// Save persists field changes that do not alter the state.
func (t *Tracker) Save(rec *Record) error {
	rec.UpdatedAt = t.now()
	return t.store.Save(rec)
}

func (t *Tracker) publish(name string, from, to State, reason string) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(event.NewTransitionEvent(name, string(from), string(to), reason))
}
