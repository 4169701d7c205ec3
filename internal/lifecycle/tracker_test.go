package lifecycle

import (
	"testing"
	"time"

	"github.com/Iron-Ham/arbor/internal/errors"
	"github.com/Iron-Ham/arbor/internal/event"
)

func newTestTracker(t *testing.T) (*Tracker, *[]event.TransitionEvent) {
	t.Helper()
	bus := event.NewBus(nil)
	var seen []event.TransitionEvent
	bus.Subscribe(event.TypeTransition, func(e event.Event) {
		seen = append(seen, e.(event.TransitionEvent))
	})
	tr := NewTracker(NewStore(t.TempDir()), bus, nil)
	tr.now = func() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }
	return tr, &seen
}

func TestTracker_CreateAndAdvance(t *testing.T) {
	tr, seen := newTestTracker(t)

	rec := &Record{Name: "login", Branch: "feature/login"}
	if err := tr.Create(rec); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.State != StateStaged {
		t.Fatalf("State after Create = %s", rec.State)
	}

	for _, ev := range []Event{EventBuild, EventActivate, EventComplete, EventMerge} {
		if err := tr.Advance(rec, ev, ""); err != nil {
			t.Fatalf("Advance(%s) error = %v", ev, err)
		}
	}
	if err := tr.Advance(rec, EventConflict, "conflict markers remain in app.go"); err != nil {
		t.Fatal(err)
	}

	stored, err := tr.Store().Get("login")
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != StateConflictManual {
		t.Errorf("stored State = %s", stored.State)
	}
	if stored.Reason != "conflict markers remain in app.go" {
		t.Errorf("stored Reason = %q", stored.Reason)
	}

	if len(*seen) != 6 {
		t.Fatalf("published %d transitions, want 6", len(*seen))
	}
	last := (*seen)[5]
	if last.From != "merging" || last.To != "conflict_manual" {
		t.Errorf("last transition = %s -> %s", last.From, last.To)
	}
}

func TestTracker_AdvanceIllegalLeavesRecord(t *testing.T) {
	tr, seen := newTestTracker(t)

	rec := &Record{Name: "a"}
	if err := tr.Create(rec); err != nil {
		t.Fatal(err)
	}
	before := len(*seen)

	err := tr.Advance(rec, EventMerged, "")
	if !errors.Is(err, errors.ErrIllegalTransition) {
		t.Fatalf("Advance() error = %v, want ErrIllegalTransition", err)
	}
	if rec.State != StateStaged {
		t.Errorf("State = %s, want unchanged", rec.State)
	}
	if len(*seen) != before {
		t.Error("illegal transition should not publish")
	}
}

func TestTracker_CreateRejectsLiveRecord(t *testing.T) {
	tr, _ := newTestTracker(t)

	rec := &Record{Name: "a"}
	if err := tr.Create(rec); err != nil {
		t.Fatal(err)
	}
	if err := tr.Advance(rec, EventBuild, ""); err != nil {
		t.Fatal(err)
	}

	if err := tr.Create(&Record{Name: "a"}); err == nil {
		t.Error("Create() over a building record should fail")
	}

	if err := tr.Advance(rec, EventRollback, "batch rolled back"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Create(&Record{Name: "a"}); err != nil {
		t.Errorf("Create() over a rolled-back record error = %v", err)
	}
}

func TestTracker_CreateRebuildsArchivedRecord(t *testing.T) {
	tr, seen := newTestTracker(t)

	rec := &Record{Name: "login", Branch: "feature/login"}
	if err := tr.Create(rec); err != nil {
		t.Fatal(err)
	}
	for _, ev := range []Event{EventBuild, EventActivate, EventComplete, EventMerge, EventMerged, EventArchive} {
		if err := tr.Advance(rec, ev, ""); err != nil {
			t.Fatalf("Advance(%s) error = %v", ev, err)
		}
	}

	again := &Record{Name: "login", Branch: "feature/login", Description: "second pass"}
	if err := tr.Create(again); err != nil {
		t.Fatalf("Create() over an archived record error = %v", err)
	}
	if again.State != StateStaged {
		t.Errorf("State = %s, want staged", again.State)
	}

	stored, err := tr.Store().Get("login")
	if err != nil {
		t.Fatal(err)
	}
	if stored.State != StateStaged || stored.Description != "second pass" {
		t.Errorf("stored = %+v", stored)
	}

	last := (*seen)[len(*seen)-1]
	if last.From != "archived" || last.To != "staged" {
		t.Errorf("last transition = %q -> %q, want archived -> staged", last.From, last.To)
	}
}

func TestTracker_Reopen(t *testing.T) {
	tests := []struct {
		from State
	}{
		{StateActive},
		{StateCompleted},
		{StateFailed},
		{StateConflictManual},
		{StateMerging},
	}

	for _, tt := range tests {
		t.Run(string(tt.from), func(t *testing.T) {
			tr, _ := newTestTracker(t)
			rec := &Record{Name: "x", State: tt.from, Reason: "old"}
			if err := tr.Save(rec); err != nil {
				t.Fatal(err)
			}
			if err := tr.Reopen(rec); err != nil {
				t.Fatalf("Reopen() error = %v", err)
			}
			if rec.State != StateCompleted {
				t.Errorf("State = %s, want completed", rec.State)
			}
		})
	}

	tr, _ := newTestTracker(t)
	if err := tr.Reopen(&Record{Name: "y", State: StateArchived}); err == nil {
		t.Error("Reopen() from archived should fail")
	}
}
