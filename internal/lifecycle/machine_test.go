package lifecycle

import (
	"slices"
	"testing"

	"github.com/Iron-Ham/arbor/internal/errors"
)

func TestNext(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
		want State
	}{
		{StateStaged, EventBuild, StateBuilding},
		{StateBuilding, EventActivate, StateActive},
		{StateBuilding, EventRollback, StateStaged},
		{StateActive, EventComplete, StateCompleted},
		{StateCompleted, EventMerge, StateMerging},
		{StateMerging, EventMerged, StateMerged},
		{StateMerging, EventConflict, StateConflictManual},
		{StateMerging, EventFail, StateFailed},
		{StateMerging, EventRetry, StateCompleted},
		{StateFailed, EventRetry, StateCompleted},
		{StateConflictManual, EventRetry, StateCompleted},
		{StateMerged, EventArchive, StateArchived},
		{StateArchived, EventRebuild, StateStaged},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next("login", tt.from, tt.ev)
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Next() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNext_Illegal(t *testing.T) {
	tests := []struct {
		from State
		ev   Event
	}{
		{StateStaged, EventMerge},
		{StateActive, EventMerged},
		{StateCompleted, EventArchive},
		// merged and archived require confirmed cleanup; nothing jumps there directly.
		{StateCompleted, EventMerged},
		{StateConflictManual, EventMerged},
		{StateFailed, EventArchive},
		{StateArchived, EventRetry},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next("login", tt.from, tt.ev)
			if !errors.Is(err, errors.ErrIllegalTransition) {
				t.Fatalf("Next() error = %v, want ErrIllegalTransition", err)
			}
			if got != tt.from {
				t.Errorf("Next() state = %s, want unchanged %s", got, tt.from)
			}
		})
	}
}

func TestValidEvents(t *testing.T) {
	got := ValidEvents(StateMerging)
	want := []Event{EventMerged, EventConflict, EventFail, EventRetry}
	if !slices.Equal(got, want) {
		t.Errorf("ValidEvents(merging) = %v, want %v", got, want)
	}

	if !CanTransition(StateFailed, EventRetry) {
		t.Error("CanTransition(failed, retry) = false")
	}
	if CanTransition(StateFailed, EventMerge) {
		t.Error("CanTransition(failed, merge) = true")
	}
}

func TestState_NeedsAttention(t *testing.T) {
	for _, s := range AllStates {
		want := s == StateFailed || s == StateConflictManual
		if got := s.NeedsAttention(); got != want {
			t.Errorf("%s.NeedsAttention() = %v, want %v", s, got, want)
		}
	}
}
