package styles

import (
	"bytes"
	"testing"

	"github.com/Iron-Ham/arbor/internal/lifecycle"
)

func TestStateColor(t *testing.T) {
	tests := []struct {
		state    lifecycle.State
		expected string
	}{
		{lifecycle.StateStaged, "#9CA3AF"},
		{lifecycle.StateBuilding, "#60A5FA"},
		{lifecycle.StateActive, "#10B981"},
		{lifecycle.StateCompleted, "#A78BFA"},
		{lifecycle.StateArchived, "#A78BFA"},
		{lifecycle.StateConflictManual, "#FB923C"},
		{lifecycle.StateFailed, "#F87171"},
		{lifecycle.State("bogus"), "#9CA3AF"},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := StateColor(tt.state); string(got) != tt.expected {
				t.Errorf("StateColor(%q) = %q, want %q", tt.state, got, tt.expected)
			}
		})
	}
}

func TestStateIcon(t *testing.T) {
	for _, state := range lifecycle.AllStates {
		if StateIcon(state) == "" {
			t.Errorf("StateIcon(%q) is empty", state)
		}
	}
	if StateIcon(lifecycle.StateFailed) != "✗" {
		t.Errorf("StateIcon(failed) = %q", StateIcon(lifecycle.StateFailed))
	}
}

func TestColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	tests := []struct {
		mode string
		want bool
	}{
		{ColorAlways, true},
		{ColorNever, false},
		{ColorAuto, false}, // a buffer is never a terminal
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if got := ColorEnabled(&buf, tt.mode); got != tt.want {
				t.Errorf("ColorEnabled(%q) = %v, want %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestNew_NeverRendersPlainText(t *testing.T) {
	var buf bytes.Buffer
	s := New(&buf, ColorNever)
	if s.Enabled() {
		t.Fatal("Enabled() = true for never")
	}
	if got := s.Error.Render("boom"); got != "boom" {
		t.Errorf("Render() = %q, want plain text", got)
	}
}
