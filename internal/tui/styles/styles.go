// Package styles holds arbor's terminal palette and the lipgloss styles
// built from it for one output stream.
package styles

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/Iron-Ham/arbor/internal/lifecycle"
)

var (
	// Colors - all colors meet WCAG AA contrast (4.5:1) on both black and dark surfaces
	PrimaryColor = lipgloss.Color("#A78BFA") // Purple
	SuccessColor = lipgloss.Color("#10B981") // Green
	WarningColor = lipgloss.Color("#F59E0B") // Amber
	ErrorColor   = lipgloss.Color("#F87171") // Red
	MutedColor   = lipgloss.Color("#9CA3AF") // Gray
	BorderColor  = lipgloss.Color("#6B7280") // Gray
	BlueColor    = lipgloss.Color("#60A5FA") // Blue
	OrangeColor  = lipgloss.Color("#FB923C") // Orange
)

// Color modes accepted by ui.color.
const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"
)

// Styles are the styles for one writer. With color disabled every style
// renders its text unchanged.
type Styles struct {
	enabled  bool
	renderer *lipgloss.Renderer

	Title   lipgloss.Style
	Header  lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}

// New builds styles for w according to mode ("auto", "always" or "never").
// In auto mode color is used only when w is a terminal and NO_COLOR is unset.
func New(w io.Writer, mode string) *Styles {
	enabled := ColorEnabled(w, mode)
	r := lipgloss.NewRenderer(w)
	if enabled {
		if mode == ColorAlways {
			r.SetColorProfile(termenv.TrueColor)
		}
	} else {
		r.SetColorProfile(termenv.Ascii)
	}

	return &Styles{
		enabled:  enabled,
		renderer: r,
		Title:    r.NewStyle().Bold(true).Foreground(PrimaryColor),
		Header:   r.NewStyle().Bold(true).Foreground(PrimaryColor),
		Muted:    r.NewStyle().Foreground(MutedColor),
		Success:  r.NewStyle().Foreground(SuccessColor),
		Warning:  r.NewStyle().Foreground(WarningColor),
		Error:    r.NewStyle().Bold(true).Foreground(ErrorColor),
		Border:   r.NewStyle().Foreground(BorderColor),
	}
}

// ColorEnabled resolves mode for w.
func ColorEnabled(w io.Writer, mode string) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Enabled reports whether styles emit color.
func (s *Styles) Enabled() bool {
	return s.enabled
}

// Renderer returns the renderer the styles were built with.
func (s *Styles) Renderer() *lipgloss.Renderer {
	return s.renderer
}

// State returns the style for a lifecycle state.
func (s *Styles) State(state lifecycle.State) lipgloss.Style {
	return s.renderer.NewStyle().Foreground(StateColor(state))
}

// StateColor returns the color for a lifecycle state.
func StateColor(state lifecycle.State) lipgloss.Color {
	switch state {
	case lifecycle.StateStaged:
		return MutedColor
	case lifecycle.StateBuilding, lifecycle.StateMerging:
		return BlueColor
	case lifecycle.StateActive:
		return SuccessColor
	case lifecycle.StateCompleted, lifecycle.StateMerged, lifecycle.StateArchived:
		return PrimaryColor
	case lifecycle.StateConflictManual:
		return OrangeColor
	case lifecycle.StateFailed:
		return ErrorColor
	default:
		return MutedColor
	}
}

// StateIcon returns an icon for a lifecycle state.
func StateIcon(state lifecycle.State) string {
	switch state {
	case lifecycle.StateStaged:
		return "○"
	case lifecycle.StateBuilding, lifecycle.StateMerging:
		return "◐"
	case lifecycle.StateActive:
		return "●"
	case lifecycle.StateCompleted:
		return "◉"
	case lifecycle.StateMerged, lifecycle.StateArchived:
		return "✓"
	case lifecycle.StateConflictManual:
		return "!"
	case lifecycle.StateFailed:
		return "✗"
	default:
		return "●"
	}
}
