package presentation

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/mobilipia/build-tools/internal/log"
)

var (
	// Semantic color names - Text hierarchy
	TextPrimaryColor = lipgloss.AdaptiveColor{Light: "#1F1F1F", Dark: "#CCCCCC"}
	TextMutedColor   = lipgloss.AdaptiveColor{Light: "#888888", Dark: "#696969"} // Hints, debug lines
	AccentColor      = lipgloss.AdaptiveColor{Light: "#1A5276", Dark: "#3498DB"} // Question titles

	// Semantic color names - Status
	StatusSuccessColor = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	StatusWarningColor = lipgloss.AdaptiveColor{Light: "#C49000", Dark: "#FECA57"}
	StatusErrorColor   = lipgloss.AdaptiveColor{Light: "#FF6B6B", Dark: "#FF8787"}

	// Progress bar gradient
	ProgressFromColor = "#1A5276"
	ProgressToColor   = "#73F59F"
)

// styles is the set of styles bound to one output's renderer, so color
// detection follows the writer instead of os.Stdout.
type styles struct {
	title   lipgloss.Style
	muted   lipgloss.Style
	text    lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	choice  lipgloss.Style
}

func newStyles(out io.Writer) styles {
	r := lipgloss.NewRenderer(out)
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(AccentColor),
		muted:   r.NewStyle().Foreground(TextMutedColor),
		text:    r.NewStyle().Foreground(TextPrimaryColor),
		success: r.NewStyle().Bold(true).Foreground(StatusSuccessColor),
		warning: r.NewStyle().Foreground(StatusWarningColor),
		err:     r.NewStyle().Bold(true).Foreground(StatusErrorColor),
		choice:  r.NewStyle().Bold(true),
	}
}

// level returns the style for a log line.
func (s styles) level(l log.Level) lipgloss.Style {
	switch l {
	case log.LevelDebug:
		return s.muted
	case log.LevelWarn:
		return s.warning
	case log.LevelError:
		return s.err
	default:
		return s.text
	}
}
