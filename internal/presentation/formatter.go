package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Formatter writes command results.
type Formatter struct {
	writer io.Writer
	styles styles
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
		styles: newStyles(writer),
	}
}

// FormatJSON writes v as indented JSON.
func (f *Formatter) FormatJSON(v any) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// FormatRuns writes runs as a table, newest first as given.
func (f *Formatter) FormatRuns(runs []RunDTO) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(f.writer, "No runs recorded yet.")
		return err
	}

	header := f.styles.choice.Padding(0, 1)
	cell := f.styles.text.Padding(0, 1)

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FINISHED", "TASK", "STATUS", "DURATION", "MESSAGE").
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
	for _, r := range runs {
		t.Row(
			r.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			r.Task,
			f.status(r.Status),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
			truncate(r.Message, 60),
		)
	}
	_, err := fmt.Fprintln(f.writer, t.Render())
	return err
}

func (f *Formatter) status(s string) string {
	switch s {
	case "done":
		return f.styles.success.Render(s)
	case "cancelled":
		return f.styles.warning.Render(s)
	default:
		return f.styles.err.Render(s)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
