// Package presentation renders call events on a terminal and collects
// answers to task questions.
package presentation

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"golang.org/x/term"

	"github.com/mobilipia/build-tools/internal/controller"
	"github.com/mobilipia/build-tools/internal/log"
	"github.com/mobilipia/build-tools/internal/question"
)

// DefaultProgressWidth is the width of the progress bar in cells.
const DefaultProgressWidth = 40

// ErrInputClosed is returned by Ask when the input reaches EOF.
var ErrInputClosed = errors.New("input closed")

// Option configures a Terminal.
type Option func(*Terminal)

// WithSupportContact sets who users are told to contact after an
// unexpected failure.
func WithSupportContact(contact string) Option {
	return func(t *Terminal) {
		t.supportContact = contact
	}
}

// WithVerbose prints tracebacks for unexpected failures.
func WithVerbose(verbose bool) Option {
	return func(t *Terminal) {
		t.verbose = verbose
	}
}

// WithProgressWidth sets the progress bar width.
func WithProgressWidth(width int) Option {
	return func(t *Terminal) {
		if width > 0 {
			t.bar.Width = width
		}
	}
}

// Terminal is a controller.Presenter for line-oriented terminals.
type Terminal struct {
	in  *bufio.Reader
	fd  int // -1 when input is not a file
	out io.Writer

	styles         styles
	bar            progress.Model
	supportContact string
	verbose        bool
	barVisible     bool

	// A single goroutine owns the input so an abandoned read never races a
	// later one.
	readerOnce sync.Once
	requests   chan readRequest
}

var _ controller.Presenter = (*Terminal)(nil)

type readRequest struct {
	secret bool
	reply  chan readResult
}

type readResult struct {
	line string
	err  error
}

// NewTerminal creates a presenter reading answers from in and writing to out.
func NewTerminal(in io.Reader, out io.Writer, opts ...Option) *Terminal {
	t := &Terminal{
		in:       bufio.NewReader(in),
		fd:       -1,
		out:      out,
		styles:   newStyles(out),
		bar:      progress.New(progress.WithGradient(ProgressFromColor, ProgressToColor), progress.WithWidth(DefaultProgressWidth)),
		requests: make(chan readRequest),
	}
	if f, ok := in.(*os.File); ok {
		t.fd = int(f.Fd())
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ask prompts for every property of schema in name order.
func (t *Terminal) Ask(ctx context.Context, schema question.Schema) (map[string]any, error) {
	t.endBar()
	if schema.Description != "" {
		fmt.Fprintln(t.out, t.styles.title.Render(schema.Description))
	}

	answer := make(map[string]any, len(schema.Properties))
	for _, name := range schema.Names() {
		prop := schema.Properties[name]
		var (
			value any
			err   error
		)
		switch {
		case len(prop.Enum) > 0:
			value, err = t.askChoice(ctx, name, prop)
		case prop.Masked:
			value, err = t.askSecret(ctx, name, prop)
		default:
			value, err = t.askValue(ctx, name, prop)
		}
		if err != nil {
			return nil, err
		}
		answer[name] = value
	}
	return answer, nil
}

func label(name string, prop question.Property) string {
	if prop.Title != "" {
		return prop.Title
	}
	return name
}

func (t *Terminal) prompt(name string, prop question.Property) {
	if prop.Description != "" {
		fmt.Fprintln(t.out, t.styles.muted.Render(prop.Description))
	}
	fmt.Fprintf(t.out, "%s: ", t.styles.choice.Render(label(name, prop)))
}

// askChoice shows numbered choices and re-asks until a valid one is picked.
// Typing the choice itself is accepted too.
func (t *Terminal) askChoice(ctx context.Context, name string, prop question.Property) (string, error) {
	for {
		fmt.Fprintln(t.out, t.styles.title.Render(label(name, prop)))
		for i, choice := range prop.Enum {
			fmt.Fprintf(t.out, "  %s %s\n", t.styles.choice.Render(fmt.Sprintf("%d)", i+1)), choice)
		}
		fmt.Fprint(t.out, "Choose: ")

		line, err := t.read(ctx, false)
		if err != nil {
			return "", err
		}
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(prop.Enum) {
			return prop.Enum[n-1], nil
		}
		for _, choice := range prop.Enum {
			if line == choice {
				return choice, nil
			}
		}
		fmt.Fprintln(t.out, t.styles.warning.Render(fmt.Sprintf("%q is not one of the choices.", line)))
	}
}

func (t *Terminal) askSecret(ctx context.Context, name string, prop question.Property) (string, error) {
	t.prompt(name, prop)
	return t.read(ctx, true)
}

// askValue reads one line and converts it to the property's JSON type,
// re-asking when it does not parse.
func (t *Terminal) askValue(ctx context.Context, name string, prop question.Property) (any, error) {
	for {
		t.prompt(name, prop)
		line, err := t.read(ctx, false)
		if err != nil {
			return nil, err
		}
		value, err := convert(prop.Type, line)
		if err == nil {
			return value, nil
		}
		fmt.Fprintln(t.out, t.styles.warning.Render(err.Error()))
	}
}

func convert(typ, line string) (any, error) {
	switch typ {
	case "integer":
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("%q is not a whole number", line)
		}
		return n, nil
	case "number":
		f, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", line)
		}
		return f, nil
	case "boolean":
		switch strings.ToLower(line) {
		case "y", "yes", "true":
			return true, nil
		case "n", "no", "false":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not yes or no", line)
	default:
		return line, nil
	}
}

// read waits for the next line of input, or for ctx.
func (t *Terminal) read(ctx context.Context, secret bool) (string, error) {
	t.readerOnce.Do(func() { go t.serveReads() })

	req := readRequest{secret: secret, reply: make(chan readResult, 1)}
	select {
	case t.requests <- req:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.line, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (t *Terminal) serveReads() {
	for req := range t.requests {
		req.reply <- t.readLine(req.secret)
	}
}

func (t *Terminal) readLine(secret bool) readResult {
	if secret && t.fd >= 0 && term.IsTerminal(t.fd) {
		b, err := term.ReadPassword(t.fd)
		fmt.Fprintln(t.out)
		if err != nil {
			return readResult{err: fmt.Errorf("read password: %w", err)}
		}
		return readResult{line: string(b)}
	}

	line, err := t.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		if errors.Is(err, io.EOF) {
			return readResult{err: ErrInputClosed}
		}
		return readResult{err: fmt.Errorf("read input: %w", err)}
	}
	return readResult{line: strings.TrimSpace(line)}
}

// Invalid reports a rejected answer.
func (t *Terminal) Invalid(err error) {
	fmt.Fprintln(t.out, t.styles.warning.Render("That answer was not accepted: "+err.Error()))
}

// ProgressStart announces a step with a progress bar.
func (t *Terminal) ProgressStart(message string) {
	t.endBar()
	fmt.Fprintln(t.out, t.styles.text.Render(message))
}

// Progress redraws the bar in place.
func (t *Terminal) Progress(message string, fraction float64) {
	t.barVisible = true
	fmt.Fprintf(t.out, "\r%s %s", t.bar.ViewAs(fraction), t.styles.muted.Render(message))
}

// ProgressEnd completes the bar.
func (t *Terminal) ProgressEnd(message string) {
	if t.barVisible {
		fmt.Fprintf(t.out, "\r%s\n", t.bar.ViewAs(1))
		t.barVisible = false
	}
	if message != "" {
		fmt.Fprintln(t.out, t.styles.success.Render(message))
	}
}

func (t *Terminal) endBar() {
	if t.barVisible {
		fmt.Fprintln(t.out)
		t.barVisible = false
	}
}

// Log prints a task log line styled by level.
func (t *Terminal) Log(level log.Level, message string) {
	t.endBar()
	if level >= log.LevelWarn {
		message = level.String() + ": " + message
	}
	fmt.Fprintln(t.out, t.styles.level(level).Render(message))
}

// Finish prints the outcome summary.
func (t *Terminal) Finish(o controller.Outcome) {
	t.endBar()
	switch o.Status {
	case controller.StatusDone:
		fmt.Fprintln(t.out, t.styles.success.Render(fmt.Sprintf("Done (%s).", o.Duration().Round(time.Millisecond))))
	case controller.StatusCancelled:
		fmt.Fprintln(t.out, t.styles.warning.Render("exiting..."))
	default:
		t.failure(o)
	}
}

func (t *Terminal) failure(o controller.Outcome) {
	message := "unknown error"
	if o.Error != nil && o.Error.Message != "" {
		message = o.Error.Message
	}
	if !o.Unexpected() {
		fmt.Fprintln(t.out, t.styles.err.Render(message))
		return
	}

	fmt.Fprintln(t.out, t.styles.err.Render("Something went wrong that we didn't expect:"))
	fmt.Fprintln(t.out, "  "+message)
	if t.verbose && o.Error != nil && o.Error.Traceback != "" {
		fmt.Fprintln(t.out, t.styles.muted.Render(o.Error.Traceback))
	}
	if o.AccidentLog != "" {
		fmt.Fprintf(t.out, "A log of this run was written to %s\n", o.AccidentLog)
	}
	if t.supportContact != "" {
		fmt.Fprintf(t.out, "Please send it to %s so we can fix this.\n", t.supportContact)
	}
}
