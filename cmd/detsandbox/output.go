package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/jkaninda/detsandbox/internal/execution"
	"github.com/jkaninda/detsandbox/internal/loader"
	"github.com/jkaninda/detsandbox/internal/messages"
)

var (
	errorColor   = lipgloss.Color("#CC3333") // Dark red
	warningColor = lipgloss.Color("#FF8800") // Orange
	infoColor    = lipgloss.Color("#4682B4") // Steel blue
	goodColor    = lipgloss.Color("#228B22") // Forest green
	mutedColor   = lipgloss.Color("#888888")

	errorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(infoColor)
	goodStyle    = lipgloss.NewStyle().Foreground(goodColor).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// printer writes command output, colored when enabled.
type printer struct {
	out     io.Writer
	colors  bool
	compact bool
	floor   messages.Severity
}

func newPrinter(out io.Writer, floor messages.Severity) *printer {
	colors := opts.colors
	if !opts.colors && !opts.noColors {
		colors = os.Getenv("NO_COLOR") == "" && isatty.IsTerminal(os.Stdout.Fd())
	}
	return &printer{out: out, colors: colors, compact: opts.compact, floor: floor}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.colors {
		return text
	}
	return s.Render(text)
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.out, format, args...)
}

func (p *printer) header(text string) {
	p.printf("%s\n", p.render(headerStyle, text))
}

func (p *printer) severity(s messages.Severity) string {
	switch s {
	case messages.Error:
		return p.render(errorStyle, s.String())
	case messages.Warning:
		return p.render(warningStyle, s.String())
	case messages.Informational:
		return p.render(infoStyle, s.String())
	}
	return p.render(mutedStyle, s.String())
}

// diagnostics prints "Found N errors and M warnings" followed by every
// message at or above the floor, or one line per class when compact.
func (p *printer) diagnostics(c *messages.Collection) {
	summary := c.Summary()
	switch {
	case c.HasErrors():
		summary = p.render(errorStyle, summary)
	case c.WarningCount() > 0:
		summary = p.render(warningStyle, summary)
	default:
		summary = p.render(goodStyle, summary)
	}
	p.printf("%s\n", summary)

	if p.compact {
		for _, class := range c.ClassesWithErrors() {
			p.printf("- %s %s\n", p.severity(messages.Error), class)
		}
		return
	}
	for _, m := range c.Sorted(p.floor) {
		text := strings.TrimSuffix(m.Text, ".")
		p.printf("- %s in %s: %s.\n", p.severity(m.Severity), m.Location, text)
	}
}

// failure prints a session failure. With --debug the whole throwable
// chain is printed.
func (p *printer) failure(err error) {
	var rej *loader.RejectionError
	if errors.As(err, &rej) && rej.Messages != nil {
		p.printf("%s %s\n", p.render(errorStyle, "Rejected"), rej.Class)
		p.diagnostics(rej.Messages)
		return
	}
	var serr *execution.SandboxError
	if errors.As(err, &serr) {
		text := serr.Error()
		if t, ok := serr.Throwable(); ok {
			text = t.Error()
			if opts.debug {
				text = serr.Chain()
			}
		}
		p.printf("%s in %s stage of %s: %s\n", p.render(errorStyle, "Failed"), serr.Stage, serr.Entry, text)
		return
	}
	p.printf("%s %v\n", p.render(errorStyle, "Failed"), err)
}
