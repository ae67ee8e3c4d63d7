// Package ui renders CLI output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	colorAccent  = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#6C7A80")
)

// Level tags a line or badge.
type Level int

const (
	LevelInfo Level = iota
	LevelOK
	LevelWarn
	LevelError
	LevelMuted
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Printer writes styled output. Colors are dropped when the writer is not a
// terminal or NO_COLOR is set.
type Printer struct {
	w        io.Writer
	renderer *lipgloss.Renderer
	tty      bool

	title lipgloss.Style
	key   lipgloss.Style
	by    map[Level]lipgloss.Style
}

// NewPrinter creates a printer for w.
func NewPrinter(w io.Writer) *Printer {
	tty := IsTerminal(w)
	r := lipgloss.NewRenderer(w)
	if !tty || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
	}
	return &Printer{
		w:        w,
		renderer: r,
		tty:      tty,
		title:    r.NewStyle().Bold(true).Foreground(colorAccent),
		key:      r.NewStyle().Foreground(colorMuted),
		by: map[Level]lipgloss.Style{
			LevelInfo:  r.NewStyle(),
			LevelOK:    r.NewStyle().Foreground(colorSuccess),
			LevelWarn:  r.NewStyle().Foreground(colorWarning),
			LevelError: r.NewStyle().Foreground(colorError).Bold(true),
			LevelMuted: r.NewStyle().Foreground(colorMuted),
		},
	}
}

// Interactive reports whether the printer writes to a terminal.
func (p *Printer) Interactive() bool {
	return p.tty
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer {
	return p.w
}

// Title prints a heading.
func (p *Printer) Title(s string) {
	fmt.Fprintln(p.w, p.title.Render(s))
}

// Line prints a message at the given level.
func (p *Printer) Line(l Level, format string, args ...any) {
	fmt.Fprintln(p.w, p.Style(l, fmt.Sprintf(format, args...)))
}

// Style renders s at the given level without printing it.
func (p *Printer) Style(l Level, s string) string {
	return p.by[l].Render(s)
}

// KV is one row of a key/value block.
type KV struct {
	Key   string
	Value string
	Level Level
}

// KeyValues prints aligned key/value rows.
func (p *Printer) KeyValues(rows []KV) {
	width := 0
	for _, r := range rows {
		width = max(width, lipgloss.Width(r.Key))
	}
	keyStyle := p.key.Width(width + 2)
	for _, r := range rows {
		fmt.Fprintln(p.w, "  "+keyStyle.Render(r.Key+":")+p.by[r.Level].Render(r.Value))
	}
}

// Table prints rows under a header with padded columns.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			widths[i] = max(widths[i], lipgloss.Width(row[i]))
		}
	}

	render := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			if i == len(widths)-1 {
				parts[i] = style.Render(cell)
				continue
			}
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(strings.Join(parts, ""), " ")
	}

	fmt.Fprintln(p.w, render(header, p.key.Bold(true)))
	for _, row := range rows {
		fmt.Fprintln(p.w, render(row, p.by[LevelInfo]))
	}
}

// Truncate shortens s to n runes with an ellipsis.
func Truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}

// Confirm asks a yes/no question on the terminal.
func Confirm(title, description, affirmative string) (bool, error) {
	var ok bool
	err := huh.NewConfirm().
		Title(title).
		Description(description).
		Affirmative(affirmative).
		Negative("Cancel").
		Value(&ok).
		Run()
	if err != nil {
		return false, err
	}
	return ok, nil
}
