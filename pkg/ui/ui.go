// Package ui renders console feedback for deskhost
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
	panelStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("9")).
			Padding(0, 1)
)

// UI writes styled messages; errors go to the error writer
type UI struct {
	out io.Writer
	err io.Writer
}

// New returns a UI on stdout and stderr
func New() *UI {
	return NewWithWriters(os.Stdout, os.Stderr)
}

// NewWithWriters returns a UI on the given writers
func NewWithWriters(out, err io.Writer) *UI {
	return &UI{out: out, err: err}
}

// Success prints a success message
func (ui *UI) Success(msg string) {
	fmt.Fprintln(ui.out, successStyle.Render("✓ "+msg))
}

// Error prints an error message
func (ui *UI) Error(msg string) {
	fmt.Fprintln(ui.err, errorStyle.Render("✗ "+msg))
}

// Warning prints a warning message
func (ui *UI) Warning(msg string) {
	fmt.Fprintln(ui.out, warningStyle.Render("⚠ "+msg))
}

// Info prints an info message
func (ui *UI) Info(msg string) {
	fmt.Fprintln(ui.out, infoStyle.Render("ℹ "+msg))
}

// Subtle prints a muted message
func (ui *UI) Subtle(msg string) {
	fmt.Fprintln(ui.out, subtleStyle.Render(msg))
}

// Println prints a plain line
func (ui *UI) Println(msg string) {
	fmt.Fprintln(ui.out, msg)
}

// Header prints a section header
func (ui *UI) Header(title string) {
	fmt.Fprintln(ui.out, headerStyle.Render(title))
}

// KeyValue prints an indented key/value pair
func (ui *UI) KeyValue(key, value string) {
	fmt.Fprintf(ui.out, "  %s: %s\n", subtleStyle.Render(key), value)
}

// FatalPanel prints a bordered error block on the error writer
func (ui *UI) FatalPanel(title, message string) {
	body := errorStyle.Render("✗ "+title) + "\n\n" + strings.TrimRight(message, "\n")
	fmt.Fprintln(ui.err, panelStyle.Render(body))
}

// Table prints aligned rows
type Table struct {
	ui      *UI
	headers []string
	rows    [][]string
}

// NewTable creates a table with the given headers
func (ui *UI) NewTable(headers ...string) *Table {
	return &Table{
		ui:      ui,
		headers: headers,
	}
}

// AddRow adds a row
func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render writes the table
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	headerParts := make([]string, len(t.headers))
	for i, header := range t.headers {
		headerParts[i] = padRight(header, widths[i])
	}
	t.ui.Println(headerStyle.Render(strings.Join(headerParts, " │ ")))

	separatorParts := make([]string, len(widths))
	for i, width := range widths {
		separatorParts[i] = strings.Repeat("─", width)
	}
	t.ui.Println(subtleStyle.Render(strings.Join(separatorParts, "─┼─")))

	for _, row := range t.rows {
		rowParts := make([]string, len(t.headers))
		for i := range t.headers {
			cell := ""
			if i < len(row) {
				cell = row[i]
			}
			rowParts[i] = padRight(cell, widths[i])
		}
		t.ui.Println(strings.Join(rowParts, " │ "))
	}
}

func padRight(s string, width int) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(" ", width-len(s))
}
