package cli

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

const (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
)

type styles struct {
	title   lipgloss.Style
	step    lipgloss.Style
	success lipgloss.Style
	muted   lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	label   lipgloss.Style
}

// newStyles returns the output palette. With noColor every style renders
// plain text.
func newStyles(noColor bool) styles {
	plain := lipgloss.NewStyle()
	if noColor {
		return styles{
			title: plain, step: plain, success: plain, muted: plain,
			warn: plain, err: plain, label: plain.Width(14),
		}
	}
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(colorPrimary),
		step:    lipgloss.NewStyle().Foreground(colorPrimary),
		success: lipgloss.NewStyle().Foreground(colorSuccess),
		muted:   lipgloss.NewStyle().Foreground(colorMuted),
		warn:    lipgloss.NewStyle().Foreground(colorWarning),
		err:     lipgloss.NewStyle().Bold(true).Foreground(colorError),
		label:   lipgloss.NewStyle().Foreground(colorMuted).Width(14),
	}
}

// reporter prints task progress.
type reporter struct {
	w  io.Writer
	st styles
}

func newReporter(w io.Writer, st styles) *reporter {
	return &reporter{w: w, st: st}
}

func (r *reporter) Step(msg string) {
	fmt.Fprintln(r.w, r.st.step.Render("==>")+" "+msg)
}

func (r *reporter) Done(msg string) {
	fmt.Fprintln(r.w, r.st.success.Render("✓")+" "+msg)
}

func (r *reporter) Skip(msg string) {
	fmt.Fprintln(r.w, r.st.muted.Render("- "+msg))
}
