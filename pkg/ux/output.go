// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux provides terminal output styling for the simhost CLI.
package ux

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
	Key       lipgloss.Style

	Box lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),
	Key:       lipgloss.NewStyle().Foreground(ColorTealPrimary),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
}

// Icon provides themed status icons
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with appropriate styling
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return Styles.Success.Render(string(i))
	case IconWarning:
		return Styles.Warning.Render(string(i))
	case IconError:
		return Styles.Error.Render(string(i))
	case IconPending:
		return Styles.Muted.Render(string(i))
	default:
		return string(i)
	}
}

// Printer writes styled or plain output.
//
// Description:
//
//	In machine mode every line is plain "KEY: text" or tab-separated so the
//	output can be piped into other tools. Otherwise lipgloss styles apply.
//	The CLI selects machine mode when stdout is not a terminal.
type Printer struct {
	w       io.Writer
	machine bool
}

// NewPrinter creates a printer writing to w.
func NewPrinter(w io.Writer, machine bool) *Printer {
	return &Printer{w: w, machine: machine}
}

// Machine reports whether the printer emits plain output.
func (p *Printer) Machine() bool { return p.machine }

// Title prints a styled title. Machine mode prints nothing.
func (p *Printer) Title(text string) {
	if p.machine {
		return
	}
	fmt.Fprintln(p.w, Styles.Title.Render(text))
}

// Success prints a success message with checkmark
func (p *Printer) Success(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconSuccess.Render(), Styles.Success.Render(text))
}

// Warning prints a warning message
func (p *Printer) Warning(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconWarning.Render(), Styles.Warning.Render(text))
}

// Error prints an error message
func (p *Printer) Error(text string) {
	if p.machine {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", IconError.Render(), Styles.Error.Render(text))
}

// Field is one labelled value of a panel.
type Field struct {
	Key   string
	Value string
}

// Panel prints fields under a title. Rich mode aligns the keys inside a
// rounded box; machine mode prints one "key\tvalue" line per field.
func (p *Printer) Panel(title string, fields []Field) {
	if p.machine {
		for _, f := range fields {
			fmt.Fprintf(p.w, "%s\t%s\n", f.Key, f.Value)
		}
		return
	}

	width := 0
	for _, f := range fields {
		width = max(width, len(f.Key))
	}
	var b strings.Builder
	b.WriteString(Styles.Title.Render(title))
	for _, f := range fields {
		b.WriteString("\n")
		b.WriteString(Styles.Key.Render(f.Key + strings.Repeat(" ", width-len(f.Key))))
		b.WriteString("  ")
		b.WriteString(f.Value)
	}
	fmt.Fprintln(p.w, Styles.Box.Render(b.String()))
}

// StatusBadge renders a simulation status name with a matching icon.
func StatusBadge(status string) string {
	switch status {
	case "running":
		return IconSuccess.Render() + " " + Styles.Success.Render(status)
	case "paused", "stopped":
		return IconPending.Render() + " " + Styles.Muted.Render(status)
	case "faulted":
		return IconError.Render() + " " + Styles.Error.Render(status)
	default:
		return IconWarning.Render() + " " + Styles.Warning.Render(status)
	}
}

// ProgressBar renders a simple occupancy bar such as busy/total workers.
func ProgressBar(current, total int, width int) string {
	if total <= 0 || width <= 0 {
		return fmt.Sprintf("%d/%d", current, total)
	}
	pct := float64(current) / float64(total)
	pct = min(max(pct, 0), 1)
	filled := int(pct * float64(width))

	bar := Styles.Success.Render(strings.Repeat("█", filled)) +
		Styles.Muted.Render(strings.Repeat("░", width-filled))
	return fmt.Sprintf("%s %d/%d", bar, current, total)
}
