// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders botfleet's terminal output: the colored step log of a
// deployment, status tables and plain machine-readable lines for CI.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
)

// Palette.
var (
	ColorAccent  = lipgloss.Color("#2CD7C7")
	ColorPrimary = lipgloss.Color("#20B9B4")
	ColorBorder  = lipgloss.Color("#16858E")
	ColorSlate   = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorAccent).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorBorder).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconPending Icon = "○"
	IconArrow   Icon = "→"
)

// Render returns the icon with its color.
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

func (i Icon) machinePrefix() string {
	switch i {
	case IconSuccess:
		return "OK"
	case IconWarning:
		return "WARN"
	case IconError:
		return "ERROR"
	default:
		return "STEP"
	}
}

// Printer writes styled lines for a personality level. Warnings and errors
// in machine mode go to Err so CI logs keep them apart.
type Printer struct {
	Out   io.Writer
	Err   io.Writer
	Level PersonalityLevel
}

// NewPrinter returns a printer on stdout/stderr at the active level.
func NewPrinter() *Printer {
	return &Printer{Out: os.Stdout, Err: os.Stderr, Level: GetPersonality()}
}

func (p *Printer) err() io.Writer {
	if p.Err != nil {
		return p.Err
	}
	return p.Out
}

// Title prints a heading; machine mode omits it.
func (p *Printer) Title(text string) {
	if p.Level == PersonalityMachine {
		return
	}
	if p.Level == PersonalityMinimal {
		fmt.Fprintln(p.Out, text)
		return
	}
	fmt.Fprintln(p.Out, Styles.Title.Render(text))
}

// Status prints text behind icon.
func (p *Printer) Status(icon Icon, text string) {
	switch p.Level {
	case PersonalityMachine:
		w := p.Out
		if icon == IconWarning || icon == IconError {
			w = p.err()
		}
		fmt.Fprintf(w, "%s: %s\n", icon.machinePrefix(), text)
	case PersonalityMinimal:
		fmt.Fprintf(p.Out, "%s %s\n", icon, text)
	default:
		styled := text
		switch icon {
		case IconSuccess:
			styled = Styles.Success.Render(text)
		case IconWarning:
			styled = Styles.Warning.Render(text)
		case IconError:
			styled = Styles.Error.Render(text)
		}
		fmt.Fprintf(p.Out, "%s %s\n", icon.Render(), styled)
	}
}

func (p *Printer) Success(text string) { p.Status(IconSuccess, text) }
func (p *Printer) Warning(text string) { p.Status(IconWarning, text) }
func (p *Printer) Error(text string)   { p.Status(IconError, text) }

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.Level == PersonalityFull {
		fmt.Fprintf(p.Out, "%s %s\n", Styles.Muted.Render("│"), text)
		return
	}
	fmt.Fprintln(p.Out, text)
}

// Box prints content in a rounded box titled title.
func (p *Printer) Box(title, content string) {
	if p.Level != PersonalityFull {
		fmt.Fprintf(p.Out, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.Box.Width(64).Render(Styles.Title.Render(title)+"\n"+content))
}

// ErrorBox prints a fatal condition.
func (p *Printer) ErrorBox(title, content string) {
	if p.Level != PersonalityFull {
		fmt.Fprintf(p.err(), "ERROR %s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.Out, Styles.ErrorBox.Width(64).Render(Styles.Error.Bold(true).Render(title)+"\n"+content))
}
