// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"
	"time"
)

// StepStatus is the outcome of one pipeline step.
type StepStatus int

const (
	StepOK StepStatus = iota
	StepWarning
	StepFatal
)

// StepLog prints a line per pipeline step. At the Full level a spinner
// runs while a step is in progress; other levels print the step name when
// it starts.
type StepLog struct {
	p       *Printer
	mu      sync.Mutex
	spinner *Spinner
}

// NewStepLog returns a step log on p.
func NewStepLog(p *Printer) *StepLog {
	return &StepLog{p: p}
}

// Start announces label.
func (l *StepLog) Start(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.p.Level {
	case PersonalityFull:
		l.spinner = NewSpinner(l.p.Out, label+"...")
		l.spinner.Start()
	case PersonalityMinimal:
		fmt.Fprintf(l.p.Out, "%s %s\n", IconArrow, label)
	default:
		fmt.Fprintf(l.p.Out, "STEP: %s\n", label)
	}
}

// Done reports how label ended.
func (l *StepLog) Done(label string, status StepStatus, reason string, elapsed time.Duration) {
	l.mu.Lock()
	if l.spinner != nil {
		l.spinner.Stop()
		l.spinner = nil
	}
	l.mu.Unlock()

	text := label
	if reason != "" {
		text += ": " + reason
	}
	if elapsed > 0 {
		d := elapsed.Round(100 * time.Millisecond).String()
		if l.p.Level == PersonalityFull {
			d = Styles.Muted.Render("(" + d + ")")
		} else {
			d = "(" + d + ")"
		}
		text += " " + d
	}

	switch status {
	case StepWarning:
		l.p.Warning(text)
	case StepFatal:
		l.p.Error(text)
	default:
		l.p.Success(text)
	}
}
