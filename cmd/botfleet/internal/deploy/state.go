// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import "fmt"

// State is a position in the deployment pipeline.
type State int

const (
	StateIdle State = iota
	StateStoppingOld
	StateReleasingPorts
	StateFetching
	StateStarting
	StateVerifying
	StateCleaning
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateIdle:           "Idle",
	StateStoppingOld:    "StoppingOld",
	StateReleasingPorts: "ReleasingPorts",
	StateFetching:       "Fetching",
	StateStarting:       "Starting",
	StateVerifying:      "Verifying",
	StateCleaning:       "Cleaning",
	StateDone:           "Done",
	StateFailed:         "Failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// FetchMode selects how Fetching acquires images.
type FetchMode int

const (
	Pull FetchMode = iota
	Build
)

func (m FetchMode) String() string {
	if m == Build {
		return "Building"
	}
	return "Pulling"
}

// StepKind classifies a step outcome.
type StepKind int

const (
	StepOk StepKind = iota
	StepWarning
	StepFatal
)

func (k StepKind) String() string {
	switch k {
	case StepOk:
		return "ok"
	case StepWarning:
		return "warning"
	default:
		return "fatal"
	}
}

// StepResult is the outcome of one step.
type StepResult struct {
	Kind   StepKind
	Reason string
}

// Ok is a successful step.
func Ok() StepResult { return StepResult{Kind: StepOk} }

// Warning is a step that did not fully succeed but does not stop the run.
func Warning(format string, args ...any) StepResult {
	return StepResult{Kind: StepWarning, Reason: fmt.Sprintf(format, args...)}
}

// Fatal ends the run in StateFailed.
func Fatal(format string, args ...any) StepResult {
	return StepResult{Kind: StepFatal, Reason: fmt.Sprintf(format, args...)}
}
