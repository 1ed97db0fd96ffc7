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

import (
	"encoding/json"
	"time"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
)

// StepRecord is one executed step.
type StepRecord struct {
	State    string        `json:"state"`
	Result   string        `json:"result"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// RemovedContainer is a container ReleasingPorts force-removed.
type RemovedContainer struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Project string `json:"project,omitempty"`
	Port    int    `json:"port,omitempty"`
	Reason  string `json:"reason"`
}

// Report describes one deployment run.
type Report struct {
	RunID       string         `json:"run_id"`
	Environment string         `json:"environment"`
	Project     string         `json:"project"`
	ImageTag    string         `json:"image_tag"`
	Mode        string         `json:"mode"`
	Ports       map[string]int `json:"ports"`

	// States lists every state entered, in order, ending in Done or Failed.
	States []string     `json:"states"`
	Steps  []StepRecord `json:"steps"`

	Removed        []RemovedContainer      `json:"removed,omitempty"`
	Services       []compose.ServiceStatus `json:"services,omitempty"`
	PrunedImages   int                     `json:"pruned_images"`
	SpaceReclaimed uint64                  `json:"space_reclaimed_bytes"`

	Final      string    `json:"final"`
	FailReason string    `json:"fail_reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the run reached Done.
func (r *Report) Succeeded() bool {
	return r.Final == StateDone.String()
}

// Warnings returns the reasons of every warning step.
func (r *Report) Warnings() []string {
	var out []string
	for _, s := range r.Steps {
		if s.Result == StepWarning.String() {
			out = append(out, s.State+": "+s.Reason)
		}
	}
	return out
}

// JSON renders the report indented.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
