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
	"bytes"
	"strings"
	"testing"
	"time"
)

func newTestPrinter(level PersonalityLevel) (*Printer, *bytes.Buffer, *bytes.Buffer) {
	var out, errOut bytes.Buffer
	return &Printer{Out: &out, Err: &errOut, Level: level}, &out, &errOut
}

// =============================================================================
// Personality Tests
// =============================================================================

func TestParsePersonalityLevel(t *testing.T) {
	tests := map[string]PersonalityLevel{
		"machine": PersonalityMachine,
		"CI":      PersonalityMachine,
		"min":     PersonalityMinimal,
		"full":    PersonalityFull,
		"bogus":   PersonalityFull,
	}
	for in, want := range tests {
		if got := ParsePersonalityLevel(in); got != want {
			t.Errorf("ParsePersonalityLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDetectPersonality(t *testing.T) {
	env := func(v string) func(string) (string, bool) {
		return func(key string) (string, bool) {
			if key == PersonalityEnv && v != "" {
				return v, true
			}
			return "", false
		}
	}

	// an invalid descriptor is never a terminal
	const notATTY = ^uintptr(0)
	if got := DetectPersonality(env(""), notATTY); got != PersonalityMachine {
		t.Errorf("non-terminal = %v, want machine", got)
	}
	if got := DetectPersonality(env("minimal"), notATTY); got != PersonalityMinimal {
		t.Errorf("env override = %v, want minimal", got)
	}
}

func TestSetPersonality(t *testing.T) {
	old := GetPersonality()
	defer SetPersonality(old)

	SetPersonality(PersonalityMinimal)
	if GetPersonality() != PersonalityMinimal {
		t.Errorf("GetPersonality() = %v after set", GetPersonality())
	}
}

// =============================================================================
// Printer Tests
// =============================================================================

func TestPrinter_Machine(t *testing.T) {
	p, out, errOut := newTestPrinter(PersonalityMachine)

	p.Title("Deploying")
	p.Success("done")
	p.Warning("slow")
	p.Error("broken")
	p.Info("plain")

	if got, want := out.String(), "OK: done\nplain\n"; got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
	if got, want := errOut.String(), "WARN: slow\nERROR: broken\n"; got != want {
		t.Errorf("stderr = %q, want %q", got, want)
	}
}

func TestPrinter_Minimal(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMinimal)

	p.Title("Deploying")
	p.Success("done")
	p.Box("Report", "2 removed")

	want := "Deploying\n✓ done\nReport: 2 removed\n"
	if out.String() != want {
		t.Errorf("output = %q, want %q", out.String(), want)
	}
}

func TestPrinter_FullContainsText(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityFull)

	p.Success("fleet is up")
	p.Box("Deployment", "run 1234")
	p.ErrorBox("Failed", "port 8080 held by staging")

	for _, s := range []string{"fleet is up", "Deployment", "run 1234", "port 8080 held by staging"} {
		if !strings.Contains(out.String(), s) {
			t.Errorf("output missing %q:\n%s", s, out.String())
		}
	}
}

func TestPrinter_Table(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityMachine)
	p.Table([]string{"NAME", "PORT"}, [][]string{{"freqtrade_ichi_v1", "8081"}})
	if got, want := out.String(), "NAME\tPORT\nfreqtrade_ichi_v1\t8081\n"; got != want {
		t.Errorf("table = %q, want %q", got, want)
	}

	p, out, _ = newTestPrinter(PersonalityFull)
	p.Table([]string{"NAME", "PORT"}, [][]string{{"freqtrade_ichi_v1", "8081"}})
	if !strings.Contains(out.String(), "freqtrade_ichi_v1") || !strings.Contains(out.String(), "PORT") {
		t.Errorf("table missing cells:\n%s", out.String())
	}
}

// =============================================================================
// StepLog Tests
// =============================================================================

func TestStepLog_Machine(t *testing.T) {
	p, out, errOut := newTestPrinter(PersonalityMachine)
	log := NewStepLog(p)

	log.Start("Fetching(Pulling)")
	log.Done("Fetching(Pulling)", StepOK, "", 1500*time.Millisecond)
	log.Start("Verifying")
	log.Done("Verifying", StepWarning, "2/3 services running", 0)

	wantOut := "STEP: Fetching(Pulling)\nOK: Fetching(Pulling) (1.5s)\nSTEP: Verifying\n"
	if out.String() != wantOut {
		t.Errorf("stdout = %q, want %q", out.String(), wantOut)
	}
	if got, want := errOut.String(), "WARN: Verifying: 2/3 services running\n"; got != want {
		t.Errorf("stderr = %q, want %q", got, want)
	}
}

func TestStepLog_FullStopsSpinner(t *testing.T) {
	p, out, _ := newTestPrinter(PersonalityFull)
	log := NewStepLog(p)

	log.Start("Starting")
	time.Sleep(200 * time.Millisecond)
	log.Done("Starting", StepFatal, "exit status 1", 0)

	if !strings.Contains(out.String(), "Starting: exit status 1") {
		t.Errorf("missing result line:\n%q", out.String())
	}
	if log.spinner != nil {
		t.Error("spinner still attached after Done")
	}
}

func TestSpinner_StopIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	s := NewSpinner(&buf, "waiting")
	s.Stop()
	s.Start()
	s.Start()
	s.UpdateMessage("still waiting")
	s.Stop()
	s.Stop()
}
