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
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// PersonalityEnv overrides the detected personality.
const PersonalityEnv = "BOTFLEET_PERSONALITY"

// PersonalityLevel controls how rich terminal output is.
type PersonalityLevel string

const (
	// PersonalityFull enables colors, icons, boxes and spinners.
	PersonalityFull PersonalityLevel = "full"

	// PersonalityMinimal keeps icons but drops colors and spinners.
	PersonalityMinimal PersonalityLevel = "minimal"

	// PersonalityMachine prints plain prefixed lines for CI logs and scripts.
	PersonalityMachine PersonalityLevel = "machine"
)

var (
	currentLevel  = PersonalityFull
	personalityMu sync.RWMutex
)

// GetPersonality returns the active level.
func GetPersonality() PersonalityLevel {
	personalityMu.RLock()
	defer personalityMu.RUnlock()
	return currentLevel
}

// SetPersonality replaces the active level.
func SetPersonality(level PersonalityLevel) {
	personalityMu.Lock()
	defer personalityMu.Unlock()
	currentLevel = level
}

// ParsePersonalityLevel converts a string to a level; unknown values are
// Full.
func ParsePersonalityLevel(s string) PersonalityLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "minimal", "min", "m":
		return PersonalityMinimal
	case "machine", "quiet", "q", "ci":
		return PersonalityMachine
	default:
		return PersonalityFull
	}
}

// DetectPersonality picks a level from BOTFLEET_PERSONALITY, else Machine
// when fd is not a terminal, else Full.
func DetectPersonality(lookup func(string) (string, bool), fd uintptr) PersonalityLevel {
	if v, ok := lookup(PersonalityEnv); ok && v != "" {
		return ParsePersonalityLevel(v)
	}
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return PersonalityMachine
	}
	return PersonalityFull
}

// InitPersonality sets the level for stdout of this process.
func InitPersonality() {
	SetPersonality(DetectPersonality(os.LookupEnv, os.Stdout.Fd()))
}

// IsInteractive reports whether prompts may be shown.
func IsInteractive() bool {
	return GetPersonality() != PersonalityMachine &&
		isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
}
