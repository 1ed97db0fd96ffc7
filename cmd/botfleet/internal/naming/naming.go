// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package naming

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// Names is the pair of identifiers derived from one strategy identifier.
type Names struct {
	// Slug is lowercase with non-alphanumeric runs collapsed to "-".
	Slug string

	// ContainerSuffix is the snake_case rendering used after the container prefix.
	ContainerSuffix string
}

// Derive returns the slug and container suffix for identifier.
//
// # Description
//
// Derive never fails. An empty or symbol-only identifier still produces a
// usable slug (see Slug) and a suffix made only of the allowed characters.
//
// # Inputs
//
//   - identifier: Strategy identifier as declared in the fleet config.
//
// # Outputs
//
//   - Names: Slug and ContainerSuffix.
//
// # Examples
//
//	Derive("MACDCCI")  // {Slug: "macdcci", ContainerSuffix: "macdcci"}
//	Derive("ichiV1")   // {Slug: "ichiv1",  ContainerSuffix: "ichi_v1"}
func Derive(identifier string) Names {
	return Names{
		Slug:            Slug(identifier),
		ContainerSuffix: ContainerSuffix(identifier),
	}
}

// Slug lowercases identifier and collapses every run of characters outside
// [a-z0-9] into a single "-". Leading and trailing separators are dropped.
//
// Identifiers without a single alphanumeric character map to
// "strategy-<fnv32a hex>" so the result is never empty and still stable.
func Slug(identifier string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(identifier) {
		if isLowerAlnum(r) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	if b.Len() == 0 {
		return fallbackSlug(identifier)
	}
	return b.String()
}

// ContainerSuffix renders identifier as snake_case.
//
// # Description
//
// An identifier made only of uppercase ASCII letters is treated as an acronym
// and lowercased verbatim. Otherwise an underscore is inserted before every
// uppercase letter that directly follows a lowercase letter, and before every
// digit run that directly follows a lowercase letter. The result is
// lowercased, characters outside [a-z0-9_.-] become "_", repeated underscores
// collapse and any leading underscore is stripped.
//
// # Examples
//
//	ContainerSuffix("MACDCCI")                // "macdcci"
//	ContainerSuffix("ichiV1")                 // "ichi_v1"
//	ContainerSuffix("CustomStoplossWithPSAR") // "custom_stoploss_with_psar"
//	ContainerSuffix("Strategy005")            // "strategy_005"
func ContainerSuffix(identifier string) string {
	if isAcronym(identifier) {
		return strings.ToLower(identifier)
	}

	runes := []rune(identifier)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 {
			prev := runes[i-1]
			switch {
			case unicode.IsUpper(r) && unicode.IsLower(prev):
				b.WriteByte('_')
			case isDigit(r) && unicode.IsLower(prev):
				b.WriteByte('_')
			}
		}
		b.WriteRune(r)
	}

	return sanitizeSuffix(strings.ToLower(b.String()))
}

func sanitizeSuffix(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !isLowerAlnum(r) && r != '.' && r != '-' {
			r = '_'
		}
		if r == '_' && strings.HasSuffix(b.String(), "_") {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimLeft(b.String(), "_")
}

func isAcronym(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func isLowerAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || isDigit(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func fallbackSlug(identifier string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identifier))
	return fmt.Sprintf("strategy-%08x", h.Sum32())
}
