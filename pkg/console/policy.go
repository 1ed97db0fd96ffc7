// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"errors"
	"fmt"
	"strings"
)

// Policy decides which credentials pass 1 writes into a slot.
type Policy int

const (
	// NoPrefill never writes credentials. Whatever a user stored by logging
	// in manually is kept as is.
	NoPrefill Policy = iota

	// PreserveExisting fills the configured username into slots that have
	// none and never touches tokens.
	PreserveExisting

	// PropagateMaster copies the first slot (in slot order) holding both
	// tokens into every slot holding neither, username included. Slots that
	// already hold a token are left untouched.
	PropagateMaster
)

// ErrUnknownPolicy is returned by ParsePolicy.
var ErrUnknownPolicy = errors.New("unknown credential policy")

var policyNames = map[Policy]string{
	NoPrefill:        "no_prefill",
	PreserveExisting: "preserve_existing",
	PropagateMaster:  "propagate_master",
}

func (p Policy) String() string {
	if name, ok := policyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the names used in botfleet.yaml.
func ParsePolicy(s string) (Policy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for p, name := range policyNames {
		if name == normalized {
			return p, nil
		}
	}
	return NoPrefill, fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// Bot is one worker as the console sees it, in fleet order.
type Bot struct {
	Name string
	Slug string
}

// Endpoint joins origin and the per-bot path template, replacing {slug}.
func Endpoint(origin, template, slug string) string {
	return strings.TrimRight(origin, "/") + strings.ReplaceAll(template, "{slug}", slug)
}

// Desired computes the mapping pass 1 wants persisted.
//
// # Description
//
// Every slot gets the bot name, derived endpoint and sort index of its
// position in bots. Credentials and autoRefresh carry over from existing,
// then policy adds what it is allowed to add. Slots of bots that left the
// fleet are not part of the result.
//
// # Inputs
//
//   - bots: Fleet order; slot i is SlotID(i).
//   - endpoints: Endpoint of each bot, same order.
//   - existing: The persisted mapping.
//   - policy: Credential policy.
//   - username: Username PreserveExisting fills in.
//
// # Outputs
//
//   - map[string]BotRecord: The desired mapping, keyed by slot id.
func Desired(bots []Bot, endpoints []string, existing map[string]BotRecord, policy Policy, username string) map[string]BotRecord {
	desired := make(map[string]BotRecord, len(bots))
	for i, bot := range bots {
		id := SlotID(i)
		rec := BotRecord{AutoRefresh: true}
		if prev, ok := existing[id]; ok {
			rec = prev
		}
		rec.ID = id
		rec.BotName = bot.Name
		rec.APIURL = endpoints[i]
		rec.SortIndex = i
		desired[id] = rec
	}

	switch policy {
	case PreserveExisting:
		if username == "" {
			break
		}
		for id, rec := range desired {
			if rec.Username == "" {
				rec.Username = username
				desired[id] = rec
			}
		}
	case PropagateMaster:
		master, ok := findMaster(existing)
		if !ok {
			break
		}
		for id, rec := range desired {
			if rec.HasAnyToken() {
				continue
			}
			rec.Username = master.Username
			rec.AccessToken = master.AccessToken
			rec.RefreshToken = master.RefreshToken
			desired[id] = rec
		}
	}
	return desired
}

func findMaster(records map[string]BotRecord) (BotRecord, bool) {
	for _, id := range SortedIDs(records) {
		if rec := records[id]; rec.HasTokens() {
			return rec, true
		}
	}
	return BotRecord{}, false
}
