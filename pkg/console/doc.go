// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package console seeds and maintains the client-side state of the fleet's
// shared web console.
//
// The console keeps one record per bot slot (bot.1, bot.2, ...) mapping the
// slot to the bot's API endpoint and credentials, plus the id of the selected
// slot. A Bootstrapper recomputes those records on every page load:
//
//	Pass 1 (synchronous): derive endpoints from the page origin, apply the
//	credential Policy, write the mapping only if it changed, and select the
//	first slot when nothing is selected.
//
//	Pass 2 (optional, concurrent): log in every slot still lacking tokens
//	with a fixed credential pair. Failures are logged and swallowed.
//
// State lives behind the Store interface (MemoryStore, BadgerStore). The
// RecordStore layer provides typed reads and writes with last-writer-wins
// conflict resolution at the granularity of a single slot. Concurrent
// writers in separate processes are not coordinated beyond that.
//
// Server exposes the bootstrapper over HTTP with gin.
package console
