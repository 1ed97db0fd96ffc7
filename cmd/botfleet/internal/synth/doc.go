// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth builds the compose document that declares the desired fleet:
// one console service followed by one worker service per resolved strategy.
//
// The document is regenerated wholesale on every run and is rendered from an
// ordered yaml.Node tree, so unchanged input yields byte-identical output.
// Published ports are written as "${ROLE_PORT:-default}:container" so the
// deployment driver can move a fleet to another port range through the
// environment alone.
package synth
