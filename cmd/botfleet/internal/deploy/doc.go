// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package deploy brings a compose project from whatever is running to the fleet
declared by the synthesized document.

# Overview

A deployment is a strictly sequential pipeline of states:

	Idle → Fetching(Pulling|Building) → StoppingOld → ReleasingPorts
	     → Starting → Verifying → Cleaning → Done

Images are acquired before the old project is stopped, so a registry or
build failure never leaves the host without a fleet.

Every step returns a StepResult: Ok continues, Warning is logged and
continues, Fatal ends the run in Failed(reason). There is no checkpointing: a
failed run leaves the host as the last completed step left it and the
operator re-runs from the top.

# Environments

Production and Staging deploy the same document under different compose
projects ("<base>-production", "<base>-staging"), container prefixes and port
ranges, so both fleets run side by side on one host. A deployment never stops,
removes or takes the ports of its sibling project: a conflict with the sibling
is fatal before anything is stopped.

# Concurrency

Runs against the same project are serialized by a per-project flock; runs
against different projects are independent.
*/
package deploy
