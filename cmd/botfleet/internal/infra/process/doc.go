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
Package process provides abstractions for external process execution and
inter-process synchronization.

# Overview

This package contains two main components:

  - Manager: Abstracts external process execution for testability
  - Lock: File-based locking so only one deployment runs per compose project

# Manager

Every docker / docker compose invocation goes through Manager so the
deployment steps can be exercised with MockManager.

	pm := process.NewDefaultManager()
	stdout, stderr, code, err := pm.RunInDir(ctx, dir, []string{"IMAGE_TAG=v1"}, "docker", "compose", "ps")

# Lock

Lock uses flock(2) advisory locking. Locks with different names are
independent, which is what lets a Production and a Staging deployment run
side by side.

	lock := process.NewLock(process.LockConfig{LockName: "botfleet-production"})
	if err := lock.Acquire(); err != nil {
	    return err
	}
	defer lock.Release()

# Thread Safety

  - Manager implementations are safe for concurrent use
  - Lock is NOT safe for concurrent use from multiple goroutines

# Limitations

  - flock is not supported on Windows
  - Advisory locks only protect against other botfleet processes
*/
package process
