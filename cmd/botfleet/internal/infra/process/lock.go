// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// LockConfig configures a Lock.
type LockConfig struct {
	// LockDir is the directory for lock files.
	// Default: system temp directory
	LockDir string

	// LockName is the base name for lock files, normally the compose
	// project name.
	// Default: "botfleet"
	LockName string
}

// Lock is an exclusive flock(2) lock with a sidecar PID file for
// diagnostics.
type Lock struct {
	lockPath string
	pidPath  string
	lockFile *os.File
	held     bool
}

// ErrLockHeld is returned by Acquire when another process holds the lock.
type ErrLockHeld struct {
	Name      string
	HolderPID int
	LockPath  string
}

func (e *ErrLockHeld) Error() string {
	if e.HolderPID > 0 {
		return fmt.Sprintf("a deployment of %s is already running (PID %d); if this is stale, remove %s",
			e.Name, e.HolderPID, e.LockPath)
	}
	return fmt.Sprintf("a deployment of %s is already running (check: lsof %s)", e.Name, e.LockPath)
}

// NewLock creates a lock; nothing is touched on disk until Acquire.
func NewLock(config LockConfig) *Lock {
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	if config.LockName == "" {
		config.LockName = "botfleet"
	}
	return &Lock{
		lockPath: filepath.Join(config.LockDir, config.LockName+".lock"),
		pidPath:  filepath.Join(config.LockDir, config.LockName+".pid"),
	}
}

// Acquire takes the lock without blocking. It returns *ErrLockHeld when
// another holder exists.
func (p *Lock) Acquire() error {
	if p.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.lockPath), 0755); err != nil {
		return fmt.Errorf("failed to create lock dir: %w", err)
	}

	f, err := os.OpenFile(p.lockPath, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("failed to create lock file %s: %w", p.lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return &ErrLockHeld{
				Name:      strings.TrimSuffix(filepath.Base(p.lockPath), ".lock"),
				HolderPID: p.HolderPID(),
				LockPath:  p.lockPath,
			}
		}
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	p.lockFile = f
	p.held = true

	// The PID file is informational; the flock is the lock.
	_ = os.WriteFile(p.pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
	return nil
}

// Release drops the lock. Safe to call when the lock is not held.
func (p *Lock) Release() error {
	if !p.held || p.lockFile == nil {
		return nil
	}
	os.Remove(p.pidPath)

	err := unix.Flock(int(p.lockFile.Fd()), unix.LOCK_UN)
	p.lockFile.Close()
	p.lockFile = nil
	p.held = false

	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// IsHeld reports whether this instance holds the lock.
func (p *Lock) IsHeld() bool {
	return p.held
}

// HolderPID returns the PID recorded by the current holder, or 0.
func (p *Lock) HolderPID() int {
	data, err := os.ReadFile(p.pidPath)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// LockPath returns the lock file path.
func (p *Lock) LockPath() string {
	return p.lockPath
}
