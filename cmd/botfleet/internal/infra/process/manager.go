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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Manager runs external commands.
type Manager interface {
	// Run executes a command and returns its stdout. A non-zero exit is
	// returned as a *CommandError.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// RunWithInput is Run with input written to the command's stdin.
	RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)

	// RunInDir executes a command in dir with env appended to the current
	// environment. A command that starts and exits non-zero is reported
	// through exitCode with a nil error; err is set only when the command
	// could not be run at all.
	RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (stdout, stderr string, exitCode int, err error)
}

// =============================================================================
// DefaultManager
// =============================================================================

// DefaultManager runs real processes through os/exec.
type DefaultManager struct{}

// NewDefaultManager creates a Manager backed by os/exec.
func NewDefaultManager() *DefaultManager {
	return &DefaultManager{}
}

// Run executes name with args and returns stdout.
func (pm *DefaultManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return pm.run(ctx, nil, name, args...)
}

// RunWithInput executes name with args, feeding input on stdin.
func (pm *DefaultManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	return pm.run(ctx, input, name, args...)
}

func (pm *DefaultManager) run(ctx context.Context, input []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if input != nil {
		cmd.Stdin = bytes.NewReader(input)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, NewCommandError(commandString(name, args), exitCode(err), stderr.String(), err)
	}
	return stdout.Bytes(), nil
}

// RunInDir executes name in dir with the extra environment.
func (pm *DefaultManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
		}
		return stdout.String(), stderr.String(), -1, NewCommandError(commandString(name, args), -1, stderr.String(), err)
	}
	return stdout.String(), stderr.String(), 0, nil
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func commandString(name string, args []string) string {
	if len(args) == 0 {
		return name
	}
	return name + " " + strings.Join(args, " ")
}

// =============================================================================
// MockManager
// =============================================================================

// MockManager records every call and delegates to the configured funcs.
// A call whose func is nil panics, so tests fail loudly on unexpected
// invocations.
type MockManager struct {
	RunFunc          func(ctx context.Context, name string, args ...string) ([]byte, error)
	RunWithInputFunc func(ctx context.Context, name string, input []byte, args ...string) ([]byte, error)
	RunInDirFunc     func(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error)

	Calls []Call

	mu sync.Mutex
}

// Call is one recorded invocation.
type Call struct {
	Method string
	Dir    string
	Env    []string
	Name   string
	Args   []string
	Input  []byte
}

// Run records the call and delegates to RunFunc.
func (m *MockManager) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.record(Call{Method: "Run", Name: name, Args: args})
	if m.RunFunc == nil {
		panic("MockManager.RunFunc not set")
	}
	return m.RunFunc(ctx, name, args...)
}

// RunWithInput records the call and delegates to RunWithInputFunc.
func (m *MockManager) RunWithInput(ctx context.Context, name string, input []byte, args ...string) ([]byte, error) {
	m.record(Call{Method: "RunWithInput", Name: name, Args: args, Input: append([]byte(nil), input...)})
	if m.RunWithInputFunc == nil {
		panic("MockManager.RunWithInputFunc not set")
	}
	return m.RunWithInputFunc(ctx, name, input, args...)
}

// RunInDir records the call and delegates to RunInDirFunc.
func (m *MockManager) RunInDir(ctx context.Context, dir string, env []string, name string, args ...string) (string, string, int, error) {
	m.record(Call{Method: "RunInDir", Dir: dir, Env: env, Name: name, Args: args})
	if m.RunInDirFunc == nil {
		panic("MockManager.RunInDirFunc not set")
	}
	return m.RunInDirFunc(ctx, dir, env, name, args...)
}

func (m *MockManager) record(c Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, c)
}

// GetCalls returns a copy of the recorded calls.
func (m *MockManager) GetCalls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Call, len(m.Calls))
	copy(result, m.Calls)
	return result
}

// Reset clears the recorded calls.
func (m *MockManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
}

var (
	_ Manager = (*DefaultManager)(nil)
	_ Manager = (*MockManager)(nil)
)

// =============================================================================
// CommandError
// =============================================================================

// CommandError is a failed external command with its exit code and stderr.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Wrapped  error
}

// NewCommandError builds a CommandError, trimming stderr.
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, e.Stderr)
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

// ExtractStderr returns the stderr of the first CommandError in err's chain.
func ExtractStderr(err error) string {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.Stderr
	}
	return ""
}
