// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package compose drives "docker compose" for one named project.
//
// Every invocation carries "-p <project>" so Production and Staging fleets
// built from the same document never touch each other's containers. The
// environment injected per call (IMAGE_TAG, CONTAINER_PREFIX, *_PORT) is what
// turns the shared document into a concrete fleet.
package compose

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/process"
)

// =============================================================================
// Error Definitions
// =============================================================================

var (
	// ErrComposeFileMissing is returned when an operation needs the document
	// and Project.File is empty.
	ErrComposeFileMissing = errors.New("compose file not set")

	// ErrRegistryAuth is returned when the registry rejects the credentials
	// or a pull is denied.
	ErrRegistryAuth = errors.New("registry authentication failed")

	// ErrCommandFailed is returned when docker compose exits non-zero.
	ErrCommandFailed = errors.New("compose command failed")
)

// =============================================================================
// Types
// =============================================================================

// Project identifies one compose project and the environment it runs with.
type Project struct {
	// Name is passed as "-p". Required.
	Name string

	// File is the compose document. Required for everything except Down
	// and Status.
	File string

	// Dir is the working directory, used to resolve relative bind mounts.
	Dir string

	// Env is added to the process environment of every call.
	Env map[string]string
}

// Result is the outcome of one compose invocation.
type Result struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
	Command  string
}

// PortMapping is one published port of a service.
type PortMapping struct {
	HostIP        string `json:"host_ip,omitempty"`
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"`
}

// ServiceStatus is one container of the project as reported by "ps".
type ServiceStatus struct {
	Name    string        `json:"name"`
	Service string        `json:"service"`
	State   string        `json:"state"`
	Status  string        `json:"status,omitempty"`
	Image   string        `json:"image"`
	Ports   []PortMapping `json:"ports,omitempty"`
}

// Running reports whether the container is in the running state.
func (s ServiceStatus) Running() bool {
	return s.State == "running"
}

// Executor runs compose operations against a project.
type Executor interface {
	// Down stops and removes the project's containers. A project that does
	// not exist is not an error.
	Down(ctx context.Context, p Project) (*Result, error)

	// Pull pulls every image referenced by the document.
	Pull(ctx context.Context, p Project) (*Result, error)

	// Build builds every service that declares a build section.
	Build(ctx context.Context, p Project) (*Result, error)

	// Up starts every service detached.
	Up(ctx context.Context, p Project) (*Result, error)

	// Status lists the project's containers, running or not.
	Status(ctx context.Context, p Project) ([]ServiceStatus, error)

	// Login authenticates against registry. The password is passed on
	// stdin and never appears in the argument list.
	Login(ctx context.Context, registry, username string, password []byte) error
}

// =============================================================================
// DockerExecutor
// =============================================================================

// DockerExecutorConfig configures DockerExecutor.
type DockerExecutorConfig struct {
	// Binary is the docker CLI.
	// Default: "docker"
	Binary string

	// Timeout bounds every call.
	// Default: 10 minutes
	Timeout time.Duration

	Logger *slog.Logger
}

// DockerExecutor implements Executor with the docker compose v2 plugin.
type DockerExecutor struct {
	proc   process.Manager
	config DockerExecutorConfig
	logger *slog.Logger
}

// NewDockerExecutor creates an executor running commands through proc.
func NewDockerExecutor(proc process.Manager, config DockerExecutorConfig) *DockerExecutor {
	if config.Binary == "" {
		config.Binary = "docker"
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerExecutor{proc: proc, config: config, logger: logger}
}

// Down runs "docker compose -p <name> down --remove-orphans".
func (e *DockerExecutor) Down(ctx context.Context, p Project) (*Result, error) {
	return e.runCompose(ctx, p, false, "down", "--remove-orphans")
}

// Pull runs "docker compose pull".
func (e *DockerExecutor) Pull(ctx context.Context, p Project) (*Result, error) {
	res, err := e.runCompose(ctx, p, true, "pull")
	if err != nil && res != nil && isAuthFailure(res.Stderr) {
		return res, fmt.Errorf("%w: %v", ErrRegistryAuth, err)
	}
	return res, err
}

// Build runs "docker compose build".
func (e *DockerExecutor) Build(ctx context.Context, p Project) (*Result, error) {
	res, err := e.runCompose(ctx, p, true, "build")
	if err != nil && res != nil && isAuthFailure(res.Stderr) {
		return res, fmt.Errorf("%w: %v", ErrRegistryAuth, err)
	}
	return res, err
}

// Up runs "docker compose up -d --remove-orphans".
func (e *DockerExecutor) Up(ctx context.Context, p Project) (*Result, error) {
	return e.runCompose(ctx, p, true, "up", "-d", "--remove-orphans")
}

// Status runs "docker compose ps --all --format json".
func (e *DockerExecutor) Status(ctx context.Context, p Project) ([]ServiceStatus, error) {
	res, err := e.runCompose(ctx, p, false, "ps", "--all", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseStatus(res.Stdout)
}

// Login runs "docker login <registry> --username <u> --password-stdin".
func (e *DockerExecutor) Login(ctx context.Context, registry, username string, password []byte) error {
	args := []string{"login"}
	if registry != "" {
		args = append(args, registry)
	}
	args = append(args, "--username", username, "--password-stdin")

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	e.logger.Info("Registry login", "registry", registry, "username", username)
	if _, err := e.proc.RunWithInput(execCtx, e.config.Binary, password, args...); err != nil {
		return fmt.Errorf("%w: %s: %s", ErrRegistryAuth, registryName(registry), process.ExtractStderr(err))
	}
	return nil
}

func registryName(registry string) string {
	if registry == "" {
		return "default registry"
	}
	return registry
}

// runCompose executes one docker compose command for p.
//
// # Description
//
// Builds "docker compose -p <name> [-f <file>] <args...>", runs it in p.Dir
// with p.Env appended to the environment, and converts a non-zero exit into
// an ErrCommandFailed error carrying stderr.
//
// # Assumptions
//
//   - p.Name is a valid compose project name.
func (e *DockerExecutor) runCompose(ctx context.Context, p Project, needFile bool, args ...string) (*Result, error) {
	if needFile && p.File == "" {
		return nil, ErrComposeFileMissing
	}

	full := []string{"compose", "-p", p.Name}
	if p.File != "" {
		full = append(full, "-f", p.File)
	}
	full = append(full, args...)

	cmdStr := e.config.Binary + " " + strings.Join(full, " ")
	env := buildEnv(p.Env)
	e.logger.Debug("Executing", "command", cmdStr, "dir", p.Dir, "env", envKeys(p.Env))

	execCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, exitCode, err := e.proc.RunInDir(execCtx, p.Dir, env, e.config.Binary, full...)

	result := &Result{
		Success:  exitCode == 0 && err == nil,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
		Command:  cmdStr,
	}
	if err != nil {
		return result, fmt.Errorf("%w: %s: %v", ErrCommandFailed, cmdStr, err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("%w: %s exited with code %d: %s",
			ErrCommandFailed, cmdStr, exitCode, strings.TrimSpace(stderr))
	}
	return result, nil
}

// buildEnv renders env as sorted KEY=VALUE pairs.
func buildEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func envKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isAuthFailure(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{"unauthorized", "denied", "authentication required", "no basic auth credentials"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// psEntry is one element of "docker compose ps --format json".
type psEntry struct {
	Name       string `json:"Name"`
	Service    string `json:"Service"`
	State      string `json:"State"`
	Status     string `json:"Status"`
	Image      string `json:"Image"`
	Publishers []struct {
		URL           string `json:"URL"`
		TargetPort    int    `json:"TargetPort"`
		PublishedPort int    `json:"PublishedPort"`
		Protocol      string `json:"Protocol"`
	} `json:"Publishers"`
}

// parseStatus accepts both output shapes of "ps --format json": a JSON array
// (compose < 2.21) and one object per line (compose >= 2.21).
func parseStatus(out string) ([]ServiceStatus, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return []ServiceStatus{}, nil
	}

	var entries []psEntry
	if strings.HasPrefix(out, "[") {
		if err := json.Unmarshal([]byte(out), &entries); err != nil {
			return nil, fmt.Errorf("failed to parse container JSON: %w", err)
		}
	} else {
		scanner := bufio.NewScanner(strings.NewReader(out))
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var entry psEntry
			if err := json.Unmarshal([]byte(line), &entry); err != nil {
				return nil, fmt.Errorf("failed to parse container JSON: %w", err)
			}
			entries = append(entries, entry)
		}
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}

	services := make([]ServiceStatus, 0, len(entries))
	for _, c := range entries {
		svc := ServiceStatus{
			Name:    c.Name,
			Service: c.Service,
			State:   c.State,
			Status:  c.Status,
			Image:   c.Image,
		}
		for _, pub := range c.Publishers {
			if pub.PublishedPort == 0 {
				continue
			}
			svc.Ports = append(svc.Ports, PortMapping{
				HostIP:        pub.URL,
				HostPort:      pub.PublishedPort,
				ContainerPort: pub.TargetPort,
				Protocol:      pub.Protocol,
			})
		}
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

var _ Executor = (*DockerExecutor)(nil)
