// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runtime

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
)

// ServiceLabel is the compose label naming the service a container runs.
const ServiceLabel = "com.docker.compose.service"

// FakeRegistry is an in-memory host. It implements Registry and
// compose.Executor over the same container set, enforcing the two rules a
// real daemon enforces: container names are unique host-wide, and a host
// port is published by at most one running container.
type FakeRegistry struct {
	// Credentials maps registry to "username:password". When nil every
	// login succeeds.
	Credentials map[string]string

	// Injected failures.
	PingErr  error
	PullErr  error
	BuildErr error

	mu         sync.Mutex
	containers []*Service
	nextID     int
	dangling   int
	ops        []string
}

// NewFakeRegistry returns an empty host.
func NewFakeRegistry() *FakeRegistry {
	return &FakeRegistry{}
}

// Seed adds a container as if something outside botfleet had created it.
func (f *FakeRegistry) Seed(s Service) Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s.ID == "" {
		s.ID = f.newID()
	}
	if s.State == "" {
		s.State = "running"
	}
	if s.Labels == nil {
		s.Labels = map[string]string{}
	}
	if s.Project != "" {
		s.Labels[ProjectLabel] = s.Project
	}
	c := s
	f.containers = append(f.containers, &c)
	return c
}

// AddDanglingImages simulates n untagged images left by earlier pulls.
func (f *FakeRegistry) AddDanglingImages(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dangling += n
}

// Operations returns every mutating call in order, e.g. "down botfleet-staging".
func (f *FakeRegistry) Operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// Containers returns the containers of project, or all when project is "".
func (f *FakeRegistry) Containers(project string) []Service {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Service
	for _, c := range f.containers {
		if project == "" || c.Project == project {
			out = append(out, copyService(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *FakeRegistry) newID() string {
	f.nextID++
	return fmt.Sprintf("c%04d", f.nextID)
}

func (f *FakeRegistry) record(format string, args ...any) {
	f.ops = append(f.ops, fmt.Sprintf(format, args...))
}

func copyService(c *Service) Service {
	s := *c
	s.Ports = append([]int(nil), c.Ports...)
	s.Labels = make(map[string]string, len(c.Labels))
	for k, v := range c.Labels {
		s.Labels[k] = v
	}
	return s
}

// =============================================================================
// Registry
// =============================================================================

// Ping fails with PingErr when set.
func (f *FakeRegistry) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// ListServices returns every container.
func (f *FakeRegistry) ListServices(ctx context.Context) ([]Service, error) {
	return f.Containers(""), nil
}

// Remove deletes a container by ID.
func (f *FakeRegistry) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, c := range f.containers {
		if c.ID == id {
			f.containers = append(f.containers[:i], f.containers[i+1:]...)
			f.record("rm %s", c.Name)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// PruneImages drops every dangling image.
func (f *FakeRegistry) PruneImages(ctx context.Context) (PruneReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.dangling
	f.dangling = 0
	f.record("prune")
	return PruneReport{ImagesDeleted: n, SpaceReclaimed: uint64(n) * 100 << 20}, nil
}

// =============================================================================
// compose.Executor
// =============================================================================

// Down removes every container of the project.
func (f *FakeRegistry) Down(ctx context.Context, p compose.Project) (*compose.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.containers[:0]
	for _, c := range f.containers {
		if c.Project != p.Name {
			kept = append(kept, c)
		}
	}
	f.containers = kept
	f.record("down %s", p.Name)
	return &compose.Result{Success: true, Command: "down"}, nil
}

// Pull records the pull, failing with PullErr when set.
func (f *FakeRegistry) Pull(ctx context.Context, p compose.Project) (*compose.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pull %s", p.Name)
	if f.PullErr != nil {
		return &compose.Result{ExitCode: 1}, f.PullErr
	}
	return &compose.Result{Success: true, Command: "pull"}, nil
}

// Build records the build, failing with BuildErr when set.
func (f *FakeRegistry) Build(ctx context.Context, p compose.Project) (*compose.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build %s", p.Name)
	if f.BuildErr != nil {
		return &compose.Result{ExitCode: 1}, f.BuildErr
	}
	return &compose.Result{Success: true, Command: "build"}, nil
}

// Up creates or recreates every service of the document under p.Name,
// resolving names, ports and tags from p.Env the way compose interpolates
// them.
func (f *FakeRegistry) Up(ctx context.Context, p compose.Project) (*compose.Result, error) {
	path := p.File
	if !filepath.IsAbs(path) && p.Dir != "" {
		path = filepath.Join(p.Dir, path)
	}
	doc, err := synth.Load(path)
	if err != nil {
		return &compose.Result{ExitCode: 1}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("up %s", p.Name)

	prefix := doc.DefaultPrefix
	if v, ok := p.Env[synth.ContainerPrefixVariable]; ok && v != "" {
		prefix = v
	}

	for _, svc := range doc.Services() {
		name := svc.ResolvedContainerName(prefix)
		port := svc.Port
		if v, ok := p.Env[synth.PortVariable(svc.Role)]; ok {
			if n, err := strconv.Atoi(v); err == nil {
				port = n
			}
		}

		var existing *Service
		for _, c := range f.containers {
			if c.Name == name {
				existing = c
				break
			}
		}
		if existing != nil && existing.Project != p.Name {
			return &compose.Result{ExitCode: 1}, fmt.Errorf("%w: Conflict. The container name %q is already in use by container %q",
				compose.ErrCommandFailed, name, existing.ID)
		}
		for _, c := range f.containers {
			if c != existing && c.State == "running" && c.Publishes(port) {
				return &compose.Result{ExitCode: 1}, fmt.Errorf("%w: Bind for 0.0.0.0:%d failed: port is already allocated",
					compose.ErrCommandFailed, port)
			}
		}

		image := interpolate(svc.Image, p.Env)
		if existing != nil {
			existing.State = "running"
			existing.Ports = []int{port}
			existing.Image = image
			continue
		}
		f.containers = append(f.containers, &Service{
			ID:      f.newID(),
			Name:    name,
			Image:   image,
			Project: p.Name,
			State:   "running",
			Ports:   []int{port},
			Labels: map[string]string{
				ProjectLabel: p.Name,
				ServiceLabel: svc.Slug,
			},
		})
	}
	return &compose.Result{Success: true, Command: "up"}, nil
}

// Status lists the project's containers.
func (f *FakeRegistry) Status(ctx context.Context, p compose.Project) ([]compose.ServiceStatus, error) {
	out := []compose.ServiceStatus{}
	for _, c := range f.Containers(p.Name) {
		st := compose.ServiceStatus{
			Name:    c.Name,
			Service: c.Labels[ServiceLabel],
			State:   c.State,
			Image:   c.Image,
		}
		for _, port := range c.Ports {
			st.Ports = append(st.Ports, compose.PortMapping{HostIP: "0.0.0.0", HostPort: port, ContainerPort: 8080, Protocol: "tcp"})
		}
		out = append(out, st)
	}
	return out, nil
}

// Login checks the credentials against Credentials.
func (f *FakeRegistry) Login(ctx context.Context, registry, username string, password []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("login %s", registry)
	if f.Credentials == nil {
		return nil
	}
	if f.Credentials[registry] != username+":"+string(password) {
		return fmt.Errorf("%w: %s: unauthorized", compose.ErrRegistryAuth, registry)
	}
	return nil
}

var interpolation = regexp.MustCompile(`\$\{([A-Z0-9_]+):-([^}]*)\}`)

// interpolate expands ${VAR:-default} from env.
func interpolate(s string, env map[string]string) string {
	return interpolation.ReplaceAllStringFunc(s, func(m string) string {
		parts := interpolation.FindStringSubmatch(m)
		if v, ok := env[parts[1]]; ok && v != "" {
			return v
		}
		return parts[2]
	})
}

var (
	_ Registry         = (*FakeRegistry)(nil)
	_ compose.Executor = (*FakeRegistry)(nil)
)
