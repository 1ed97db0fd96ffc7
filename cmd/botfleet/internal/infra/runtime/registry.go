// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runtime queries and reconciles the containers running on the host.
//
// Registry is the "running services" view the deployment driver reconciles
// against: which container publishes which host port, under which compose
// project. DockerRegistry talks to the daemon through the Docker SDK;
// FakeRegistry keeps the same state in memory and doubles as a compose
// executor so a whole deployment can run without a container runtime.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

// ProjectLabel is the label docker compose puts on every container it creates.
const ProjectLabel = "com.docker.compose.project"

// ErrNotFound is returned by Remove for an unknown container.
var ErrNotFound = errors.New("container not found")

// Service is one container known to the runtime.
type Service struct {
	ID      string
	Name    string
	Image   string
	Project string
	State   string
	Ports   []int
	Labels  map[string]string
}

// Publishes reports whether the container publishes host port.
func (s Service) Publishes(port int) bool {
	for _, p := range s.Ports {
		if p == port {
			return true
		}
	}
	return false
}

// PruneReport summarizes an image prune.
type PruneReport struct {
	ImagesDeleted  int
	SpaceReclaimed uint64
}

// Registry is the running-services abstraction.
type Registry interface {
	// Ping checks that the container runtime answers.
	Ping(ctx context.Context) error

	// ListServices returns every container on the host, running or not.
	ListServices(ctx context.Context) ([]Service, error)

	// Remove force-removes a container.
	Remove(ctx context.Context, id string) error

	// PruneImages removes dangling images no container references.
	PruneImages(ctx context.Context) (PruneReport, error)
}

// ServicesOnPort filters services publishing port.
func ServicesOnPort(services []Service, port int) []Service {
	var out []Service
	for _, s := range services {
		if s.Publishes(port) {
			out = append(out, s)
		}
	}
	return out
}

// =============================================================================
// DockerRegistry
// =============================================================================

// DockerRegistry implements Registry with the Docker Engine API.
type DockerRegistry struct {
	inner *client.Client
}

// NewDockerRegistry connects using DOCKER_HOST and friends, or host when set.
func NewDockerRegistry(host string) (*DockerRegistry, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRegistry{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon.
func (r *DockerRegistry) Ping(ctx context.Context) error {
	ping, err := r.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// ListServices lists all containers with their published host ports.
func (r *DockerRegistry) ListServices(ctx context.Context) ([]Service, error) {
	containers, err := r.inner.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	services := make([]Service, 0, len(containers))
	for _, c := range containers {
		name := c.ID
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		svc := Service{
			ID:      c.ID,
			Name:    name,
			Image:   c.Image,
			Project: c.Labels[ProjectLabel],
			State:   c.State,
			Labels:  c.Labels,
		}
		seen := map[int]bool{}
		for _, p := range c.Ports {
			port := int(p.PublicPort)
			if port == 0 || seen[port] {
				continue
			}
			seen[port] = true
			svc.Ports = append(svc.Ports, port)
		}
		sort.Ints(svc.Ports)
		services = append(services, svc)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}

// Remove force-removes the container and its anonymous volumes.
func (r *DockerRegistry) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("container id cannot be empty")
	}
	if err := r.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		if client.IsErrNotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// PruneImages prunes dangling images.
func (r *DockerRegistry) PruneImages(ctx context.Context) (PruneReport, error) {
	report, err := r.inner.ImagesPrune(ctx, filters.NewArgs(filters.Arg("dangling", "true")))
	if err != nil {
		return PruneReport{}, fmt.Errorf("prune images: %w", err)
	}
	return PruneReport{
		ImagesDeleted:  len(report.ImagesDeleted),
		SpaceReclaimed: report.SpaceReclaimed,
	}, nil
}

// Close releases resources held by the Docker client.
func (r *DockerRegistry) Close() error {
	if r.inner == nil {
		return nil
	}
	return r.inner.Close()
}

var _ Registry = (*DockerRegistry)(nil)
