// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
)

var (
	// ErrPortConflict is returned when two roles resolve to one port.
	ErrPortConflict = errors.New("port conflict")

	// ErrInvalidPort is returned for an unparsable or out-of-range override.
	ErrInvalidPort = errors.New("invalid port")
)

// PortTable maps every role of the fleet to the host port it publishes.
type PortTable struct {
	roles []string
	ports map[string]int
}

// DefaultPortTable assigns base, base+1, ... to roles in order, with base
// taken from the environment's configured port base (8080 and 9080 by
// default).
func DefaultPortTable(env Environment, roles []string, cfg config.DeployConfig) PortTable {
	base := cfg.ProductionPortBase
	if env == Staging {
		base = cfg.StagingPortBase
	}
	t := PortTable{roles: append([]string(nil), roles...), ports: make(map[string]int, len(roles))}
	for i, role := range roles {
		t.ports[role] = base + i
	}
	return t
}

// Roles returns the roles in fleet order.
func (t PortTable) Roles() []string {
	return append([]string(nil), t.roles...)
}

// Port returns the port of role.
func (t PortTable) Port(role string) (int, bool) {
	p, ok := t.ports[role]
	return p, ok
}

// Ports returns every port in role order.
func (t PortTable) Ports() []int {
	out := make([]int, len(t.roles))
	for i, role := range t.roles {
		out[i] = t.ports[role]
	}
	return out
}

// Map returns a copy of the role to port mapping.
func (t PortTable) Map() map[string]int {
	out := make(map[string]int, len(t.ports))
	for k, v := range t.ports {
		out[k] = v
	}
	return out
}

// Env renders the table as the variables the compose document interpolates.
func (t PortTable) Env() map[string]string {
	env := make(map[string]string, len(t.roles))
	for _, role := range t.roles {
		env[synth.PortVariable(role)] = strconv.Itoa(t.ports[role])
	}
	return env
}

// ApplyOverrides replaces ports from CONSOLE_PORT, BOT_<n>_PORT, ... and
// validates that every port is in range and unique.
func (t *PortTable) ApplyOverrides(lookup LookupFunc) error {
	for _, role := range t.roles {
		key := synth.PortVariable(role)
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port < 1 || port > 65535 {
			return fmt.Errorf("%w: %s=%q", ErrInvalidPort, key, v)
		}
		t.ports[role] = port
	}
	return t.Validate()
}

// Validate reports duplicate ports.
func (t PortTable) Validate() error {
	seen := make(map[int]string, len(t.roles))
	var conflicts []string
	for _, role := range t.roles {
		port := t.ports[role]
		if other, ok := seen[port]; ok {
			conflicts = append(conflicts, fmt.Sprintf("%d (%s, %s)", port, other, role))
			continue
		}
		seen[port] = role
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return fmt.Errorf("%w: %s", ErrPortConflict, strings.Join(conflicts, ", "))
	}
	return nil
}
