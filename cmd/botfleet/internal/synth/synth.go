// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/naming"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/strategy"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrDuplicateSlug is returned when two strategies derive the same slug.
	ErrDuplicateSlug = errors.New("duplicate service slug")

	// ErrDuplicateContainer is returned when two strategies derive the same
	// container name.
	ErrDuplicateContainer = errors.New("duplicate container name")

	// ErrPortCollision is returned when two services would publish one port.
	ErrPortCollision = errors.New("port collision")
)

// =============================================================================
// Roles
// =============================================================================

// RoleConsole is the port-table role of the console service.
const RoleConsole = "console"

// WorkerRole returns the role and console slot id of the worker at the given
// zero-based position: "bot.1", "bot.2", ...
func WorkerRole(index int) string {
	return "bot." + strconv.Itoa(index+1)
}

// PortVariable returns the environment variable that overrides the published
// port of role: CONSOLE_PORT, BOT_1_PORT, ...
func PortVariable(role string) string {
	r := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(role))
	return r + "_PORT"
}

// ContainerPrefixVariable is interpolated into every container name so two
// projects on one host never share a container name.
const ContainerPrefixVariable = "CONTAINER_PREFIX"

// ImageTagVariable selects the image tag at deploy time.
const ImageTagVariable = "IMAGE_TAG"

// =============================================================================
// Options
// =============================================================================

// Options controls a synthesis run.
type Options struct {
	StrategyRoot   string
	Strategies     []string
	ComposePath    string
	ArchivePath    string
	ConsolePort    int
	WorkerBasePort int
	DefaultTag     string
	Console        config.ConsoleConfig
	Worker         config.WorkerConfig
	DataDir        string
	Logger         *slog.Logger
}

// OptionsFromConfig maps the fleet configuration onto synthesis options.
func OptionsFromConfig(cfg config.FleetConfig, logger *slog.Logger) Options {
	return Options{
		StrategyRoot:   cfg.Paths.StrategyRoot,
		Strategies:     cfg.Strategies,
		ComposePath:    cfg.Paths.ComposeFile,
		ArchivePath:    cfg.Paths.Archive,
		ConsolePort:    cfg.Ports.Console,
		WorkerBasePort: cfg.Ports.WorkerBase,
		DefaultTag:     cfg.Deploy.DefaultTag,
		Console:        cfg.Console,
		Worker:         cfg.Worker,
		DataDir:        cfg.Paths.DataDir,
		Logger:         logger,
	}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// =============================================================================
// Document model
// =============================================================================

// ServiceSpec is one service of the compose document.
type ServiceSpec struct {
	// Identifier is the strategy identifier; empty for the console.
	Identifier      string
	Role            string
	Slug            string
	ContainerSuffix string
	Port            int
	ContainerPort   int
	Image           string
	Build           config.BuildConfig
	Command         []string
	Volumes         []string
	DependsOn       []string
}

// ContainerName is the container_name written to the document, with the
// project prefix left for compose to interpolate.
func (s ServiceSpec) ContainerName(defaultPrefix string) string {
	return fmt.Sprintf("${%s:-%s}_%s", ContainerPrefixVariable, defaultPrefix, s.ContainerSuffix)
}

// ResolvedContainerName is the container name compose creates for prefix.
func (s ServiceSpec) ResolvedContainerName(prefix string) string {
	return prefix + "_" + s.ContainerSuffix
}

// PublishedPort is the ports entry written to the document.
func (s ServiceSpec) PublishedPort() string {
	return fmt.Sprintf("${%s:-%d}:%d", PortVariable(s.Role), s.Port, s.ContainerPort)
}

// Document is the full desired fleet state.
type Document struct {
	Console ServiceSpec
	Workers []ServiceSpec

	// DefaultPrefix is the CONTAINER_PREFIX fallback.
	DefaultPrefix string
}

// Services returns the console followed by the workers.
func (d *Document) Services() []ServiceSpec {
	out := make([]ServiceSpec, 0, len(d.Workers)+1)
	out = append(out, d.Console)
	return append(out, d.Workers...)
}

// WorkerSlugs returns the worker slugs in list order.
func (d *Document) WorkerSlugs() []string {
	slugs := make([]string, len(d.Workers))
	for i, w := range d.Workers {
		slugs[i] = w.Slug
	}
	return slugs
}

// Ports maps every role to its default published port.
func (d *Document) Ports() map[string]int {
	ports := make(map[string]int, len(d.Workers)+1)
	for _, s := range d.Services() {
		ports[s.Role] = s.Port
	}
	return ports
}

// Roles returns every role in document order.
func (d *Document) Roles() []string {
	roles := make([]string, 0, len(d.Workers)+1)
	for _, s := range d.Services() {
		roles = append(roles, s.Role)
	}
	return roles
}

// =============================================================================
// Synthesis
// =============================================================================

// Synthesize builds the document for the resolved entries.
//
// # Description
//
// Workers are assigned sequential ports from opts.WorkerBasePort in entry
// order. The console publishes opts.ConsolePort and depends on every worker
// slug. Every worker runs the configured command followed by
// "--config <file> --strategy <identifier>".
//
// # Outputs
//
//   - *Document: The document, console first.
//   - error: ErrDuplicateSlug, ErrDuplicateContainer or ErrPortCollision when
//     the derived names or ports are not unique.
//
// # Assumptions
//
//   - entries is non-empty and already resolved.
func Synthesize(opts Options, entries []strategy.Entry) (*Document, error) {
	tag := opts.DefaultTag
	if tag == "" {
		tag = "latest"
	}
	volume := opts.DataDir + ":" + opts.Worker.DataMount

	consoleSuffix := opts.Console.ContainerName
	if consoleSuffix == "" {
		consoleSuffix = opts.Console.Service
	}

	doc := &Document{DefaultPrefix: opts.Worker.ContainerPrefix}
	slugs := map[string]string{opts.Console.Service: "console"}
	suffixes := map[string]string{consoleSuffix: "console"}
	ports := map[int]string{opts.ConsolePort: RoleConsole}

	for i, e := range entries {
		names := naming.Derive(e.Identifier)
		port := opts.WorkerBasePort + i
		role := WorkerRole(i)

		if other, ok := slugs[names.Slug]; ok {
			return nil, fmt.Errorf("%w: %q from %s and %s", ErrDuplicateSlug, names.Slug, other, e.Identifier)
		}
		if other, ok := suffixes[names.ContainerSuffix]; ok {
			return nil, fmt.Errorf("%w: %q from %s and %s", ErrDuplicateContainer, names.ContainerSuffix, other, e.Identifier)
		}
		if other, ok := ports[port]; ok {
			return nil, fmt.Errorf("%w: %d used by %s and %s", ErrPortCollision, port, other, role)
		}
		slugs[names.Slug] = e.Identifier
		suffixes[names.ContainerSuffix] = e.Identifier
		ports[port] = role

		command := append([]string{}, opts.Worker.Command...)
		command = append(command, "--config", opts.Worker.ConfigFile, "--strategy", e.Identifier)

		doc.Workers = append(doc.Workers, ServiceSpec{
			Identifier:      e.Identifier,
			Role:            role,
			Slug:            names.Slug,
			ContainerSuffix: names.ContainerSuffix,
			Port:            port,
			ContainerPort:   opts.Worker.ContainerPort,
			Image:           imageRef(opts.Worker.Image, tag),
			Build:           opts.Worker.Build,
			Command:         command,
			Volumes:         []string{volume},
		})
	}

	doc.Console = ServiceSpec{
		Role:            RoleConsole,
		Slug:            opts.Console.Service,
		ContainerSuffix: consoleSuffix,
		Port:            opts.ConsolePort,
		ContainerPort:   opts.Console.ContainerPort,
		Image:           imageRef(opts.Console.Image, tag),
		Build:           opts.Console.Build,
		DependsOn:       doc.WorkerSlugs(),
	}
	return doc, nil
}

// imageRef appends the interpolated tag unless image already pins one.
func imageRef(image, defaultTag string) string {
	if strings.Contains(image, "@") {
		return image
	}
	if i := strings.LastIndex(image, ":"); i > strings.LastIndex(image, "/") {
		return image
	}
	return fmt.Sprintf("%s:${%s:-%s}", image, ImageTagVariable, defaultTag)
}
