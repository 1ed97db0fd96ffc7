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
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Header is written above the generated document.
const Header = "# Generated by botfleet synthesize. Do not edit: changes are overwritten.\n"

// Labels attached to every generated service.
const (
	LabelRole     = "botfleet.role"
	LabelStrategy = "botfleet.strategy"
	LabelSuffix   = "botfleet.suffix"
)

// ErrMalformedDocument is returned by Load for a document botfleet did not
// generate.
var ErrMalformedDocument = errors.New("malformed compose document")

// =============================================================================
// Rendering
// =============================================================================

// MarshalYAML renders the document as an ordered node tree: the console
// service first, then every worker in list order.
func (d *Document) MarshalYAML() (interface{}, error) {
	services := mapping()
	for _, s := range d.Services() {
		services.Content = append(services.Content, scalar(s.Slug), d.serviceNode(s))
	}
	return mapping(scalar("services"), services), nil
}

func (d *Document) serviceNode(s ServiceSpec) *yaml.Node {
	n := mapping(scalar("image"), quoted(s.Image))
	if s.Build.Context != "" {
		build := mapping(scalar("context"), scalar(s.Build.Context))
		if s.Build.Dockerfile != "" {
			build.Content = append(build.Content, scalar("dockerfile"), scalar(s.Build.Dockerfile))
		}
		n.Content = append(n.Content, scalar("build"), build)
	}
	n.Content = append(n.Content,
		scalar("container_name"), quoted(s.ContainerName(d.DefaultPrefix)),
		scalar("restart"), scalar("unless-stopped"),
		scalar("ports"), sequence(quoted(s.PublishedPort())),
	)
	if len(s.Volumes) > 0 {
		vols := sequence()
		for _, v := range s.Volumes {
			vols.Content = append(vols.Content, scalar(v))
		}
		n.Content = append(n.Content, scalar("volumes"), vols)
	}
	if len(s.Command) > 0 {
		cmd := sequence()
		cmd.Style = yaml.FlowStyle
		for _, c := range s.Command {
			cmd.Content = append(cmd.Content, scalar(c))
		}
		n.Content = append(n.Content, scalar("command"), cmd)
	}
	if len(s.DependsOn) > 0 {
		deps := sequence()
		for _, dep := range s.DependsOn {
			deps.Content = append(deps.Content, scalar(dep))
		}
		n.Content = append(n.Content, scalar("depends_on"), deps)
	}
	labels := mapping(scalar(LabelRole), scalar(s.Role))
	if s.Identifier != "" {
		labels.Content = append(labels.Content, scalar(LabelStrategy), quoted(s.Identifier))
	}
	labels.Content = append(labels.Content, scalar(LabelSuffix), scalar(s.ContainerSuffix))
	n.Content = append(n.Content, scalar("labels"), labels)
	return n
}

// Render returns the document bytes, header included.
func (d *Document) Render() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(Header)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to render compose document: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

func quoted(v string) *yaml.Node {
	n := scalar(v)
	n.Style = yaml.DoubleQuotedStyle
	return n
}

func mapping(kv ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map", Content: kv}
}

func sequence(items ...*yaml.Node) *yaml.Node {
	return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq", Content: items}
}

// =============================================================================
// Loading
// =============================================================================

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name"`
	Ports         []string          `yaml:"ports"`
	Volumes       []string          `yaml:"volumes"`
	Command       []string          `yaml:"command"`
	DependsOn     []string          `yaml:"depends_on"`
	Labels        map[string]string `yaml:"labels"`
}

var (
	publishedPortPattern = regexp.MustCompile(`^\$\{([A-Z0-9_]+):-(\d+)\}:(\d+)$`)
	containerNamePattern = regexp.MustCompile(`^\$\{` + ContainerPrefixVariable + `:-([^}]*)\}_(.+)$`)
)

// Load reads a document previously written by Generate.
//
// The deployment driver uses it to learn the roles and default ports of the
// fleet it is about to start, so deploy never re-resolves strategy sources.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read compose document: %w", err)
	}
	var f composeFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}

	doc := &Document{}
	var workers []ServiceSpec
	consoleSeen := false
	for slug, svc := range f.Services {
		spec, prefix, err := parseService(slug, svc)
		if err != nil {
			return nil, err
		}
		doc.DefaultPrefix = prefix
		if spec.Role == RoleConsole {
			if consoleSeen {
				return nil, fmt.Errorf("%w: more than one console service", ErrMalformedDocument)
			}
			consoleSeen = true
			doc.Console = spec
			continue
		}
		workers = append(workers, spec)
	}
	if !consoleSeen {
		return nil, fmt.Errorf("%w: no console service", ErrMalformedDocument)
	}

	// Map iteration order is random; roles carry the list order.
	sort.Slice(workers, func(i, j int) bool {
		return workerIndex(workers[i].Role) < workerIndex(workers[j].Role)
	})
	doc.Workers = workers
	return doc, nil
}

func parseService(slug string, svc composeService) (ServiceSpec, string, error) {
	role := svc.Labels[LabelRole]
	if role == "" {
		return ServiceSpec{}, "", fmt.Errorf("%w: service %s has no %s label", ErrMalformedDocument, slug, LabelRole)
	}
	if len(svc.Ports) != 1 {
		return ServiceSpec{}, "", fmt.Errorf("%w: service %s must publish exactly one port", ErrMalformedDocument, slug)
	}
	pm := publishedPortPattern.FindStringSubmatch(svc.Ports[0])
	if pm == nil || pm[1] != PortVariable(role) {
		return ServiceSpec{}, "", fmt.Errorf("%w: service %s port %q", ErrMalformedDocument, slug, svc.Ports[0])
	}
	port, _ := strconv.Atoi(pm[2])
	containerPort, _ := strconv.Atoi(pm[3])

	cm := containerNamePattern.FindStringSubmatch(svc.ContainerName)
	if cm == nil {
		return ServiceSpec{}, "", fmt.Errorf("%w: service %s container_name %q", ErrMalformedDocument, slug, svc.ContainerName)
	}

	return ServiceSpec{
		Identifier:      svc.Labels[LabelStrategy],
		Role:            role,
		Slug:            slug,
		ContainerSuffix: cm[2],
		Port:            port,
		ContainerPort:   containerPort,
		Image:           svc.Image,
		Command:         svc.Command,
		Volumes:         svc.Volumes,
		DependsOn:       svc.DependsOn,
	}, cm[1], nil
}

func workerIndex(role string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(role, "bot."))
	if err != nil {
		return 1 << 30
	}
	return n
}
