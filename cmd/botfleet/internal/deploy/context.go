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
	"strings"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
)

// ErrInvalidContext is returned by Validate.
var ErrInvalidContext = errors.New("invalid deployment context")

// Credentials authenticate against the image registry. The password lives
// in an encrypted memguard enclave and is only decrypted for the login call.
type Credentials struct {
	Server   string
	Username string
	password *memguard.Enclave
}

// NewCredentials seals password. The password slice is wiped.
func NewCredentials(server, username string, password []byte) Credentials {
	c := Credentials{Server: server, Username: username}
	if len(password) > 0 {
		c.password = memguard.NewEnclave(password)
	}
	return c
}

// Present reports whether a login should be attempted.
func (c Credentials) Present() bool {
	return c.Username != "" && c.password != nil
}

// WithPassword calls fn with the decrypted password. The plaintext buffer is
// destroyed when fn returns.
func (c Credentials) WithPassword(fn func(password []byte) error) error {
	if c.password == nil {
		return fn(nil)
	}
	lb, err := c.password.Open()
	if err != nil {
		return fmt.Errorf("failed to open credential enclave: %w", err)
	}
	defer lb.Destroy()
	return fn(lb.Bytes())
}

// Context is everything one deployment run needs to know.
type Context struct {
	Environment     Environment
	ImageTag        string
	Ports           PortTable
	ProjectName     string
	SiblingProject  string
	ContainerPrefix string

	// ComposeFile and Dir locate the synthesized document.
	ComposeFile string
	Dir         string

	// Containers are the container names the document creates under
	// ContainerPrefix, console first.
	Containers []string

	Registry Credentials
}

// NewContext builds the context for env.
//
// # Description
//
// The port table starts from the environment defaults for the document's
// roles and is then overridden by CONSOLE_PORT / BOT_<n>_PORT. The image tag
// comes from IMAGE_TAG, falling back to the configured default tag. Registry
// inputs (REGISTRY, REGISTRY_USERNAME, REGISTRY_PASSWORD) are read here and
// the password is sealed immediately.
//
// # Inputs
//
//   - env: Target environment.
//   - cfg: Fleet configuration.
//   - doc: The synthesized document, normally from synth.Load.
//   - lookup: Environment reader; os.LookupEnv in production.
//
// # Outputs
//
//   - *Context: Ready for Driver.Run.
//   - error: ErrInvalidPort or ErrPortConflict from the overrides.
func NewContext(env Environment, cfg config.FleetConfig, doc *synth.Document, lookup LookupFunc) (*Context, error) {
	ports := DefaultPortTable(env, doc.Roles(), cfg.Deploy)
	if err := ports.ApplyOverrides(lookup); err != nil {
		return nil, err
	}

	tag := cfg.Deploy.DefaultTag
	if v, ok := lookup(EnvImageTag); ok && strings.TrimSpace(v) != "" {
		tag = strings.TrimSpace(v)
	}

	server := cfg.Deploy.Registry
	if v, ok := lookup(EnvRegistry); ok && v != "" {
		server = v
	}
	username, _ := lookup(EnvRegistryUsername)
	password, _ := lookup(EnvRegistryPassword)

	prefix := ContainerPrefix(cfg.Worker.ContainerPrefix, env)
	containers := make([]string, 0, len(doc.Workers)+1)
	for _, s := range doc.Services() {
		containers = append(containers, s.ResolvedContainerName(prefix))
	}

	return &Context{
		Environment:     env,
		ImageTag:        tag,
		Ports:           ports,
		ProjectName:     ProjectName(cfg.Project, env),
		SiblingProject:  ProjectName(cfg.Project, env.Sibling()),
		ContainerPrefix: prefix,
		ComposeFile:     cfg.Paths.ComposeFile,
		Containers:      containers,
		Registry:        NewCredentials(server, username, []byte(password)),
	}, nil
}

// Validate checks the fields every step relies on.
func (c *Context) Validate() error {
	switch {
	case c.ProjectName == "":
		return fmt.Errorf("%w: empty project name", ErrInvalidContext)
	case c.ProjectName == c.SiblingProject:
		return fmt.Errorf("%w: project and sibling are both %q", ErrInvalidContext, c.ProjectName)
	case c.ComposeFile == "":
		return fmt.Errorf("%w: no compose file", ErrInvalidContext)
	case len(c.Ports.Roles()) == 0:
		return fmt.Errorf("%w: empty port table", ErrInvalidContext)
	case c.ImageTag == "":
		return fmt.Errorf("%w: empty image tag", ErrInvalidContext)
	}
	return c.Ports.Validate()
}

// Project is the compose project the run drives, with every interpolated
// variable of the document set.
func (c *Context) Project() compose.Project {
	env := c.Ports.Env()
	env[synth.ImageTagVariable] = c.ImageTag
	env[synth.ContainerPrefixVariable] = c.ContainerPrefix
	return compose.Project{
		Name: c.ProjectName,
		File: c.ComposeFile,
		Dir:  c.Dir,
		Env:  env,
	}
}
