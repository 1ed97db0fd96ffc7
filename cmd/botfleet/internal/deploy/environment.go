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
)

// Environment selects which fleet a deployment targets.
type Environment int

const (
	Production Environment = iota
	Staging
)

// ErrUnknownEnvironment is returned for an unrecognized selector.
var ErrUnknownEnvironment = errors.New("unknown deployment environment")

// String returns "production" or "staging".
func (e Environment) String() string {
	switch e {
	case Production:
		return "production"
	case Staging:
		return "staging"
	default:
		return fmt.Sprintf("environment(%d)", int(e))
	}
}

// Sibling returns the other environment.
func (e Environment) Sibling() Environment {
	if e == Production {
		return Staging
	}
	return Production
}

// ParseEnvironment accepts production, prod, staging and stage in any case.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production", "prod":
		return Production, nil
	case "staging", "stage":
		return Staging, nil
	default:
		return Production, fmt.Errorf("%w: %q (want production or staging)", ErrUnknownEnvironment, s)
	}
}

// LookupFunc reads an environment variable; os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// MapLookup adapts a map to LookupFunc.
func MapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

// Environment variables read by the deployment driver.
const (
	EnvDeployEnv        = "DEPLOY_ENV"
	EnvImageTag         = "IMAGE_TAG"
	EnvRegistry         = "REGISTRY"
	EnvRegistryUsername = "REGISTRY_USERNAME"
	EnvRegistryPassword = "REGISTRY_PASSWORD"
	EnvCIBranch         = "GITHUB_REF_NAME"
)

// DetectEnvironment picks the target environment.
//
// Precedence: the explicit selector (a CLI flag), then DEPLOY_ENV, then the CI
// branch (main and master deploy Production, any other branch Staging), then
// Production. The second return value names the source that decided.
func DetectEnvironment(explicit string, lookup LookupFunc) (Environment, string, error) {
	if explicit != "" {
		env, err := ParseEnvironment(explicit)
		return env, "flag", err
	}
	if v, ok := lookup(EnvDeployEnv); ok && v != "" {
		env, err := ParseEnvironment(v)
		return env, EnvDeployEnv, err
	}
	if branch, ok := lookup(EnvCIBranch); ok && branch != "" {
		switch branch {
		case "main", "master":
			return Production, EnvCIBranch, nil
		default:
			return Staging, EnvCIBranch, nil
		}
	}
	return Production, "default", nil
}

// ProjectName derives the compose project of env from the configured base.
func ProjectName(base string, env Environment) string {
	return base + "-" + env.String()
}

// ContainerPrefix derives the container-name prefix of env. Production keeps
// the configured prefix so existing container names stay stable.
func ContainerPrefix(base string, env Environment) string {
	if env == Production {
		return base
	}
	return base + "_" + env.String()
}
