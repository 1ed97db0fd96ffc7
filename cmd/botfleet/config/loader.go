// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file read when --config is not given.
const DefaultPath = "botfleet.yaml"

// ErrNotFound is returned by Load when the configuration file does not exist.
var ErrNotFound = errors.New("config file not found")

// fleetValidate is the validator instance for FleetConfig.
// Initialized in init() with the composeproject rule.
var fleetValidate *validator.Validate

// Compose project names: lowercase alphanumerics, dashes and underscores,
// starting with a letter or digit.
var projectNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

func init() {
	fleetValidate = validator.New()
	_ = fleetValidate.RegisterValidation("composeproject", func(fl validator.FieldLevel) bool {
		return projectNamePattern.MatchString(fl.Field().String())
	})
}

// Load reads the YAML file at path over Default() and validates the result.
//
// # Description
//
// Fields absent from the file keep their default value. Lists present in
// the file replace the default list entirely. The merged configuration is
// validated before it is returned, so callers never see a half-valid
// config.
//
// # Outputs
//
//   - FleetConfig: The merged configuration.
//   - error: ErrNotFound (wrapped) when path does not exist, a parse error,
//     or a validation error naming every offending field.
func Load(path string) (FleetConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("%w: %s (run 'botfleet init' to create one)", ErrNotFound, path)
		}
		return cfg, fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg FleetConfig) error {
	err := fleetValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// WriteDefault writes Default() to path with the given strategy list,
// creating parent directories. An existing file is left untouched and
// reported as an error.
func WriteDefault(path string, strategies []string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create the config directory %w", err)
		}
	}
	cfg := Default()
	cfg.Strategies = strategies
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
