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
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetConfig is the contents of botfleet.yaml.
type FleetConfig struct {
	// Project is the compose project base name. The deployment environment
	// is appended to it ("botfleet-production", "botfleet-staging").
	Project string `yaml:"project" validate:"required,composeproject"`

	// Strategies is the ordered strategy list. Order defines port order and
	// the bot.<n> slot each strategy occupies in the console.
	Strategies []string `yaml:"strategies" validate:"required,min=1,unique,dive,required"`

	Paths     PathsConfig     `yaml:"paths"`
	Ports     PortsConfig     `yaml:"ports"`
	Console   ConsoleConfig   `yaml:"console"`
	Worker    WorkerConfig    `yaml:"worker"`
	Deploy    DeployConfig    `yaml:"deploy"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
	Log       LogConfig       `yaml:"log"`
}

type PathsConfig struct {
	StrategyRoot string `yaml:"strategy_root" validate:"required"` // e.g. user_data/strategies
	ComposeFile  string `yaml:"compose_file" validate:"required"`  // e.g. docker-compose.yml
	Archive      string `yaml:"archive" validate:"required"`       // e.g. build/strategies.tar.gz
	DataDir      string `yaml:"data_dir" validate:"required"`      // host side of the shared data mount
}

type PortsConfig struct {
	Console    int `yaml:"console" validate:"min=1,max=65535"`
	WorkerBase int `yaml:"worker_base" validate:"min=1,max=65535,nefield=Console"`
}

type ConsoleConfig struct {
	Service       string      `yaml:"service" validate:"required,lowercase"`
	Image         string      `yaml:"image" validate:"required"`
	ContainerName string      `yaml:"container_name"`
	ContainerPort int         `yaml:"container_port" validate:"min=1,max=65535"`
	Build         BuildConfig `yaml:"build,omitempty"`
}

type WorkerConfig struct {
	Image           string      `yaml:"image" validate:"required"`
	ContainerPrefix string      `yaml:"container_prefix" validate:"required"`
	ContainerPort   int         `yaml:"container_port" validate:"min=1,max=65535"`
	DataMount       string      `yaml:"data_mount" validate:"required"`  // container side, e.g. /freqtrade/user_data
	ConfigFile      string      `yaml:"config_file" validate:"required"` // path inside the container
	Command         []string    `yaml:"command" validate:"required,min=1"`
	Build           BuildConfig `yaml:"build,omitempty"`
}

// BuildConfig is the optional local build definition of an image.
type BuildConfig struct {
	Context    string `yaml:"context,omitempty"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
}

type DeployConfig struct {
	DefaultTag         string   `yaml:"default_tag" validate:"required"`
	Registry           string   `yaml:"registry"`
	ProductionPortBase int      `yaml:"production_port_base" validate:"min=1,max=65535"`
	StagingPortBase    int      `yaml:"staging_port_base" validate:"min=1,max=65535,nefield=ProductionPortBase"`
	SettleDelay        Duration `yaml:"settle_delay"`
	StepTimeout        Duration `yaml:"step_timeout"`
	LockDir            string   `yaml:"lock_dir"`
	MetricsTextfile    string   `yaml:"metrics_textfile"`
}

type BootstrapConfig struct {
	Policy       string `yaml:"policy" validate:"oneof=no_prefill preserve_existing propagate_master"`
	PathTemplate string `yaml:"path_template" validate:"required,contains={slug}"`
	AutoLogin    bool   `yaml:"auto_login"`
	Username     string `yaml:"username" validate:"required_if=AutoLogin true"`
	// Password is normally left empty and supplied via BOTFLEET_BOT_PASSWORD.
	Password string `yaml:"password,omitempty"`
	StoreDir string `yaml:"store_dir" validate:"required"`
	// Origins are the console origins `console serve` bootstraps for. Bot
	// API URLs and auto-login target the request's origin, so any other
	// origin is refused.
	Origins []string `yaml:"origins" validate:"dive,http_url"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Duration is a time.Duration that reads and writes "10s" style strings.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalYAML renders the duration in Go syntax.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML accepts "10s" strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(s); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", s)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// Default returns the configuration used for every field botfleet.yaml
// leaves out.
func Default() FleetConfig {
	return FleetConfig{
		Project: "botfleet",
		Paths: PathsConfig{
			StrategyRoot: "user_data/strategies",
			ComposeFile:  "docker-compose.yml",
			Archive:      "build/strategies.tar.gz",
			DataDir:      "./user_data",
		},
		Ports: PortsConfig{
			Console:    8080,
			WorkerBase: 8081,
		},
		Console: ConsoleConfig{
			Service:       "frequi",
			Image:         "freqtradeorg/frequi",
			ContainerName: "frequi",
			ContainerPort: 8080,
		},
		Worker: WorkerConfig{
			Image:           "freqtradeorg/freqtrade",
			ContainerPrefix: "freqtrade",
			ContainerPort:   8080,
			DataMount:       "/freqtrade/user_data",
			ConfigFile:      "/freqtrade/user_data/config.json",
			Command:         []string{"trade", "--logfile", "/freqtrade/user_data/logs/freqtrade.log"},
		},
		Deploy: DeployConfig{
			DefaultTag:         "stable",
			ProductionPortBase: 8080,
			StagingPortBase:    9080,
			SettleDelay:        Duration(10 * time.Second),
			StepTimeout:        Duration(10 * time.Minute),
		},
		Bootstrap: BootstrapConfig{
			Policy:       "propagate_master",
			PathTemplate: "/bot/{slug}",
			Username:     "freqtrader",
			StoreDir:     "user_data/console-store",
			Origins:      []string{"http://localhost:8080", "http://127.0.0.1:8080"},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
