// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/pkg/logging"
	"github.com/AleutianAI/botfleet/pkg/ux"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// globals holds the persistent flags and the per-invocation state built
// from them.
type globals struct {
	configPath  string
	personality string
	logLevel    string

	printer *ux.Printer
	logger  *logging.Logger
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:   "botfleet",
		Short: "Synthesize, deploy and bootstrap a fleet of trading bots",
		Long: `botfleet turns an ordered list of trading strategies into a compose
document with one console and one bot per strategy, deploys it to the
production or staging project, and seeds the console's bot records.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if g.personality != "" {
				ux.SetPersonality(ux.ParsePersonalityLevel(g.personality))
			} else {
				ux.InitPersonality()
			}
			g.printer = &ux.Printer{Out: cmd.OutOrStdout(), Err: cmd.ErrOrStderr(), Level: ux.GetPersonality()}
		},
	}

	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", config.DefaultPath, "Fleet configuration file")
	root.PersistentFlags().StringVar(&g.personality, "personality", "",
		"Output style: full, minimal or machine (default: detected; env "+ux.PersonalityEnv+")")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides the config file)")

	root.AddCommand(
		newInitCmd(g),
		newSynthesizeCmd(g),
		newStrategiesCmd(g),
		newDeployCmd(g),
		newStatusCmd(g),
		newConsoleCmd(g),
		newVersionCmd(),
	)
	return root
}

// run wraps a command body so its error is printed through the printer and
// the log file is closed however the body returns.
func (g *globals) run(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		defer g.closeLogger()
		err := fn(cmd, args)
		if err != nil && !errors.Is(err, errAborted) {
			g.printer.Error(err.Error())
		}
		return err
	}
}

var errAborted = errors.New("aborted by user")

func (g *globals) closeLogger() {
	if g.logger == nil {
		return
	}
	_ = g.logger.Close()
	g.logger = nil
}

// loadConfig reads the fleet configuration and builds the logger from it.
func (g *globals) loadConfig(stderr io.Writer) (config.FleetConfig, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return cfg, nil, fmt.Errorf("%w (run `botfleet init` to create one)", err)
		}
		return cfg, nil, err
	}
	logger, err := g.newLogger(cfg.Log, stderr)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}

func (g *globals) newLogger(lc config.LogConfig, stderr io.Writer) (*slog.Logger, error) {
	levelName := lc.Level
	if g.logLevel != "" {
		levelName = g.logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	g.logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  lc.Dir,
		Service: "botfleet",
		JSON:    lc.JSON,
		Writer:  stderr,
	})
	return g.logger.Slog(), nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the botfleet version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "botfleet", version)
		},
	}
}

// signalContext is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
