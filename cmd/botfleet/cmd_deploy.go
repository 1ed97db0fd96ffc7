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
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/botfleet/cmd/botfleet/config"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/deploy"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/process"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/runtime"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/synth"
	"github.com/AleutianAI/botfleet/pkg/ux"
)

type deployFlags struct {
	env        string
	tag        string
	build      bool
	yes        bool
	json       bool
	trace      bool
	synthesize bool
	dockerHost string
}

func newDeployCmd(g *globals) *cobra.Command {
	f := &deployFlags{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Bring the production or staging fleet to the synthesized configuration",
		Long: `deploy stops the environment's previous project, force-removes containers of
other projects squatting its ports, pulls (or builds) images, starts the fleet
detached, verifies it and prunes dangling images.

The environment comes from --env, else DEPLOY_ENV, else the CI branch
(GITHUB_REF_NAME: main/master deploy production, other branches staging),
else production. Production and staging use separate compose projects,
container prefixes and port ranges and never touch each other.`,
		Example: `  botfleet deploy --env staging
  IMAGE_TAG=2024.7 botfleet deploy --yes
  botfleet deploy --env staging --build --json`,
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return g.deploy(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), f)
		}),
	}
	cmd.Flags().StringVarP(&f.env, "env", "e", "", "Target environment: production or staging")
	cmd.Flags().StringVarP(&f.tag, "tag", "t", "", "Image tag (overrides IMAGE_TAG)")
	cmd.Flags().BoolVar(&f.build, "build", false, "Build images locally instead of pulling")
	cmd.Flags().BoolVarP(&f.yes, "yes", "y", false, "Skip the production confirmation prompt")
	cmd.Flags().BoolVar(&f.json, "json", false, "Print the deployment report as JSON")
	cmd.Flags().BoolVar(&f.trace, "trace", false, "Export deployment spans to stderr")
	cmd.Flags().BoolVar(&f.synthesize, "synthesize", false, "Regenerate the compose document before deploying")
	cmd.Flags().StringVar(&f.dockerHost, "docker-host", "", "Docker daemon address (default: DOCKER_HOST)")
	return cmd
}

func (g *globals) deploy(ctx context.Context, stdout, stderr io.Writer, f *deployFlags) error {
	cfg, logger, err := g.loadConfig(stderr)
	if err != nil {
		return err
	}

	env, source, err := deploy.DetectEnvironment(f.env, os.LookupEnv)
	if err != nil {
		return err
	}
	logger = logger.With("environment", env.String())
	logger.Info("environment selected", "source", source)

	if f.synthesize {
		if _, err := synth.Generate(ctx, synth.OptionsFromConfig(cfg, logger)); err != nil {
			return err
		}
	}
	doc, err := synth.Load(cfg.Paths.ComposeFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s not found (run `botfleet synthesize` first): %w", cfg.Paths.ComposeFile, err)
		}
		return err
	}

	dctx, err := deploy.NewContext(env, cfg, doc, os.LookupEnv)
	if err != nil {
		return err
	}
	if f.tag != "" {
		dctx.ImageTag = f.tag
	}
	if abs, err := filepath.Abs(cfg.Paths.ComposeFile); err == nil {
		dctx.ComposeFile = abs
		dctx.Dir = filepath.Dir(abs)
	}

	if env == deploy.Production && !f.yes && ux.IsInteractive() {
		if err := confirmProduction(dctx); err != nil {
			return err
		}
	}

	var tracerShutdown func(context.Context) error
	if f.trace {
		if tracerShutdown, err = deploy.InstallStdoutTracer(stderr, version); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracerShutdown(shutdownCtx)
		}()
	}

	registry, err := runtime.NewDockerRegistry(f.dockerHost)
	if err != nil {
		return err
	}
	defer registry.Close()

	metrics := deploy.NewMetrics()
	steps := ux.NewStepLog(g.printer)
	driver := deploy.NewDriver(deploy.DriverConfig{
		Executor: compose.NewDockerExecutor(process.NewDefaultManager(), compose.DockerExecutorConfig{
			Timeout: cfg.Deploy.StepTimeout.Std(),
			Logger:  logger,
		}),
		Registry:    registry,
		SettleDelay: cfg.Deploy.SettleDelay.Std(),
		StepTimeout: cfg.Deploy.StepTimeout.Std(),
		LockDir:     cfg.Deploy.LockDir,
		Logger:      logger,
		Metrics:     metrics,
		OnStepStart: func(_ deploy.State, label string) {
			if !f.json {
				steps.Start(label)
			}
		},
		OnStepDone: func(_ deploy.State, label string, res deploy.StepResult, d time.Duration) {
			if !f.json {
				steps.Done(label, stepStatus(res.Kind), res.Reason, d)
			}
		},
	})

	mode := deploy.Pull
	if f.build {
		mode = deploy.Build
	}
	if !f.json {
		g.printer.Title(fmt.Sprintf("Deploying %s (%s, tag %s)", dctx.ProjectName, env, dctx.ImageTag))
	}
	report, runErr := driver.Run(ctx, dctx, deploy.RunOptions{Mode: mode})

	if cfg.Deploy.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(cfg.Deploy.MetricsTextfile); err != nil {
			logger.Warn("write metrics textfile", "path", cfg.Deploy.MetricsTextfile, "error", err)
		}
	}
	if report == nil {
		return runErr
	}

	if f.json {
		data, err := report.JSON()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, string(data))
		return runErr
	}
	g.printReport(report)
	return runErr
}

func confirmProduction(dctx *deploy.Context) error {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Deploy %d bots to PRODUCTION (%s, tag %s)?", len(dctx.Containers)-1, dctx.ProjectName, dctx.ImageTag)).
			Description("Running production containers will be stopped and replaced.").
			Affirmative("Deploy").
			Negative("Cancel").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			return errAborted
		}
		return err
	}
	if !confirmed {
		return errAborted
	}
	return nil
}

func stepStatus(k deploy.StepKind) ux.StepStatus {
	switch k {
	case deploy.StepWarning:
		return ux.StepWarning
	case deploy.StepFatal:
		return ux.StepFatal
	default:
		return ux.StepOK
	}
}

func (g *globals) printReport(r *deploy.Report) {
	for _, c := range r.Removed {
		g.printer.Info(fmt.Sprintf("removed %s (%s): %s", c.Name, shortID(c.ID), c.Reason))
	}
	if len(r.Services) > 0 {
		g.printer.Table([]string{"CONTAINER", "SERVICE", "STATE", "PORTS"}, statusRows(r.Services))
	}
	if r.PrunedImages > 0 {
		g.printer.Info(fmt.Sprintf("pruned %d dangling images (%d MB)", r.PrunedImages, r.SpaceReclaimed>>20))
	}
	if !r.Succeeded() {
		g.printer.Info("run " + r.RunID + " ended in " + r.Final)
		return
	}
	summary := fmt.Sprintf("%s is up with tag %s\nrun %s", r.Project, r.ImageTag, r.RunID)
	if warnings := r.Warnings(); len(warnings) > 0 {
		summary += "\nwarnings:\n  " + strings.Join(warnings, "\n  ")
	}
	g.printer.Box("Deployment complete", summary)
}

func statusRows(services []compose.ServiceStatus) [][]string {
	rows := make([][]string, 0, len(services))
	for _, s := range services {
		var ports []string
		for _, p := range s.Ports {
			if p.HostPort > 0 {
				ports = append(ports, fmt.Sprintf("%d->%d", p.HostPort, p.ContainerPort))
			}
		}
		rows = append(rows, []string{s.Name, s.Service, s.State, strings.Join(ports, ",")})
	}
	return rows
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// =============================================================================
// status
// =============================================================================

func newStatusCmd(g *globals) *cobra.Command {
	var envFlag string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the services of an environment's project and the ports they publish",
		RunE: g.run(func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			env, _, err := deploy.DetectEnvironment(envFlag, os.LookupEnv)
			if err != nil {
				return err
			}
			services, err := projectStatus(cmd.Context(), cfg, env, logger)
			if err != nil {
				return err
			}
			g.printer.Title(deploy.ProjectName(cfg.Project, env))
			if len(services) == 0 {
				g.printer.Warning("no containers")
				return nil
			}
			g.printer.Table([]string{"CONTAINER", "SERVICE", "STATE", "PORTS"}, statusRows(services))

			running := 0
			for _, s := range services {
				if s.Running() {
					running++
				}
			}
			g.printer.Info(strconv.Itoa(running) + "/" + strconv.Itoa(len(services)) + " running")
			return nil
		}),
	}
	cmd.Flags().StringVarP(&envFlag, "env", "e", "", "Environment: production or staging")
	return cmd
}

func projectStatus(ctx context.Context, cfg config.FleetConfig, env deploy.Environment, logger *slog.Logger) ([]compose.ServiceStatus, error) {
	executor := compose.NewDockerExecutor(process.NewDefaultManager(), compose.DockerExecutorConfig{
		Timeout: time.Minute,
		Logger:  logger,
	})
	services, err := executor.Status(ctx, compose.Project{Name: deploy.ProjectName(cfg.Project, env)})
	if err != nil {
		return nil, err
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services, nil
}
