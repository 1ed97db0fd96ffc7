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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/compose"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/process"
	"github.com/AleutianAI/botfleet/cmd/botfleet/internal/infra/runtime"
)

// ErrDeployFailed wraps the reason of a run that ended in StateFailed.
var ErrDeployFailed = errors.New("deployment failed")

// DriverConfig configures a Driver.
type DriverConfig struct {
	Executor compose.Executor
	Registry runtime.Registry

	// SettleDelay is how long Verifying waits before listing services.
	SettleDelay time.Duration

	// StepTimeout bounds every step.
	// Default: 10 minutes
	StepTimeout time.Duration

	// LockDir holds the per-project lock files.
	// Default: system temp directory
	LockDir string

	Logger  *slog.Logger
	Metrics *Metrics
	Tracer  trace.Tracer

	// OnStepStart and OnStepDone observe the pipeline, e.g. for a step log.
	OnStepStart func(state State, label string)
	OnStepDone  func(state State, label string, result StepResult, d time.Duration)
}

// RunOptions selects per-run behavior.
type RunOptions struct {
	Mode FetchMode
}

// Driver runs the deployment pipeline.
type Driver struct {
	config DriverConfig
	exec   compose.Executor
	reg    runtime.Registry
	logger *slog.Logger
	tracer trace.Tracer
}

// NewDriver creates a driver.
func NewDriver(config DriverConfig) *Driver {
	if config.StepTimeout <= 0 {
		config.StepTimeout = 10 * time.Minute
	}
	if config.LockDir == "" {
		config.LockDir = os.TempDir()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer(TracerName)
	}
	return &Driver{
		config: config,
		exec:   config.Executor,
		reg:    config.Registry,
		logger: logger,
		tracer: tracer,
	}
}

type step struct {
	state State
	run   func(ctx context.Context, dctx *Context, r *Report) StepResult
}

// Run deploys dctx.
//
// # Description
//
// Takes the project lock, then runs Idle (preflight), Fetching, StoppingOld,
// ReleasingPorts, Starting, Verifying and Cleaning in order. Idle validates
// the context, pings the runtime, logs in to the registry and refuses ports
// held by the sibling project. Fetching pulls or builds every image while
// the old fleet is still up, so an unreachable daemon, a rejected login, a
// denied pull or a failed build all abort before any container is stopped.
//
// # Inputs
//
//   - ctx: Cancels the run between and during steps.
//   - dctx: The deployment context.
//   - opts: Pull or build acquisition.
//
// # Outputs
//
//   - *Report: Always non-nil once the lock is held, also on failure.
//   - error: *process.ErrLockHeld, or ErrDeployFailed wrapping the failed
//     state and reason.
//
// # Limitations
//
//   - No rollback: a failure after StoppingOld leaves the project stopped.
//   - Verification is advisory and never fails the run.
func (d *Driver) Run(ctx context.Context, dctx *Context, opts RunOptions) (*Report, error) {
	lock := process.NewLock(process.LockConfig{LockDir: d.config.LockDir, LockName: dctx.ProjectName})
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer lock.Release()

	report := &Report{
		RunID:       uuid.NewString(),
		Environment: dctx.Environment.String(),
		Project:     dctx.ProjectName,
		ImageTag:    dctx.ImageTag,
		Mode:        opts.Mode.String(),
		Ports:       dctx.Ports.Map(),
		StartedAt:   time.Now().UTC(),
	}
	logger := d.logger.With("run_id", report.RunID, "project", dctx.ProjectName)

	ctx, runSpan := d.tracer.Start(ctx, "deploy.run", trace.WithAttributes(
		attribute.String("deploy.run_id", report.RunID),
		attribute.String("deploy.environment", report.Environment),
		attribute.String("deploy.project", report.Project),
		attribute.String("deploy.image_tag", report.ImageTag),
	))
	defer runSpan.End()

	logger.Info("Deployment started",
		"environment", report.Environment,
		"image_tag", report.ImageTag,
		"mode", report.Mode,
		"ports", report.Ports)

	// Images are acquired before anything is stopped: a failed pull or
	// build leaves the running fleet as it was.
	steps := []step{
		{StateIdle, d.preflight},
		{StateFetching, func(ctx context.Context, dctx *Context, r *Report) StepResult {
			return d.fetch(ctx, dctx, opts.Mode)
		}},
		{StateStoppingOld, d.stopOld},
		{StateReleasingPorts, d.releasePorts},
		{StateStarting, d.start},
		{StateVerifying, d.verify},
		{StateCleaning, d.clean},
	}

	for _, s := range steps {
		label := s.state.String()
		if s.state == StateFetching {
			label = fmt.Sprintf("%s(%s)", label, opts.Mode)
		}
		report.States = append(report.States, label)

		result, elapsed := d.runStep(ctx, s, label, dctx, report)
		report.Steps = append(report.Steps, StepRecord{
			State:    label,
			Result:   result.Kind.String(),
			Reason:   result.Reason,
			Duration: elapsed,
		})
		d.config.Metrics.observeStep(dctx.Environment, s.state, result, elapsed.Seconds())

		switch result.Kind {
		case StepWarning:
			logger.Warn("Step completed with warning", "state", label, "reason", result.Reason)
		case StepFatal:
			logger.Error("Step failed", "state", label, "reason", result.Reason)
			report.States = append(report.States, StateFailed.String())
			report.Final = StateFailed.String()
			report.FailReason = fmt.Sprintf("%s: %s", label, result.Reason)
			report.FinishedAt = time.Now().UTC()
			d.config.Metrics.observeRun(report, dctx.Environment)
			runSpan.SetStatus(codes.Error, report.FailReason)
			return report, fmt.Errorf("%w: %s", ErrDeployFailed, report.FailReason)
		default:
			logger.Info("Step completed", "state", label, "duration", elapsed)
		}
	}

	report.States = append(report.States, StateDone.String())
	report.Final = StateDone.String()
	report.FinishedAt = time.Now().UTC()
	d.config.Metrics.observeRun(report, dctx.Environment)
	runSpan.SetStatus(codes.Ok, "")
	logger.Info("Deployment complete",
		"duration", report.FinishedAt.Sub(report.StartedAt),
		"removed", len(report.Removed),
		"pruned_images", report.PrunedImages)
	return report, nil
}

func (d *Driver) runStep(ctx context.Context, s step, label string, dctx *Context, r *Report) (StepResult, time.Duration) {
	if d.config.OnStepStart != nil {
		d.config.OnStepStart(s.state, label)
	}

	stepCtx, cancel := context.WithTimeout(ctx, d.config.StepTimeout)
	defer cancel()
	stepCtx, span := d.tracer.Start(stepCtx, "deploy."+s.state.String(),
		trace.WithAttributes(attribute.String("deploy.state", label)))

	start := time.Now()
	var result StepResult
	if err := ctx.Err(); err != nil {
		result = Fatal("cancelled: %v", err)
	} else {
		result = s.run(stepCtx, dctx, r)
	}
	elapsed := time.Since(start)

	span.SetAttributes(attribute.String("deploy.result", result.Kind.String()))
	if result.Kind == StepFatal {
		span.SetStatus(codes.Error, result.Reason)
	}
	span.End()

	if d.config.OnStepDone != nil {
		d.config.OnStepDone(s.state, label, result, elapsed)
	}
	return result, elapsed
}

// =============================================================================
// Steps
// =============================================================================

// preflight validates the context, checks the container runtime answers,
// authenticates against the registry and checks that no port of the table
// is held by the sibling project.
func (d *Driver) preflight(ctx context.Context, dctx *Context, r *Report) StepResult {
	if err := dctx.Validate(); err != nil {
		return Fatal("%v", err)
	}
	if err := d.reg.Ping(ctx); err != nil {
		return Fatal("container runtime unreachable: %v", err)
	}

	if dctx.Registry.Present() {
		err := dctx.Registry.WithPassword(func(password []byte) error {
			return d.exec.Login(ctx, dctx.Registry.Server, dctx.Registry.Username, password)
		})
		if err != nil {
			return Fatal("registry login: %v", err)
		}
	}

	services, err := d.reg.ListServices(ctx)
	if err != nil {
		return Fatal("container runtime unavailable: %v", err)
	}
	for _, port := range dctx.Ports.Ports() {
		for _, svc := range runtime.ServicesOnPort(services, port) {
			if svc.Project == dctx.SiblingProject {
				return Fatal("port %d is published by %s of project %s", port, svc.Name, svc.Project)
			}
		}
	}
	return Ok()
}

// stopOld brings the project down. A project that does not exist is fine.
func (d *Driver) stopOld(ctx context.Context, dctx *Context, r *Report) StepResult {
	p := dctx.Project()
	p.File = ""
	if _, err := d.exec.Down(ctx, p); err != nil {
		return Warning("stopping %s: %v", dctx.ProjectName, err)
	}
	return Ok()
}

// releasePorts force-removes containers of other projects that publish a
// port of the table or hold one of the project's container names.
func (d *Driver) releasePorts(ctx context.Context, dctx *Context, r *Report) StepResult {
	services, err := d.reg.ListServices(ctx)
	if err != nil {
		return Fatal("listing containers: %v", err)
	}

	wanted := make(map[string]bool, len(dctx.Containers))
	for _, name := range dctx.Containers {
		wanted[name] = true
	}

	for _, svc := range services {
		if svc.Project == dctx.ProjectName {
			continue
		}
		reason, port := "", 0
		for _, p := range dctx.Ports.Ports() {
			if svc.Publishes(p) {
				reason, port = fmt.Sprintf("publishes port %d", p), p
				break
			}
		}
		if reason == "" && wanted[svc.Name] {
			reason = "holds container name " + svc.Name
		}
		if reason == "" {
			continue
		}
		if svc.Project == dctx.SiblingProject {
			return Fatal("%s of sibling project %s %s", svc.Name, svc.Project, reason)
		}

		d.logger.Warn("Removing conflicting container",
			"container", svc.Name,
			"id", svc.ID,
			"owner_project", svc.Project,
			"reason", reason)
		if err := d.reg.Remove(ctx, svc.ID); err != nil && !errors.Is(err, runtime.ErrNotFound) {
			return Fatal("removing %s: %v", svc.Name, err)
		}
		r.Removed = append(r.Removed, RemovedContainer{
			ID:      svc.ID,
			Name:    svc.Name,
			Project: svc.Project,
			Port:    port,
			Reason:  reason,
		})
	}
	return Ok()
}

func (d *Driver) fetch(ctx context.Context, dctx *Context, mode FetchMode) StepResult {
	var err error
	if mode == Build {
		_, err = d.exec.Build(ctx, dctx.Project())
	} else {
		_, err = d.exec.Pull(ctx, dctx.Project())
	}
	if err != nil {
		if errors.Is(err, compose.ErrRegistryAuth) {
			return Fatal("registry authentication: %v", err)
		}
		return Fatal("%s images: %v", mode, err)
	}
	return Ok()
}

func (d *Driver) start(ctx context.Context, dctx *Context, r *Report) StepResult {
	if _, err := d.exec.Up(ctx, dctx.Project()); err != nil {
		return Fatal("starting %s: %v", dctx.ProjectName, err)
	}
	return Ok()
}

// verify waits for the settle delay and reports service states. It never
// fails the run.
func (d *Driver) verify(ctx context.Context, dctx *Context, r *Report) StepResult {
	if d.config.SettleDelay > 0 {
		select {
		case <-time.After(d.config.SettleDelay):
		case <-ctx.Done():
			return Warning("verification skipped: %v", ctx.Err())
		}
	}

	p := dctx.Project()
	p.File = ""
	services, err := d.exec.Status(ctx, p)
	if err != nil {
		return Warning("listing services: %v", err)
	}
	r.Services = services

	running := 0
	for _, s := range services {
		if s.Running() {
			running++
		} else {
			d.logger.Warn("Service not running", "container", s.Name, "state", s.State, "status", s.Status)
		}
	}
	expected := len(dctx.Containers)
	if running < expected {
		return Warning("%d/%d services running", running, expected)
	}
	return Ok()
}

func (d *Driver) clean(ctx context.Context, dctx *Context, r *Report) StepResult {
	report, err := d.reg.PruneImages(ctx)
	if err != nil {
		return Warning("pruning images: %v", err)
	}
	r.PrunedImages = report.ImagesDeleted
	r.SpaceReclaimed = report.SpaceReclaimed
	return Ok()
}
