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
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects deployment metrics on a private registry. A deploy is a
// short-lived process, so the registry is exported to a node_exporter
// textfile rather than scraped.
type Metrics struct {
	registry     *prometheus.Registry
	runs         *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	removed      *prometheus.CounterVec
	lastSuccess  *prometheus.GaugeVec
	running      *prometheus.GaugeVec
}

// NewMetrics registers the deployment collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "deploy",
			Name:      "runs_total",
			Help:      "Deployment runs by environment and final state",
		}, []string{"environment", "final"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "deploy",
			Name:      "step_duration_seconds",
			Help:      "Duration of each deployment step",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"environment", "state", "result"}),
		removed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "deploy",
			Name:      "containers_removed_total",
			Help:      "Conflicting containers force-removed while releasing ports",
		}, []string{"environment"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botfleet",
			Subsystem: "deploy",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last deployment that reached Done",
		}, []string{"environment"}),
		running: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botfleet",
			Subsystem: "deploy",
			Name:      "services_running",
			Help:      "Services reported running by the last verification",
		}, []string{"environment"}),
	}
	reg.MustRegister(m.runs, m.stepDuration, m.removed, m.lastSuccess, m.running)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes every collected metric to path atomically.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) observeStep(env Environment, state State, result StepResult, seconds float64) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(env.String(), state.String(), result.Kind.String()).Observe(seconds)
}

func (m *Metrics) observeRun(r *Report, env Environment) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(env.String(), r.Final).Inc()
	m.removed.WithLabelValues(env.String()).Add(float64(len(r.Removed)))
	if r.Succeeded() {
		m.lastSuccess.WithLabelValues(env.String()).Set(float64(r.FinishedAt.Unix()))
	}
	running := 0
	for _, s := range r.Services {
		if s.Running() {
			running++
		}
	}
	m.running.WithLabelValues(env.String()).Set(float64(running))
}
