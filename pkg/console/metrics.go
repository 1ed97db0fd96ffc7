// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package console

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts bootstrapper activity on its own registry, which Server
// exposes at /metrics.
type Metrics struct {
	registry *prometheus.Registry
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
	logins   *prometheus.CounterVec
}

// NewMetrics registers the console collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "console",
			Name:      "bootstrap_runs_total",
			Help:      "Bootstrap pass 1 runs by whether the store was written",
		}, []string{"wrote"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "botfleet",
			Subsystem: "console",
			Name:      "bootstrap_duration_seconds",
			Help:      "Duration of bootstrap pass 1",
			Buckets:   prometheus.DefBuckets,
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "botfleet",
			Subsystem: "console",
			Name:      "logins_total",
			Help:      "Pass 2 login attempts by result",
		}, []string{"result"}),
	}
	reg.MustRegister(m.runs, m.duration, m.logins)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRun(wrote bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if wrote {
		label = "true"
	}
	m.runs.WithLabelValues(label).Inc()
	m.duration.Observe(d.Seconds())
}

func (m *Metrics) observeLogin(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.logins.WithLabelValues(result).Inc()
}
