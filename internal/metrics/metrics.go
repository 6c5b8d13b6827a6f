// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes the run's step-level Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "orchestrate_step_duration_seconds",
			Help:    "Duration of step execution by kind and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "status"},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrate_steps_total",
			Help: "Total steps executed by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	StepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrate_step_retries_total",
			Help: "Total step retry attempts by kind",
		},
		[]string{"kind"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrate_runs_total",
			Help: "Total workflow runs by final status",
		},
		[]string{"status"},
	)
)

// RecordStep records one step's terminal outcome and duration.
func RecordStep(kind, status string, durationSeconds float64) {
	StepDuration.WithLabelValues(kind, status).Observe(durationSeconds)
	StepsTotal.WithLabelValues(kind, status).Inc()
}

// RecordRetry increments the retry counter for a step kind.
func RecordRetry(kind string) {
	StepRetries.WithLabelValues(kind).Inc()
}

// RecordRun records a run's final status.
func RecordRun(status string) {
	RunsTotal.WithLabelValues(status).Inc()
}
