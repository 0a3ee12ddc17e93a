// Copyright 2025 Kadir Pekel
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

// Package observability wires Prometheus metrics and OpenTelemetry tracing.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics collection for the runtime.
type Metrics struct {
	registry *prometheus.Registry

	// Task metrics
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// Approval metrics
	approvalsResolved *prometheus.CounterVec

	// Pool gauges
	activeRunners      prometheus.Gauge
	activeAgents       prometheus.Gauge
	activeChatSessions prometheus.Gauge

	// Stream metrics
	chunksStreamed *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tasks_total",
			Help: "Tasks executed, by pattern and status.",
		}, []string{"pattern", "status"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_task_duration_seconds",
			Help:    "Task execution latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pattern"}),
		approvalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_approvals_resolved_total",
			Help: "Tool approvals resolved, by source.",
		}, []string{"source"}),
		activeRunners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_runners_active",
			Help: "Runners currently pooled.",
		}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_agents_active",
			Help: "Domain agents currently registered.",
		}),
		activeChatSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_chat_sessions_active",
			Help: "Chat sessions currently active.",
		}),
		chunksStreamed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_stream_chunks_total",
			Help: "Stream chunks delivered, by chunk type.",
		}, []string{"chunk_type"}),
	}

	registry.MustRegister(
		m.tasksTotal,
		m.taskDuration,
		m.approvalsResolved,
		m.activeRunners,
		m.activeAgents,
		m.activeChatSessions,
		m.chunksStreamed,
	)
	return m
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTask counts a completed task.
func (m *Metrics) RecordTask(pattern, status string, seconds float64) {
	m.tasksTotal.WithLabelValues(pattern, status).Inc()
	m.taskDuration.WithLabelValues(pattern).Observe(seconds)
}

// RecordApproval counts an approval resolution.
func (m *Metrics) RecordApproval(source string) {
	m.approvalsResolved.WithLabelValues(source).Inc()
}

// RecordChunk counts a delivered stream chunk.
func (m *Metrics) RecordChunk(chunkType string) {
	m.chunksStreamed.WithLabelValues(chunkType).Inc()
}

// SetPoolSizes updates the pool gauges.
func (m *Metrics) SetPoolSizes(runners, agents, chats int) {
	m.activeRunners.Set(float64(runners))
	m.activeAgents.Set(float64(agents))
	m.activeChatSessions.Set(float64(chats))
}
