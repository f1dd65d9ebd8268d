// Unless explicitly stated otherwise all files in this repository are licensed
// under the MIT License.
// Copyright (c) 2020-present the qserver authors.

// Package telemetry declares the server's prometheus metrics. The gateway
// serves them on /metrics.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsReceived counts ingress requests by kind.
	RequestsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "requests_received_total",
		Help:      "Client requests received, by task kind.",
	}, []string{"kind"})

	// VersionRejections counts requests refused by the client-version check.
	VersionRejections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "version_rejections_total",
		Help:      "Requests rejected for client version mismatch.",
	})

	// TasksPublished counts envelopes published to the task queue.
	TasksPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "tasks_published_total",
		Help:      "Tasks published to the task queue, by kind.",
	}, []string{"kind"})

	// TasksCoalesced counts requests merged into an in-flight task.
	TasksCoalesced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "tasks_coalesced_total",
		Help:      "Requests coalesced onto an already queued task, by kind.",
	}, []string{"kind"})

	// TasksProcessed counts worker completions by kind and status.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "tasks_processed_total",
		Help:      "Tasks processed by the worker pool, by kind and status.",
	}, []string{"kind", "status"})

	// ResponsesEmitted counts per-session response emissions.
	ResponsesEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "responses_emitted_total",
		Help:      "Responses emitted to client sessions, by kind.",
	}, []string{"kind"})

	// DrainedTasks counts stale tasks cleared by the startup drain pass.
	DrainedTasks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "qserver",
		Name:      "drained_tasks_total",
		Help:      "Stale tasks cleared by the startup drain pass.",
	})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
