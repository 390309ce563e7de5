/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics holds the Prometheus instruments for the daemon. A
// dedicated registry keeps the exposition surface to exactly what we
// register plus the standard process and Go collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every instrument the subsystems record into.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP surface.
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        *prometheus.GaugeVec

	// Capability middleware.
	CapabilityChecks *prometheus.CounterVec

	// Provider routing.
	ProviderCalls   *prometheus.CounterVec
	ProviderLatency *prometheus.HistogramVec
	BreakerState    *prometheus.GaugeVec

	// Task lifecycle.
	TaskTransitions *prometheus.CounterVec
	TasksByState    *prometheus.GaugeVec
	QueueDepth      prometheus.Gauge

	// Daemon loops.
	LoopTicks  *prometheus.CounterVec
	LoopErrors *prometheus.CounterVec

	// Chat orchestration.
	ChatOmega prometheus.Histogram

	// Worker pool.
	WorkerExecutions *prometheus.CounterVec
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_http_requests_total",
			Help: "HTTP requests by method, route, and status code.",
		}, []string{"method", "route", "code"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sos_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sos_http_in_flight",
			Help: "In-flight HTTP requests by route.",
		}, []string{"route"}),
		CapabilityChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_capability_checks_total",
			Help: "Capability verifications by outcome reason.",
		}, []string{"reason"}),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_provider_calls_total",
			Help: "Model provider calls by adapter and outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sos_provider_latency_seconds",
			Help:    "Model provider call latency by adapter.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sos_breaker_open",
			Help: "1 when the adapter's circuit breaker is open.",
		}, []string{"provider"}),
		TaskTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_task_transitions_total",
			Help: "Task state transitions by action.",
		}, []string{"action"}),
		TasksByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sos_tasks",
			Help: "Tasks on disk by state.",
		}, []string{"state"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sos_queue_depth",
			Help: "Length of the global work-queue stream.",
		}),
		LoopTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_loop_ticks_total",
			Help: "Completed daemon loop iterations by loop.",
		}, []string{"loop"}),
		LoopErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_loop_errors_total",
			Help: "Daemon loop iterations that ended in error.",
		}, []string{"loop"}),
		ChatOmega: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sos_chat_omega",
			Help:    "Coherence signal of handled chats.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		WorkerExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sos_worker_executions_total",
			Help: "Worker task executions by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RequestsTotal, m.RequestDuration, m.InFlight,
		m.CapabilityChecks,
		m.ProviderCalls, m.ProviderLatency, m.BreakerState,
		m.TaskTransitions, m.TasksByState, m.QueueDepth,
		m.LoopTicks, m.LoopErrors,
		m.ChatOmega,
		m.WorkerExecutions,
	)
	return m
}

// Handler returns the /metrics exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProviderCall is the hook wired into the provider registry.
func (m *Metrics) ObserveProviderCall(provider string, latency time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.ProviderCalls.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// SetBreakerStates mirrors breaker states into the gauge.
func (m *Metrics) SetBreakerStates(states map[string]string) {
	for name, state := range states {
		v := 0.0
		if state == "open" {
			v = 1.0
		}
		m.BreakerState.WithLabelValues(name).Set(v)
	}
}
