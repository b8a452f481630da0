// Package metrics centralizes the control plane's Prometheus collectors so
// every subsystem registers through one place instead of each package
// calling promauto on its own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP latency by route, method and status.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "grace_http_request_duration_seconds",
		Help: "HTTP request latency by route and status.",
	}, []string{"route", "method", "status"})

	// RequestsTotal counts HTTP requests by route, method and status.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grace_http_requests_total",
		Help: "Total HTTP requests by route and status.",
	}, []string{"route", "method", "status"})

	// MissionRollbacks counts automatic rollbacks fired by the observation
	// loop, by risk level.
	MissionRollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grace_mission_rollbacks_total",
		Help: "Total automatic rollbacks triggered by the mission loop.",
	}, []string{"risk"})

	// HandshakeOutcomes counts component handshake completions by result
	// (quorum_reached, timed_out).
	HandshakeOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "grace_handshake_outcomes_total",
		Help: "Total component handshake outcomes.",
	}, []string{"result"})

	// PortsAllocated gauges the number of ports currently leased out of the
	// managed range.
	PortsAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "grace_ports_allocated",
		Help: "Number of ports currently allocated out of the managed range.",
	})
)
