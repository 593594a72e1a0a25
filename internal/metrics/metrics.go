// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	LinkState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kbridge_link_state",
			Help: "Native link state (0 disconnected, 1 connecting, 2 connected, 3 failed)",
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "kbridge_reconnect_attempts_total",
			Help: "Automatic reconnect attempts scheduled after an unexpected disconnect",
		},
	)

	HostFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_host_frames_total",
			Help: "Frames exchanged with the inference host",
		},
		[]string{"direction", "kind"},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_deliveries_total",
			Help: "Messages routed to surfaces",
		},
		[]string{"role", "result"},
	)

	PortsAttached = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kbridge_ports_attached",
			Help: "Surfaces currently attached per role",
		},
		[]string{"role"},
	)

	Pings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kbridge_pings_total",
			Help: "Health probes by outcome",
		},
		[]string{"result"},
	)

	EventLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kbridge_event_duration_seconds",
			Help:    "Time spent handling one coordinator event",
			Buckets: prometheus.ExponentialBuckets(0.00005, 4, 8),
		},
	)
)
