// Package metrics defines the gateway's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events accepted on the ingest path, by type.
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_events_appended_total",
		Help: "Events appended to runs, by event type.",
	}, []string{"type"})

	// CommandsEnqueued counts commands queued for wrappers.
	CommandsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_commands_enqueued_total",
		Help: "Commands enqueued for runs.",
	})

	// CommandsAcked counts command acknowledgements, including idempotent
	// retries.
	CommandsAcked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_commands_acked_total",
		Help: "Command acknowledgements received.",
	}, []string{"retry"})

	// WSConnections tracks currently connected UI sockets.
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agentmux_ws_connections",
		Help: "Connected WebSocket clients.",
	})

	// WSFramesDropped counts frames dropped because a socket's send buffer
	// was full.
	WSFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_ws_frames_dropped_total",
		Help: "Fan-out frames dropped for slow WebSocket clients.",
	})

	// ArtifactBytes counts bytes accepted by artifact uploads.
	ArtifactBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_artifact_bytes_total",
		Help: "Artifact bytes stored.",
	})

	// AuthFailures counts rejected requests by auth surface.
	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agentmux_auth_failures_total",
		Help: "Authentication and authorization failures.",
	}, []string{"surface"})

	// RateLimited counts requests rejected by the ingest rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agentmux_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
)
