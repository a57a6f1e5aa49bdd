// Package metrics exposes C3/C4's Prometheus surface: how many runners are
// currently attached, how deep each runner's command queue is, and how
// long a dispatched command waits for its ack. The teacher's go.mod
// carries prometheus/client_golang with no source file surfacing it in the
// pack — this is where this repo gives that dependency a home.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunnerConnections tracks the number of runners currently attached to
// this broker instance (C3's registry).
var RunnerConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "runnerbroker_runner_connections_total",
	Help: "Number of runners currently attached.",
})

// CommandQueueDepth tracks the number of unacked commands queued per
// runner (C4's dispatcher). Labeled by runner_id so a single slow/offline
// runner's backlog is visible independently of the fleet average.
var CommandQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "runnerbroker_command_queue_depth",
	Help: "Number of unacked commands currently queued for a runner.",
}, []string{"runner_id"})

// CommandAckLatency observes the time between a command being written to
// a runner's socket and its ack event arriving back at the dispatcher.
var CommandAckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "runnerbroker_command_ack_latency_seconds",
	Help:    "Time from command dispatch to ack receipt.",
	Buckets: prometheus.DefBuckets,
})

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
