// Package metrics exposes Prometheus instrumentation for the controller and
// trustee processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agency_nodes_online",
		Help: "Number of configured nodes currently mirrored as online.",
	})
	BatchesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agency_batches_by_state",
		Help: "Current batch count per lifecycle state.",
	}, []string{"state"})
	SchedulingPassesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_scheduling_passes_total",
		Help: "Total number of placement passes run by the scheduler.",
	})
	SchedulingPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "agency_scheduling_pass_duration_seconds",
		Help:    "Duration of a single placement pass.",
		Buckets: prometheus.DefBuckets,
	})
	BatchesPlacedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_batches_placed_total",
		Help: "Total number of batches placed onto a node by the scheduler.",
	})
	BatchesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_batches_failed_total",
		Help: "Total number of batch failures by classified cause.",
	}, []string{"kind"})
	TrusteeRoundTripDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agency_trustee_round_trip_duration_seconds",
		Help:    "Duration of a single trustee request/reply round trip.",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})
	ContainersRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agency_containers_running",
		Help: "Number of containers currently running per node.",
	}, []string{"node"})
	NotificationHookFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_notification_hook_failures_total",
		Help: "Total number of notification hook deliveries that failed after retries.",
	})
)
