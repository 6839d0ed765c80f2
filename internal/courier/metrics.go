package courier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slipdesk",
			Name:      "tracking_allocations_total",
			Help:      "Tracking id allocations by outcome.",
		},
		[]string{"status"}, // ok, conflict, error
	)

	allocationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slipdesk",
			Name:      "tracking_allocation_conflicts_total",
			Help:      "Counter compare-and-swap conflicts seen by the allocator.",
		},
	)

	allocationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "slipdesk",
			Name:      "tracking_allocation_duration_seconds",
			Help:      "Time from allocation request to durable counter write.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)
