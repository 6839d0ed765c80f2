package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "sends_total",
		Help:      "Outbound notification sends by mode and result.",
	}, []string{"mode", "result"})

	slipsNotified = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "slips_notified_total",
		Help:      "Slips marked notified.",
	})

	slipsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "slips_failed_total",
		Help:      "Slips that entered NotificationFailed.",
	})

	sendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "send_duration_seconds",
		Help:      "Time spent in the messenger per send.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	lastSendGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "last_send_timestamp_seconds",
		Help:      "Unix time of the last send attempt.",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "slipdesk",
		Subsystem: "dispatch",
		Name:      "pending_slips",
		Help:      "Slips still owing a notification at the last pass.",
	})
)
