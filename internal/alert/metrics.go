package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "slipdesk",
	Subsystem: "alerts",
	Name:      "total",
	Help:      "Operator alerts by outcome.",
}, []string{"result"}) // sent, failed, deduped, dropped
