package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionDecisions counts inbound call decisions by outcome.
	AdmissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Inbound call admission decisions by outcome.",
	}, []string{"decision", "reason"})

	// AdmissionDuration tracks the latency of admission decisions.
	AdmissionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voice_addon",
		Subsystem: "admission",
		Name:      "duration_seconds",
		Help:      "Admission decision latency in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// MeteredMinutes counts minutes charged against store allowances.
	MeteredMinutes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "metering",
		Name:      "minutes_total",
		Help:      "Minutes charged against store allowances.",
	})

	// MeteringEvents counts call-ended reports by result.
	MeteringEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "metering",
		Name:      "events_total",
		Help:      "Call-ended reports by result (recorded, duplicate, failed).",
	}, []string{"result"})

	// SweepRecords counts records handled per sweep pass.
	SweepRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "sweep",
		Name:      "records_total",
		Help:      "Records handled by reconciliation passes by outcome.",
	}, []string{"pass", "outcome"})

	// SweepDuration tracks how long each pass takes.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "voice_addon",
		Subsystem: "sweep",
		Name:      "pass_duration_seconds",
		Help:      "Reconciliation pass duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"pass"})

	// ProvisioningTotal counts enable and teardown provider calls by outcome.
	ProvisioningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "provisioning",
		Name:      "operations_total",
		Help:      "Provider operations by name and outcome.",
	}, []string{"operation", "outcome"})

	// DIDPool reports pool inventory.
	DIDPool = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "voice_addon",
		Subsystem: "did_pool",
		Name:      "numbers",
		Help:      "Phone numbers in the pool by state.",
	}, []string{"state"})

	// NotificationsTotal counts notifications by kind and delivery outcome.
	NotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voice_addon",
		Subsystem: "notifications",
		Name:      "sent_total",
		Help:      "Notifications by kind and outcome.",
	}, []string{"kind", "outcome"})
)

func observeProvisioning(operation string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	ProvisioningTotal.WithLabelValues(operation, outcome).Inc()
}
