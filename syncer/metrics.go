package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// mutationsTotal counts mutations by outcome.
	// Labels: collection, kind (add, update, delete),
	// result (applied, rejected, conflict, committed, rolled_back)
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecenter",
		Subsystem: "sync",
		Name:      "mutations_total",
		Help:      "Mutations handled by the sync controller by outcome",
	}, []string{"collection", "kind", "result"})

	persistSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lifecenter",
		Subsystem: "sync",
		Name:      "persist_duration_seconds",
		Help:      "Latency of store writes issued by the sync controller",
		Buckets:   prometheus.DefBuckets,
	}, []string{"collection", "kind"})

	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecenter",
		Subsystem: "sync",
		Name:      "snapshots_total",
		Help:      "Snapshots received from the push channel",
	}, []string{"collection"})

	// followUpsTotal counts recurrence outcomes.
	// Labels: result (created, marked, failed)
	followUpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lifecenter",
		Subsystem: "sync",
		Name:      "follow_ups_total",
		Help:      "Recurring task follow-ups by outcome",
	}, []string{"result"})
)
