package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ingestAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_accepted_total",
			Help: "Reports accepted and enqueued",
		},
		[]string{"tenant"},
	)

	ingestRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rejected_total",
			Help: "Reports rejected at the gateway",
		},
		[]string{"tenant", "reason"},
	)

	ingestDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_duplicates_total",
			Help: "Idempotent replays short-circuited",
		},
		[]string{"tenant"},
	)

	eventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_events_processed_total",
			Help: "Queue events processed by outcome",
		},
		[]string{"outcome"},
	)

	groupsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_groups_created_total",
			Help: "New error groups created",
		},
	)

	alertsFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Notification intents emitted by trigger kind",
		},
		[]string{"trigger"},
	)

	alertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alerts_suppressed_total",
			Help: "Qualifying fires suppressed by reason",
		},
		[]string{"reason"},
	)

	dispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_failures_total",
			Help: "Notification deliveries that exhausted retries",
		},
	)
)
