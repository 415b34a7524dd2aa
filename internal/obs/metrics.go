// Package obs exposes the service's Prometheus instrumentation. Collectors
// register on the default registry and are served by the /metrics endpoint.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DeploymentsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "deploy",
		Name:      "deployments_started_total",
		Help:      "Deployments accepted by the orchestrator, by strategy.",
	}, []string{"strategy"})

	DeploymentsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "deploy",
		Name:      "deployments_completed_total",
		Help:      "Deployments that reached a terminal state, by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "deploy",
		Name:      "stage_transitions_total",
		Help:      "State machine transitions, labelled by the state entered.",
	}, []string{"state"})

	HealthCheckDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "modelfleet",
		Subsystem: "deploy",
		Name:      "health_check_duration_seconds",
		Help:      "Wall time spent in health-check probes.",
		Buckets:   prometheus.DefBuckets,
	})

	Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "rollback",
		Name:      "rollbacks_total",
		Help:      "Completed rollbacks, by trigger.",
	}, []string{"trigger"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "metrics",
		Name:      "alerts_total",
		Help:      "Threshold breaches emitted by the aggregator, by metric.",
	}, []string{"metric"})

	SamplesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "metrics",
		Name:      "samples_ingested_total",
		Help:      "Performance samples recorded.",
	})

	AlertQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "modelfleet",
		Subsystem: "metrics",
		Name:      "alert_queue_dropped_total",
		Help:      "Alert events dropped because the hand-off channel was full.",
	})
)
