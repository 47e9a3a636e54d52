// Package metrics exposes Prometheus counters for the webhook pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsReceived counts deliveries accepted at the ingress boundary,
	// including duplicates.
	EventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_events_received_total",
		Help: "Webhook deliveries recorded, by provider.",
	}, []string{"provider"})

	// EventsProcessed counts events that reached the processed terminal state.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_events_processed_total",
		Help: "Webhook events processed successfully, by provider.",
	}, []string{"provider"})

	// EventsFailed counts failures by classification.
	EventsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_events_failed_total",
		Help: "Webhook event failures, by provider and classification.",
	}, []string{"provider", "kind"})

	// EventsDeadLettered counts events parked for operator follow-up.
	EventsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "paygate_webhook_events_dead_lettered_total",
		Help: "Webhook events dead-lettered after exhausting retries, by provider.",
	}, []string{"provider"})

	// JobRetries counts transient job attempt failures.
	JobRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paygate_job_retries_total",
		Help: "Job attempts that failed with a transient error.",
	})
)
