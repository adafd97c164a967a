package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "queue_items_processed_total",
			Help:      "Total queue items processed by the dispatchers.",
		},
		[]string{"type", "status"},
	)

	queueProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gateway",
			Name:      "queue_item_processing_duration_seconds",
			Help:      "Duration of queue item processing including command round-trips.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	queueReloadsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "queue_reloads_total",
			Help:      "Total snapshot reloads performed against the store.",
		},
		[]string{"dispatcher"},
	)

	activityNotifiedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gateway",
			Name:      "activity_notifications_total",
			Help:      "Total inbound activities fanned out to consumers and plugins.",
		},
		[]string{"type"},
	)
)
