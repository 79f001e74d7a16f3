package mailqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mailqueue"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of queue items by status",
		},
		[]string{"status"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Delivery attempts by outcome (sent, retry, exhausted)",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time spent in the mail transport per attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	passDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one processing pass",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	itemsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "items_processed_total",
			Help:      "Eligible items picked up by processing passes. Sum of attempts_total should match this.",
		},
	)

	storeReadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "read_errors_total",
			Help:      "Backend read failures that were reported to callers as an empty queue",
		},
	)
)

func recordAttempt(outcome string) {
	deliveryAttempts.WithLabelValues(outcome).Inc()
}

func recordSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func recordPass(count int, d time.Duration) {
	itemsProcessed.Add(float64(count))
	passDuration.Observe(d.Seconds())
}

// RecordQueueStats updates queue size metrics.
func RecordQueueStats(stats Stats) {
	queueSize.WithLabelValues("pending").Set(float64(stats.Pending))
	queueSize.WithLabelValues("failed").Set(float64(stats.Failed))
	queueSize.WithLabelValues("exhausted").Set(float64(stats.Exhausted))
	queueSize.WithLabelValues("sent").Set(float64(stats.Sent))
}
