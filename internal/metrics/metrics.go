package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups engine collectors; nil receiver is a no-op.
type Metrics struct {
	eventsProcessed   *prometheus.CounterVec
	batchDuration     prometheus.Histogram
	conflictRetries   prometheus.Counter
	publishFailures   *prometheus.CounterVec
	notificationsMade prometheus.Counter
	notificationsSent *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
}

// New registers engine collectors on reg.
// Params: registerer; prometheus.DefaultRegisterer in production, fresh registry in tests.
// Returns: metrics bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		eventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertflow_events_processed_total",
				Help: "Ingested events by pipeline action",
			},
			[]string{"action"},
		),
		batchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "alertflow_batch_duration_seconds",
				Help:    "Duration of ingest batch processing",
				Buckets: prometheus.DefBuckets,
			},
		),
		conflictRetries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "alertflow_lifecycle_conflict_retries_total",
				Help: "Lifecycle decisions retried after a unique-key conflict",
			},
		),
		publishFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertflow_realtime_publish_failures_total",
				Help: "Realtime update publish failures by publisher",
			},
			[]string{"publisher"},
		),
		notificationsMade: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "alertflow_notifications_materialized_total",
				Help: "Pending notifications created by escalation",
			},
		),
		notificationsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertflow_notifications_dispatched_total",
				Help: "Due notifications handed to delivery workers",
			},
			[]string{"status"}, // published, failed
		),
		deliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alertflow_notification_deliveries_total",
				Help: "Delivery worker outcomes by status",
			},
			[]string{"channel", "status"},
		),
	}
}

// ObserveAction counts one per-event pipeline outcome.
func (m *Metrics) ObserveAction(action string) {
	if m == nil {
		return
	}
	m.eventsProcessed.WithLabelValues(action).Inc()
}

// ObserveBatch records batch duration.
func (m *Metrics) ObserveBatch(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(elapsed.Seconds())
}

// ConflictRetry counts one lifecycle retry.
func (m *Metrics) ConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

// PublishFailure counts one failed realtime publish.
func (m *Metrics) PublishFailure(publisher string) {
	if m == nil {
		return
	}
	m.publishFailures.WithLabelValues(publisher).Inc()
}

// NotificationsMaterialized counts scheduled notification rows.
func (m *Metrics) NotificationsMaterialized(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.notificationsMade.Add(float64(count))
}

// NotificationDispatched counts one dispatch attempt.
func (m *Metrics) NotificationDispatched(ok bool) {
	if m == nil {
		return
	}
	status := "published"
	if !ok {
		status = "failed"
	}
	m.notificationsSent.WithLabelValues(status).Inc()
}

// NotificationDelivered counts one delivery attempt outcome (sent, retry, failed).
func (m *Metrics) NotificationDelivered(channel, status string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(channel, status).Inc()
}
