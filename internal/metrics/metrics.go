// Package metrics holds the engine's Prometheus collectors. They are
// registered via Register and exposed by the HTTP layer.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	messagesConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "mq",
			Name:      "messages_consumed_total",
			Help:      "Messages delivered to a consumer, per queue.",
		}, []string{"queue"},
	)
	messagesAcked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "mq",
			Name:      "messages_acked_total",
			Help:      "Messages acknowledged after successful processing, per queue.",
		}, []string{"queue"},
	)
	messagesRequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "mq",
			Name:      "messages_requeued_total",
			Help:      "Messages negatively acknowledged with requeue, per queue.",
		}, []string{"queue"},
	)
	messagesDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "mq",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages published to the dead-letter route, per queue.",
		}, []string{"queue"},
	)
	tasksDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "dispatch",
			Name:      "tasks_total",
			Help:      "Detection tasks published to worker queues.",
		}, []string{"detection_type"},
	)
	executionsIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "ingest",
			Name:      "executions_total",
			Help:      "Execution records persisted for the first time.",
		},
	)
	executionsDuplicate = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "ingest",
			Name:      "duplicates_total",
			Help:      "Execution records replayed with an already-known link id.",
		},
	)
	detectionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "detections",
			Name:      "finished_total",
			Help:      "Detection executions transitioned to a terminal state.",
		}, []string{"status"},
	)
	detectorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "checking",
			Subsystem: "worker",
			Name:      "detector_duration_seconds",
			Help:      "Wall time of a single detector invocation.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"detection_type", "platform"},
	)
	detectorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "checking",
			Subsystem: "worker",
			Name:      "detector_retries_total",
			Help:      "Transient detector failures that triggered an in-process retry.",
		}, []string{"detection_type", "platform"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		messagesConsumed, messagesAcked, messagesRequeued, messagesDeadLettered,
		tasksDispatched, executionsIngested, executionsDuplicate,
		detectionsFinished, detectorDuration, detectorRetries,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncConsumed(queue string)     { messagesConsumed.WithLabelValues(queue).Inc() }
func IncAcked(queue string)        { messagesAcked.WithLabelValues(queue).Inc() }
func IncRequeued(queue string)     { messagesRequeued.WithLabelValues(queue).Inc() }
func IncDeadLettered(queue string) { messagesDeadLettered.WithLabelValues(queue).Inc() }

func IncDispatched(detectionType string) { tasksDispatched.WithLabelValues(detectionType).Inc() }

func IncIngested()  { executionsIngested.Inc() }
func IncDuplicate() { executionsDuplicate.Inc() }

func IncFinished(status string) { detectionsFinished.WithLabelValues(status).Inc() }

func ObserveDetector(detectionType, platform string, seconds float64) {
	detectorDuration.WithLabelValues(detectionType, platform).Observe(seconds)
}

func IncDetectorRetry(detectionType, platform string) {
	detectorRetries.WithLabelValues(detectionType, platform).Inc()
}
