// Package metrics exposes Prometheus instrumentation for ingestion cycles.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nhle/jobmail/internal/model"
)

const namespace = "jobmail"

// Metrics tracks ingestion cycle outcomes. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	cycles         *prometheus.CounterVec
	messages       *prometheus.CounterVec
	duration       prometheus.Histogram
	connectRetries prometheus.Counter
	lastSuccess    *prometheus.GaugeVec
}

// New registers the ingestion collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_cycles_total",
			Help:      "Ingestion cycles by outcome",
		}, []string{"outcome"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_messages_total",
			Help:      "Messages processed by result",
		}, []string{"result"}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_cycle_duration_seconds",
			Help:      "Duration of ingestion cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		connectRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_connect_retries_total",
			Help:      "Connection attempts retried after a transient failure",
		}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed without error",
		}, []string{"user_id"}),
	}
}

// Outcome labels a finished cycle.
func Outcome(r model.IngestResult) string {
	switch {
	case r.TimedOut:
		return "timeout"
	case r.Err != nil:
		return "error"
	default:
		return "ok"
	}
}

// ObserveCycle records a finished cycle for userID.
func (m *Metrics) ObserveCycle(userID string, r model.IngestResult, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := Outcome(r)
	m.cycles.WithLabelValues(outcome).Inc()
	m.duration.Observe(elapsed.Seconds())

	m.messages.WithLabelValues("imported").Add(float64(r.Imported))
	m.messages.WithLabelValues("skipped").Add(float64(r.Skipped - r.Duplicates))
	m.messages.WithLabelValues("duplicate").Add(float64(r.Duplicates))
	m.messages.WithLabelValues("failed").Add(float64(r.Failed))

	if outcome == "ok" {
		m.lastSuccess.WithLabelValues(userID).SetToCurrentTime()
	}
}

// ConnectRetry counts one retried connection attempt.
func (m *Metrics) ConnectRetry() {
	if m == nil {
		return
	}
	m.connectRetries.Inc()
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
