// Package metrics exposes Prometheus collectors for ingestion, indexing and
// retrieval. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "lexrag"

type Metrics struct {
	ingestItems     *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	indexEntries    *prometheus.CounterVec
	externalRetries *prometheus.CounterVec
	subqueryLatency *prometheus.HistogramVec
	subqueryDegrade *prometheus.CounterVec
	ledgerRecords   *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.DefaultRegisterer in
// production and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ingestItems: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_items_total",
			Help:      "Ingestion items by terminal outcome.",
		}, []string{"outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_stage_seconds",
			Help:      "Time spent per ingestion stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"stage"}),
		indexEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "index_entries_total",
			Help:      "Index entries written by status.",
		}, []string{"status"}),
		externalRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_retries_total",
			Help:      "Retries of calls to external model services.",
		}, []string{"service"}),
		subqueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_subquery_seconds",
			Help:      "Latency of retrieval sub-queries per channel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		subqueryDegrade: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_subquery_degraded_total",
			Help:      "Sub-queries that timed out or failed and contributed nothing.",
		}, []string{"channel"}),
		ledgerRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_records_total",
			Help:      "Content ledger records by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) IngestItem(outcome string) {
	if m == nil {
		return
	}
	m.ingestItems.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) IndexEntry(status string) {
	if m == nil {
		return
	}
	m.indexEntries.WithLabelValues(status).Inc()
}

func (m *Metrics) ExternalRetry(service string) {
	if m == nil {
		return
	}
	m.externalRetries.WithLabelValues(service).Inc()
}

func (m *Metrics) ObserveSubquery(channel string, d time.Duration) {
	if m == nil {
		return
	}
	m.subqueryLatency.WithLabelValues(channel).Observe(d.Seconds())
}

func (m *Metrics) SubqueryDegraded(channel string) {
	if m == nil {
		return
	}
	m.subqueryDegrade.WithLabelValues(channel).Inc()
}

func (m *Metrics) LedgerRecord(outcome string) {
	if m == nil {
		return
	}
	m.ledgerRecords.WithLabelValues(outcome).Inc()
}
