package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bank_link"

type Metrics struct {
	SyncRounds   *prometheus.CounterVec
	SyncPages    prometheus.Counter
	SyncChanges  *prometheus.CounterVec
	SyncDuration prometheus.Histogram
	Webhooks     *prometheus.CounterVec
	Jobs         *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_rounds_total",
			Help:      "Transaction sync rounds by outcome.",
		}, []string{"outcome"}),
		SyncPages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_pages_total",
			Help:      "Provider sync pages fetched.",
		}),
		SyncChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_changes_total",
			Help:      "Committed transaction changes by kind.",
		}, []string{"kind"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_round_duration_seconds",
			Help:      "Wall time of a sync round including the commit.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_total",
			Help:      "Provider webhooks by type and outcome.",
		}, []string{"type", "outcome"}),
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_jobs_total",
			Help:      "Queued sync jobs by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.SyncRounds, m.SyncPages, m.SyncChanges, m.SyncDuration, m.Webhooks, m.Jobs)
	}
	return m
}
