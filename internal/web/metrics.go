package web

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"inkcal/internal/timeline"
)

// metrics is registered on a private registry so several Servers (tests)
// can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	refreshes       *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	documents       prometheus.Gauge
	requests        *prometheus.CounterVec
	cacheHits       prometheus.Counter
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkcal",
			Name:      "refresh_total",
			Help:      "Calendar refreshes by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "inkcal",
			Name:      "refresh_duration_seconds",
			Help:      "Time spent fetching and parsing all calendars.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		documents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "inkcal",
			Name:      "documents",
			Help:      "Calendar documents in the published engine.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "inkcal",
			Name:      "events_requests_total",
			Help:      "Timeline requests by response format and status code.",
		}, []string{"format", "code"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "inkcal",
			Name:      "events_cache_hits_total",
			Help:      "Timeline requests answered from the response cache.",
		}),
	}
	m.registry.MustRegister(m.refreshes, m.refreshDuration, m.documents, m.requests, m.cacheHits)
	return m
}

func (m *metrics) observeRefresh(d time.Duration, engine *timeline.Engine, err error) {
	m.refreshDuration.Observe(d.Seconds())
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
	m.documents.Set(float64(engine.Documents()))
}
