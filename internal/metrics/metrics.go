// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreStats reports the size of the post store at scrape time.
type StoreStats interface {
	PostCount() int
	ChannelCount() int
	PendingCount() int
}

type Metrics struct {
	registry *prometheus.Registry

	fetches        *prometheus.CounterVec
	events         *prometheus.CounterVec
	sends          *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

// New registers every collector on a fresh registry. stats may be nil.
func New(stats StoreStats) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "fetches_total",
			Help:      "Post fetches merged into the store, by mode and outcome.",
		}, []string{"mode", "outcome"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "realtime_events_total",
			Help:      "Realtime events received, by event name.",
		}, []string{"event"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "postsync",
			Name:      "post_sends_total",
			Help:      "Optimistic post sends, by outcome.",
		}, []string{"outcome"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "postsync",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by method and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.fetches, m.events, m.sends, m.requestSeconds,
	)
	if stats != nil {
		m.registry.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "postsync",
				Name:      "store_posts",
				Help:      "Posts held in the store.",
			}, func() float64 { return float64(stats.PostCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "postsync",
				Name:      "store_channels",
				Help:      "Channels with at least one loaded block.",
			}, func() float64 { return float64(stats.ChannelCount()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "postsync",
				Name:      "store_pending_posts",
				Help:      "Optimistic sends not yet confirmed by the server.",
			}, func() float64 { return float64(stats.PendingCount()) }),
		)
	}
	return m
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ObserveFetch(mode string, err error) {
	if m == nil {
		return
	}
	m.fetches.WithLabelValues(mode, outcome(err)).Inc()
}

func (m *Metrics) ObserveEvent(event string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveSend(err error) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestSeconds.WithLabelValues(method, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
