// Package metrics exposes Prometheus collectors for the dojo service.
//
// Collectors are registered on a caller-supplied registry rather than the
// global default so tests can build as many instances as they like.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/js-dojo/internal/apperror"
	"github.com/sakif/js-dojo/internal/controller"
)

const namespace = "dojo"

// Metrics holds every collector the service records.
type Metrics struct {
	registry *prometheus.Registry

	// Run lifecycle
	RunsStarted    prometheus.Counter
	RunsSettled    *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	RunsInFlight   prometheus.Gauge
	StaleDiscarded prometheus.Counter

	// HTTP
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Websocket
	WSConnections prometheus.Gauge

	// Journal
	JournalDropped prometheus.Counter
	JournalPruned  prometheus.Counter
}

// New creates the collectors and registers them on reg. A nil reg gets a
// fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		registry: reg,
		RunsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of runs submitted to the controller",
		}),
		RunsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_settled_total",
			Help:      "Total number of settled runs by outcome kind",
		}, []string{"kind"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time from submission to settlement",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		RunsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Runs currently pending across all slots",
		}),
		StaleDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_events_discarded_total",
			Help:      "Worker events dropped because their run had already settled",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections",
		}),
		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_dropped_total",
			Help:      "Run records dropped because the journal queue was full",
		}),
		JournalPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_pruned_total",
			Help:      "Run records removed by the retention job",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.RunsStarted,
		m.RunsSettled,
		m.RunDuration,
		m.RunsInFlight,
		m.StaleDiscarded,
		m.HTTPRequests,
		m.HTTPRequestDuration,
		m.WSConnections,
		m.JournalDropped,
		m.JournalPruned,
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveHTTP records one served request. route is the matched pattern,
// never the raw path, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RunObserver adapts m to controller.Observer.
func (m *Metrics) RunObserver() controller.Observer { return runObserver{m} }

type runObserver struct{ m *Metrics }

func (o runObserver) RunStarted(string, int64) {
	o.m.RunsStarted.Inc()
	o.m.RunsInFlight.Inc()
}

func (o runObserver) RunSettled(out controller.Outcome) {
	kind := apperror.Kind(out.Err)
	o.m.RunsInFlight.Dec()
	o.m.RunsSettled.WithLabelValues(kind).Inc()
	o.m.RunDuration.WithLabelValues(kind).Observe(out.Duration.Seconds())
}

func (o runObserver) StaleDiscarded(string, int64) {
	o.m.StaleDiscarded.Inc()
}
