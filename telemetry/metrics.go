package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the server's own Prometheus metrics: how many heartbeats came
// in and how publishing to the sink is going.
type Metrics struct {
	registry *prometheus.Registry

	HeartbeatsRecorded prometheus.Counter
	RecordsPublished   prometheus.Counter
	BatchesPublished   prometheus.Counter
	BatchesFailed      prometheus.Counter
	TicksSkipped       prometheus.Counter
	TickDuration       prometheus.Histogram
	ClientsLastTick    prometheus.Gauge
	ConfigRequests     *prometheus.CounterVec
}

// NewMetrics creates the metric set on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HeartbeatsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetconf_heartbeats_recorded_total",
			Help: "Heartbeats recorded for publishing",
		}),
		RecordsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetconf_metric_records_published_total",
			Help: "Metric records accepted by the sink",
		}),
		BatchesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetconf_metric_batches_published_total",
			Help: "Metric batches accepted by the sink",
		}),
		BatchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetconf_metric_batches_failed_total",
			Help: "Metric batches the sink rejected or timed out on",
		}),
		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetconf_publish_ticks_skipped_total",
			Help: "Publish ticks skipped because a previous flush was still running",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "fleetconf_publish_tick_duration_seconds",
			Help:    "Wall time of one drain-and-publish tick",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		ClientsLastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetconf_clients_last_tick",
			Help: "Distinct clients with heartbeats in the last published window",
		}),
		ConfigRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetconf_api_requests_total",
			Help: "API requests by route and status code",
		}, []string{"route", "code"}),
	}

	m.registry.MustRegister(
		m.HeartbeatsRecorded,
		m.RecordsPublished,
		m.BatchesPublished,
		m.BatchesFailed,
		m.TicksSkipped,
		m.TickDuration,
		m.ClientsLastTick,
		m.ConfigRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
