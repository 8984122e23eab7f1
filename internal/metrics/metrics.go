package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so the exposition endpoint carries only
// service series, not the default Go runtime collectors of linked-in
// libraries.
type Metrics struct {
	registry *prometheus.Registry

	HealthzHits   prometheus.Counter
	Ready         prometheus.Gauge
	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HealthzHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "df_api_healthz_hits",
			Help: "Number of liveness probe hits.",
		}),
		Ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "df_api_ready",
			Help: "1 when the last readiness check passed, 0 otherwise.",
		}),
		JobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "df_jobs_submitted_total",
			Help: "Jobs accepted for execution.",
		}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "df_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"status"}),
	}
	m.registry.MustRegister(m.HealthzHits, m.Ready, m.JobsSubmitted, m.JobsFinished)
	return m
}

// Handler serves the exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
