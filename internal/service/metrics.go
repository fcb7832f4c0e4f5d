package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the service's Prometheus collectors on a private registry.
// There is no HTTP listener; Flush writes the registry to a textfile for a
// node_exporter textfile collector.
type Metrics struct {
	reg      *prometheus.Registry
	textfile string

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tokensTotal     prometheus.Counter
	loadsTotal      prometheus.Counter
	modelLoaded     prometheus.Gauge
}

// NewMetrics builds collectors. textfile may be empty to disable Flush.
func NewMetrics(textfile string) *Metrics {
	m := &Metrics{
		reg:      prometheus.NewRegistry(),
		textfile: textfile,
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "chatd",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total number of handled commands",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "chatd",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Duration of handled commands in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		tokensTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "generated_tokens_total",
			Help:      "Total number of generated tokens",
		}),
		loadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "loads_total",
			Help:      "Total number of successful model loads",
		}),
		modelLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatd",
			Subsystem: "engine",
			Name:      "model_loaded",
			Help:      "1 when a model is loaded",
		}),
	}
	m.reg.MustRegister(m.requestsTotal, m.requestDuration, m.tokensTotal, m.loadsTotal, m.modelLoaded)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) observe(method string, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.requestsTotal.WithLabelValues(method, status).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) addTokens(n int) {
	if n > 0 {
		m.tokensTotal.Add(float64(n))
	}
}

func (m *Metrics) loaded() {
	m.loadsTotal.Inc()
	m.modelLoaded.Set(1)
}

// Flush writes the registry to the configured textfile, if any.
func (m *Metrics) Flush() error {
	if m.textfile == "" {
		return nil
	}
	return prometheus.WriteToTextfile(m.textfile, m.reg)
}
