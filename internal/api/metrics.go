package api

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	ingestedLines prometheus.Counter
	activeStreams prometheus.Gauge
	providerError prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		ingestedLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropletd_log_lines_ingested_total",
			Help: "Log lines accepted by the ingest endpoint.",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dropletd_log_streams_active",
			Help: "Currently open SSE log streams.",
		}),
		providerError: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dropletd_provider_errors_total",
			Help: "Failed calls to the cloud provider API.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ingestedLines, m.activeStreams, m.providerError)
	}
	return m
}
