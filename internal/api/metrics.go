package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// metrics holds the server's Prometheus collectors on a private registry.
type metrics struct {
	registry *prometheus.Registry

	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	downloadPercent prometheus.Gauge
	storedAssets    prometheus.Gauge
	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelcache",
			Name:      "downloads_total",
			Help:      "Download requests by result (success, error, rejected).",
		}, []string{"result"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "modelcache",
			Name:      "download_bytes_total",
			Help:      "Bytes committed by successful downloads.",
		}),
		downloadPercent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelcache",
			Name:      "download_progress_percent",
			Help:      "Progress of the in-flight download.",
		}),
		storedAssets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelcache",
			Name:      "stored_assets",
			Help:      "Catalog models present in the local store at the last listing.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelcache",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelcache",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.downloads,
		m.downloadBytes,
		m.downloadPercent,
		m.storedAssets,
		m.requests,
		m.latency,
	)
	return m
}
