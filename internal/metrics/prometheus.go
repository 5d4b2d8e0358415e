package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PromMetrics mirrors the aggregator's counters into a Prometheus registry
// for scraping alongside the structured JSON snapshot.
type PromMetrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestLatency   prometheus.Histogram
	RecordsProcessed prometheus.Counter
	BatchesTotal     prometheus.Counter
	ThreatMatches    prometheus.Counter
	UDPPackets       prometheus.Counter
	UDPBytes         prometheus.Counter
	DropsTotal       prometheus.Counter
	ExportBatches    *prometheus.CounterVec
	DLQDepth         prometheus.Gauge
}

// NewPromMetrics registers every gateway metric with the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "HTTP requests handled, by result",
			},
			[]string{"result"}, // result: ok, failed
		),
		RequestLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "End-to-end HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
		),
		RecordsProcessed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_records_processed_total",
				Help: "Canonical records accepted into the pipeline",
			},
		),
		BatchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_batches_total",
				Help: "Batches processed by the ingest pipeline",
			},
		),
		ThreatMatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_threat_matches_total",
				Help: "Records with at least one threat-intel match",
			},
		),
		UDPPackets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_udp_head_packets_total",
				Help: "Datagrams received by the UDP collector",
			},
		),
		UDPBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_udp_head_bytes_total",
				Help: "Bytes received by the UDP collector",
			},
		),
		DropsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gateway_drops_total",
				Help: "Records or batches shed under pressure",
			},
		),
		ExportBatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_export_batches_total",
				Help: "Export batches, by sink and outcome",
			},
			[]string{"sink", "outcome"}, // outcome: delivered, dlq
		),
		DLQDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gateway_dlq_depth",
				Help: "Entries currently parked in the dead-letter queue",
			},
		),
	}
}
