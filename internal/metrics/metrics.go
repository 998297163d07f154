package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetingester_sessions_active",
			Help: "Open device TCP sessions.",
		},
	)

	SessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_sessions_closed_total",
			Help: "Sessions closed, by reason (eof, idle_timeout, bad_identifier, oversized_frame, shutdown, read_error).",
		},
		[]string{"reason"},
	)

	PacketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_packets_total",
			Help: "Framed packets, by outcome (ingested, dropped, unauthorized).",
		},
		[]string{"outcome"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_parse_errors_total",
			Help: "Codec parse failures by kind.",
		},
		[]string{"kind"},
	)

	RecordsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_records_ingested_total",
			Help: "Telemetry rows inserted.",
		},
	)

	RecordsSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_records_skipped_total",
			Help: "Telemetry rows skipped as duplicates.",
		},
	)

	UnauthorizedPacketsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_unauthorized_packets_total",
			Help: "Packets from identifiers with no registered truck.",
		},
	)

	CacheRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_cache_requests_total",
			Help: "Lookup cache requests (cache: device|segment; outcome: hit|miss).",
		},
		[]string{"cache", "outcome"},
	)

	SpatialErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_spatial_errors_total",
			Help: "Nearest-segment lookups soft-failed to null.",
		},
	)

	DBWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetingester_db_write_duration_seconds",
			Help:    "DB write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_db_rows_affected_total",
			Help: "DB rows written, by table and op.",
		},
		[]string{"table", "op"},
	)

	BatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetingester_batch_size",
			Help:    "Batch sizes written to the DB.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"pipeline"},
	)

	DetectorBatchesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_detector_batches_total",
			Help: "Event-detector batches completed.",
		},
	)

	DetectorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_detector_events_total",
			Help: "Roughness events emitted, by severity.",
		},
		[]string{"severity"},
	)

	SegmentsAggregatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetingester_segments_aggregated_total",
			Help: "Segment-day stat rows upserted.",
		},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetingester_events_published_total",
			Help: "Roughness events published to Kafka, by outcome.",
		},
		[]string{"outcome"},
	)
)

var registerOnce sync.Once

// Register installs all collectors on the default registry. Safe to call
// more than once.
func Register() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		SessionsActive,
		SessionsClosedTotal,
		PacketsTotal,
		ParseErrorsTotal,
		RecordsIngestedTotal,
		RecordsSkippedTotal,
		UnauthorizedPacketsTotal,
		CacheRequestsTotal,
		SpatialErrorsTotal,
		DBWriteDuration,
		DBRowsAffectedTotal,
		BatchSize,
		DetectorBatchesTotal,
		DetectorEventsTotal,
		SegmentsAggregatedTotal,
		EventsPublishedTotal,
	)
}
