// Package telemetry holds the process-wide prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts gateway outcomes by result
	// (accepted, malformed, unknown_meter, maintenance, queue_full, ...)
	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinymeter_submissions_total",
			Help: "Reading submissions handled by the ingestion gateway.",
		},
		[]string{"result"},
	)

	// WriterQueueDepth is the number of records waiting for a worker
	WriterQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tinymeter_writer_queue_depth",
		Help: "Accepted readings waiting to be persisted.",
	})

	// WriterRecordsTotal counts writer outcomes (persisted, dropped)
	WriterRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinymeter_writer_records_total",
			Help: "Readings processed by the asynchronous writer.",
		},
		[]string{"outcome"},
	)

	// WriterRetriesTotal counts failed persistence attempts that were retried
	WriterRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinymeter_writer_retries_total",
		Help: "Persistence attempts retried after a storage failure.",
	})

	// ArchivalRunsTotal counts archival attempts by status (archived, no_data, failed)
	ArchivalRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinymeter_archival_runs_total",
			Help: "Archival attempts by outcome.",
		},
		[]string{"status"},
	)

	// ArchivalDurationSeconds observes archival wall time
	ArchivalDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tinymeter_archival_duration_seconds",
		Help:    "Archival run latency in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	// ArchivedRowsTotal counts daily rows written by archival
	ArchivedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinymeter_archived_rows_total",
		Help: "Daily aggregate rows written by archival.",
	})

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tinymeter_http_requests_total",
			Help: "Total number of HTTP requests served.",
		},
		[]string{"route", "method", "status"},
	)
	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tinymeter_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)
)
