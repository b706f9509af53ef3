package reading

import "errors"

// Pipeline error taxonomy. Callers match with errors.Is; producers wrap with %w.
var (
	ErrMalformedInput    = errors.New("reading: malformed input")
	ErrUnknownMeter      = errors.New("reading: unknown meter")
	ErrMaintenanceWindow = errors.New("reading: maintenance window")
	ErrInvalidRange      = errors.New("reading: end precedes start")
	ErrNotFound          = errors.New("reading: meter not found")
	ErrNoData            = errors.New("reading: no data")

	// ErrStorageFailure is transient; the writer and archiver retry it.
	ErrStorageFailure = errors.New("reading: storage failure")

	// ErrArchivalIntegrity aborts one archival attempt. Raw data is kept.
	ErrArchivalIntegrity = errors.New("reading: archival integrity")

	ErrQueueFull    = errors.New("reading: writer queue full")
	ErrWriterClosed = errors.New("reading: writer closed")
)
