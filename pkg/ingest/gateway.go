// Package ingest admits new readings.
//
// The Gateway validates a submission, checks the meter is registered, rejects
// anything inside the maintenance blackout and hands the record to the
// asynchronous writer. It returns as soon as the record is queued: acceptance
// says nothing about durability.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/maintenance"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/telemetry"
)

// MeterDirectory answers whether a meter is registered (account.Registry).
type MeterDirectory interface {
	Exists(ctx context.Context, meterID string) (bool, error)
}

// Enqueuer accepts records for asynchronous persistence (writer.Pool).
type Enqueuer interface {
	Enqueue(rec reading.Record) error
}

// MaintenanceStatus reports an archival run in progress (maintenance.Scheduler).
type MaintenanceStatus interface {
	Archiving() bool
}

// StorageChecker reports a full data directory (monitor.StorageMonitor).
type StorageChecker interface {
	Exceeded() (bool, error)
}

// Submission is an unvalidated reading as received from a caller.
type Submission struct {
	MeterID string
	Time    string
	Reading *float64
}

// Config for NewGateway
type Config struct {
	// Location interprets zoneless timestamps and the blackout window
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *zap.Logger

	// Storage, when set, rejects submissions once the data dir is full
	Storage StorageChecker
}

// Gateway is the ingestion entry point.
type Gateway struct {
	meters  MeterDirectory
	queue   Enqueuer
	maint   MaintenanceStatus
	storage StorageChecker
	clock   clockwork.Clock
	loc     *time.Location
	log     *zap.Logger
}

// NewGateway wires a gateway. maint may be nil when no scheduler runs.
func NewGateway(meters MeterDirectory, queue Enqueuer, maint MaintenanceStatus, cfg Config) *Gateway {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gateway{
		meters:  meters,
		queue:   queue,
		maint:   maint,
		storage: cfg.Storage,
		clock:   cfg.Clock,
		loc:     cfg.Location,
		log:     cfg.Logger.Named("ingest"),
	}
}

// Submit validates sub and enqueues it. Checks run in this order:
//  1. well-formed fields (reading.ErrMalformedInput)
//  2. registered meter (reading.ErrUnknownMeter)
//  3. outside the blackout window and no archival running (reading.ErrMaintenanceWindow)
//
// then the record is queued (reading.ErrQueueFull when the writer is saturated).
func (g *Gateway) Submit(ctx context.Context, sub Submission) (reading.Record, error) {
	rec, err := g.submit(ctx, sub)
	telemetry.SubmissionsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		g.log.Debug("submission rejected",
			zap.String("meter_id", sub.MeterID),
			zap.String("time", sub.Time),
			zap.Error(err),
		)
		return reading.Record{}, err
	}
	return rec, nil
}

func (g *Gateway) submit(ctx context.Context, sub Submission) (reading.Record, error) {
	rec, err := g.parse(sub)
	if err != nil {
		return reading.Record{}, err
	}

	ok, err := g.meters.Exists(ctx, rec.MeterID)
	if err != nil {
		return reading.Record{}, fmt.Errorf("%w: meter lookup: %v", reading.ErrStorageFailure, err)
	}
	if !ok {
		return reading.Record{}, fmt.Errorf("%w: %s", reading.ErrUnknownMeter, rec.MeterID)
	}

	if err := g.checkWindow(rec.Timestamp); err != nil {
		return reading.Record{}, err
	}

	if g.storage != nil {
		full, err := g.storage.Exceeded()
		if err != nil {
			g.log.Warn("storage usage check failed", zap.Error(err))
		} else if full {
			return reading.Record{}, fmt.Errorf("%w: storage limit reached", reading.ErrStorageFailure)
		}
	}

	if err := g.queue.Enqueue(rec); err != nil {
		return reading.Record{}, err
	}
	return rec, nil
}

func (g *Gateway) parse(sub Submission) (reading.Record, error) {
	meterID := strings.TrimSpace(sub.MeterID)
	if meterID == "" {
		return reading.Record{}, fmt.Errorf("%w: meter_id is required", reading.ErrMalformedInput)
	}
	if sub.Reading == nil {
		return reading.Record{}, fmt.Errorf("%w: reading is required", reading.ErrMalformedInput)
	}

	ts, err := reading.ParseTimestamp(sub.Time, g.loc)
	if err != nil {
		return reading.Record{}, err
	}

	rec := reading.Record{MeterID: meterID, Timestamp: ts.In(g.loc), Reading: *sub.Reading}
	if err := reading.ValidateRecord(rec); err != nil {
		return reading.Record{}, err
	}
	return rec, nil
}

func (g *Gateway) checkWindow(ts time.Time) error {
	if maintenance.InWindow(ts, g.loc) {
		return fmt.Errorf("%w: reading at %s falls in the nightly maintenance window",
			reading.ErrMaintenanceWindow, ts.In(g.loc).Format("15:04"))
	}
	if maintenance.InWindow(g.clock.Now(), g.loc) {
		return fmt.Errorf("%w: submissions are closed until 01:00", reading.ErrMaintenanceWindow)
	}
	if g.maint != nil && g.maint.Archiving() {
		return fmt.Errorf("%w: archival in progress", reading.ErrMaintenanceWindow)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, reading.ErrMalformedInput):
		return "malformed"
	case errors.Is(err, reading.ErrUnknownMeter):
		return "unknown_meter"
	case errors.Is(err, reading.ErrMaintenanceWindow):
		return "maintenance"
	case errors.Is(err, reading.ErrQueueFull):
		return "queue_full"
	case errors.Is(err, reading.ErrWriterClosed):
		return "writer_closed"
	case errors.Is(err, reading.ErrStorageFailure):
		return "storage_failure"
	default:
		return "error"
	}
}
