package archive

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/telemetry"
)

// Archiver compacts the current period into daily rows
type Archiver struct {
	guard *storage.Guard
	loc   *time.Location
	clock clockwork.Clock
	log   *zap.Logger

	// unix nanos of the last successful archival (0 = unknown)
	periodStart atomic.Int64
}

// Config for New
type Config struct {
	// Location decides calendar-day boundaries (nil = time.Local)
	Location *time.Location
	Clock    clockwork.Clock
	Logger   *zap.Logger
}

// New creates an archiver over guard
func New(guard *storage.Guard, cfg Config) *Archiver {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Archiver{
		guard: guard,
		loc:   cfg.Location,
		clock: cfg.Clock,
		log:   cfg.Logger.Named("archive"),
	}
}

// Archive snapshots the current period, writes one daily row per
// (meter, date) and truncates the raw records. The whole run holds the
// guard's exclusive lock so no append can land between snapshot and truncate.
//
// If writing rows fails the raw records are left untouched and the returned
// error wraps reading.ErrArchivalIntegrity. A failed truncate after a
// successful write wraps reading.ErrStorageFailure; replaying is safe because
// rows for an existing key are replaced, never duplicated.
func (a *Archiver) Archive(ctx context.Context) (Result, error) {
	return a.run(ctx, time.Time{})
}

// ArchiveBefore archives only records stamped before cutoff and leaves the
// rest in the current period, which then starts at cutoff. Startup catch-up
// uses it so a restart during the day keeps today's readings raw.
func (a *Archiver) ArchiveBefore(ctx context.Context, cutoff time.Time) (Result, error) {
	return a.run(ctx, cutoff)
}

// run archives records before cutoff, or all of them when cutoff is zero.
func (a *Archiver) run(ctx context.Context, cutoff time.Time) (Result, error) {
	res := Result{RunID: uuid.New()}
	start := a.clock.Now()
	partial := !cutoff.IsZero()

	err := a.guard.Exclusive(ctx, func(ctx context.Context, s storage.Storage) error {
		recs, err := s.ReadAll(ctx)
		if err != nil {
			return fmt.Errorf("%w: snapshot: %w", reading.ErrStorageFailure, err)
		}
		if partial {
			recs = before(recs, cutoff)
		}
		res.Records = len(recs)

		if len(recs) == 0 {
			res.Status = StatusNoData
			return nil
		}

		rows := DailyAggregates(recs, a.loc)
		if err := s.AppendAggregates(ctx, rows); err != nil {
			return fmt.Errorf("%w: write %d daily rows: %w", reading.ErrArchivalIntegrity, len(rows), err)
		}
		res.Rows = len(rows)
		res.Meters = countMeters(rows)

		if partial {
			err = s.TruncateBefore(ctx, cutoff)
		} else {
			err = s.Truncate(ctx)
		}
		if err != nil {
			return fmt.Errorf("%w: truncate after archival: %w", reading.ErrStorageFailure, err)
		}
		res.Status = StatusArchived
		return nil
	})

	res.Duration = a.clock.Since(start)
	telemetry.ArchivalDurationSeconds.Observe(res.Duration.Seconds())

	if err != nil {
		telemetry.ArchivalRunsTotal.WithLabelValues("failed").Inc()
		a.log.Error("archival failed",
			zap.String("run_id", res.RunID.String()),
			zap.Int("records", res.Records),
			zap.Error(err),
		)
		return res, err
	}

	periodStart := start
	if partial {
		periodStart = cutoff
	}
	a.periodStart.Store(periodStart.UnixNano())
	telemetry.ArchivalRunsTotal.WithLabelValues(string(res.Status)).Inc()
	telemetry.ArchivedRowsTotal.Add(float64(res.Rows))

	fields := []zap.Field{
		zap.String("run_id", res.RunID.String()),
		zap.String("status", string(res.Status)),
		zap.Int("records", res.Records),
		zap.Int("rows", res.Rows),
		zap.Duration("duration", res.Duration),
	}
	if partial {
		fields = append(fields, zap.Time("cutoff", cutoff))
	}
	a.log.Info("archival completed", fields...)
	return res, nil
}

// PeriodStart returns when the current period opened, or the zero time when
// no archival has succeeded since startup.
func (a *Archiver) PeriodStart() time.Time {
	n := a.periodStart.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Pending returns how many raw records wait for archival and the oldest
// timestamp among them.
func (a *Archiver) Pending(ctx context.Context) (uint64, time.Time, error) {
	stats, err := a.guard.Storage().Stats(ctx)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("%w: stats: %w", reading.ErrStorageFailure, err)
	}
	return stats.Readings, stats.OldestReading, nil
}

// Location returns the zone used for calendar days
func (a *Archiver) Location() *time.Location {
	return a.loc
}

// DailyAggregates folds recs into one row per (meter, calendar date in loc).
// The row keeps the reading with the latest timestamp; records sharing that
// timestamp resolve to the one inserted last. Rows are ordered by meter, date.
func DailyAggregates(recs []reading.Record, loc *time.Location) []reading.DailyAggregate {
	groups := make(map[string]*reading.DailyAggregate)

	for _, r := range recs {
		row := reading.DailyAggregate{MeterID: r.MeterID, Date: reading.DateOf(r.Timestamp, loc)}
		cur, ok := groups[row.Key()]
		if !ok {
			row.Reading = r.Reading
			row.LastTimestamp = r.Timestamp
			row.Samples = 1
			groups[row.Key()] = &row
			continue
		}

		cur.Samples++
		if !r.Timestamp.Before(cur.LastTimestamp) {
			cur.Reading = r.Reading
			cur.LastTimestamp = r.Timestamp
		}
	}

	out := make([]reading.DailyAggregate, 0, len(groups))
	for _, row := range groups {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeterID != out[j].MeterID {
			return out[i].MeterID < out[j].MeterID
		}
		return out[i].Date < out[j].Date
	})
	return out
}

func before(recs []reading.Record, cutoff time.Time) []reading.Record {
	out := make([]reading.Record, 0, len(recs))
	for _, r := range recs {
		if r.Timestamp.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

func countMeters(rows []reading.DailyAggregate) int {
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		seen[r.MeterID] = struct{}{}
	}
	return len(seen)
}
