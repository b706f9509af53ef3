package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// RollupMonth writes one monthly summary per meter from the daily rows of
// month (reading.MonthLayout). Runs under the exclusive lock so it never
// interleaves with Archive.
func (a *Archiver) RollupMonth(ctx context.Context, month string) (RollupResult, error) {
	res := RollupResult{RunID: uuid.New(), Month: month}

	first, err := time.ParseInLocation(reading.MonthLayout, month, a.loc)
	if err != nil {
		return res, fmt.Errorf("%w: month %q: %v", reading.ErrMalformedInput, month, err)
	}
	last := first.AddDate(0, 1, -1)

	err = a.guard.Exclusive(ctx, func(ctx context.Context, s storage.Storage) error {
		rows, err := s.ReadAggregates(ctx, storage.AggregateFilter{
			From: first.Format(reading.DateLayout),
			To:   last.Format(reading.DateLayout),
		})
		if err != nil {
			return fmt.Errorf("%w: read daily rows: %w", reading.ErrStorageFailure, err)
		}
		if len(rows) == 0 {
			res.Status = StatusNoData
			return nil
		}

		summaries := MonthlySummaries(month, rows)
		if err := s.AppendMonthly(ctx, summaries); err != nil {
			return fmt.Errorf("%w: write monthly rows: %w", reading.ErrArchivalIntegrity, err)
		}
		res.Rows = len(summaries)
		res.Status = StatusArchived
		return nil
	})
	if err != nil {
		a.log.Error("monthly roll-up failed", zap.String("month", month), zap.Error(err))
		return res, err
	}

	a.log.Info("monthly roll-up completed",
		zap.String("run_id", res.RunID.String()),
		zap.String("month", month),
		zap.String("status", string(res.Status)),
		zap.Int("rows", res.Rows),
	)
	return res, nil
}

// MonthlySummaries groups daily rows (ordered by meter, date) into one
// summary per meter. Opening is the first day's closing reading.
func MonthlySummaries(month string, rows []reading.DailyAggregate) []reading.MonthlySummary {
	var out []reading.MonthlySummary
	for i := 0; i < len(rows); {
		j := i
		for j < len(rows) && rows[j].MeterID == rows[i].MeterID {
			j++
		}
		firstRow, lastRow := rows[i], rows[j-1]
		out = append(out, reading.MonthlySummary{
			MeterID:       firstRow.MeterID,
			Month:         month,
			Opening:       firstRow.Reading,
			Closing:       lastRow.Reading,
			Usage:         reading.Delta(firstRow.Reading, lastRow.Reading),
			Days:          j - i,
			LastTimestamp: lastRow.LastTimestamp,
		})
		i = j
	}
	return out
}
