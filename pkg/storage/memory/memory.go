package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// Storage keeps readings and archived rows in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	readings []reading.Record
	daily    map[string]reading.DailyAggregate
	monthly  map[string]reading.MonthlySummary
	mu       sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		readings: make([]reading.Record, 0, 1024),
		daily:    make(map[string]reading.DailyAggregate),
		monthly:  make(map[string]reading.MonthlySummary),
	}
}

// Append stores one raw record
func (s *Storage) Append(ctx context.Context, rec reading.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings = append(s.readings, rec)
	return nil
}

// ReadAll returns a copy of the current period in insertion order
func (s *Storage) ReadAll(ctx context.Context) ([]reading.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]reading.Record, len(s.readings))
	copy(out, s.readings)
	return out, nil
}

// Truncate drops every raw record
func (s *Storage) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.readings = make([]reading.Record, 0, 1024)
	return nil
}

// TruncateBefore drops raw records stamped before cutoff
func (s *Storage) TruncateBefore(ctx context.Context, cutoff time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := make([]reading.Record, 0, len(s.readings))
	for _, rec := range s.readings {
		if !rec.Timestamp.Before(cutoff) {
			kept = append(kept, rec)
		}
	}
	s.readings = kept
	return nil
}

// Query retrieves raw records matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]reading.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []reading.Record
	for _, rec := range s.readings {
		if req.Matches(rec) {
			results = append(results, rec)
		}
	}

	// Time order within a meter, as in the badger key layout, so Limit keeps the earliest
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].MeterID != results[j].MeterID {
			return results[i].MeterID < results[j].MeterID
		}
		return results[i].Timestamp.Before(results[j].Timestamp)
	})
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// AppendAggregates upserts daily rows
func (s *Storage) AppendAggregates(ctx context.Context, rows []reading.DailyAggregate) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if cur, ok := s.daily[row.Key()]; ok && !storage.Newer(row.LastTimestamp, cur.LastTimestamp) {
			continue
		}
		s.daily[row.Key()] = row
	}
	return nil
}

// ReadAggregates returns daily rows ordered by meter then date
func (s *Storage) ReadAggregates(ctx context.Context, filter storage.AggregateFilter) ([]reading.DailyAggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reading.DailyAggregate
	for _, row := range s.daily {
		if filter.Matches(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeterID != out[j].MeterID {
			return out[i].MeterID < out[j].MeterID
		}
		return out[i].Date < out[j].Date
	})
	return out, nil
}

// AppendMonthly upserts monthly summaries
func (s *Storage) AppendMonthly(ctx context.Context, rows []reading.MonthlySummary) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range rows {
		if cur, ok := s.monthly[row.Key()]; ok && !storage.Newer(row.LastTimestamp, cur.LastTimestamp) {
			continue
		}
		s.monthly[row.Key()] = row
	}
	return nil
}

// ReadMonthly returns monthly summaries ordered by meter then month
func (s *Storage) ReadMonthly(ctx context.Context, filter storage.MonthlyFilter) ([]reading.MonthlySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []reading.MonthlySummary
	for _, row := range s.monthly {
		if filter.Matches(row) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MeterID != out[j].MeterID {
			return out[i].MeterID < out[j].MeterID
		}
		return out[i].Month < out[j].Month
	})
	return out, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		Readings:         uint64(len(s.readings)),
		Aggregates:       uint64(len(s.daily)),
		MonthlySummaries: uint64(len(s.monthly)),
	}

	if len(s.readings) > 0 {
		meters := make(map[string]struct{})
		oldest := s.readings[0].Timestamp
		newest := s.readings[0].Timestamp

		for _, rec := range s.readings {
			meters[rec.MeterID] = struct{}{}
			if rec.Timestamp.Before(oldest) {
				oldest = rec.Timestamp
			}
			if rec.Timestamp.After(newest) {
				newest = rec.Timestamp
			}
		}

		stats.Meters = uint64(len(meters))
		stats.OldestReading = oldest
		stats.NewestReading = newest
	}

	// Rough size estimate (each record ~64 bytes, each row ~96 bytes)
	stats.SizeBytes = stats.Readings*64 + (stats.Aggregates+stats.MonthlySummaries)*96

	return stats, nil
}
