package storage

import (
	"context"
	"time"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// Storage defines the persistence backend for the metering pipeline.
// Implementations: memory (testing), badger (production)
type Storage interface {
	// Append adds one raw record to the current accounting period
	Append(ctx context.Context, rec reading.Record) error

	// ReadAll returns every raw record of the current period in insertion order
	ReadAll(ctx context.Context) ([]reading.Record, error)

	// Truncate discards every raw record (opens a new period)
	Truncate(ctx context.Context) error

	// TruncateBefore discards raw records stamped before cutoff and keeps
	// the rest in the current period
	TruncateBefore(ctx context.Context, cutoff time.Time) error

	// Query retrieves raw records for one meter within a time range
	Query(ctx context.Context, req QueryRequest) ([]reading.Record, error)

	// AppendAggregates writes daily rows. Existing keys are replaced only by a
	// row whose LastTimestamp is not older (see Newer).
	AppendAggregates(ctx context.Context, rows []reading.DailyAggregate) error

	// ReadAggregates returns daily rows ordered by meter then date
	ReadAggregates(ctx context.Context, filter AggregateFilter) ([]reading.DailyAggregate, error)

	// AppendMonthly writes monthly summaries with the same replacement rule
	AppendMonthly(ctx context.Context, rows []reading.MonthlySummary) error

	// ReadMonthly returns monthly summaries ordered by meter then month
	ReadMonthly(ctx context.Context, filter MonthlyFilter) ([]reading.MonthlySummary, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// QueryRequest specifies which raw records to retrieve
type QueryRequest struct {
	// Filter by meter (optional, empty = all meters)
	MeterID string

	// Inclusive time range. Zero values leave that side open.
	Start time.Time
	End   time.Time

	// Limit number of results (0 = no limit). Results are in time order
	// within a meter, so Limit keeps the earliest.
	Limit int
}

// Matches reports whether rec satisfies the request filters
func (r QueryRequest) Matches(rec reading.Record) bool {
	if r.MeterID != "" && rec.MeterID != r.MeterID {
		return false
	}
	if !r.Start.IsZero() && rec.Timestamp.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && rec.Timestamp.After(r.End) {
		return false
	}
	return true
}

// AggregateFilter selects daily rows. Dates use reading.DateLayout and are inclusive.
type AggregateFilter struct {
	MeterID string
	From    string
	To      string
}

// Matches reports whether row satisfies the filter
func (f AggregateFilter) Matches(row reading.DailyAggregate) bool {
	if f.MeterID != "" && row.MeterID != f.MeterID {
		return false
	}
	// ISO dates compare lexically
	if f.From != "" && row.Date < f.From {
		return false
	}
	if f.To != "" && row.Date > f.To {
		return false
	}
	return true
}

// MonthlyFilter selects monthly summaries. Months use reading.MonthLayout.
type MonthlyFilter struct {
	MeterID string
	Month   string
}

// Matches reports whether row satisfies the filter
func (f MonthlyFilter) Matches(row reading.MonthlySummary) bool {
	if f.MeterID != "" && row.MeterID != f.MeterID {
		return false
	}
	if f.Month != "" && row.Month != f.Month {
		return false
	}
	return true
}

// Stats provides storage health and usage info
type Stats struct {
	// Raw records in the current period
	Readings uint64

	// Archived daily rows
	Aggregates uint64

	// Monthly summaries
	MonthlySummaries uint64

	// Distinct meters with raw records in the current period
	Meters uint64

	// Storage size in bytes
	SizeBytes uint64

	// Timestamp range of the current period's raw records
	OldestReading time.Time
	NewestReading time.Time
}

// Newer reports whether an incoming row stamped incoming should replace an
// existing row stamped existing. Ties go to the incoming row so that replaying
// an archival run converges on the same result.
func Newer(incoming, existing time.Time) bool {
	return !incoming.Before(existing)
}
