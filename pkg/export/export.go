package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// Dataset selects what to export
type Dataset string

const (
	DatasetReadings Dataset = "readings"
	DatasetDaily    Dataset = "daily"
	DatasetMonthly  Dataset = "monthly"
)

// ParseDataset validates a dataset name ("" = daily)
func ParseDataset(s string) (Dataset, error) {
	switch Dataset(s) {
	case "":
		return DatasetDaily, nil
	case DatasetReadings, DatasetDaily, DatasetMonthly:
		return Dataset(s), nil
	}
	return "", fmt.Errorf("%w: unknown dataset %q", reading.ErrMalformedInput, s)
}

// Exporter handles exporting stored data to various formats
type Exporter struct {
	storage storage.Storage
	clock   clockwork.Clock
	loc     *time.Location
}

// NewExporter creates a new exporter. A nil clock uses the real clock.
func NewExporter(store storage.Storage, clock clockwork.Clock, loc *time.Location) *Exporter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Exporter{storage: store, clock: clock, loc: loc}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	Dataset Dataset

	// Filter by meter (empty = all meters)
	MeterID string

	// Inclusive range. Daily and monthly rows are selected by the calendar
	// date and month of Start and End.
	Start time.Time
	End   time.Time

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	Dataset    Dataset   `json:"dataset"`
	Rows       int       `json:"rows"`
	TimeRange  string    `json:"time_range"`
	Format     string    `json:"format"`
	ExportedAt time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Dataset    Dataset   `json:"dataset"`
	MeterID    string    `json:"meter_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	RowCount   int       `json:"row_count"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout
type Document struct {
	Metadata Metadata    `json:"metadata"`
	Rows     interface{} `json:"rows"`
}

// table is a dataset in both shapes
type table struct {
	rows   interface{}
	header []string
	cells  [][]string
}

// ExportToJSON writes the selected rows as an indented JSON document
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	t, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return e.writeJSON(w, opts, t)
}

func (e *Exporter) writeJSON(w io.Writer, opts ExportOptions, t table) (*ExportResult, error) {
	doc := Document{
		Metadata: Metadata{
			ExportedAt: e.clock.Now(),
			Dataset:    opts.Dataset,
			MeterID:    opts.MeterID,
			StartTime:  opts.Start,
			EndTime:    opts.End,
			RowCount:   len(t.cells),
			Version:    "1.0",
		},
		Rows: t.rows,
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}
	return e.result(opts, "json", len(t.cells), doc.Metadata.ExportedAt), nil
}

// ExportToCSV writes the selected rows as CSV with a header line
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	t, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return e.writeCSV(w, opts, t)
}

func (e *Exporter) writeCSV(w io.Writer, opts ExportOptions, t table) (*ExportResult, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(t.header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, row := range t.cells {
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}
	return e.result(opts, "csv", len(t.cells), e.clock.Now()), nil
}

func (e *Exporter) result(opts ExportOptions, format string, rows int, at time.Time) *ExportResult {
	return &ExportResult{
		Dataset:    opts.Dataset,
		Rows:       rows,
		TimeRange:  fmt.Sprintf("%s to %s", opts.Start.Format(time.RFC3339), opts.End.Format(time.RFC3339)),
		Format:     format,
		ExportedAt: at,
	}
}

func (e *Exporter) load(ctx context.Context, opts ExportOptions) (table, error) {
	switch opts.Dataset {
	case DatasetReadings:
		return e.loadReadings(ctx, opts)
	case DatasetDaily, "":
		return e.loadDaily(ctx, opts)
	case DatasetMonthly:
		return e.loadMonthly(ctx, opts)
	}
	return table{}, fmt.Errorf("%w: unknown dataset %q", reading.ErrMalformedInput, opts.Dataset)
}

func (e *Exporter) loadReadings(ctx context.Context, opts ExportOptions) (table, error) {
	recs, err := e.storage.Query(ctx, storage.QueryRequest{
		MeterID: opts.MeterID,
		Start:   opts.Start,
		End:     opts.End,
	})
	if err != nil {
		return table{}, fmt.Errorf("%w: query readings: %v", reading.ErrStorageFailure, err)
	}

	t := table{rows: recs, header: []string{"meter_id", "time", "reading"}}
	for _, r := range recs {
		t.cells = append(t.cells, []string{
			r.MeterID,
			r.Timestamp.In(e.loc).Format(time.RFC3339),
			formatFloat(r.Reading),
		})
	}
	return t, nil
}

func (e *Exporter) loadDaily(ctx context.Context, opts ExportOptions) (table, error) {
	filter := storage.AggregateFilter{MeterID: opts.MeterID}
	if !opts.Start.IsZero() {
		filter.From = reading.DateOf(opts.Start, e.loc)
	}
	if !opts.End.IsZero() {
		filter.To = reading.DateOf(opts.End, e.loc)
	}

	rows, err := e.storage.ReadAggregates(ctx, filter)
	if err != nil {
		return table{}, fmt.Errorf("%w: read daily rows: %v", reading.ErrStorageFailure, err)
	}

	t := table{rows: rows, header: []string{"meter_id", "date", "reading", "last_time", "samples"}}
	for _, r := range rows {
		t.cells = append(t.cells, []string{
			r.MeterID,
			r.Date,
			formatFloat(r.Reading),
			r.LastTimestamp.In(e.loc).Format(time.RFC3339),
			strconv.Itoa(r.Samples),
		})
	}
	return t, nil
}

func (e *Exporter) loadMonthly(ctx context.Context, opts ExportOptions) (table, error) {
	all, err := e.storage.ReadMonthly(ctx, storage.MonthlyFilter{MeterID: opts.MeterID})
	if err != nil {
		return table{}, fmt.Errorf("%w: read monthly summaries: %v", reading.ErrStorageFailure, err)
	}

	var from, to string
	if !opts.Start.IsZero() {
		from = opts.Start.In(e.loc).Format(reading.MonthLayout)
	}
	if !opts.End.IsZero() {
		to = opts.End.In(e.loc).Format(reading.MonthLayout)
	}

	rows := make([]reading.MonthlySummary, 0, len(all))
	for _, r := range all {
		if (from != "" && r.Month < from) || (to != "" && r.Month > to) {
			continue
		}
		rows = append(rows, r)
	}

	t := table{rows: rows, header: []string{"meter_id", "month", "opening", "closing", "usage_kwh", "days"}}
	for _, r := range rows {
		t.cells = append(t.cells, []string{
			r.MeterID,
			r.Month,
			formatFloat(r.Opening),
			formatFloat(r.Closing),
			formatFloat(r.Usage),
			strconv.Itoa(r.Days),
		})
	}
	return t, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
