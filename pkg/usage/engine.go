// Package usage answers consumption questions over a window.
//
// Usage is the clamped difference between the last and first cumulative
// reading inside the window. Points come from the current period's raw
// records and, for windows reaching back before the period start, from the
// archived daily rows as well.
package usage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/budget"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
)

// Sources of a result
const (
	SourceRaw      = "raw"
	SourceRawDaily = "raw+daily"
)

// PeriodSource reports when the current period began (archive.Archiver).
type PeriodSource interface {
	PeriodStart() time.Time
}

// BudgetSource looks up and stores budgets (budget.Book).
type BudgetSource interface {
	Get(meterID string) (budget.Budget, error)
	Set(meterID string, limit float64) (budget.Budget, error)
}

// Config for New
type Config struct {
	Location *time.Location
	Clock    clockwork.Clock

	// MaxRecords caps raw records read per query (0 = no cap)
	MaxRecords int

	Logger *zap.Logger
}

// Point is one cumulative reading
type Point struct {
	Time    time.Time `json:"time"`
	Reading float64   `json:"reading"`
}

// Result of a usage query
type Result struct {
	MeterID string    `json:"meter_id"`
	Window  string    `json:"window"`
	Start   time.Time `json:"start"`
	End     time.Time `json:"end"`
	KWh     float64   `json:"kwh"`
	Points  int       `json:"points"`
	Source  string    `json:"source"`
}

// Engine is the usage query engine. It only reads.
type Engine struct {
	store    storage.Storage
	accounts account.Registry
	budgets  BudgetSource
	period   PeriodSource
	clock    clockwork.Clock
	loc      *time.Location
	max      int
	log      *zap.Logger
}

// New creates an engine. budgets and period may be nil.
func New(store storage.Storage, accounts account.Registry, budgets BudgetSource, period PeriodSource, cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		store:    store,
		accounts: accounts,
		budgets:  budgets,
		period:   period,
		clock:    cfg.Clock,
		loc:      cfg.Location,
		max:      cfg.MaxRecords,
		log:      cfg.Logger.Named("usage"),
	}
}

// Window resolves a named window against the engine's clock and location.
func (e *Engine) Window(name, start, end string) (Window, error) {
	return ResolveWindow(name, e.clock.Now(), start, end, e.loc)
}

// Usage returns the consumption of meterID over w. Fewer than two points
// yield zero.
func (e *Engine) Usage(ctx context.Context, meterID string, w Window) (Result, error) {
	points, source, err := e.collect(ctx, meterID, w)
	if err != nil {
		return Result{}, err
	}

	res := Result{
		MeterID: meterID,
		Window:  w.Name,
		Start:   w.Start,
		End:     w.End,
		Points:  len(points),
		Source:  source,
	}
	if len(points) >= 2 {
		res.KWh = reading.Delta(points[0].Reading, points[len(points)-1].Reading)
	}
	return res, nil
}

// collect validates the request and returns the window's points sorted by time.
func (e *Engine) collect(ctx context.Context, meterID string, w Window) ([]Point, string, error) {
	if w.End.Before(w.Start) {
		return nil, "", fmt.Errorf("%w: end %s is before start %s", reading.ErrInvalidRange,
			w.End.Format(time.RFC3339), w.Start.Format(time.RFC3339))
	}

	ok, err := e.accounts.Exists(ctx, meterID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: meter lookup: %v", reading.ErrStorageFailure, err)
	}
	if !ok {
		return nil, "", fmt.Errorf("%w: meter %s", reading.ErrNotFound, meterID)
	}

	// One past the cap tells a full window from an oversized one
	limit := 0
	if e.max > 0 {
		limit = e.max + 1
	}
	recs, err := e.store.Query(ctx, storage.QueryRequest{
		MeterID: meterID,
		Start:   w.Start,
		End:     w.End,
		Limit:   limit,
	})
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", reading.ErrStorageFailure, err)
	}
	if e.max > 0 && len(recs) > e.max {
		e.log.Warn("raw record cap exceeded",
			zap.String("meter_id", meterID),
			zap.String("window", w.Name),
			zap.Int("max_records", e.max),
		)
		return nil, "", fmt.Errorf("%w: window holds more than %d readings, narrow it", reading.ErrInvalidRange, e.max)
	}

	points := make([]Point, 0, len(recs))
	for _, r := range recs {
		points = append(points, Point{Time: r.Timestamp, Reading: r.Reading})
	}

	source := SourceRaw
	if e.needsDaily(w) {
		source = SourceRawDaily
		rows, err := e.store.ReadAggregates(ctx, storage.AggregateFilter{
			MeterID: meterID,
			From:    reading.DateOf(w.Start, e.loc),
			To:      reading.DateOf(w.End, e.loc),
		})
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", reading.ErrStorageFailure, err)
		}
		for _, row := range rows {
			if row.LastTimestamp.Before(w.Start) || row.LastTimestamp.After(w.End) {
				continue
			}
			points = append(points, Point{Time: row.LastTimestamp, Reading: row.Reading})
		}
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Time.Before(points[j].Time)
	})
	return points, source, nil
}

// needsDaily reports whether w reaches back before the current period.
func (e *Engine) needsDaily(w Window) bool {
	if e.period == nil {
		return true
	}
	start := e.period.PeriodStart()
	return start.IsZero() || w.Start.Before(start)
}
