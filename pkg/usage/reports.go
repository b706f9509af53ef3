package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/nicktill/tinymeter/pkg/budget"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// Bucket is one step of a breakdown series
type Bucket struct {
	Label   string  `json:"label"`
	KWh     float64 `json:"kwh"`
	Reading float64 `json:"reading"`
}

// Breakdown is consumption split into consecutive steps
type Breakdown struct {
	MeterID string   `json:"meter_id"`
	Window  Window   `json:"window"`
	Buckets []Bucket `json:"buckets"`
	Total   float64  `json:"total_kwh"`
}

// Breakdown splits usage over w into steps. Daily windows step through the
// raw readings, longer windows through the last reading of each day. The
// first point only anchors the series. Returns reading.ErrNoData when the
// window holds no points.
func (e *Engine) Breakdown(ctx context.Context, meterID string, w Window) (Breakdown, error) {
	points, _, err := e.collect(ctx, meterID, w)
	if err != nil {
		return Breakdown{}, err
	}
	if len(points) == 0 {
		return Breakdown{}, fmt.Errorf("%w: meter %s has no readings in window", reading.ErrNoData, meterID)
	}

	var labels []string
	if w.Daily() {
		labels = make([]string, len(points))
		for i, p := range points {
			labels[i] = p.Time.In(e.loc).Format("15:04")
		}
	} else {
		points, labels = lastPerDay(points, e.loc)
	}

	out := Breakdown{MeterID: meterID, Window: w, Buckets: make([]Bucket, 0, len(points))}
	for i := 1; i < len(points); i++ {
		kwh := reading.Delta(points[i-1].Reading, points[i].Reading)
		out.Buckets = append(out.Buckets, Bucket{Label: labels[i], KWh: kwh, Reading: points[i].Reading})
		out.Total += kwh
	}
	return out, nil
}

// lastPerDay keeps the last point of each local day. points must be sorted.
func lastPerDay(points []Point, loc *time.Location) ([]Point, []string) {
	var (
		out    []Point
		labels []string
	)
	for _, p := range points {
		day := reading.DateOf(p.Time, loc)
		if n := len(labels); n > 0 && labels[n-1] == day {
			out[n-1] = p
			continue
		}
		out = append(out, p)
		labels = append(labels, day)
	}
	return out, labels
}

// BudgetCheck compares usage against a meter's budget
type BudgetCheck struct {
	MeterID   string  `json:"meter_id"`
	Window    string  `json:"window"`
	UsageKWh  float64 `json:"usage_kwh"`
	LimitKWh  float64 `json:"limit_kwh"`
	Remaining float64 `json:"remaining_kwh"`
	Over      bool    `json:"over"`
}

// Budget returns the budget set for meterID.
func (e *Engine) Budget(meterID string) (budget.Budget, error) {
	if e.budgets == nil {
		return budget.Budget{}, fmt.Errorf("%w: %s", budget.ErrNoBudget, meterID)
	}
	return e.budgets.Get(meterID)
}

// SetBudget stores a budget for a registered meter.
func (e *Engine) SetBudget(ctx context.Context, meterID string, limit float64) (budget.Budget, error) {
	if e.budgets == nil {
		return budget.Budget{}, fmt.Errorf("%w: budgets are not enabled", reading.ErrNotFound)
	}
	ok, err := e.accounts.Exists(ctx, meterID)
	if err != nil {
		return budget.Budget{}, fmt.Errorf("%w: meter lookup: %v", reading.ErrStorageFailure, err)
	}
	if !ok {
		return budget.Budget{}, fmt.Errorf("%w: meter %s", reading.ErrNotFound, meterID)
	}
	return e.budgets.Set(meterID, limit)
}

// CheckBudget reports usage over w against the meter's budget.
// Returns budget.ErrNoBudget when none is set.
func (e *Engine) CheckBudget(ctx context.Context, meterID string, w Window) (BudgetCheck, error) {
	res, err := e.Usage(ctx, meterID, w)
	if err != nil {
		return BudgetCheck{}, err
	}
	bud, err := e.Budget(meterID)
	if err != nil {
		return BudgetCheck{}, err
	}

	check := BudgetCheck{
		MeterID:  meterID,
		Window:   w.Name,
		UsageKWh: res.KWh,
		LimitKWh: bud.LimitKWh,
		Over:     res.KWh > bud.LimitKWh,
	}
	if !check.Over {
		check.Remaining = bud.LimitKWh - res.KWh
	}
	return check, nil
}

// Comparison is a meter's usage against the mean of its area
type Comparison struct {
	MeterID     string  `json:"meter_id"`
	Area        string  `json:"area"`
	Window      string  `json:"window"`
	UsageKWh    float64 `json:"usage_kwh"`
	AreaMeanKWh float64 `json:"area_mean_kwh"`
	Meters      int     `json:"meters"`
	Difference  float64 `json:"difference_kwh"`
}

// CompareArea compares meterID's usage over w with the mean usage of every
// meter registered in the same area, the meter itself included.
func (e *Engine) CompareArea(ctx context.Context, meterID string, w Window) (Comparison, error) {
	acct, err := e.accounts.Get(ctx, meterID)
	if err != nil {
		return Comparison{}, err
	}
	own, err := e.Usage(ctx, meterID, w)
	if err != nil {
		return Comparison{}, err
	}

	peers, err := e.accounts.List(ctx, acct.Area)
	if err != nil {
		return Comparison{}, fmt.Errorf("%w: listing area %q: %v", reading.ErrStorageFailure, acct.Area, err)
	}

	var total float64
	for _, p := range peers {
		if p.MeterID == meterID {
			total += own.KWh
			continue
		}
		res, err := e.Usage(ctx, p.MeterID, w)
		if err != nil {
			return Comparison{}, err
		}
		total += res.KWh
	}

	cmp := Comparison{
		MeterID:  meterID,
		Area:     acct.Area,
		Window:   w.Name,
		UsageKWh: own.KWh,
		Meters:   len(peers),
	}
	if len(peers) > 0 {
		cmp.AreaMeanKWh = total / float64(len(peers))
	}
	cmp.Difference = cmp.UsageKWh - cmp.AreaMeanKWh
	return cmp, nil
}
