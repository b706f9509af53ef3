// Package reading defines the data carried through the metering pipeline:
// raw cumulative readings, the daily and monthly rows produced by archival,
// and the latest-value projection kept per meter.
package reading

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the layout of DailyAggregate.Date.
const DateLayout = "2006-01-02"

// MonthLayout is the layout of MonthlySummary.Month.
const MonthLayout = "2006-01"

// Record is one cumulative meter reading. Immutable once written.
type Record struct {
	MeterID   string    `json:"meter_id"`
	Timestamp time.Time `json:"time"`
	Reading   float64   `json:"reading"` // cumulative kWh
}

// DailyAggregate is the last reading observed for a meter on a calendar day.
type DailyAggregate struct {
	MeterID string  `json:"meter_id"`
	Date    string  `json:"date"`
	Reading float64 `json:"reading"`

	// LastTimestamp is the timestamp of the raw record the row was built from
	LastTimestamp time.Time `json:"last_timestamp"`

	// Samples is the number of raw records folded into the row
	Samples int `json:"samples"`
}

// Key identifies the row. One row exists per key.
func (a DailyAggregate) Key() string {
	return a.MeterID + "|" + a.Date
}

// MonthlySummary rolls a month of daily rows up into one row per meter.
type MonthlySummary struct {
	MeterID string  `json:"meter_id"`
	Month   string  `json:"month"`
	Opening float64 `json:"opening_reading"`
	Closing float64 `json:"closing_reading"`
	Usage   float64 `json:"usage"`
	Days    int     `json:"days"`

	// LastTimestamp of the closing daily row, used for newer-wins replacement
	LastTimestamp time.Time `json:"last_timestamp"`
}

// Key identifies the row. One row exists per key.
func (s MonthlySummary) Key() string {
	return s.MeterID + "|" + s.Month
}

// Latest is the most recent reading known for a meter.
type Latest struct {
	MeterID   string    `json:"meter_id"`
	Reading   float64   `json:"reading"`
	Timestamp time.Time `json:"time"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DateOf returns the calendar date of t in loc formatted with DateLayout.
func DateOf(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DateLayout)
}

// Delta returns last - first clamped at zero. Regressive meters never yield
// negative consumption.
func Delta(first, last float64) float64 {
	d := last - first
	if d < 0 || math.IsNaN(d) {
		return 0
	}
	return d
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC3339 and the zoneless layouts produced by HTML
// datetime-local inputs. Zoneless values are interpreted in loc.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp is required", ErrMalformedInput)
	}
	if loc == nil {
		loc = time.Local
	}

	for i, layout := range timestampLayouts {
		var (
			t   time.Time
			err error
		)
		if i < 2 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, loc)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedInput, s)
}
