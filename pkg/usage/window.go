package usage

import (
	"fmt"
	"strings"
	"time"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// Named windows
const (
	WindowToday     = "today"
	WindowThisWeek  = "this_week"
	WindowThisMonth = "this_month"
	WindowLastMonth = "last_month"
	WindowCustom    = "custom"
)

// Window is an inclusive time range [Start, End].
type Window struct {
	Name  string    `json:"name"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Daily reports whether the window is short enough to chart raw readings.
func (w Window) Daily() bool {
	return w.Name == WindowToday
}

// ResolveWindow turns a window name into a concrete range relative to now in
// loc. Named windows end at now, except last_month which ends at the last
// instant of the previous calendar month. custom requires start and end
// (RFC 3339 timestamps or YYYY-MM-DD dates; a bare end date covers that whole day).
func ResolveWindow(name string, now time.Time, start, end string, loc *time.Location) (Window, error) {
	if loc == nil {
		loc = time.Local
	}
	now = now.In(loc)
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	firstOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)

	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case WindowToday:
		return Window{Name: name, Start: midnight, End: now}, nil
	case WindowThisWeek:
		// weeks start on Monday
		offset := (int(now.Weekday()) + 6) % 7
		return Window{Name: name, Start: midnight.AddDate(0, 0, -offset), End: now}, nil
	case WindowThisMonth:
		return Window{Name: name, Start: firstOfMonth, End: now}, nil
	case WindowLastMonth:
		return Window{
			Name:  name,
			Start: firstOfMonth.AddDate(0, -1, 0),
			End:   firstOfMonth.Add(-time.Nanosecond),
		}, nil
	case WindowCustom:
		if start == "" || end == "" {
			return Window{}, fmt.Errorf("%w: custom window needs start and end", reading.ErrMalformedInput)
		}
		s, err := parseBound(start, loc, false)
		if err != nil {
			return Window{}, err
		}
		e, err := parseBound(end, loc, true)
		if err != nil {
			return Window{}, err
		}
		if e.Before(s) {
			return Window{}, fmt.Errorf("%w: end %s is before start %s", reading.ErrInvalidRange,
				e.Format(time.RFC3339), s.Format(time.RFC3339))
		}
		return Window{Name: name, Start: s, End: e}, nil
	default:
		return Window{}, fmt.Errorf("%w: unknown window %q", reading.ErrMalformedInput, name)
	}
}

func parseBound(s string, loc *time.Location, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseInLocation(reading.DateLayout, s, loc); err == nil {
		if endOfDay {
			return d.AddDate(0, 0, 1).Add(-time.Nanosecond), nil
		}
		return d, nil
	}
	return reading.ParseTimestamp(s, loc)
}
