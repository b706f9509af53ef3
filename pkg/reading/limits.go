package reading

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Validation limits
const (
	MaxMeterIDLength = 64   // Maximum meter identity length
	MaxReading       = 1e12 // Upper bound on a cumulative kWh value
)

// Accepted timestamp range. Storage keys encode UnixNano as an unsigned
// integer, so instants before the epoch or past 2262 would sort wrongly.
var (
	MinTimestamp = time.Unix(0, 0).UTC()
	MaxTimestamp = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ValidateMeterID checks length and charset: letters, digits and . _ : -
func ValidateMeterID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: meter_id is required", ErrMalformedInput)
	}
	if len(id) > MaxMeterIDLength {
		return fmt.Errorf("%w: meter_id has %d chars (max %d)", ErrMalformedInput, len(id), MaxMeterIDLength)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '-':
		default:
			return fmt.Errorf("%w: meter_id contains invalid character %q", ErrMalformedInput, c)
		}
	}
	return nil
}

// ValidateRecord checks a parsed record before it is admitted.
// Every failure wraps ErrMalformedInput.
func ValidateRecord(r Record) error {
	if err := ValidateMeterID(r.MeterID); err != nil {
		return err
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: timestamp is required", ErrMalformedInput)
	}
	if r.Timestamp.Before(MinTimestamp) || !r.Timestamp.Before(MaxTimestamp) {
		return fmt.Errorf("%w: timestamp %s outside %s..%s", ErrMalformedInput,
			r.Timestamp.Format(time.RFC3339), MinTimestamp.Format(DateLayout), MaxTimestamp.Format(DateLayout))
	}
	if math.IsNaN(r.Reading) || math.IsInf(r.Reading, 0) {
		return fmt.Errorf("%w: reading must be a finite number", ErrMalformedInput)
	}
	if r.Reading < 0 {
		return fmt.Errorf("%w: reading %v is negative", ErrMalformedInput, r.Reading)
	}
	if r.Reading > MaxReading {
		return fmt.Errorf("%w: reading %v exceeds %v", ErrMalformedInput, r.Reading, MaxReading)
	}
	return nil
}
