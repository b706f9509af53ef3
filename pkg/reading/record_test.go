package reading

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("TEST", 2*3600)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc3339", "2024-03-05T10:00:00Z", time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2024-03-05T10:00:00+02:00", time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)},
		{"datetime-local", "2024-03-05T10:00", time.Date(2024, 3, 5, 10, 0, 0, 0, loc)},
		{"space separated", "2024-03-05 10:00:30", time.Date(2024, 3, 5, 10, 0, 30, 0, loc)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input, loc)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
		})
	}
}

func TestParseTimestamp_Malformed(t *testing.T) {
	for _, input := range []string{"", "   ", "yesterday", "2024-13-45T10:00"} {
		_, err := ParseTimestamp(input, time.UTC)
		assert.ErrorIs(t, err, ErrMalformedInput, "input %q", input)
	}
}

func TestDelta_ClampsRegression(t *testing.T) {
	assert.Equal(t, 3.0, Delta(5, 8))
	assert.Equal(t, 0.0, Delta(8, 5))
	assert.Equal(t, 0.0, Delta(8, 8))
}

func TestDateOf_UsesLocation(t *testing.T) {
	ts := time.Date(2024, 3, 5, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-05", DateOf(ts, time.UTC))
	assert.Equal(t, "2024-03-06", DateOf(ts, time.FixedZone("PLUS2", 2*3600)))
}
