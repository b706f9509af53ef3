package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/reading"
)

func TestResolveWindow(t *testing.T) {
	// Tuesday
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		window    string
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"today", WindowToday, time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), now},
		{"this week starts monday", WindowThisWeek, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), now},
		{"this month", WindowThisMonth, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), now},
		{
			"last month",
			WindowLastMonth,
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond),
		},
		{"case insensitive", " Today ", time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC), now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := ResolveWindow(tt.window, now, "", "", time.UTC)
			require.NoError(t, err)
			assert.True(t, w.Start.Equal(tt.wantStart), "start %s", w.Start)
			assert.True(t, w.End.Equal(tt.wantEnd), "end %s", w.End)
		})
	}
}

func TestResolveWindow_SundayBelongsToPreviousWeek(t *testing.T) {
	sunday := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	w, err := ResolveWindow(WindowThisWeek, sunday, "", "", time.UTC)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)))
}

func TestResolveWindow_LastMonthAcrossYear(t *testing.T) {
	now := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)

	w, err := ResolveWindow(WindowLastMonth, now, "", "", time.UTC)
	require.NoError(t, err)
	assert.True(t, w.Start.Equal(time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 31, w.End.Day())
}

func TestResolveWindow_Custom(t *testing.T) {
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	t.Run("timestamps", func(t *testing.T) {
		w, err := ResolveWindow(WindowCustom, now, "2024-03-01T06:00:00Z", "2024-03-02T06:00:00Z", time.UTC)
		require.NoError(t, err)
		assert.True(t, w.Start.Equal(time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)))
		assert.True(t, w.End.Equal(time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)))
	})

	t.Run("dates cover whole days", func(t *testing.T) {
		w, err := ResolveWindow(WindowCustom, now, "2024-03-01", "2024-03-01", time.UTC)
		require.NoError(t, err)
		assert.True(t, w.Start.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
		assert.True(t, w.End.Equal(time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond)))
	})

	t.Run("missing bound", func(t *testing.T) {
		_, err := ResolveWindow(WindowCustom, now, "2024-03-01", "", time.UTC)
		assert.ErrorIs(t, err, reading.ErrMalformedInput)
	})

	t.Run("end before start", func(t *testing.T) {
		_, err := ResolveWindow(WindowCustom, now, "2024-03-02", "2024-03-01", time.UTC)
		assert.ErrorIs(t, err, reading.ErrInvalidRange)
	})

	t.Run("unparseable", func(t *testing.T) {
		_, err := ResolveWindow(WindowCustom, now, "soon", "later", time.UTC)
		assert.ErrorIs(t, err, reading.ErrMalformedInput)
	})
}

func TestResolveWindow_Unknown(t *testing.T) {
	_, err := ResolveWindow("fortnight", time.Now(), "", "", time.UTC)
	assert.ErrorIs(t, err, reading.ErrMalformedInput)
}
