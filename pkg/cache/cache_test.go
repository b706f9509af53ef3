package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/reading"
)

func TestMemory_NewerTimestampWins(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	applied, err := c.Set(ctx, reading.Latest{MeterID: "M1", Reading: 8, Timestamp: base.Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, applied)

	// An older reading processed later does not regress the cache
	applied, err = c.Set(ctx, reading.Latest{MeterID: "M1", Reading: 5, Timestamp: base})
	require.NoError(t, err)
	assert.False(t, applied)

	got, ok, err := c.Get(ctx, "M1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.0, got.Reading)
}

func TestMemory_EqualTimestampLastProcessedWins(t *testing.T) {
	c := NewMemory()
	ctx := context.Background()
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	_, err := c.Set(ctx, reading.Latest{MeterID: "M1", Reading: 5, Timestamp: ts})
	require.NoError(t, err)
	applied, err := c.Set(ctx, reading.Latest{MeterID: "M1", Reading: 6, Timestamp: ts})
	require.NoError(t, err)
	assert.True(t, applied)

	got, _, err := c.Get(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, 6.0, got.Reading)
}

func TestMemory_Miss(t *testing.T) {
	c := NewMemory()
	_, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}
