package writer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/cache"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/storage/memory"
)

// flakyStore fails the first failures appends, then delegates
type flakyStore struct {
	storage.Storage
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) Append(ctx context.Context, rec reading.Record) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk on fire")
	}
	return f.Storage.Append(ctx, rec)
}

func rec(meter string, ts time.Time, v float64) reading.Record {
	return reading.Record{MeterID: meter, Timestamp: ts, Reading: v}
}

func TestPool_PersistsAndCaches(t *testing.T) {
	store := memory.New()
	latest := cache.NewMemory()
	now := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

	var mu sync.Mutex
	var persisted []reading.Record

	pool := New(Config{
		Workers: 4,
		Clock:   clockwork.NewFakeClockAt(now),
		OnPersist: func(r reading.Record) {
			mu.Lock()
			persisted = append(persisted, r)
			mu.Unlock()
		},
	}, storage.NewGuard(store), latest)
	pool.Start(context.Background())

	require.NoError(t, pool.Enqueue(rec("M1", now, 5)))
	require.NoError(t, pool.Enqueue(rec("M2", now, 7)))
	require.NoError(t, pool.Close(context.Background()))

	recs, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	got, ok, err := latest.Get(context.Background(), "M2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7.0, got.Reading)
	assert.True(t, got.UpdatedAt.Equal(now))

	mu.Lock()
	assert.Len(t, persisted, 2)
	mu.Unlock()

	stats := pool.Stats()
	assert.Equal(t, uint64(2), stats.Accepted)
	assert.Equal(t, uint64(2), stats.Persisted)
	assert.Zero(t, stats.Dropped)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Storage: memory.New()}
	store.failures.Store(2)

	pool := New(Config{Workers: 1, MaxRetries: 3, RetryBackoff: time.Millisecond}, store, cache.NewMemory())
	pool.Start(context.Background())

	require.NoError(t, pool.Enqueue(rec("M1", time.Now(), 5)))
	require.NoError(t, pool.Close(context.Background()))

	assert.Equal(t, int32(3), store.calls.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Persisted)
	assert.Equal(t, uint64(2), stats.Retries)

	recs, err := store.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestPool_DropsAfterMaxRetries(t *testing.T) {
	store := &flakyStore{Storage: memory.New()}
	store.failures.Store(100)
	latest := cache.NewMemory()

	pool := New(Config{Workers: 1, MaxRetries: 2, RetryBackoff: time.Millisecond}, store, latest)
	pool.Start(context.Background())

	require.NoError(t, pool.Enqueue(rec("M1", time.Now(), 5)))
	require.NoError(t, pool.Close(context.Background()))

	assert.Equal(t, int32(3), store.calls.Load())
	stats := pool.Stats()
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Zero(t, stats.Persisted)

	// A dropped record never reaches the cache
	_, ok, err := latest.Get(context.Background(), "M1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPool_QueueFull(t *testing.T) {
	pool := New(Config{QueueSize: 2}, storage.NewGuard(memory.New()), nil)

	// Workers not started, so nothing drains
	require.NoError(t, pool.Enqueue(rec("M1", time.Now(), 1)))
	require.NoError(t, pool.Enqueue(rec("M1", time.Now(), 2)))
	assert.ErrorIs(t, pool.Enqueue(rec("M1", time.Now(), 3)), reading.ErrQueueFull)
	assert.Equal(t, 2, pool.Stats().Queued)
}

func TestPool_EnqueueAfterClose(t *testing.T) {
	pool := New(Config{}, storage.NewGuard(memory.New()), nil)
	pool.Start(context.Background())
	require.NoError(t, pool.Close(context.Background()))

	assert.ErrorIs(t, pool.Enqueue(rec("M1", time.Now(), 1)), reading.ErrWriterClosed)
	// Second close is a no-op
	assert.NoError(t, pool.Close(context.Background()))
}

func TestPool_CacheKeepsNewestTimestamp(t *testing.T) {
	latest := cache.NewMemory()
	pool := New(Config{Workers: 1}, storage.NewGuard(memory.New()), latest)
	pool.Start(context.Background())

	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	// Processed in order: newer first, then a late older reading
	require.NoError(t, pool.Enqueue(rec("M1", base.Add(time.Hour), 8)))
	require.NoError(t, pool.Enqueue(rec("M1", base, 5)))
	require.NoError(t, pool.Close(context.Background()))

	got, ok, err := latest.Get(context.Background(), "M1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 8.0, got.Reading)
}

func TestPool_CloseDeadlineAbandonsRetries(t *testing.T) {
	store := &flakyStore{Storage: memory.New()}
	store.failures.Store(100)

	pool := New(Config{Workers: 1, MaxRetries: 5, RetryBackoff: time.Hour}, store, nil)
	pool.Start(context.Background())
	require.NoError(t, pool.Enqueue(rec("M1", time.Now(), 5)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := pool.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, uint64(1), pool.Stats().Dropped)
}
