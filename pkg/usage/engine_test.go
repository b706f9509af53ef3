package usage

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinymeter/pkg/account"
	"github.com/nicktill/tinymeter/pkg/archive"
	"github.com/nicktill/tinymeter/pkg/budget"
	"github.com/nicktill/tinymeter/pkg/maintenance"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/storage/memory"
)

// Tuesday 10:00
var now = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

type fixedPeriod time.Time

func (p fixedPeriod) PeriodStart() time.Time { return time.Time(p) }

type fixture struct {
	store    *memory.Storage
	accounts *account.Memory
	budgets  *budget.Book
	engine   *Engine
}

func newFixture(t *testing.T, period PeriodSource) *fixture {
	t.Helper()
	f := &fixture{
		store:    memory.New(),
		accounts: account.NewMemory(),
		budgets:  budget.NewBook(clockwork.NewFakeClockAt(now)),
	}
	f.register(t, "M1", "north")
	f.engine = New(f.store, f.accounts, f.budgets, period, Config{
		Location: time.UTC,
		Clock:    clockwork.NewFakeClockAt(now),
	})
	return f
}

func (f *fixture) register(t *testing.T, meterID, area string) {
	t.Helper()
	_, err := f.accounts.Register(context.Background(), account.Account{MeterID: meterID, Name: meterID, Area: area})
	require.NoError(t, err)
}

func (f *fixture) add(t *testing.T, meterID string, ts time.Time, v float64) {
	t.Helper()
	require.NoError(t, f.store.Append(context.Background(), reading.Record{MeterID: meterID, Timestamp: ts, Reading: v}))
}

func today(t *testing.T, e *Engine) Window {
	t.Helper()
	w, err := e.Window(WindowToday, "", "")
	require.NoError(t, err)
	return w
}

func TestUsage_FirstLastDelta(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.add(t, "M1", now.Add(-time.Hour), 5.0)
	f.add(t, "M1", now.Add(-30*time.Minute), 8.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.KWh)
	assert.Equal(t, 2, res.Points)
	assert.Equal(t, SourceRaw, res.Source)
}

func TestUsage_OutOfOrderInsertion(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.add(t, "M1", now.Add(-30*time.Minute), 8.0)
	f.add(t, "M1", now.Add(-2*time.Hour), 2.0)
	f.add(t, "M1", now.Add(-time.Hour), 5.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Equal(t, 6.0, res.KWh)
}

func TestUsage_RegressionClampsToZero(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.add(t, "M1", now.Add(-time.Hour), 50.0)
	f.add(t, "M1", now.Add(-30*time.Minute), 3.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Zero(t, res.KWh)
}

func TestUsage_SinglePointIsZero(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.add(t, "M1", now.Add(-time.Hour), 5.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Zero(t, res.KWh)
	assert.Equal(t, 1, res.Points)
}

func TestUsage_NoPoints(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Zero(t, res.KWh)
	assert.Zero(t, res.Points)
}

func TestUsage_IgnoresOtherMetersAndOutsideWindow(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.register(t, "M2", "north")
	f.add(t, "M1", now.Add(-time.Hour), 5.0)
	f.add(t, "M1", now.Add(-30*time.Minute), 8.0)
	f.add(t, "M2", now.Add(-20*time.Minute), 500.0)
	// after the window end
	f.add(t, "M1", now.Add(time.Hour), 100.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Equal(t, 3.0, res.KWh)
}

func TestUsage_Errors(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.engine.Usage(context.Background(), "nobody", today(t, f.engine))
	assert.ErrorIs(t, err, reading.ErrNotFound)

	backwards := Window{Name: WindowCustom, Start: now, End: now.Add(-time.Hour)}
	_, err = f.engine.Usage(context.Background(), "nobody", backwards)
	assert.ErrorIs(t, err, reading.ErrInvalidRange, "range is checked before the meter")
}

func TestUsage_MergesDailyRowsBeforePeriodStart(t *testing.T) {
	store := memory.New()
	arch := archive.New(storage.NewGuard(store), archive.Config{
		Location: time.UTC,
		Clock:    clockwork.NewFakeClockAt(time.Date(2024, 3, 5, 0, 10, 0, 0, time.UTC)),
	})

	accounts := account.NewMemory()
	_, err := accounts.Register(context.Background(), account.Account{MeterID: "M1", Name: "Flat 1"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, reading.Record{MeterID: "M1", Timestamp: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC), Reading: 100}))
	require.NoError(t, store.Append(ctx, reading.Record{MeterID: "M1", Timestamp: time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC), Reading: 110}))

	_, err = arch.Archive(ctx)
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, reading.Record{MeterID: "M1", Timestamp: time.Date(2024, 3, 5, 9, 0, 0, 0, time.UTC), Reading: 115}))

	engine := New(store, accounts, nil, arch, Config{Location: time.UTC, Clock: clockwork.NewFakeClockAt(now)})

	week, err := engine.Window(WindowThisWeek, "", "")
	require.NoError(t, err)
	res, err := engine.Usage(ctx, "M1", week)
	require.NoError(t, err)
	assert.Equal(t, SourceRawDaily, res.Source)
	assert.Equal(t, 2, res.Points)
	assert.Equal(t, 5.0, res.KWh)

	// the archived day on its own
	day, err := engine.Window(WindowCustom, "2024-03-04", "2024-03-04")
	require.NoError(t, err)
	res, err = engine.Usage(ctx, "M1", day)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Points)
	assert.Zero(t, res.KWh)
}

func TestUsage_SkipsDailyRowsInsideCurrentPeriod(t *testing.T) {
	f := newFixture(t, fixedPeriod(time.Date(2024, 3, 4, 0, 10, 0, 0, time.UTC)))
	require.NoError(t, f.store.AppendAggregates(context.Background(), []reading.DailyAggregate{{
		MeterID:       "M1",
		Date:          "2024-03-05",
		Reading:       999,
		LastTimestamp: now.Add(-2 * time.Hour),
	}}))
	f.add(t, "M1", now.Add(-time.Hour), 5.0)
	f.add(t, "M1", now.Add(-30*time.Minute), 8.0)

	res, err := f.engine.Usage(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Equal(t, SourceRaw, res.Source)
	assert.Equal(t, 3.0, res.KWh)
}

func TestBreakdown(t *testing.T) {
	t.Run("today steps through raw readings", func(t *testing.T) {
		f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
		f.add(t, "M1", now.Add(-3*time.Hour), 1.0)
		f.add(t, "M1", now.Add(-2*time.Hour), 3.0)
		f.add(t, "M1", now.Add(-time.Hour), 2.0)
		f.add(t, "M1", now.Add(-30*time.Minute), 6.0)

		b, err := f.engine.Breakdown(context.Background(), "M1", today(t, f.engine))
		require.NoError(t, err)
		require.Len(t, b.Buckets, 3)
		assert.Equal(t, "08:00", b.Buckets[0].Label)
		assert.Equal(t, 2.0, b.Buckets[0].KWh)
		assert.Zero(t, b.Buckets[1].KWh)
		assert.Equal(t, 4.0, b.Buckets[2].KWh)
		assert.Equal(t, 6.0, b.Total)
	})

	t.Run("longer windows step per day", func(t *testing.T) {
		f := newFixture(t, nil)
		f.add(t, "M1", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), 10)
		f.add(t, "M1", time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC), 12)
		f.add(t, "M1", time.Date(2024, 3, 2, 20, 0, 0, 0, time.UTC), 15)
		f.add(t, "M1", time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC), 21)

		month, err := f.engine.Window(WindowThisMonth, "", "")
		require.NoError(t, err)
		b, err := f.engine.Breakdown(context.Background(), "M1", month)
		require.NoError(t, err)
		require.Len(t, b.Buckets, 2)
		assert.Equal(t, "2024-03-02", b.Buckets[0].Label)
		assert.Equal(t, 3.0, b.Buckets[0].KWh)
		assert.Equal(t, "2024-03-04", b.Buckets[1].Label)
		assert.Equal(t, 6.0, b.Buckets[1].KWh)
	})

	t.Run("no data", func(t *testing.T) {
		f := newFixture(t, nil)
		_, err := f.engine.Breakdown(context.Background(), "M1", today(t, f.engine))
		assert.ErrorIs(t, err, reading.ErrNoData)
	})
}

func TestCheckBudget(t *testing.T) {
	f := newFixture(t, nil)
	f.add(t, "M1", time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC), 10)
	f.add(t, "M1", now.Add(-time.Hour), 40)

	month, err := f.engine.Window(WindowThisMonth, "", "")
	require.NoError(t, err)

	_, err = f.engine.CheckBudget(context.Background(), "M1", month)
	assert.ErrorIs(t, err, budget.ErrNoBudget)

	_, err = f.engine.SetBudget(context.Background(), "M1", 50)
	require.NoError(t, err)
	check, err := f.engine.CheckBudget(context.Background(), "M1", month)
	require.NoError(t, err)
	assert.Equal(t, 30.0, check.UsageKWh)
	assert.False(t, check.Over)
	assert.Equal(t, 20.0, check.Remaining)

	_, err = f.engine.SetBudget(context.Background(), "M1", 25)
	require.NoError(t, err)
	check, err = f.engine.CheckBudget(context.Background(), "M1", month)
	require.NoError(t, err)
	assert.True(t, check.Over)
	assert.Zero(t, check.Remaining)
}

func TestSetBudget_UnknownMeter(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.engine.SetBudget(context.Background(), "nobody", 10)
	assert.ErrorIs(t, err, reading.ErrNotFound)
}

func TestCompareArea(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	f.register(t, "M2", "north")
	f.register(t, "M3", "south")

	f.add(t, "M1", now.Add(-2*time.Hour), 0)
	f.add(t, "M1", now.Add(-time.Hour), 6)
	f.add(t, "M2", now.Add(-2*time.Hour), 10)
	f.add(t, "M2", now.Add(-time.Hour), 12)
	f.add(t, "M3", now.Add(-2*time.Hour), 0)
	f.add(t, "M3", now.Add(-time.Hour), 100)

	cmp, err := f.engine.CompareArea(context.Background(), "M1", today(t, f.engine))
	require.NoError(t, err)
	assert.Equal(t, "north", cmp.Area)
	assert.Equal(t, 2, cmp.Meters)
	assert.Equal(t, 6.0, cmp.UsageKWh)
	assert.Equal(t, 4.0, cmp.AreaMeanKWh)
	assert.Equal(t, 2.0, cmp.Difference)

	_, err = f.engine.CompareArea(context.Background(), "nobody", today(t, f.engine))
	assert.ErrorIs(t, err, reading.ErrNotFound)
}

func TestUsage_RecordCapRejectsOversizedWindow(t *testing.T) {
	f := newFixture(t, fixedPeriod(now.Add(-10*time.Hour)))
	capped := New(f.store, f.accounts, f.budgets, fixedPeriod(now.Add(-10*time.Hour)), Config{
		Location:   time.UTC,
		Clock:      clockwork.NewFakeClockAt(now),
		MaxRecords: 3,
	})
	w := today(t, capped)

	for i := 0; i < 3; i++ {
		f.add(t, "M1", now.Add(-time.Duration(3-i)*time.Hour), float64(10*i))
	}
	res, err := capped.Usage(context.Background(), "M1", w)
	require.NoError(t, err)
	assert.Equal(t, 20.0, res.KWh)

	f.add(t, "M1", now.Add(-time.Minute), 50)
	_, err = capped.Usage(context.Background(), "M1", w)
	assert.ErrorIs(t, err, reading.ErrInvalidRange)
}

func TestUsage_TodayStaysRawAfterStartupCatchUp(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 5, 14, 0, 0, 0, time.UTC))
	store := memory.New()
	accounts := account.NewMemory()
	_, err := accounts.Register(ctx, account.Account{MeterID: "M1"})
	require.NoError(t, err)

	for _, r := range []reading.Record{
		{MeterID: "M1", Timestamp: time.Date(2024, 3, 4, 22, 0, 0, 0, time.UTC), Reading: 1},
		{MeterID: "M1", Timestamp: time.Date(2024, 3, 5, 2, 0, 0, 0, time.UTC), Reading: 10},
		{MeterID: "M1", Timestamp: time.Date(2024, 3, 5, 13, 0, 0, 0, time.UTC), Reading: 20},
	} {
		require.NoError(t, store.Append(ctx, r))
	}

	arch := archive.New(storage.NewGuard(store), archive.Config{Location: time.UTC, Clock: clock})
	sched := maintenance.New(arch, maintenance.Config{Location: time.UTC, Clock: clock})

	// Process restarted at 14:00 with yesterday's readings still pending
	ran, err := sched.CatchUp(ctx)
	require.NoError(t, err)
	require.True(t, ran)

	clock.Advance(time.Hour)
	require.NoError(t, store.Append(ctx, reading.Record{
		MeterID: "M1", Timestamp: time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC), Reading: 25,
	}))

	engine := New(store, accounts, budget.NewBook(clock), arch, Config{Location: time.UTC, Clock: clock})

	w, err := engine.Window(WindowToday, "", "")
	require.NoError(t, err)
	res, err := engine.Usage(ctx, "M1", w)
	require.NoError(t, err)
	assert.Equal(t, 15.0, res.KWh)
	assert.Equal(t, 3, res.Points)
	assert.Equal(t, SourceRaw, res.Source)

	// Yesterday's closing value comes from its daily row
	w, err = engine.Window(WindowThisWeek, "", "")
	require.NoError(t, err)
	res, err = engine.Usage(ctx, "M1", w)
	require.NoError(t, err)
	assert.Equal(t, 24.0, res.KWh)
	assert.Equal(t, SourceRawDaily, res.Source)
}
