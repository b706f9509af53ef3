// Package maintenance runs the nightly archival loop.
//
// The scheduler polls the clock every PollInterval. When the clock is inside
// the blackout window (the first hour of the local day) and archival has not
// succeeded yet today, it switches to ARCHIVING, runs the archiver
// synchronously and records today as the last run. A failed run leaves the
// last run date alone so the next poll inside the window tries again.
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/archive"
	"github.com/nicktill/tinymeter/pkg/reading"
)

// Defaults
const (
	DefaultPollInterval = 10 * time.Minute
	DefaultCooldown     = 60 * time.Second
)

// State of the scheduler
type State string

const (
	StateIdle      State = "IDLE"
	StateArchiving State = "ARCHIVING"
)

// InWindow reports whether t falls in the blackout window [00:00, 01:00) in loc.
func InWindow(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Hour() == 0
}

// Archiver is the work the scheduler triggers (archive.Archiver).
type Archiver interface {
	Archive(ctx context.Context) (archive.Result, error)
	ArchiveBefore(ctx context.Context, cutoff time.Time) (archive.Result, error)
	RollupMonth(ctx context.Context, month string) (archive.RollupResult, error)
	Pending(ctx context.Context) (uint64, time.Time, error)
}

// Recorder receives the outcome of every archival attempt (monitor.ArchivalMonitor).
type Recorder interface {
	RecordSuccess(status string, rows int)
	RecordFailure(err error)
}

// Config tunes the scheduler. Zero values take defaults.
type Config struct {
	PollInterval time.Duration
	Cooldown     time.Duration
	Location     *time.Location

	// Monthly enables the roll-up of the previous month on day 1
	Monthly bool

	Clock   clockwork.Clock
	Logger  *zap.Logger
	Monitor Recorder
}

// Status is a snapshot of the scheduler
type Status struct {
	State      State  `json:"state"`
	LastRun    string `json:"last_run,omitempty"`
	LastRollup string `json:"last_rollup,omitempty"`
}

// Scheduler is the maintenance state machine.
type Scheduler struct {
	arch  Archiver
	cfg   Config
	clock clockwork.Clock
	loc   *time.Location
	log   *zap.Logger

	archiving atomic.Bool

	// runMu serializes Tick and CatchUp
	runMu sync.Mutex

	mu         sync.RWMutex
	lastRun    string
	lastRollup string
}

// New creates a scheduler for arch
func New(arch Archiver, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	} else if cfg.Cooldown == 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Scheduler{
		arch:  arch,
		cfg:   cfg,
		clock: cfg.Clock,
		loc:   cfg.Location,
		log:   cfg.Logger.Named("maintenance"),
	}
}

// Archiving reports whether an archival run is in progress
func (s *Scheduler) Archiving() bool {
	return s.archiving.Load()
}

// Status returns the current state and last run dates
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{State: StateIdle, LastRun: s.lastRun, LastRollup: s.lastRollup}
	if s.archiving.Load() {
		st.State = StateArchiving
	}
	return st
}

// Tick performs one poll. ran reports whether archival was attempted.
func (s *Scheduler) Tick(ctx context.Context) (ran bool, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	now := s.clock.Now().In(s.loc)
	if !InWindow(now, s.loc) {
		return false, nil
	}

	today := now.Format(reading.DateLayout)
	prevMonth := now.AddDate(0, 0, -1).Format(reading.MonthLayout)

	s.mu.RLock()
	needArchive := s.lastRun != today
	needRollup := s.cfg.Monthly && now.Day() == 1 && s.lastRollup != prevMonth
	s.mu.RUnlock()
	if !needArchive && !needRollup {
		return false, nil
	}

	s.archiving.Store(true)
	defer s.archiving.Store(false)

	if needArchive {
		if err := s.archive(ctx, s.arch.Archive); err != nil {
			return true, err
		}
		s.setLastRun(today)
	}

	if needRollup {
		if _, err := s.arch.RollupMonth(ctx, prevMonth); err != nil {
			s.recordFailure(err)
			return true, err
		}
		s.mu.Lock()
		s.lastRollup = prevMonth
		s.mu.Unlock()
	}
	return true, nil
}

// CatchUp archives once at startup when the store holds records from a day
// before today, which happens when the process was down during the window.
// Only records before local midnight are archived; today's stay raw.
func (s *Scheduler) CatchUp(ctx context.Context) (ran bool, err error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	n, oldest, err := s.arch.Pending(ctx)
	if err != nil {
		return false, err
	}

	now := s.clock.Now().In(s.loc)
	today := now.Format(reading.DateLayout)
	if n == 0 || reading.DateOf(oldest, s.loc) >= today {
		return false, nil
	}

	s.log.Info("archiving records left from a previous period",
		zap.Uint64("records", n),
		zap.Time("oldest", oldest),
	)

	s.archiving.Store(true)
	defer s.archiving.Store(false)

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)
	if err := s.archive(ctx, func(ctx context.Context) (archive.Result, error) {
		return s.arch.ArchiveBefore(ctx, midnight)
	}); err != nil {
		return true, err
	}
	if InWindow(now, s.loc) {
		s.setLastRun(today)
	}
	return true, nil
}

// Run polls until ctx is done. It ticks immediately, then every PollInterval,
// and sleeps Cooldown after each successful run.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.log.Info("maintenance scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.String("location", s.loc.String()),
	)

	for {
		ran, err := s.Tick(ctx)
		if ran && err == nil {
			select {
			case <-s.clock.After(s.cfg.Cooldown):
			case <-ctx.Done():
				s.log.Info("stopping maintenance scheduler")
				return
			}
		}

		select {
		case <-ticker.Chan():
		case <-ctx.Done():
			s.log.Info("stopping maintenance scheduler")
			return
		}
	}
}

func (s *Scheduler) setLastRun(date string) {
	s.mu.Lock()
	s.lastRun = date
	s.mu.Unlock()
}

func (s *Scheduler) archive(ctx context.Context, run func(context.Context) (archive.Result, error)) error {
	res, err := run(ctx)
	if err != nil {
		s.recordFailure(err)
		s.log.Warn("archival failed, will retry on next poll", zap.Error(err))
		return err
	}
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.RecordSuccess(string(res.Status), res.Rows)
	}
	return nil
}

func (s *Scheduler) recordFailure(err error) {
	if s.cfg.Monitor != nil {
		s.cfg.Monitor.RecordFailure(err)
	}
}
