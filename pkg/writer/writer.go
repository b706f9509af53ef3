// Package writer persists accepted readings off the request path.
//
// A Pool owns a bounded queue and a fixed number of workers. Each worker
// appends a record to the reading store through the period guard, then
// updates the latest-value cache. Store failures are retried with exponential
// backoff behind a circuit breaker and the record is dropped after the final
// attempt, so delivery is at most once.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/cache"
	"github.com/nicktill/tinymeter/pkg/reading"
	"github.com/nicktill/tinymeter/pkg/telemetry"
)

// Defaults
const (
	DefaultWorkers      = 10
	DefaultQueueSize    = 1024
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
)

// Appender is the write side of the reading store (storage.Guard).
type Appender interface {
	Append(ctx context.Context, rec reading.Record) error
}

// Config tunes the pool. Zero values take the defaults above.
type Config struct {
	Workers   int
	QueueSize int

	// MaxRetries after the first attempt (negative = never retry)
	MaxRetries   int
	RetryBackoff time.Duration

	// OnPersist runs after a record is durable and cached (optional)
	OnPersist func(reading.Record)

	// Clock stamps cache entries (nil = real clock)
	Clock clockwork.Clock

	Logger *zap.Logger
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats is a point-in-time view of pool counters
type Stats struct {
	Queued    int    `json:"queued"`
	Accepted  uint64 `json:"accepted"`
	Persisted uint64 `json:"persisted"`
	Dropped   uint64 `json:"dropped"`
	Retries   uint64 `json:"retries"`
	Breaker   string `json:"breaker"`
}

// Pool is the asynchronous writer.
type Pool struct {
	cfg     Config
	store   Appender
	cache   cache.Cache
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger

	queue chan reading.Record

	mu      sync.RWMutex
	closed  bool
	started bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	accepted  atomic.Uint64
	persisted atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
}

// New creates a pool. Call Start to launch workers.
func New(cfg Config, store Appender, c cache.Cache) *Pool {
	cfg = cfg.withDefaults()
	log := cfg.Logger.Named("writer")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "reading-store",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Pool{
		cfg:     cfg,
		store:   store,
		cache:   c,
		breaker: breaker,
		log:     log,
		queue:   make(chan reading.Record, cfg.QueueSize),
	}
}

// Start launches the workers. Workers run until Close.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
	p.log.Info("writer started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
}

// Enqueue hands rec to the workers without blocking.
// Returns reading.ErrQueueFull or reading.ErrWriterClosed on rejection.
func (p *Pool) Enqueue(rec reading.Record) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return reading.ErrWriterClosed
	}

	select {
	case p.queue <- rec:
		p.accepted.Add(1)
		telemetry.WriterQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		return reading.ErrQueueFull
	}
}

// Close stops intake and waits for queued records to drain. If ctx expires
// first, in-flight retries are abandoned and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("writer drained",
			zap.Uint64("persisted", p.persisted.Load()),
			zap.Uint64("dropped", p.dropped.Load()),
		)
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("writer drain: %w", ctx.Err())
	}
}

// Stats returns pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Queued:    len(p.queue),
		Accepted:  p.accepted.Load(),
		Persisted: p.persisted.Load(),
		Dropped:   p.dropped.Load(),
		Retries:   p.retries.Load(),
		Breaker:   p.breaker.State().String(),
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for rec := range p.queue {
		telemetry.WriterQueueDepth.Set(float64(len(p.queue)))
		p.process(ctx, rec)
	}
}

func (p *Pool) process(ctx context.Context, rec reading.Record) {
	if err := p.persist(ctx, rec); err != nil {
		p.dropped.Add(1)
		telemetry.WriterRecordsTotal.WithLabelValues("dropped").Inc()
		p.log.Error("dropping reading after failed persistence",
			zap.String("meter_id", rec.MeterID),
			zap.Time("timestamp", rec.Timestamp),
			zap.Float64("reading", rec.Reading),
			zap.Error(err),
		)
		return
	}

	p.persisted.Add(1)
	telemetry.WriterRecordsTotal.WithLabelValues("persisted").Inc()

	if p.cache != nil {
		_, err := p.cache.Set(ctx, reading.Latest{
			MeterID:   rec.MeterID,
			Reading:   rec.Reading,
			Timestamp: rec.Timestamp,
			UpdatedAt: p.cfg.Clock.Now(),
		})
		if err != nil {
			// The record is durable; the cache catches up on the next write
			p.log.Warn("latest-value cache update failed",
				zap.String("meter_id", rec.MeterID),
				zap.Error(err),
			)
		}
	}

	if p.cfg.OnPersist != nil {
		p.cfg.OnPersist(rec)
	}
}

// persist appends rec with bounded retries and exponential backoff:
// RetryBackoff, 2x, 4x, ...
func (p *Pool) persist(ctx context.Context, rec reading.Record) error {
	var lastErr error
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			telemetry.WriterRetriesTotal.Inc()
			delay := p.cfg.RetryBackoff * time.Duration(1<<(attempt-1))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %v (retry abandoned: %v)", reading.ErrStorageFailure, lastErr, ctx.Err())
			}
		}

		_, err := p.breaker.Execute(func() (interface{}, error) {
			return nil, p.store.Append(ctx, rec)
		})
		if err == nil {
			return nil
		}
		lastErr = err

		p.log.Warn("append failed",
			zap.String("meter_id", rec.MeterID),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", p.cfg.MaxRetries+1),
			zap.Bool("breaker_open", errors.Is(err, gobreaker.ErrOpenState)),
			zap.Error(err),
		)
	}
	return fmt.Errorf("%w: %v", reading.ErrStorageFailure, lastErr)
}
