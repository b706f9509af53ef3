package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/client"
	"github.com/nicktill/tinymeter/pkg/reading"
)

var dwellings = []string{"flat", "terraced", "semi_detached", "detached"}

// meter is one simulated household. Its reading only ever increases.
type meter struct {
	id       string
	area     string
	dwelling string

	// kWh added per submission
	rate float64

	mu      sync.Mutex
	reading float64
}

func newMeter(i, areas int) *meter {
	return &meter{
		id:       fmt.Sprintf("sim-%03d", i+1),
		area:     fmt.Sprintf("area-%d", i%areas+1),
		dwelling: dwellings[i%len(dwellings)],
		rate:     0.05 * float64(i%4+1),
		reading:  1000 * float64(i+1),
	}
}

// next advances the meter and returns the new cumulative reading.
// step varies with count so usage is predictable but not flat.
func (m *meter) next(count int) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reading += m.rate * float64(count%3+1)
	return m.reading
}

// simulate submits one reading per meter every interval until ctx is done.
// Maintenance rejections are logged once per window and otherwise skipped.
func simulate(ctx context.Context, c *client.Client, fleet []*meter, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	count := 0
	inWindow := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count++
			blocked := submitAll(ctx, c, fleet, count, log)
			if blocked && !inWindow {
				log.Info("server is in its maintenance window, pausing submissions")
			} else if !blocked && inWindow {
				log.Info("maintenance window over, resuming submissions")
			}
			inWindow = blocked
		}
	}
}

// submitAll sends one reading per meter concurrently and reports whether
// any was rejected for the maintenance window.
func submitAll(ctx context.Context, c *client.Client, fleet []*meter, count int, log *zap.Logger) bool {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		blocked bool
	)

	now := time.Now()
	for _, m := range fleet {
		wg.Add(1)
		go func(m *meter) {
			defer wg.Done()

			value := m.next(count)
			_, err := c.Submit(ctx, m.id, now, value)
			switch {
			case err == nil:
				log.Debug("reading submitted",
					zap.String("meter_id", m.id),
					zap.Float64("reading", value),
					zap.Int("round", count),
				)
			case errors.Is(err, reading.ErrMaintenanceWindow):
				mu.Lock()
				blocked = true
				mu.Unlock()
			case ctx.Err() != nil:
			default:
				log.Warn("submission failed",
					zap.String("meter_id", m.id),
					zap.Error(err),
				)
			}
		}(m)
	}
	wg.Wait()
	return blocked
}
