// Package budget stores per-meter consumption thresholds.
package budget

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// ErrNoBudget is returned when a meter has no budget set.
var ErrNoBudget = errors.New("budget: no budget set")

// Budget is a kWh threshold for one meter.
type Budget struct {
	MeterID   string    `json:"meter_id"`
	LimitKWh  float64   `json:"limit_kwh"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Book holds budgets in memory.
type Book struct {
	mu      sync.RWMutex
	budgets map[string]Budget
	clock   clockwork.Clock
}

// NewBook creates an empty book. A nil clock uses the real clock.
func NewBook(clock clockwork.Clock) *Book {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Book{budgets: make(map[string]Budget), clock: clock}
}

// Set replaces the budget for meterID
func (b *Book) Set(meterID string, limit float64) (Budget, error) {
	if meterID == "" {
		return Budget{}, fmt.Errorf("%w: meter_id is required", reading.ErrMalformedInput)
	}
	if math.IsNaN(limit) || math.IsInf(limit, 0) || limit < 0 {
		return Budget{}, fmt.Errorf("%w: budget must be a finite non-negative number", reading.ErrMalformedInput)
	}

	bud := Budget{MeterID: meterID, LimitKWh: limit, UpdatedAt: b.clock.Now()}

	b.mu.Lock()
	b.budgets[meterID] = bud
	b.mu.Unlock()
	return bud, nil
}

// Get returns the budget for meterID
func (b *Book) Get(meterID string) (Budget, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	bud, ok := b.budgets[meterID]
	if !ok {
		return Budget{}, fmt.Errorf("%w: %s", ErrNoBudget, meterID)
	}
	return bud, nil
}
