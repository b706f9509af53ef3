package monitor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// StaleAfter is how long archival may go without a success before the
// monitor reports unhealthy. One daily window plus an hour of slack.
const StaleAfter = 25 * time.Hour

// ArchivalMonitor tracks archival health and failures.
type ArchivalMonitor struct {
	mu                sync.RWMutex
	clock             clockwork.Clock
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastStatus        string
	lastRows          int
	consecutiveErrors int
	lastError         string
}

// NewArchivalMonitor creates a monitor. A nil clock uses the real clock.
func NewArchivalMonitor(clock clockwork.Clock) *ArchivalMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ArchivalMonitor{clock: clock}
}

// RecordSuccess records a successful archival run.
func (am *ArchivalMonitor) RecordSuccess(status string, rows int) {
	am.mu.Lock()
	defer am.mu.Unlock()
	now := am.clock.Now()
	am.lastSuccess = now
	am.lastAttempt = now
	am.lastStatus = status
	am.lastRows = rows
	am.consecutiveErrors = 0
	am.lastError = ""
}

// RecordFailure records a failed archival run.
func (am *ArchivalMonitor) RecordFailure(err error) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.lastAttempt = am.clock.Now()
	am.consecutiveErrors++
	if err != nil {
		am.lastError = err.Error()
	}
}

// IsHealthy returns true if archival is working properly.
// Unhealthy conditions:
//   - More than 3 consecutive failures
//   - Last success older than StaleAfter
//
// A fresh process that has not reached its first window is healthy.
func (am *ArchivalMonitor) IsHealthy() bool {
	am.mu.RLock()
	defer am.mu.RUnlock()
	return am.healthyLocked()
}

func (am *ArchivalMonitor) healthyLocked() bool {
	if am.consecutiveErrors > 3 {
		return false
	}
	if !am.lastSuccess.IsZero() && am.clock.Since(am.lastSuccess) > StaleAfter {
		return false
	}
	return true
}

// ArchivalStatus is the health payload for archival.
type ArchivalStatus struct {
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastStatus        string `json:"last_status,omitempty"`
	LastRows          int    `json:"last_rows,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current archival status for health checks.
func (am *ArchivalMonitor) Status() ArchivalStatus {
	am.mu.RLock()
	defer am.mu.RUnlock()

	status := ArchivalStatus{
		Healthy:    am.healthyLocked(),
		LastStatus: am.lastStatus,
		LastRows:   am.lastRows,
	}

	if !am.lastSuccess.IsZero() {
		status.LastSuccess = am.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = am.clock.Since(am.lastSuccess).Round(time.Second).String()
	}

	if !am.lastAttempt.IsZero() {
		status.LastAttempt = am.lastAttempt.Format(time.RFC3339)
	}

	if am.consecutiveErrors > 0 {
		status.ConsecutiveErrors = am.consecutiveErrors
		status.LastError = am.lastError
	}

	return status
}
