// Package account is the meter registry. The pipeline only asks it whether a
// meter exists; registration and area lookups back the HTTP surface and the
// area comparison.
package account

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// ErrAlreadyRegistered is returned when registering a meter twice.
var ErrAlreadyRegistered = errors.New("account: meter already registered")

// Account describes the owner of a meter.
type Account struct {
	MeterID      string    `json:"meter_id" gorm:"primaryKey;size:64"`
	Name         string    `json:"name"`
	Area         string    `json:"area" gorm:"index"`
	DwellingType string    `json:"dwelling_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// Registry looks up and registers meters.
type Registry interface {
	Exists(ctx context.Context, meterID string) (bool, error)
	Register(ctx context.Context, a Account) (Account, error)
	Get(ctx context.Context, meterID string) (Account, error)

	// List returns accounts in area ordered by meter ID (empty area = all)
	List(ctx context.Context, area string) ([]Account, error)
}

// Validate checks the fields Register requires
func Validate(a Account) error {
	return reading.ValidateMeterID(a.MeterID)
}

// Memory is an in-process Registry.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]Account
	now      func() time.Time
}

// NewMemory creates an empty registry
func NewMemory() *Memory {
	return &Memory{accounts: make(map[string]Account), now: time.Now}
}

// Exists implements Registry
func (m *Memory) Exists(ctx context.Context, meterID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.accounts[meterID]
	return ok, nil
}

// Register implements Registry
func (m *Memory) Register(ctx context.Context, a Account) (Account, error) {
	if err := Validate(a); err != nil {
		return Account{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[a.MeterID]; ok {
		return Account{}, fmt.Errorf("%w: %s", ErrAlreadyRegistered, a.MeterID)
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.accounts[a.MeterID] = a
	return a, nil
}

// Get implements Registry
func (m *Memory) Get(ctx context.Context, meterID string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.accounts[meterID]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", reading.ErrNotFound, meterID)
	}
	return a, nil
}

// List implements Registry
func (m *Memory) List(ctx context.Context, area string) ([]Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if area == "" || a.Area == area {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MeterID < out[j].MeterID })
	return out, nil
}
