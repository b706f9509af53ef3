package storage

import (
	"context"
	"sync"

	"github.com/nicktill/tinymeter/pkg/reading"
)

// Guard serializes period mutations on top of a Storage.
//
// Writers append under the shared side of the lock; the archiver holds the
// exclusive side from snapshot through truncate so no record lands between the
// two. Readers skip the guard entirely and use Storage() directly.
type Guard struct {
	mu    sync.RWMutex
	store Storage
}

// NewGuard wraps store
func NewGuard(store Storage) *Guard {
	return &Guard{store: store}
}

// Append writes rec under the shared lock
func (g *Guard) Append(ctx context.Context, rec reading.Record) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.Append(ctx, rec)
}

// Exclusive runs fn while no append can proceed
func (g *Guard) Exclusive(ctx context.Context, fn func(ctx context.Context, s Storage) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(ctx, g.store)
}

// Storage returns the wrapped backend for lock-free reads
func (g *Guard) Storage() Storage {
	return g.store
}
