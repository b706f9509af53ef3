package server

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/nicktill/tinymeter/pkg/config"
	"github.com/nicktill/tinymeter/pkg/ingest"
	"github.com/nicktill/tinymeter/pkg/maintenance"
	"github.com/nicktill/tinymeter/pkg/storage"
	"github.com/nicktill/tinymeter/pkg/storage/badger"
)

const (
	catchUpRetries   = 3
	catchUpBaseDelay = 30 * time.Second
	broadcastEvery   = 5 * time.Second
)

// RunScheduler archives anything left over from a previous period, then
// runs the maintenance loop until ctx is done.
func RunScheduler(ctx context.Context, sched *maintenance.Scheduler, log *zap.Logger) {
	log = log.Named("tasks")

	for attempt := 0; attempt <= catchUpRetries; attempt++ {
		if attempt > 0 {
			delay := catchUpBaseDelay * time.Duration(1<<(attempt-1)) // 30s, 60s, 120s
			log.Info("retrying catch-up archival",
				zap.Duration("delay", delay),
				zap.Int("attempt", attempt+1),
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		ran, err := sched.CatchUp(ctx)
		if err == nil {
			if ran {
				log.Info("catch-up archival completed")
			}
			break
		}
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Warn("catch-up archival failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if attempt == catchUpRetries {
			log.Error("catch-up archival gave up, the nightly window will retry")
		}
	}

	sched.Run(ctx)
}

// StatusUpdate is broadcast to WebSocket clients every few seconds
type StatusUpdate struct {
	Type      string         `json:"type"`
	Timestamp int64          `json:"timestamp"`
	Storage   *storage.Stats `json:"storage"`
	Queued    int            `json:"queued"`
	State     string         `json:"state"`
}

// BroadcastStatus periodically pushes pipeline status to WebSocket clients.
// Uses exponential backoff on errors to prevent log spam during outages.
func BroadcastStatus(ctx context.Context, a *App, hub *ingest.ReadingsHub, log *zap.Logger) {
	log = log.Named("tasks")
	ticker := time.NewTicker(broadcastEvery)
	defer ticker.Stop()

	var consecutiveErrors int
	var lastErrorTime time.Time
	const maxBackoff = 5 * time.Minute

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !hub.HasClients() {
				continue
			}

			st, err := a.Store.Stats(ctx)
			if err != nil {
				consecutiveErrors++
				now := time.Now()

				// 1s, 2s, 4s ... capped at maxBackoff
				backoff := time.Duration(1<<uint(min(consecutiveErrors-1, 8))) * time.Second
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				if lastErrorTime.IsZero() || now.Sub(lastErrorTime) >= backoff {
					log.Warn("status broadcast failed",
						zap.Int("consecutive_errors", consecutiveErrors),
						zap.Duration("backoff", backoff),
						zap.Error(err),
					)
					lastErrorTime = now
				}
				continue
			}

			if consecutiveErrors > 0 {
				log.Info("status broadcast recovered", zap.Int("after_errors", consecutiveErrors))
				consecutiveErrors = 0
			}

			_ = hub.Broadcast(StatusUpdate{
				Type:      "pipeline_status",
				Timestamp: a.Clock.Now().Unix(),
				Storage:   st,
				Queued:    a.Writer.Stats().Queued,
				State:     string(a.Scheduler.Status().State),
			})
		}
	}
}

// RunBadgerGC runs BadgerDB value-log GC periodically to reclaim disk space.
// Truncating the current period leaves garbage in the value log, so without
// GC the data dir only grows.
func RunBadgerGC(ctx context.Context, store storage.Storage, clock clockwork.Clock, log *zap.Logger) {
	log = log.Named("tasks")

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Debug("storage is not badger, skipping GC")
		return
	}

	ticker := clock.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()

	log.Info("badger GC scheduler started", zap.Duration("interval", config.BadgerGCInterval))

	for {
		select {
		case <-ticker.Chan():
			start := clock.Now()
			// Reclaim a file once half of it is garbage
			if err := badgerStore.RunGC(0.5); err != nil {
				log.Warn("badger GC failed", zap.Error(err))
				continue
			}
			log.Debug("badger GC completed", zap.Duration("duration", clock.Since(start)))
		case <-ctx.Done():
			log.Info("stopping badger GC scheduler")
			return
		}
	}
}
