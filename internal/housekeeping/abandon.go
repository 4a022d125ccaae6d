// Package housekeeping runs background maintenance outside the interactive protocol.
package housekeeping

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

const sweepConcurrency = 4

// Abandoner is the subset of the diagnostic service the sweeper needs.
type Abandoner interface {
	StaleSessionIDs(ctx context.Context) ([]string, error)
	AbandonIfStale(ctx context.Context, sessionID string) (bool, error)
}

// AbandonCallback is called for each session moved to abandoned.
type AbandonCallback func(sessionID string)

// StartAbandonWorker runs a background goroutine that periodically moves
// idle active sessions to abandoned.
func StartAbandonWorker(ctx context.Context, svc Abandoner, interval time.Duration, onAbandon AbandonCallback) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Abandon worker started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, svc, onAbandon)
			case <-ctx.Done():
				slog.Info("Abandon worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep runs one abandonment pass and returns how many sessions were abandoned.
// Failures on individual sessions are logged and do not stop the pass.
func Sweep(ctx context.Context, svc Abandoner, onAbandon AbandonCallback) int {
	ids, err := svc.StaleSessionIDs(ctx)
	if err != nil {
		slog.Error("Abandon worker failed to list stale sessions", "error", err)
		return 0
	}
	if len(ids) == 0 {
		return 0
	}

	slog.Info("Abandon worker found stale sessions", "count", len(ids))

	var abandoned atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			moved, err := svc.AbandonIfStale(gctx, id)
			if err != nil {
				slog.Warn("Abandon worker failed to abandon session", "session_id", id, "error", err)
				return nil
			}
			if !moved {
				return nil
			}
			abandoned.Add(1)
			if onAbandon != nil {
				onAbandon(id)
			}
			return nil
		})
	}
	_ = g.Wait()

	n := int(abandoned.Load())
	slog.Info("Abandon worker sweep completed", "abandoned", n, "candidates", len(ids))
	return n
}
