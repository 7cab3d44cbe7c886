package roomservice

import (
	"context"
	"log/slog"
	"time"
)

// StartJanitor deletes rooms idle for longer than ttl every interval until
// ctx is done.
func StartJanitor(ctx context.Context, store Store, ttl, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := store.DeleteExpired(ctx, time.Now().UTC().Add(-ttl))
				if err != nil {
					logger.Warn("expire live rooms failed", "error", err)
					continue
				}
				if n > 0 {
					logger.Info("expired live rooms", "count", n)
				}
			}
		}
	}()
}
