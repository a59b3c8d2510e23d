package idempotency

import (
	"context"
	"log/slog"
	"time"
)

// Purger deletes receipts that expired before now.
type Purger interface {
	PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}

// Sweep purges expired receipts every interval until ctx is cancelled.
// Expired receipts are never returned by Lookup, so sweeping only reclaims
// storage.
func Sweep(ctx context.Context, p Purger, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PurgeExpiredIdempotency(ctx, time.Now().UTC())
			if err != nil {
				logger.Warn("purge expired idempotency records", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.Info("purged expired idempotency records", slog.Int64("count", n))
			}
		}
	}
}
