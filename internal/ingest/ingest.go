package ingest

import (
	"context"
	"log/slog"
	"time"

	"rhinoguard/internal/model"
)

// SendNonBlocking hands det to the dispatcher, dropping it when the channel
// is full.
func SendNonBlocking(ctx context.Context, out chan<- model.Detection, det model.Detection, logger *slog.Logger) bool {
	select {
	case out <- det:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("detection channel full, dropping detection", "detection_id", det.ID, "timestamp", det.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
