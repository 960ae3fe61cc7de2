package storage

import (
	"context"
	"log/slog"
	"time"

	"rhinoguard/internal/alerts"
	"rhinoguard/internal/logging"
)

// Journal copies alert store changes into a Store on its own goroutine so
// store callers never wait on the database.
type Journal struct {
	store  Store
	logger *slog.Logger
	queue  chan alerts.Change
}

func NewJournal(store Store, buffer int, logger *slog.Logger) *Journal {
	if buffer <= 0 {
		buffer = 256
	}
	return &Journal{
		store:  store,
		logger: logging.OrDiscard(logger).With("component", "journal"),
		queue:  make(chan alerts.Change, buffer),
	}
}

// Attach registers the journal as a change listener on src.
func (j *Journal) Attach(src *alerts.Store) {
	src.OnChange(j.Enqueue)
}

func (j *Journal) Enqueue(c alerts.Change) {
	select {
	case j.queue <- c:
	default:
		j.logger.Warn("journal queue full, dropping change", "alert_id", c.Alert.ID, "kind", c.Kind)
	}
}

// Run drains the queue until ctx ends, then writes whatever is still queued.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case c := <-j.queue:
			j.write(c)
		case <-ctx.Done():
			for {
				select {
				case c := <-j.queue:
					j.write(c)
				default:
					return
				}
			}
		}
	}
}

func (j *Journal) write(c alerts.Change) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.store.SaveAlert(ctx, c.Alert); err != nil {
		j.logger.Error("journal save alert failed", "alert_id", c.Alert.ID, "err", err)
		return
	}
	if !c.StatusChanged() {
		return
	}
	change := StatusChange{
		AlertID:   c.Alert.ID,
		To:        c.Alert.Status,
		Kind:      string(c.Kind),
		ChangedAt: c.Alert.UpdatedAt,
	}
	if c.Previous != nil {
		change.From = c.Previous.Status
	}
	if err := j.store.RecordStatusChange(ctx, change); err != nil {
		j.logger.Error("journal status change failed", "alert_id", c.Alert.ID, "err", err)
	}
}
