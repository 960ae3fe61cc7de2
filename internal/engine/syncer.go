package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"rhinoguard/internal/config"
	"rhinoguard/internal/logging"
	"rhinoguard/internal/metrics"
)

type Refresher interface {
	RefreshAlerts(ctx context.Context) error
	RefreshRangerPositions(ctx context.Context)
}

// Syncer polls the backend on a fixed interval and merges the result into
// the alert store. Start and Stop may be called from any goroutine.
type Syncer struct {
	cfg     *config.Manager
	store   Refresher
	metrics *metrics.Store
	logger  *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSyncer(cfg *config.Manager, store Refresher, metricsStore *metrics.Store, logger *slog.Logger) *Syncer {
	if metricsStore == nil {
		metricsStore = metrics.NewStore(0)
	}
	return &Syncer{
		cfg:     cfg,
		store:   store,
		metrics: metricsStore,
		logger:  logging.OrDiscard(logger).With("component", "syncer"),
	}
}

// Start runs one cycle immediately and then one per sync interval until Stop
// is called or ctx ends. Calling Start while running is a no-op.
func (s *Syncer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runningLocked() {
		s.logger.Info("sync already running")
		return
	}
	if !s.cfg.Get().Features.RealTimeUpdates {
		s.logger.Info("real-time updates disabled, polling not started")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go s.run(runCtx, done)
	s.logger.Info("sync started", "interval", s.cfg.Get().Sync.Interval.String())
}

// Stop cancels the poll loop and waits for an in-flight cycle to return.
// It is safe to call when not running.
func (s *Syncer) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("sync stopped")
}

func (s *Syncer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runningLocked()
}

func (s *Syncer) runningLocked() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Syncer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	s.RunOnce(ctx)

	interval := s.interval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
			if next := s.interval(); next != interval {
				interval = next
				ticker.Reset(interval)
				s.logger.Info("sync interval changed", "interval", interval.String())
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce performs a single fetch-and-merge cycle.
func (s *Syncer) RunOnce(ctx context.Context) {
	err := s.store.RefreshAlerts(ctx)
	if ctx.Err() != nil {
		return
	}
	s.metrics.RecordSync(err)
	if err != nil {
		s.logger.Warn("sync cycle failed", "err", err)
	}
	s.store.RefreshRangerPositions(ctx)
}

func (s *Syncer) interval() time.Duration {
	if d := s.cfg.Get().Sync.Interval; d > 0 {
		return d
	}
	return 10 * time.Second
}
