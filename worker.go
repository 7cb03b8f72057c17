package jobtracker

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically prunes the ledger of a long-running process: expired
// completed jobs are removed and active jobs past their age limit are failed.
// Processes that restart often get the same effect from NewManager and ResumeAll.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	logger   *slog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper creates a new sweeper.
// interval defaults to the manager's Config.SweepInterval when zero.
func NewSweeper(manager *Manager, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = manager.config.SweepInterval
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  manager,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one sweep immediately and then one per interval in a
// background goroutine until Stop is called or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	go s.sweepLoop(ctx)
}

// Stop stops the sweeper and waits for the loop to exit.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// sweepLoop periodically prunes the ledger
func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	report, err := s.manager.Prune(ctx)
	if err != nil {
		s.logger.Warn("[Sweeper] Failed to prune ledger", "error", err)
		return
	}
	if len(report.ExpiredCompleted) > 0 || len(report.StaleActive) > 0 {
		s.logger.Info("[Sweeper] Pruned ledger", "expired", len(report.ExpiredCompleted), "stale", len(report.StaleActive))
	}
}
