/*
scheduler.go - Automated invoice period close

PURPOSE:
  Periodically looks for OPEN invoice periods whose end date has passed,
  computes their final invoice and closes them so no further overrides
  can be attached.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A period is due once its (inclusive) end date is before today in the
    booking location
  - The invoice is computed before closing; if computation fails (for
    example an inconsistent snapshot state) the period stays OPEN and the
    next tick retries
  - Data-completeness exclusions do not block closing; they are logged with
    the summary so billing managers can follow up

CONFIGURATION:
  - CheckInterval: How often to check (scheduler.interval, default 1h)
  - Enabled: Whether scheduler is active (scheduler.enabled)

USAGE:
  scheduler := NewPeriodCloseScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - billing_handlers.go: ClosePeriod endpoint (manual close)
  - billing/period.go: DuePeriods, ClosePeriod
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/noderental/billing"
	"github.com/warp/noderental/generic"
)

// SystemActor is recorded as the closer of automatically closed periods.
const SystemActor = "system:period-close"

// PeriodRecorder receives a count for every automatically closed period. Optional.
type PeriodRecorder interface {
	PeriodClosed()
}

// PeriodCloseScheduler closes invoice periods once they have ended.
type PeriodCloseScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool
	Metrics       PeriodRecorder
	Log           *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewPeriodCloseScheduler creates a new scheduler.
func NewPeriodCloseScheduler(h *Handler) *PeriodCloseScheduler {
	return &PeriodCloseScheduler{
		Handler:       h,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           h.Log.Named("scheduler"),
	}
}

// Start begins the scheduler.
func (s *PeriodCloseScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("period close scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.CheckInterval)
	s.wg.Add(1)

	go s.run(ctx)

	s.Log.Info("period close scheduler started", zap.Duration("interval", s.CheckInterval))
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (s *PeriodCloseScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.cancel()
	s.wg.Wait()
	s.ticker = nil
	s.Log.Info("period close scheduler stopped")
}

func (s *PeriodCloseScheduler) run(ctx context.Context) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.RunNow(ctx)
		case <-s.stop:
			return
		}
	}
}

// RunNow closes every due period and returns how many were closed.
func (s *PeriodCloseScheduler) RunNow(ctx context.Context) int {
	h := s.Handler
	due, err := h.Periods.DuePeriods(ctx, h.Location)
	if err != nil {
		s.Log.Error("failed to list due periods", zap.Error(err))
		return 0
	}

	closed, failed := 0, 0
	for _, p := range due {
		if ctx.Err() != nil {
			break
		}
		if err := s.closePeriod(ctx, p); err != nil {
			failed++
			continue
		}
		closed++
	}

	if closed > 0 || failed > 0 {
		s.Log.Info("period close completed", zap.Int("closed", closed), zap.Int("failed", failed))
	}
	return closed
}

func (s *PeriodCloseScheduler) closePeriod(ctx context.Context, p billing.InvoicePeriod) error {
	h := s.Handler
	log := s.Log.With(zap.String("period_id", p.ID), zap.String("period", p.Name))

	inv, err := h.Invoices.Compute(ctx, p.ID)
	if err != nil {
		if errors.Is(err, generic.ErrInconsistentSnapshotState) {
			log.Error("invoice computation aborted; period left open", zap.Error(err))
		} else {
			log.Warn("invoice computation failed; period left open", zap.Error(err))
		}
		return err
	}

	if _, err := h.Periods.ClosePeriod(ctx, billing.ClosePeriodInput{
		ActorID:          SystemActor,
		CanManageBilling: true,
		PeriodID:         p.ID,
	}); err != nil {
		log.Error("failed to close period", zap.Error(err))
		return err
	}
	if s.Metrics != nil {
		s.Metrics.PeriodClosed()
	}

	log.Info("period closed",
		zap.Int("lines", len(inv.Lines)),
		zap.Int("exclusions", len(inv.Exclusions)),
		zap.String("total", inv.Total.StringFixed(generic.MoneyPlaces)),
	)
	return nil
}
