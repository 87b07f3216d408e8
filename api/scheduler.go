/*
scheduler.go - Periodic capacity reconciliation

PURPOSE:
  Runs the capacity reconciler on an interval so a counter that drifted
  from its booked rows (manual SQL, a crash between systems, a bug) is
  noticed without anyone calling the admin endpoint.

DESIGN:
  - One background goroutine, ticker + stop channel
  - Runs once immediately on Start
  - Repair is opt-in; by default drift is only logged
  - The last report is served by GET /api/admin/reconcile

USAGE:
  scheduler := NewCapacityScheduler(reconciler, 15*time.Minute, false, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - booking/reconcile.go: The check itself
  - handlers.go: Reconcile endpoint (manual run)
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/railbook/booking"
)

// CapacityScheduler runs reconciliation periodically.
type CapacityScheduler struct {
	Reconciler    *booking.Reconciler
	CheckInterval time.Duration
	Repair        bool
	Logger        *zap.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu sync.Mutex
	last   *booking.Report
}

// NewCapacityScheduler creates a scheduler. It does nothing until Start.
func NewCapacityScheduler(r *booking.Reconciler, interval time.Duration, repair bool, logger *zap.Logger) *CapacityScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CapacityScheduler{
		Reconciler:    r,
		CheckInterval: interval,
		Repair:        repair,
		Logger:        logger,
	}
}

// Start begins the scheduler. Calling Start twice is a no-op.
func (cs *CapacityScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		return
	}
	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.stop = make(chan struct{})
	cs.wg.Add(1)

	go cs.run(cs.ticker, cs.stop)

	cs.Logger.Info("capacity scheduler started",
		zap.Duration("interval", cs.CheckInterval),
		zap.Bool("repair", cs.Repair),
	)
}

// Stop stops the scheduler and waits for an in-flight run.
func (cs *CapacityScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker == nil {
		return
	}
	cs.ticker.Stop()
	close(cs.stop)
	cs.wg.Wait()
	cs.ticker = nil
	cs.Logger.Info("capacity scheduler stopped")
}

// LastReport returns the most recent completed run, or nil.
func (cs *CapacityScheduler) LastReport() *booking.Report {
	cs.lastMu.Lock()
	defer cs.lastMu.Unlock()
	return cs.last
}

func (cs *CapacityScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Run immediately on start
	cs.checkOnce(ctx)

	for {
		select {
		case <-ticker.C:
			cs.checkOnce(ctx)
		case <-stop:
			return
		}
	}
}

func (cs *CapacityScheduler) checkOnce(ctx context.Context) {
	report, err := cs.Reconciler.Run(ctx, cs.Repair)
	if err != nil {
		if ctx.Err() == nil {
			cs.Logger.Error("capacity check failed", zap.Error(err))
		}
		return
	}

	for _, d := range report.Drifted {
		cs.Logger.Warn("capacity drift",
			zap.String("train_id", d.TrainID),
			zap.Int("remaining", d.Remaining),
			zap.Int("expected", d.Expected),
			zap.Bool("repaired", d.Repaired),
		)
	}
	cs.Logger.Debug("capacity check complete",
		zap.Int("checked", report.Checked),
		zap.Int("drifted", len(report.Drifted)),
	)

	cs.lastMu.Lock()
	cs.last = &report
	cs.lastMu.Unlock()
}
