/*
reconcile.go - Capacity drift detection and repair

PURPOSE:
  Checks, per train, that RemainingSeats == TotalSeats - booked count.
  Optionally repairs drift with a reconcile ledger entry so the correction
  stays visible in the train's history.

DESIGN:
  Each train is checked in its own Tx holding the train lock, so the booked
  count and the counter are read from the same snapshot.

SEE ALSO:
  - ledger.go: CapacityLedger.Correct
  - api/scheduler.go: Periodic runs
*/
package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// TrainDrift is the reconciliation result for one train.
type TrainDrift struct {
	TrainID    string `json:"train_id"`
	Number     string `json:"train_number"`
	TotalSeats int    `json:"total_seats"`
	Remaining  int    `json:"remaining_seats"`
	Booked     int    `json:"booked"`
	Expected   int    `json:"expected_remaining"`
	Repaired   bool   `json:"repaired"`
}

// Drift is Expected - Remaining.
func (d TrainDrift) Drift() int {
	return d.Expected - d.Remaining
}

// Report summarizes one reconciliation run.
type Report struct {
	CheckedAt time.Time    `json:"checked_at"`
	Checked   int          `json:"checked"`
	Drifted   []TrainDrift `json:"drifted"`
	Repaired  int          `json:"repaired"`
}

// Reconciler compares each train's counter with its active bookings.
type Reconciler struct {
	Store  Store
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
}

// NewReconciler creates a reconciler over store.
func NewReconciler(store Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		Store:  store,
		Logger: logger,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

// Run checks every train. With repair set, drifted counters are corrected.
func (r *Reconciler) Run(ctx context.Context, repair bool) (Report, error) {
	trains, err := r.Store.ListTrains(ctx)
	if err != nil {
		return Report{}, wrap("reconcile", err)
	}

	report := Report{CheckedAt: r.Now().UTC(), Drifted: []TrainDrift{}}
	for _, t := range trains {
		if err := ctx.Err(); err != nil {
			return report, wrap("reconcile", err)
		}
		d, err := r.check(ctx, t.ID, repair)
		if err != nil {
			return report, &Error{Kind: classify(err), Op: "reconcile", TrainID: t.ID, Err: err}
		}
		report.Checked++
		if d == nil {
			continue
		}
		report.Drifted = append(report.Drifted, *d)
		if d.Repaired {
			report.Repaired++
		}
	}
	return report, nil
}

// check returns nil when the train is consistent.
func (r *Reconciler) check(ctx context.Context, trainID string, repair bool) (*TrainDrift, error) {
	var drift *TrainDrift
	err := r.Store.WithTx(ctx, func(tx Tx) error {
		train, err := tx.LockTrain(ctx, trainID)
		if err != nil {
			return err
		}
		if train == nil {
			// Deleted between listing and locking.
			return nil
		}
		booked, err := tx.CountBooked(ctx, train.ID)
		if err != nil {
			return err
		}
		expected := train.TotalSeats - booked
		if expected < 0 {
			expected = 0
		}
		if expected == train.RemainingSeats {
			return nil
		}

		drift = &TrainDrift{
			TrainID:    train.ID,
			Number:     train.Number,
			TotalSeats: train.TotalSeats,
			Remaining:  train.RemainingSeats,
			Booked:     booked,
			Expected:   expected,
		}
		r.Logger.Warn("capacity drift detected",
			zap.String("train_id", train.ID),
			zap.Int("remaining_seats", train.RemainingSeats),
			zap.Int("expected", expected),
			zap.Int("booked", booked),
		)
		if !repair {
			return nil
		}
		if _, err := NewCapacityLedger(tx, r.Now, r.NewID).Correct(ctx, train, drift.Drift()); err != nil {
			return err
		}
		drift.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return drift, nil
}
