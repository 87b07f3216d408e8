package booking_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/railbook/booking"
)

func TestReconciler_ConsistentTrains_NoDrift(t *testing.T) {
	f := newFixture(t)
	f.train(t, "T1", 4)
	f.book(t, alice, "T1", "1")

	report, err := booking.NewReconciler(f.store, nil).Run(context.Background(), true)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Checked)
	assert.Empty(t, report.Drifted)
}

func TestReconciler_DetectsAndRepairsDrift(t *testing.T) {
	// GIVEN: A 4-seat train with one booking whose counter was knocked to 1
	// WHEN: Reconcile runs without and then with repair
	// THEN: Drift is reported first, then corrected with a reconcile entry

	f := newFixture(t)
	f.train(t, "T1", 4)
	f.book(t, alice, "T1", "1")
	ctx := context.Background()
	require.NoError(t, f.store.WithTx(ctx, func(tx booking.Tx) error {
		_, err := tx.AdjustRemaining(ctx, "T1", -2, time.Now())
		return err
	}))

	r := booking.NewReconciler(f.store, nil)

	report, err := r.Run(ctx, false)
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)
	d := report.Drifted[0]
	assert.Equal(t, 1, d.Remaining)
	assert.Equal(t, 3, d.Expected)
	assert.Equal(t, 2, d.Drift())
	assert.False(t, d.Repaired)
	assert.Equal(t, 1, f.remaining(t, "T1"))

	report, err = r.Run(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Drifted, 1)
	assert.True(t, report.Drifted[0].Repaired)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 3, f.remaining(t, "T1"))
	f.assertConserved(t, "T1")

	entries, err := f.store.LedgerEntries(ctx, "T1")
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, booking.LedgerReconcile, last.Kind)
	assert.Equal(t, 2, last.Delta)
}
