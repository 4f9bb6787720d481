package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

type fakeReconciler struct {
	calls  atomic.Int32
	report appointment.ReconcileReport
	err    error
}

func (f *fakeReconciler) Reconcile(ctx context.Context) (appointment.ReconcileReport, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return appointment.ReconcileReport{}, errors.New("expected a bounded context")
	}
	return f.report, f.err
}

func TestRunOnce_ReturnsReport(t *testing.T) {
	f := &fakeReconciler{report: appointment.ReconcileReport{Checked: 4, Repaired: 1}}

	report, err := RunOnce(context.Background(), f, time.Second, logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Checked)
	assert.Equal(t, 1, report.Repaired)
}

func TestRunOnce_PropagatesDegraded(t *testing.T) {
	f := &fakeReconciler{
		report: appointment.ReconcileReport{Degraded: true},
		err:    appointment.ErrLedgerUnavailable,
	}

	report, err := RunOnce(context.Background(), f, time.Second, logging.Discard())
	assert.ErrorIs(t, err, appointment.ErrLedgerUnavailable)
	assert.True(t, report.Degraded)
}

func TestRun_TicksUntilCancelled(t *testing.T) {
	f := &fakeReconciler{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, f, 10*time.Millisecond, time.Second, logging.Discard())
	}()

	assert.Eventually(t, func() bool { return f.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
