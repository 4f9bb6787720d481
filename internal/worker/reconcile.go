package worker

import (
	"context"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/appointment"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

type Reconciler interface {
	Reconcile(ctx context.Context) (appointment.ReconcileReport, error)
}

// Run reconciles once immediately and then on every tick until ctx is done.
func Run(ctx context.Context, r Reconciler, interval time.Duration, timeout time.Duration, logger *logging.Logger) {
	RunOnce(ctx, r, timeout, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("stopping reconcile worker")
			return
		case <-ticker.C:
			RunOnce(ctx, r, timeout, logger)
		}
	}
}

// RunOnce performs one bounded reconcile pass and logs the outcome.
func RunOnce(ctx context.Context, r Reconciler, timeout time.Duration, logger *logging.Logger) (appointment.ReconcileReport, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	report, err := r.Reconcile(runCtx)
	if err != nil {
		logger.Warn("reconcile run error", "error", err, "degraded", report.Degraded)
		return report, err
	}
	logger.Info("reconcile run complete",
		"duration", time.Since(start),
		"checked", report.Checked,
		"repaired", report.Repaired,
		"skipped", report.Skipped,
	)
	return report, nil
}
