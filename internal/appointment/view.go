package appointment

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/calendar"
	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// ListUnified merges every cached record with every ledger record. The
// ledger status wins; drift found on the way is written back to the cache.
// When the ledger cannot be read the view falls back to the cache alone and
// is marked degraded.
func (s *Service) ListUnified(ctx context.Context) (View, error) {
	ctx, span := s.tracer.Start(ctx, "appointment.list_unified")
	defer span.End()

	cached, err := s.cache.QueryAll(ctx)
	if err != nil {
		span.RecordError(err)
		return View{}, fmt.Errorf("query cache: %w", err)
	}
	res, lerr := s.ledger.ReadAll(ctx)

	view := s.merge(ctx, cached, res, lerr)
	span.SetAttributes(
		attribute.Int("appointments", len(view.Appointments)),
		attribute.Bool("degraded", view.Degraded),
		attribute.Int("repaired", view.Repaired),
	)
	return view, nil
}

// ListForPatient is ListUnified restricted to one patient.
func (s *Service) ListForPatient(ctx context.Context, patientID int64) (View, error) {
	if err := identity.ValidatePatientID(patientID); err != nil {
		return View{}, invalid("patientId", err)
	}
	ctx, span := s.tracer.Start(ctx, "appointment.list_for_patient")
	defer span.End()

	all, err := s.cache.QueryAll(ctx)
	if err != nil {
		return View{}, fmt.Errorf("query cache: %w", err)
	}
	cached := make([]model.Appointment, 0, len(all))
	for _, a := range all {
		if a.PatientID == patientID {
			cached = append(cached, a)
		}
	}
	res, lerr := s.ledger.ReadByPatient(ctx, patientID)
	return s.merge(ctx, cached, res, lerr), nil
}

func (s *Service) merge(ctx context.Context, cached []model.Appointment, res ledger.ReadResult, lerr error) View {
	view := View{GeneratedAt: s.now().UTC()}

	if lerr != nil {
		view.Degraded = true
		view.LedgerError = lerr.Error()
		s.logEvent(EventLedgerReadDegraded, "error", lerr)
		for _, a := range cached {
			a.Source = model.SourceCache
			a.Confirmed = false
			view.Appointments = append(view.Appointments, a)
		}
		return s.finishView(view)
	}

	view.Skipped = res.Skipped
	byLedger := make(map[uint64]model.Appointment, len(cached))
	for _, a := range cached {
		if a.LedgerID != nil {
			byLedger[*a.LedgerID] = a
			s.ids.put(a.LocalID, *a.LedgerID)
		}
	}

	seen := make(map[uint64]bool, len(res.Records))
	for _, rec := range res.Records {
		seen[rec.ID] = true
		c, ok := byLedger[rec.ID]
		if !ok {
			appt := rec.Appointment()
			if localID, err := s.createFromLedger(ctx, rec); err == nil {
				appt.LocalID = localID
				appt.Source = model.SourceBoth
				view.Repaired++
				s.metrics.ObserveRepair(true)
				s.logEvent(EventAppointmentRepaired, "ledger_id", rec.ID, "local_id", localID, "repair", "missing_cache_record")
			} else {
				s.metrics.ObserveRepair(false)
				s.logEvent(EventCacheWriteFailed, "ledger_id", rec.ID, "error", err)
			}
			view.Appointments = append(view.Appointments, appt)
			continue
		}

		if c.Status != rec.Status {
			if err := s.cache.UpdateStatus(ctx, c.LocalID, rec.Status, model.LedgerIDPtr(rec.ID)); err == nil {
				view.Repaired++
				s.metrics.ObserveRepair(true)
				s.logEvent(EventAppointmentRepaired, "ledger_id", rec.ID, "local_id", c.LocalID,
					"repair", "status_drift", "from", c.Status.String(), "to", rec.Status.String())
			} else {
				s.metrics.ObserveRepair(false)
				s.logEvent(EventCacheWriteFailed, "ledger_id", rec.ID, "local_id", c.LocalID, "error", err)
			}
		}
		view.Appointments = append(view.Appointments, combine(c, rec))
	}

	for _, a := range cached {
		if a.LedgerID != nil && seen[*a.LedgerID] {
			continue
		}
		a.Source = model.SourceCache
		a.Confirmed = false
		view.Appointments = append(view.Appointments, a)
	}

	return s.finishView(view)
}

// combine overlays the ledger record on the cached one. Legacy ledger
// records carry a placeholder reason and no schedule, so the cached values
// are kept for those.
func combine(c model.Appointment, rec ledger.Record) model.Appointment {
	out := c
	out.LedgerID = model.LedgerIDPtr(rec.ID)
	out.PatientID = rec.PatientID
	out.ProviderRef = rec.Provider
	out.Status = rec.Status
	out.BookedAt = rec.BookedAt
	if !rec.Legacy {
		out.ScheduledAt = rec.ScheduledAt
		out.Reason = rec.Reason
	}
	out.Source = model.SourceBoth
	out.Confirmed = true
	out.Legacy = rec.Legacy
	return out
}

func (s *Service) finishView(view View) View {
	sort.SliceStable(view.Appointments, func(i, j int) bool {
		a, b := view.Appointments[i], view.Appointments[j]
		if !a.BookedAt.Equal(b.BookedAt) {
			return a.BookedAt.After(b.BookedAt)
		}
		if a.LedgerIDValue() != b.LedgerIDValue() {
			return a.LedgerIDValue() > b.LedgerIDValue()
		}
		return a.LocalID < b.LocalID
	})
	view.Calendar = calendar.Project(view.Appointments, s.loc)
	s.metrics.ObserveView(view.Degraded)
	return view
}

// Reconcile runs one repair pass and reports what it did.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	view, err := s.ListUnified(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{
		Checked:  len(view.Appointments),
		Repaired: view.Repaired,
		Skipped:  len(view.Skipped),
		Degraded: view.Degraded,
	}
	if view.Degraded {
		return report, fmt.Errorf("reconcile: %s: %w", view.LedgerError, ErrLedgerUnavailable)
	}
	return report, nil
}

// ErrLedgerUnavailable is returned by Reconcile when only the cache could be read.
var ErrLedgerUnavailable = errors.New("ledger unavailable")

// Lookup returns the cached record for a local id.
func (s *Service) Lookup(ctx context.Context, localID string) (model.Appointment, error) {
	a, err := s.cache.Get(ctx, localID)
	if err != nil {
		if errors.Is(err, cache.ErrRecordNotFound) {
			return model.Appointment{}, fmt.Errorf("lookup %s: %w", localID, ErrRecordNotFound)
		}
		return model.Appointment{}, err
	}
	return a, nil
}
