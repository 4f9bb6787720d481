package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/ledger-appointment-portal/internal/cache"
	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
	"github.com/hackgods/ledger-appointment-portal/internal/observability"
	redisclient "github.com/hackgods/ledger-appointment-portal/internal/redis"
)

type Options struct {
	Locker   redisclient.Locker
	Logger   *logging.Logger
	Metrics  *observability.EngineMetrics
	Location *time.Location
	Now      func() time.Time
}

// Service is the reconciliation engine. The ledger is written first and is
// the authority on status; the cache follows and is repaired from the ledger
// whenever a view is computed.
type Service struct {
	ledger   Ledger
	cache    cache.Store
	gate     Gate
	resolver identity.Resolver
	locker   redisclient.Locker
	logger   *logging.Logger
	metrics  *observability.EngineMetrics
	tracer   trace.Tracer
	loc      *time.Location
	now      func() time.Time

	ids *idMap

	watchMu  sync.Mutex
	watchers map[int]chan View
	nextW    int
	kick     chan struct{}
}

func NewService(l Ledger, store cache.Store, gate Gate, resolver identity.Resolver, opts Options) *Service {
	s := &Service{
		ledger:   l,
		cache:    store,
		gate:     gate,
		resolver: resolver,
		locker:   opts.Locker,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   observability.Tracer("appointment"),
		loc:      opts.Location,
		now:      opts.Now,
		ids:      newIDMap(),
		watchers: make(map[int]chan View),
		kick:     make(chan struct{}, 1),
	}
	if s.locker == nil {
		s.locker = redisclient.NewLocalLocker()
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.With("component", "engine")
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Book validates the intent, submits it to the ledger and then records it
// in the cache. A ledger failure leaves no cache record. A cache failure
// after the ledger accepted the booking is logged and healed later; the
// booking itself still succeeded.
func (s *Service) Book(ctx context.Context, req BookRequest) (res BookResult, err error) {
	ctx, span := s.tracer.Start(ctx, "appointment.book")
	defer func() { s.finish(span, "book", err) }()

	req, err = s.validate(req)
	if err != nil {
		return BookResult{}, err
	}
	span.SetAttributes(attribute.Int64("patient.id", req.PatientID))

	rcpt, err := s.ledger.SubmitBooking(ctx, req.PatientID, req.ProviderRef, req.ScheduledAt, req.Reason)
	if err != nil {
		return BookResult{}, fmt.Errorf("submit booking: %w", err)
	}
	ledgerID := rcpt.ID
	span.SetAttributes(attribute.Int64("ledger.id", int64(ledgerID)), attribute.Bool("ledger.legacy", rcpt.Legacy))
	res.LedgerID = ledgerID

	bookedAt := rcpt.BookedAt
	if bookedAt.IsZero() {
		bookedAt = s.now().UTC()
	}

	localID, err := s.cache.Create(ctx, cache.NewRecord{
		LedgerID:    model.LedgerIDPtr(ledgerID),
		PatientID:   req.PatientID,
		ProviderRef: req.ProviderRef,
		ScheduledAt: req.ScheduledAt,
		Reason:      req.Reason,
		Status:      model.StatusPending,
		BookedAt:    bookedAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrLedgerIDConflict):
		// A view already healed this booking into the cache. A legacy
		// ledger gave that row placeholder details; ours are the real ones.
		localID = s.localFor(ctx, ledgerID)
		if localID != "" && rcpt.Legacy {
			if err := s.cache.FillDetails(ctx, localID, req.ScheduledAt, req.Reason); err != nil {
				s.logEvent(EventCacheWriteFailed, "ledger_id", ledgerID, "local_id", localID, "error", err)
			}
		}
	default:
		s.logEvent(EventCacheWriteFailed, "ledger_id", ledgerID, "error", err)
		localID = ""
	}
	if localID != "" {
		s.ids.put(localID, ledgerID)
	}
	res.LocalID = localID

	s.logEvent(EventAppointmentBooked, "ledger_id", ledgerID, "local_id", localID, "patient_id", req.PatientID)
	s.requestRefresh()
	return res, nil
}

// BookForCurrentPatient books on behalf of the patient behind the current
// session.
func (s *Service) BookForCurrentPatient(ctx context.Context, provider string, at time.Time, reason string) (BookResult, error) {
	if s.resolver == nil {
		return BookResult{}, identity.ErrNoIdentity
	}
	who, err := s.resolver.CurrentIdentity(ctx)
	if err != nil {
		return BookResult{}, fmt.Errorf("resolve patient: %w", err)
	}
	return s.Book(ctx, BookRequest{
		PatientID:   who.PatientID,
		ProviderRef: provider,
		ScheduledAt: at,
		Reason:      reason,
	})
}

func (s *Service) validate(req BookRequest) (BookRequest, error) {
	if err := identity.ValidatePatientID(req.PatientID); err != nil {
		return req, invalid("patientId", err)
	}
	provider, err := identity.NormalizeProviderRef(req.ProviderRef)
	if err != nil {
		return req, invalid("providerRef", err)
	}
	req.ProviderRef = provider
	if req.ScheduledAt.IsZero() || !req.ScheduledAt.After(s.now()) {
		return req, invalid("scheduledAt", errors.New("must be in the future"))
	}
	req.Reason = strings.TrimSpace(req.Reason)
	if req.Reason == "" {
		return req, invalid("reason", errors.New("must not be empty"))
	}
	return req, nil
}

func (s *Service) Approve(ctx context.Context, ref Ref) (model.Appointment, error) {
	return s.finalize(ctx, ref, model.StatusApproved)
}

func (s *Service) Decline(ctx context.Context, ref Ref) (model.Appointment, error) {
	return s.finalize(ctx, ref, model.StatusDeclined)
}

// finalize moves a pending appointment to a terminal status. The status
// check and the ledger submit run under a per-appointment lock so that two
// concurrent finalizers cannot both reach the ledger. The cache write
// happens after the lock is released.
func (s *Service) finalize(ctx context.Context, ref Ref, to model.Status) (appt model.Appointment, err error) {
	intent := "approve"
	event := EventAppointmentApproved
	if to == model.StatusDeclined {
		intent = "decline"
		event = EventAppointmentDeclined
	}

	ctx, span := s.tracer.Start(ctx, "appointment."+intent)
	defer func() { s.finish(span, intent, err) }()

	ledgerID, localID, err := s.resolveRef(ctx, ref)
	if err != nil {
		return model.Appointment{}, err
	}
	span.SetAttributes(attribute.Int64("ledger.id", int64(ledgerID)))

	allowed, err := s.gate.CanFinalize(ctx)
	if err != nil {
		return model.Appointment{}, fmt.Errorf("%s appointment %d: %w", intent, ledgerID, err)
	}
	if !allowed {
		return model.Appointment{}, fmt.Errorf("%s appointment %d: provider not authorized: %w", intent, ledgerID, ledger.ErrRejectedByLedger)
	}

	var rec ledger.Record
	err = s.locker.WithAppointmentLock(ctx, ledgerID, func(lockCtx context.Context) error {
		current, err := s.ledger.ReadOne(lockCtx, ledgerID)
		if err != nil {
			return fmt.Errorf("read appointment %d: %w", ledgerID, err)
		}
		if current.Status.Terminal() {
			rec = current
			return fmt.Errorf("appointment %d is %s: %w", ledgerID, current.Status, ErrAlreadyFinalized)
		}

		if to == model.StatusApproved {
			err = s.ledger.SubmitApproval(lockCtx, ledgerID)
		} else {
			err = s.ledger.SubmitDecline(lockCtx, ledgerID)
		}
		if err != nil {
			return fmt.Errorf("%s appointment %d: %w", intent, ledgerID, err)
		}
		current.Status = to
		rec = current
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return model.Appointment{}, ErrFinalizeInProgress
		}
		if errors.Is(err, ErrAlreadyFinalized) && rec.ID != 0 {
			// Make sure the cache reflects what the ledger already says.
			s.syncCache(ctx, rec, localID)
		}
		return model.Appointment{}, err
	}

	appt = s.syncCache(ctx, rec, localID)
	s.logEvent(event, "ledger_id", ledgerID, "local_id", appt.LocalID)
	s.requestRefresh()
	return appt, nil
}

// resolveRef maps a reference to the ledger id and, when known, the cache
// id. A cache id that belongs to another ledger id is rejected.
func (s *Service) resolveRef(ctx context.Context, ref Ref) (uint64, string, error) {
	if ref.LedgerID != nil {
		id := *ref.LedgerID
		mapped := s.localFor(ctx, id)
		if ref.LocalID == "" || ref.LocalID == mapped {
			return id, mapped, nil
		}
		if mapped != "" {
			return 0, "", invalid("ref", fmt.Errorf("local id %s does not belong to ledger id %d", ref.LocalID, id))
		}
		cached, err := s.cache.Get(ctx, ref.LocalID)
		if err != nil {
			// Unknown to the cache; syncCache creates the row instead.
			return id, "", nil
		}
		if cached.LedgerID != nil && *cached.LedgerID != id {
			return 0, "", invalid("ref", fmt.Errorf("local id %s belongs to ledger id %d, not %d", ref.LocalID, *cached.LedgerID, id))
		}
		return id, cached.LocalID, nil
	}
	if ref.LocalID == "" {
		return 0, "", ErrMissingLedgerID
	}
	if id, ok := s.ids.ledger(ref.LocalID); ok {
		return id, ref.LocalID, nil
	}
	cached, err := s.cache.Get(ctx, ref.LocalID)
	if err != nil {
		return 0, "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	if cached.LedgerID == nil {
		return 0, "", fmt.Errorf("resolve %s: %w", ref, ErrMissingLedgerID)
	}
	s.ids.put(cached.LocalID, *cached.LedgerID)
	return *cached.LedgerID, cached.LocalID, nil
}

// syncCache writes a ledger-confirmed record into the cache. Failures are
// logged; the next view repairs them.
func (s *Service) syncCache(ctx context.Context, rec ledger.Record, localID string) model.Appointment {
	appt := rec.Appointment()
	if localID == "" {
		localID = s.localFor(ctx, rec.ID)
	}

	if localID == "" {
		created, err := s.createFromLedger(ctx, rec)
		if err != nil {
			s.logEvent(EventCacheWriteFailed, "ledger_id", rec.ID, "error", err)
			return appt
		}
		appt.LocalID = created
		appt.Source = model.SourceBoth
		return appt
	}

	appt.LocalID = localID
	if err := s.cache.UpdateStatus(ctx, localID, rec.Status, model.LedgerIDPtr(rec.ID)); err != nil {
		s.logEvent(EventCacheWriteFailed, "ledger_id", rec.ID, "local_id", localID, "error", err)
		return appt
	}
	appt.Source = model.SourceBoth
	return appt
}

func (s *Service) createFromLedger(ctx context.Context, rec ledger.Record) (string, error) {
	localID, err := s.cache.Create(ctx, cache.NewRecord{
		LedgerID:    model.LedgerIDPtr(rec.ID),
		PatientID:   rec.PatientID,
		ProviderRef: rec.Provider,
		ScheduledAt: rec.ScheduledAt,
		Reason:      rec.Reason,
		Status:      rec.Status,
		BookedAt:    rec.BookedAt,
	})
	if errors.Is(err, cache.ErrLedgerIDConflict) {
		if id := s.localFor(ctx, rec.ID); id != "" {
			return id, nil
		}
	}
	if err != nil {
		return "", err
	}
	s.ids.put(localID, rec.ID)
	return localID, nil
}

// localFor finds the cache id for a ledger id, scanning the cache when the
// mapping is not known yet.
func (s *Service) localFor(ctx context.Context, ledgerID uint64) string {
	if id, ok := s.ids.local(ledgerID); ok {
		return id
	}
	all, err := s.cache.QueryAll(ctx)
	if err != nil {
		return ""
	}
	for _, a := range all {
		if a.LedgerID != nil {
			s.ids.put(a.LocalID, *a.LedgerID)
		}
	}
	id, _ := s.ids.local(ledgerID)
	return id
}

func (s *Service) finish(span trace.Span, intent string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = errorOutcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	s.metrics.ObserveIntent(intent, outcome)
}

func errorOutcome(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "invalid"
	case errors.Is(err, ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, ErrRecordsForbidden):
		return "forbidden"
	case errors.Is(err, ledger.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ledger.ErrUserCancelled):
		return "cancelled"
	case errors.Is(err, ledger.ErrRejectedByLedger):
		return "rejected"
	case errors.Is(err, ledger.ErrTimedOut):
		return "timeout"
	default:
		return "error"
	}
}

func (s *Service) logEvent(eventType string, args ...any) {
	level := s.logger.Info
	if eventType == EventCacheWriteFailed || eventType == EventLedgerReadDegraded {
		level = s.logger.Warn
	}
	level("appointment event", append([]any{"event", eventType}, args...)...)
}

// idMap is the engine's localId <-> ledgerId mapping. Both directions are
// write-once.
type idMap struct {
	mu       sync.RWMutex
	byLedger map[uint64]string
	byLocal  map[string]uint64
}

func newIDMap() *idMap {
	return &idMap{byLedger: make(map[uint64]string), byLocal: make(map[string]uint64)}
}

func (m *idMap) put(localID string, ledgerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byLedger[ledgerID]; !ok {
		m.byLedger[ledgerID] = localID
	}
	if _, ok := m.byLocal[localID]; !ok {
		m.byLocal[localID] = ledgerID
	}
}

func (m *idMap) local(ledgerID uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLedger[ledgerID]
	return id, ok
}

func (m *idMap) ledger(localID string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byLocal[localID]
	return id, ok
}
