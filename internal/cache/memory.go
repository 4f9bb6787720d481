package cache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

// MemoryStore is an in-process Store used when no Postgres DSN is configured
// and by tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*memRecord
	seq     uint64
	now     func() time.Time
	hub     *hub
}

type memRecord struct {
	appt model.Appointment
	seq  uint64
}

func NewMemoryStore(logger *logging.Logger) *MemoryStore {
	if logger == nil {
		logger = logging.Default()
	}
	s := &MemoryStore{
		records: make(map[string]*memRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.hub = newHub(s.query, logger.With("component", "cache_memory"))
	return s
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(ctx context.Context, rec NewRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !rec.Status.Valid() {
		return "", fmt.Errorf("create: %w", ErrInvalidTransition)
	}

	s.mu.Lock()
	if rec.LedgerID != nil {
		for _, r := range s.records {
			if r.appt.LedgerID != nil && *r.appt.LedgerID == *rec.LedgerID {
				s.mu.Unlock()
				return "", fmt.Errorf("create ledger id %d: %w", *rec.LedgerID, ErrLedgerIDConflict)
			}
		}
	}
	now := s.now()
	s.seq++
	appt := model.Appointment{
		LocalID:     uuid.NewString(),
		LedgerID:    copyID(rec.LedgerID),
		PatientID:   rec.PatientID,
		ProviderRef: rec.ProviderRef,
		ScheduledAt: rec.ScheduledAt,
		Reason:      rec.Reason,
		Status:      rec.Status,
		BookedAt:    rec.BookedAt,
		CreatedAt:   now,
		UpdatedAt:   now,
		Source:      model.SourceCache,
	}
	s.records[appt.LocalID] = &memRecord{appt: appt, seq: s.seq}
	s.mu.Unlock()

	s.hub.notify(&Change{LocalID: appt.LocalID, PatientID: appt.PatientID, To: appt.Status})
	return appt.LocalID, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, localID string, status model.Status, ledgerID *uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("update %s: %w", localID, ErrRecordNotFound)
	}
	apply, err := checkUpdate(r.appt, status, ledgerID)
	if err != nil || !apply {
		s.mu.Unlock()
		if err != nil {
			return fmt.Errorf("update %s: %w", localID, err)
		}
		return nil
	}
	from := r.appt.Status
	r.appt.Status = status
	if r.appt.LedgerID == nil {
		r.appt.LedgerID = copyID(ledgerID)
	}
	r.appt.UpdatedAt = s.now()
	change := Change{LocalID: localID, PatientID: r.appt.PatientID, From: &from, To: status}
	s.mu.Unlock()

	s.hub.notify(&change)
	return nil
}

func (s *MemoryStore) FillDetails(ctx context.Context, localID string, scheduledAt time.Time, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	r, ok := s.records[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("fill %s: %w", localID, ErrRecordNotFound)
	}
	if r.appt.Reason != model.LegacyReason {
		s.mu.Unlock()
		return nil
	}
	r.appt.ScheduledAt = scheduledAt.UTC()
	r.appt.Reason = reason
	r.appt.UpdatedAt = s.now()
	change := Change{LocalID: localID, PatientID: r.appt.PatientID, To: r.appt.Status}
	s.mu.Unlock()

	s.hub.notify(&change)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, localID string) (model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return model.Appointment{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[localID]
	if !ok {
		return model.Appointment{}, fmt.Errorf("get %s: %w", localID, ErrRecordNotFound)
	}
	return cloneAppointment(r.appt), nil
}

func (s *MemoryStore) QueryAll(ctx context.Context) ([]model.Appointment, error) {
	return s.query(ctx, Filter{})
}

func (s *MemoryStore) QueryByStatus(ctx context.Context, status model.Status) ([]model.Appointment, error) {
	return s.query(ctx, StatusFilter(status))
}

func (s *MemoryStore) Subscribe(ctx context.Context, filter Filter, fn func([]model.Appointment)) (func(), error) {
	if fn == nil {
		return nil, fmt.Errorf("subscribe: nil callback")
	}
	return s.hub.subscribe(ctx, filter, fn), nil
}

// Close stops all subscriptions.
func (s *MemoryStore) Close() {
	s.hub.closeAll()
}

// query returns matches newest first.
func (s *MemoryStore) query(ctx context.Context, f Filter) ([]model.Appointment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type entry struct {
		appt model.Appointment
		seq  uint64
	}
	s.mu.RLock()
	es := make([]entry, 0, len(s.records))
	for _, r := range s.records {
		if f.Match(r.appt) {
			es = append(es, entry{appt: cloneAppointment(r.appt), seq: r.seq})
		}
	}
	s.mu.RUnlock()

	sort.Slice(es, func(i, j int) bool {
		if !es[i].appt.CreatedAt.Equal(es[j].appt.CreatedAt) {
			return es[i].appt.CreatedAt.After(es[j].appt.CreatedAt)
		}
		return es[i].seq > es[j].seq
	})
	out := make([]model.Appointment, len(es))
	for i, e := range es {
		out[i] = e.appt
	}
	return out, nil
}

func copyID(id *uint64) *uint64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

func cloneAppointment(a model.Appointment) model.Appointment {
	a.LedgerID = copyID(a.LedgerID)
	return a
}
