package cache

import (
	"context"
	"errors"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

var (
	ErrRecordNotFound    = errors.New("cache record not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrLedgerIDConflict  = errors.New("record already carries a different ledger id")
)

// NewRecord is what the engine hands the cache when a booking finalizes.
type NewRecord struct {
	LedgerID    *uint64
	PatientID   int64
	ProviderRef string
	ScheduledAt time.Time
	Reason      string
	Status      model.Status
	BookedAt    time.Time
}

// Store is the secondary, mutable appointment store. It is keyed by its own
// local id and knows the ledger id only as an attribute.
type Store interface {
	Create(ctx context.Context, rec NewRecord) (string, error)
	// UpdateStatus is idempotent: applying the current status again is a
	// no-op. A ledger id, once set, is never replaced.
	UpdateStatus(ctx context.Context, localID string, status model.Status, ledgerID *uint64) error
	// FillDetails sets the schedule and reason of a record that still
	// carries model.LegacyReason. Any other record is left as is.
	FillDetails(ctx context.Context, localID string, scheduledAt time.Time, reason string) error
	Get(ctx context.Context, localID string) (model.Appointment, error)
	QueryAll(ctx context.Context) ([]model.Appointment, error)
	QueryByStatus(ctx context.Context, status model.Status) ([]model.Appointment, error)
	// Subscribe delivers a snapshot of the records matching filter right
	// away and again after every matching change, in order. fn runs on the
	// subscription's own goroutine.
	Subscribe(ctx context.Context, filter Filter, fn func([]model.Appointment)) (func(), error)
}

// Filter selects records for queries and subscriptions. Zero values match
// everything.
type Filter struct {
	Status    *model.Status
	PatientID int64
}

func StatusFilter(s model.Status) Filter {
	return Filter{Status: &s}
}

func (f Filter) Match(a model.Appointment) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.PatientID > 0 && a.PatientID != f.PatientID {
		return false
	}
	return true
}

// Change describes one mutation for subscription fan-out.
type Change struct {
	LocalID   string        `json:"local_id"`
	PatientID int64         `json:"patient_id"`
	From      *model.Status `json:"from,omitempty"`
	To        model.Status  `json:"to"`
}

// Affects reports whether a change can alter the snapshot for f: either the
// record entered the filtered set or it left it.
func (f Filter) Affects(c Change) bool {
	if f.PatientID > 0 && c.PatientID != f.PatientID {
		return false
	}
	if f.Status == nil {
		return true
	}
	if c.To == *f.Status {
		return true
	}
	return c.From != nil && *c.From == *f.Status
}

func filterAppointments(in []model.Appointment, f Filter) []model.Appointment {
	out := make([]model.Appointment, 0, len(in))
	for _, a := range in {
		if f.Match(a) {
			out = append(out, a)
		}
	}
	return out
}

// checkUpdate decides what an UpdateStatus call does against the current
// record. It returns apply=false for an idempotent repeat.
func checkUpdate(cur model.Appointment, status model.Status, ledgerID *uint64) (apply bool, err error) {
	if ledgerID != nil && cur.LedgerID != nil && *cur.LedgerID != *ledgerID {
		return false, ErrLedgerIDConflict
	}
	sameLedger := ledgerID == nil || cur.LedgerID != nil
	if cur.Status == status {
		return !sameLedger, nil
	}
	if !cur.Status.CanTransition(status) {
		return false, ErrInvalidTransition
	}
	return true, nil
}
