package appointment

import (
	"fmt"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/calendar"
	"github.com/hackgods/ledger-appointment-portal/internal/model"
)

type BookRequest struct {
	PatientID   int64
	ProviderRef string
	ScheduledAt time.Time
	Reason      string
}

type BookResult struct {
	LedgerID uint64 `json:"ledger_id"`
	// LocalID is empty when the cache write failed; the next view heals it.
	LocalID string `json:"local_id,omitempty"`
}

// RecordRequest is a provider's intent to add a health record.
type RecordRequest struct {
	PatientID   int64
	PatientName string
	Diagnosis   string
	Treatment   string
}

// Ref names an appointment by either identifier. An explicit LedgerID wins.
type Ref struct {
	LocalID  string
	LedgerID *uint64
}

func (r Ref) String() string {
	if r.LedgerID != nil {
		return fmt.Sprintf("ledger:%d", *r.LedgerID)
	}
	return "local:" + r.LocalID
}

// View is one merged read of cache and ledger.
type View struct {
	Appointments []model.Appointment `json:"appointments"`
	Calendar     calendar.Projection `json:"calendar"`
	// Degraded means the ledger could not be read; every record is then
	// cache-only and unconfirmed.
	Degraded    bool      `json:"degraded"`
	LedgerError string    `json:"ledger_error,omitempty"`
	Skipped     []uint64  `json:"skipped,omitempty"`
	Repaired    int       `json:"repaired"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Filter returns the appointments with the given status.
func (v View) Filter(status model.Status) []model.Appointment {
	out := make([]model.Appointment, 0, len(v.Appointments))
	for _, a := range v.Appointments {
		if a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

type ReconcileReport struct {
	Checked  int  `json:"checked"`
	Repaired int  `json:"repaired"`
	Skipped  int  `json:"skipped"`
	Degraded bool `json:"degraded"`
}

const (
	EventAppointmentBooked   = "APPOINTMENT_BOOKED"
	EventAppointmentApproved = "APPOINTMENT_APPROVED"
	EventAppointmentDeclined = "APPOINTMENT_DECLINED"
	EventAppointmentRepaired = "APPOINTMENT_REPAIRED"
	EventCacheWriteFailed    = "CACHE_WRITE_FAILED"
	EventLedgerReadDegraded  = "LEDGER_READ_DEGRADED"
	EventRecordAdded         = "HEALTH_RECORD_ADDED"
)
